package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(newContext("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_Values(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"explicit", "/?limit=10&offset=30", 10, 30},
		{"clamped limit", "/?limit=5000", MaxLimit, 0},
		{"negative limit", "/?limit=-3", DefaultLimit, 0},
		{"negative offset", "/?offset=-9", DefaultLimit, 0},
		{"garbage", "/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromContext(newContext(tt.target))
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]int{1, 2}, 5, 2, 0)
	if !r.HasMore {
		t.Error("expected has_more with 5 total and first page of 2")
	}
	r = NewResponse([]int{5}, 5, 2, 4)
	if r.HasMore {
		t.Error("expected no more results on the last page")
	}
}

func TestParams_Window(t *testing.T) {
	tests := []struct {
		p         Params
		n         int
		wantStart int
		wantEnd   int
	}{
		{Params{Limit: 10, Offset: 0}, 25, 0, 10},
		{Params{Limit: 10, Offset: 20}, 25, 20, 25},
		{Params{Limit: 10, Offset: 30}, 25, 25, 25},
		{Params{Limit: 10, Offset: 0}, 0, 0, 0},
	}
	for _, tt := range tests {
		start, end := tt.p.Window(tt.n)
		if start != tt.wantStart || end != tt.wantEnd {
			t.Errorf("Window(%d) with %+v = [%d,%d), want [%d,%d)", tt.n, tt.p, start, end, tt.wantStart, tt.wantEnd)
		}
	}
}
