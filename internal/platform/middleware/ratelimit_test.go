package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/organmatch/organmatch/internal/platform/auth"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func call(t *testing.T, h echo.HandlerFunc, actor string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/matches", nil)
	if actor != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), actor, nil, ""))
	}
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	h := rateLimit(RateLimitConfig{RequestsPerSecond: 2, BurstSize: 3}, clock.now)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		rec, err := call(t, h, "")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("limit header = %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec, err := call(t, h, "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "1" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected headers %v", rec.Header())
	}

	clock.t = clock.t.Add(500 * time.Millisecond)
	if _, err := call(t, h, ""); err != nil {
		t.Errorf("expected a refilled token, got %v", err)
	}
}

func TestRateLimit_KeysByActor(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	h := rateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, clock.now)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	if _, err := call(t, h, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := call(t, h, "alice"); err == nil {
		t.Error("second call by the same actor should be limited")
	}
	if _, err := call(t, h, "bob"); err != nil {
		t.Errorf("another actor has its own bucket: %v", err)
	}
	if _, err := call(t, h, ""); err != nil {
		t.Errorf("anonymous callers are keyed by IP: %v", err)
	}
}
