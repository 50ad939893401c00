package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/platform/auth"
)

func TestAudit_LogsWrites(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	id := "3f1c2d9e-8b7a-4c5d-9e0f-112233445566"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/matches/"+id+"/accept", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "hospital-user", []string{auth.RoleHospital}, "h-1"))
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("request_id", "req-123")

	err := Audit(zerolog.New(&buf))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry := decodeLog(t, &buf)
	want := map[string]interface{}{
		"type":        "audit",
		"actor":       "hospital-user",
		"hospital_id": "h-1",
		"resource":    "matches",
		"resource_id": id,
		"action":      "accept",
		"request_id":  "req-123",
		"status":      float64(200),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestAudit_RecordsErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/matches", nil), httptest.NewRecorder())

	_ = Audit(zerolog.New(&buf))(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "organ already claimed")
	})(c)

	entry := decodeLog(t, &buf)
	if entry["level"] != "warn" || entry["status"] != float64(409) || entry["action"] != "create" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestAudit_SkipsReadsAndOtherPaths(t *testing.T) {
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/matches"},
		{http.MethodPost, "/metrics"},
		{http.MethodPost, "/ws/inbox"},
	} {
		var buf bytes.Buffer
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(tc.method, tc.path, nil), httptest.NewRecorder())
		_ = Audit(zerolog.New(&buf))(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
		if buf.Len() != 0 {
			t.Errorf("%s %s should not be audited, got %s", tc.method, tc.path, buf.String())
		}
	}
}

func TestDescribe(t *testing.T) {
	id := "3f1c2d9e-8b7a-4c5d-9e0f-112233445566"
	tests := []struct {
		method, path          string
		resource, rid, action string
	}{
		{http.MethodPost, "/api/v1/matches", "matches", "", "create"},
		{http.MethodPost, "/api/v1/matches/" + id + "/reject", "matches", id, "reject"},
		{http.MethodPost, "/api/v1/donors/" + id + "/death-confirmation", "donors", id, "death-confirmation"},
		{http.MethodDelete, "/api/v1/emergency/elevations/" + id, "emergency/elevations", id, "delete"},
		{http.MethodPost, "/api/v1/emergency/elevations", "emergency/elevations", "", "create"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resource, rid, action := describe(tt.method, tt.path)
			if resource != tt.resource || rid != tt.rid || action != tt.action {
				t.Errorf("describe = (%q, %q, %q), want (%q, %q, %q)", resource, rid, action, tt.resource, tt.rid, tt.action)
			}
		})
	}
}
