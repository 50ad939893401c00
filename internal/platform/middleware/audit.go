package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/organmatch/organmatch/internal/platform/auth"
)

// AuditEntry describes one state-changing API call.
type AuditEntry struct {
	RequestID  string
	Actor      string
	Roles      []string
	HospitalID string
	Action     string
	Resource   string
	ResourceID string
	Method     string
	Path       string
	IPAddress  string
	StatusCode int
	Timestamp  time.Time
}

// Audit logs every mutating request under /api/v1 once the handler has run.
// Reads are not audited; match history and the ledger cover those.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				Actor:      auth.UserIDFromContext(ctx),
				Roles:      auth.RolesFromContext(ctx),
				HospitalID: auth.HospitalIDFromContext(ctx),
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				StatusCode: c.Response().Status,
				Timestamp:  time.Now().UTC(),
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Resource, entry.ResourceID, entry.Action = describe(req.Method, req.URL.Path)

			evt := logger.Info()
			if entry.StatusCode >= 400 {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("actor", entry.Actor).
				Strs("roles", entry.Roles).
				Str("hospital_id", entry.HospitalID).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("api_write")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if !strings.HasPrefix(path, "/api/v1/") {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// describe splits /api/v1/<resource>[/<id>[/<verb>]] into its parts. The
// action is the trailing verb when present, otherwise derived from the method.
func describe(method, path string) (resource, id, action string) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	if len(parts) > 0 {
		resource = parts[0]
	}
	for i := 1; i < len(parts); i++ {
		if _, err := uuid.Parse(parts[i]); err == nil {
			if id == "" {
				id = parts[i]
			}
			continue
		}
		if id == "" && i == 1 {
			resource += "/" + parts[i]
			continue
		}
		action = parts[i]
	}
	if action == "" {
		switch method {
		case http.MethodPost:
			action = "create"
		case http.MethodPut, http.MethodPatch:
			action = "update"
		case http.MethodDelete:
			action = "delete"
		}
	}
	return resource, id, action
}
