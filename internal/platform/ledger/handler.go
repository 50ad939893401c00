package ledger

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/organmatch/organmatch/internal/platform/auth"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
	"github.com/organmatch/organmatch/pkg/pagination"
)

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/ledger", auth.RequireRole(auth.RoleCoordinator, auth.RoleLedger))
	read.GET("/events", h.ListEvents)
	read.GET("/events/:id", h.GetEvent)

	write := api.Group("/ledger", auth.RequireRole(auth.RoleLedger))
	write.POST("/events", h.AppendEvent)
}

func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	var after uint64
	if v := c.QueryParam("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after")
		}
		after = n
	}
	evs, err := h.ledger.List(c.Request().Context(), EventType(c.QueryParam("type")), after, pg.Limit)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	latest, _ := h.ledger.Latest()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":   evs,
		"latest": latest,
	})
}

func (h *Handler) GetEvent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ev, err := h.ledger.Get(c.Request().Context(), id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, ev)
}

type appendRequest struct {
	Type    EventType     `json:"type"`
	Payload ActionRequest `json:"payload"`
}

// AppendEvent accepts inbound action requests from external parties. Facts
// are only written by the engine itself.
func (h *Handler) AppendEvent(c echo.Context) error {
	var req appendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !req.Type.Inbound() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("event type %q cannot be appended externally", req.Type))
	}
	if req.Payload.MatchID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "payload.match_id is required")
	}
	if req.Payload.Actor == "" {
		req.Payload.Actor = auth.UserIDFromContext(c.Request().Context())
	}
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev, err := h.ledger.Append(c.Request().Context(), req.Type, json.RawMessage(raw))
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusAccepted, ev)
}
