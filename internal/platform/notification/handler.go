package notification

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/organmatch/organmatch/internal/platform/auth"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
	"github.com/organmatch/organmatch/pkg/pagination"
)

// Handler serves the notification inbox.
type Handler struct {
	d *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{d: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/notifications")
	g.GET("", h.List)
	g.GET("/stats", h.Stats, auth.RequireRole(auth.RoleCoordinator))
	g.GET("/:id", h.Get)
	g.POST("/:id/read", h.MarkRead)
	g.POST("/:id/retry", h.Retry, auth.RequireRole(auth.RoleCoordinator))
}

// canSee reports whether the caller may read notifications addressed to
// partyID. Coordinators see everything, other callers only their own inbox
// or their hospital's.
func canSee(c echo.Context, partyID string) bool {
	ctx := c.Request().Context()
	if auth.HasAnyRole(auth.RolesFromContext(ctx), auth.RoleCoordinator) {
		return true
	}
	if partyID == "" {
		return false
	}
	return partyID == auth.UserIDFromContext(ctx) || partyID == auth.HospitalIDFromContext(ctx)
}

func (h *Handler) load(c echo.Context) (*Notification, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.d.Store().Get(c.Request().Context(), id)
	if err != nil {
		return nil, sentinel.HTTPError(err)
	}
	if !canSee(c, n.PartyID) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return n, nil
}

func (h *Handler) List(c echo.Context) error {
	partyID := c.QueryParam("party_id")
	if partyID == "" {
		partyID = auth.UserIDFromContext(c.Request().Context())
	}
	if partyID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "party_id is required")
	}
	if !canSee(c, partyID) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot read another party's notifications")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.d.Store().ListByParty(c.Request().Context(), partyID, pg.Limit, pg.Offset)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	n, err := h.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) MarkRead(c echo.Context) error {
	n, err := h.load(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.d.Store().MarkRead(ctx, n.ID, time.Now().UTC()); err != nil {
		return sentinel.HTTPError(err)
	}
	n, err = h.d.Store().Get(ctx, n.ID)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.d.Retry(c.Request().Context(), id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"id":     n.ID,
		"status": "queued",
	})
}

func (h *Handler) Stats(c echo.Context) error {
	st, err := h.d.Store().Stats(c.Request().Context())
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}
