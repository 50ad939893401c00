package registry

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/organmatch/organmatch/internal/platform/auth"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
	"github.com/organmatch/organmatch/pkg/pagination"
)

// Handler exposes read access to the registry plus urgency updates.
type Handler struct {
	reg Registry
}

func NewHandler(reg Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCoordinator, auth.RoleHospital))
	read.GET("/donors/:id", h.GetDonor)
	read.GET("/recipients", h.ListRecipients)
	read.GET("/recipients/:id", h.GetRecipient)
	read.GET("/hospitals/:id", h.GetHospital)

	write := api.Group("", auth.RequireRole(auth.RoleCoordinator, auth.RoleHospital))
	write.PATCH("/recipients/:id/urgency", h.UpdateUrgency)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) GetDonor(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.reg.GetDonor(c.Request().Context(), id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetRecipient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.reg.GetRecipient(c.Request().Context(), id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetHospital(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	hosp, err := h.reg.GetHospital(c.Request().Context(), id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

func (h *Handler) ListRecipients(c echo.Context) error {
	pg := pagination.FromContext(c)
	organ := OrganType(c.QueryParam("organ"))
	if organ != "" && !ValidOrgan(organ) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown organ %q", organ))
	}
	items, total, err := h.reg.ListRecipients(c.Request().Context(), organ, pg.Limit, pg.Offset)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type urgencyRequest struct {
	Urgency Urgency `json:"urgency"`
}

func (h *Handler) UpdateUrgency(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req urgencyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	switch req.Urgency {
	case UrgencyNormal, UrgencyUrgent, UrgencyCritical:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "urgency must be normal, urgent or critical")
	}
	ctx := c.Request().Context()
	if err := h.reg.UpdateUrgency(ctx, id, req.Urgency); err != nil {
		return sentinel.HTTPError(err)
	}
	r, err := h.reg.GetRecipient(ctx, id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}
