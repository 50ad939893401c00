package emergency

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/organmatch/organmatch/internal/domain/registry"
	"github.com/organmatch/organmatch/internal/platform/auth"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
	"github.com/organmatch/organmatch/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCoordinator, auth.RoleHospital))
	read.GET("/emergency/elevations", h.List)
	read.GET("/emergency/elevations/:id", h.Get)

	write := api.Group("", auth.RequireRole(auth.RoleCoordinator))
	write.POST("/emergency/elevations", h.Create)
	write.DELETE("/emergency/elevations/:id", h.Revoke)
}

func (h *Handler) Create(c echo.Context) error {
	var e Elevation
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &e, auth.UserIDFromContext(c.Request().Context())); err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// List accepts organ, region and active (default true) query parameters.
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{Organ: registry.OrganType(c.QueryParam("organ")), Region: c.QueryParam("region")}
	if f.Organ != "" && !registry.ValidOrgan(f.Organ) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid organ")
	}
	activeOnly := true
	if v := c.QueryParam("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active")
		}
		activeOnly = b
	}
	items, total, err := h.svc.List(c.Request().Context(), f, activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Revoke(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.svc.Revoke(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, e)
}
