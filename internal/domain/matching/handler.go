package matching

import (
	"fmt"
	"net/http"

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
	read.GET("/matches", h.List)
	read.GET("/matches/:id", h.Get)
	read.GET("/matches/:id/history", h.History)
	read.GET("/recipients/:id/candidates", h.RecipientCandidates)
	read.GET("/donors/:id/candidates", h.DonorCandidates)

	coord := api.Group("", auth.RequireRole(auth.RoleCoordinator))
	coord.POST("/matches", h.Create)
	coord.POST("/recipients/:id/match", h.MatchRecipient)

	act := api.Group("/matches/:id", auth.RequireRole(auth.RoleCoordinator, auth.RoleHospital, auth.RoleRecipient))
	act.POST("/accept", h.Accept)
	act.POST("/reject", h.Reject)

	api.POST("/matches/:id/complete", h.Complete, auth.RequireRole(auth.RoleCoordinator, auth.RoleHospital))
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func actor(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Actor = actor(c)
	m, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		State: MatchState(c.QueryParam("state")),
		Organ: registry.OrganType(c.QueryParam("organ")),
	}
	if f.State != "" && !f.State.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown state %q", f.State))
	}
	if f.Organ != "" && !registry.ValidOrgan(f.Organ) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown organ %q", f.Organ))
	}
	for param, dst := range map[string]*uuid.UUID{"donor_id": &f.DonorID, "recipient_id": &f.RecipientID} {
		if v := c.QueryParam(param); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
			}
			*dst = id
		}
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) History(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.Accept(c.Request().Context(), id, actor(c))
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.Reject(c.Request().Context(), id, actor(c), req.Reason)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.Complete(c.Request().Context(), id, actor(c))
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) RecipientCandidates(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ranking, err := h.svc.Ranker().RankForRecipient(c.Request().Context(), id)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, ranking)
}

func (h *Handler) DonorCandidates(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	organ := registry.OrganType(c.QueryParam("organ"))
	if organ == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organ is required")
	}
	ranking, err := h.svc.Ranker().RankForDonor(c.Request().Context(), id, organ)
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, ranking)
}

func (h *Handler) MatchRecipient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	m, ranking, err := h.svc.MatchRecipient(c.Request().Context(), id, actor(c))
	if err != nil {
		return sentinel.HTTPError(err)
	}
	if m == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"match":   nil,
			"ranking": ranking,
		})
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"match":   m,
		"ranking": ranking,
	})
}
