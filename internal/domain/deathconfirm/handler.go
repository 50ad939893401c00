package deathconfirm

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/organmatch/organmatch/internal/platform/auth"
	"github.com/organmatch/organmatch/internal/platform/sentinel"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/donors/:id/death-confirmation", h.Confirm, auth.RequireRole(auth.RoleHospital, auth.RoleCoordinator))
}

type confirmBody struct {
	CertificateHash string `json:"certificate_hash"`
	Signature       string `json:"signature"`
}

// Confirm responds 200 with the batch summary even when some candidates
// failed; the summary carries the per-candidate errors.
func (h *Handler) Confirm(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body confirmBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sum, err := h.svc.Confirm(c.Request().Context(), Request{
		DonorID:         id,
		CertificateHash: body.CertificateHash,
		Signature:       body.Signature,
	})
	if err != nil {
		return sentinel.HTTPError(err)
	}
	return c.JSON(http.StatusOK, sum)
}
