// Package sentinel defines the error taxonomy shared by the matching engine.
// Stores and services return these (usually wrapped with fmt.Errorf and %w)
// and callers classify them with errors.Is.
package sentinel

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	// ErrValidation marks malformed input. Batched callers skip and log.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a lost race for an exclusive binding; re-rank and retry.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks an unknown entity.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an illegal state transition.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnauthorized marks a failed attestation or missing authority.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransientDelivery marks a send failure that may succeed on retry.
	ErrTransientDelivery = errors.New("transient delivery failure")
)

// HTTPStatus maps a taxonomy error to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrTransientDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts err into an *echo.HTTPError carrying the mapped status.
func HTTPError(err error) *echo.HTTPError {
	return echo.NewHTTPError(HTTPStatus(err), err.Error())
}
