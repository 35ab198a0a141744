package apperrors

import (
	"context"
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code. The outermost
// *Error decides; a runner that timed out maps to 504 rather than 502.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Sentinel == ErrUnavailable && errors.Is(appErr.Cause, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return sentinelStatus(appErr.Sentinel)
	}
	return sentinelStatus(err)
}

func sentinelStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
