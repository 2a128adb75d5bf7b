package api

import (
	"errors"
	"fmt"
	"net/http"

	"kbforge/internal/services"
)

// StatusForError maps an error to the HTTP status the daemon returns.
func StatusForError(err error) int {
	if errors.Is(err, services.ErrNotFound) {
		return http.StatusNotFound
	}
	switch services.KindOf(err) {
	case services.KindNone:
		return http.StatusOK
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindPrecondition:
		return http.StatusConflict
	case services.KindConfiguration:
		return http.StatusUnprocessableEntity
	case services.KindTransient, services.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorResponse builds the error body for err.
func NewErrorResponse(err error) ErrorResponse {
	if err == nil {
		return ErrorResponse{}
	}
	kind := string(services.KindOf(err))
	if errors.Is(err, services.ErrNotFound) {
		kind = "not_found"
	}
	return ErrorResponse{Error: err.Error(), Kind: kind}
}

// ResponseError is returned by Client for non-2xx responses.
type ResponseError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *ResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.StatusCode)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// NotFound reports whether the daemon answered 404.
func (e *ResponseError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Unwrap lets errors.Is match the services markers for the returned kind.
func (e *ResponseError) Unwrap() error {
	if e.Kind == "not_found" {
		return services.ErrNotFound
	}
	switch services.Kind(e.Kind) {
	case services.KindValidation:
		return services.ErrValidation
	case services.KindPrecondition:
		return services.ErrPrecondition
	case services.KindConfiguration:
		return services.ErrConfiguration
	case services.KindTransient:
		return services.ErrTransient
	case services.KindTimeout:
		return services.ErrTimeout
	case services.KindFatal:
		return services.ErrFatal
	}
	return nil
}
