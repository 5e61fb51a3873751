package gateway

import (
	"fmt"
	"net/http"
)

// APIError is a non-2xx gateway response.
// It matches ErrGatewayUnavailable for 429/5xx and ErrNotFound for 404.
type APIError struct {
	Gateway    string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s: http %d: %s: %s", e.Gateway, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: %s: http %d: %s", e.Gateway, e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrGatewayUnavailable:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrInvalidRequest:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}
