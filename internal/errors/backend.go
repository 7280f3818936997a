package errors

import (
	"errors"
	"fmt"
)

// BackendError represents a 5xx or otherwise unexpected response from a catalog.
// It is scoped to the single request that produced it.
type BackendError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, e.Body)
}

// NewBackendError creates a BackendError.
func NewBackendError(service string, statusCode int, body string) *BackendError {
	return &BackendError{Service: service, StatusCode: statusCode, Body: body}
}

// IsBackendError reports whether err is a BackendError (even when wrapped).
func IsBackendError(err error) bool {
	var backendErr *BackendError
	return errors.As(err, &backendErr)
}
