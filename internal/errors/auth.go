package errors

import (
	"errors"
	"fmt"
)

// AuthError is returned when a catalog rejects the supplied credentials.
// It is terminal for the whole operation and never retried.
type AuthError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s authentication failed (HTTP %d): %s", e.Service, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s authentication failed: %s", e.Service, e.Message)
}

// NewAuthError creates an AuthError for the named service.
func NewAuthError(service string, statusCode int, message string) *AuthError {
	return &AuthError{Service: service, StatusCode: statusCode, Message: message}
}

// IsAuthError reports whether err is an AuthError (even when wrapped).
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
