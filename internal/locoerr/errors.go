// Package locoerr defines the error kinds shared across the server.
package locoerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers missing accounts, repos, branches, files and
	// artifacts. Mapped to HTTP 404.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest covers malformed fileset modes, categories and CVS
	// payloads. Mapped to HTTP 400.
	ErrBadRequest = errors.New("bad request")
	// ErrConfig is fatal at startup: unknown auth method, missing root.
	ErrConfig = errors.New("configuration error")
)

// AuthError carries the HTTP mapping for an authentication failure.
type AuthError struct {
	Status  int
	Message string
	Headers map[string]string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Message)
}

// AuthRequired builds the 401 challenge for a secure context without
// credentials.
func AuthRequired(realm string) *AuthError {
	return &AuthError{
		Status:  401,
		Message: "authentication required",
		Headers: map[string]string{
			"WWW-Authenticate": fmt.Sprintf("Basic realm=%q", realm),
		},
	}
}

// AuthFailed builds the 401 response for rejected credentials.
func AuthFailed(realm string) *AuthError {
	return &AuthError{
		Status:  401,
		Message: "invalid credentials",
		Headers: map[string]string{
			"WWW-Authenticate": fmt.Sprintf("Basic realm=%q", realm),
		},
	}
}

// NotFound wraps ErrNotFound with a subject.
func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}
