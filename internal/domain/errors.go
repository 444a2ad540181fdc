package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown to storage
	ErrSessionNotFound = errors.New("session not found")
	// ErrStaleWrite is returned when a save loses a revision race
	ErrStaleWrite = errors.New("stale session write rejected")
	// ErrSessionInvalid marks a backend session the server no longer accepts
	ErrSessionInvalid = errors.New("backend session invalid")
	// ErrNotInitialized is returned when an operation requires a completed initialization
	ErrNotInitialized = errors.New("chat service not initialized")
	// ErrInitExhausted marks an orchestrator whose initialization attempts are used up
	ErrInitExhausted = errors.New("initialization attempts exhausted")
	// ErrAuthRequired is returned when no credentials are available to mint a token
	ErrAuthRequired = errors.New("authentication required")
	// ErrAttemptTimeout marks a single HTTP attempt that hit its deadline
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// AuthError is a classified authentication failure
type AuthError struct {
	Kind    AuthErrorType
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("auth error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("auth error (%s)", e.Kind)
}

// NewAuthError builds a classified auth failure
func NewAuthError(kind AuthErrorType, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message}
}

// IsAuthError reports whether err is (or wraps) an AuthError
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// HTTPError carries a non-success status surfaced after retries
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// StatusOf extracts the status code from an HTTPError chain, or 0
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
