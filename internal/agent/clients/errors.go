package clients

import (
	"errors"
	"fmt"
)

var (
	ErrNotRegistered = errors.New("agent not registered")
	ErrUnauthorized  = errors.New("agent token rejected")
	ErrBackendDown   = errors.New("backend unavailable")
)

// APIError is a non-2xx answer carrying the coordinator's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap lets callers test auth failures with errors.Is(err, ErrUnauthorized).
func (e *APIError) Unwrap() error {
	if e.StatusCode == 401 {
		return ErrUnauthorized
	}
	if e.StatusCode >= 500 {
		return ErrBackendDown
	}
	return nil
}

// NeedsRegistration reports whether err means the coordinator no longer
// knows this agent or its token.
func NeedsRegistration(err error) bool {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotRegistered) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404 && apiErr.Code == "UNKNOWN_AGENT"
}
