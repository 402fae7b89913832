package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown session ids and artifact refs.
	// Callers should treat it as "start a new session".
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a turn is already in flight for a session.
	ErrConflict = errors.New("turn already in flight")
)

// ValidationError reports a request or tool call that was refused.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Reason, e.Detail)
}

// Invalid builds a ValidationError.
func Invalid(reason, detail string) error {
	return &ValidationError{Reason: reason, Detail: detail}
}

// UpstreamError wraps a failure of an external agent capability.
type UpstreamError struct {
	Capability string
	Err        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Capability, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream builds an UpstreamError.
func Upstream(capability string, err error) error {
	return &UpstreamError{Capability: capability, Err: err}
}
