// Package errs holds the sentinel errors shared by the orchestrator
// components and the API error mapping. The orchestrator package re-exports
// them.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrForbidden        = errors.New("forbidden")
	ErrQuotaDenied      = errors.New("quota denied")
	ErrConcurrencyLimit = errors.New("concurrency_limit_exceeded")
	ErrSessionNotActive = errors.New("login session not active")
	ErrNotLoggedIn      = errors.New("not logged in yet")

	// ErrBrowserUnavailable means the browser backend could not be reached;
	// the operation may be retried.
	ErrBrowserUnavailable = errors.New("browser unavailable")
)

// Invalid wraps ErrInvalidInput with a message shown to the caller.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// DeniedError is a quota denial. It matches ErrQuotaDenied.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "quota denied: " + e.Reason }

func (e *DeniedError) Is(target error) bool { return target == ErrQuotaDenied }

// Denied returns a *DeniedError for reason.
func Denied(reason string) error { return &DeniedError{Reason: reason} }
