package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrCircuitOpen is returned when the breaker for a service is open and the
// call is rejected without reaching the remote side.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrRetriesExhausted wraps the last error once every attempt failed.
type ErrRetriesExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("connectivity: %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ErrRetriesExhausted) Unwrap() error { return e.Last }

// IsTransient reports whether err is a failure to reach the remote side
// rather than an answer from it: an open breaker, exhausted retries, a
// network error or a deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var open *ErrCircuitOpen
	var exhausted *ErrRetriesExhausted
	var nerr net.Error
	return errors.As(err, &open) || errors.As(err, &exhausted) ||
		errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded)
}
