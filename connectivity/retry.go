package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	// MaxAttempts counts the first call. 1 disables retries. Default: 3.
	MaxAttempts int
	// BaseBackoff is the wait after the first failure, doubled each attempt.
	// Default: 1s.
	BaseBackoff time.Duration
	// MaxBackoff caps a single wait. Default: 30s.
	MaxBackoff time.Duration
	// Retryable decides whether an error is worth another attempt. nil
	// retries everything except ErrCircuitOpen and context errors.
	Retryable func(error) bool
	Logger    *slog.Logger
	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (p *Policy) defaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.sleep == nil {
		p.sleep = sleepCtx
	}
}

// Backoff returns the wait before attempt n+1 (n starts at 0).
func (p Policy) Backoff(n int) time.Duration {
	p.defaults()
	wait := p.BaseBackoff << uint(n)
	if wait <= 0 || wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	return wait
}

// Retry calls fn until it succeeds, the error is not retryable, attempts
// run out or ctx is done. Non-retryable errors are returned as is; exhausted
// retries wrap the last error in ErrRetriesExhausted.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	p.defaults()
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(p, err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		wait := p.Backoff(attempt)
		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "connectivity: retrying call",
				"attempt", attempt+1,
				"max_attempts", p.MaxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return lastErr
		}
	}
	return &ErrRetriesExhausted{Attempts: p.MaxAttempts, Last: lastErr}
}

func retryable(p Policy, err error) bool {
	var open *ErrCircuitOpen
	if errors.As(err, &open) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
