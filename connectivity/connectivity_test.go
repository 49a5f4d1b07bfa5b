package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestBreakerOpensAndRecovers(t *testing.T) {
	// WHAT: Breaker opens after threshold failures, half-opens after the
	// reset timeout and closes after enough probe successes.
	// WHY: A dead browser node must not absorb every executor worker.
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("browser-node",
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(10*time.Second),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
	)

	boom := errors.New("boom")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		cb.Do(ctx, func(context.Context) error { return boom }, nil)
	}
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	err := cb.Do(ctx, func(context.Context) error { t.Fatal("must not be called"); return nil }, nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) || open.Service != "browser-node" {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	now = now.Add(11 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}
	if err := cb.Do(ctx, func(context.Context) error { return nil }, nil); err != nil {
		t.Fatal(err)
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestBreakerIgnoresUncountable(t *testing.T) {
	cb := NewCircuitBreaker("svc", WithBreakerThreshold(1))
	clientErr := errors.New("400 bad request")
	cb.Do(context.Background(), func(context.Context) error { return clientErr },
		func(err error) bool { return !errors.Is(err, clientErr) })
	if cb.State() != BreakerClosed {
		t.Fatal("uncountable error must not trip the breaker")
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 5, sleep: noSleep}, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	last := errors.New("still down")
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 3, sleep: noSleep}, func(context.Context, int) error {
		calls++
		return last
	})
	var ex *ErrRetriesExhausted
	if !errors.As(err, &ex) || ex.Attempts != 3 {
		t.Fatalf("err = %v, want ErrRetriesExhausted(3)", err)
	}
	if !errors.Is(err, last) {
		t.Fatal("exhausted error must unwrap to the last error")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryNonRetryable(t *testing.T) {
	terminal := errors.New("auth required")
	calls := 0
	err := Retry(context.Background(), Policy{
		MaxAttempts: 3,
		sleep:       noSleep,
		Retryable:   func(err error) bool { return !errors.Is(err, terminal) },
	}, func(context.Context, int) error {
		calls++
		return terminal
	})
	if !errors.Is(err, terminal) || calls != 1 {
		t.Fatalf("err = %v calls = %d, want terminal after 1 call", err, calls)
	}
}

func TestRetryCircuitOpenNotRetried(t *testing.T) {
	calls := 0
	Retry(context.Background(), Policy{MaxAttempts: 3, sleep: noSleep}, func(context.Context, int) error {
		calls++
		return &ErrCircuitOpen{Service: "x"}
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{BaseBackoff: time.Second, MaxBackoff: 4 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Fatalf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestIsTransient(t *testing.T) {
	// WHAT: unreachable-remote errors are transient; plain answers are not.
	// WHY: A login session must survive a browser node blip.
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("session not found"), false},
		{&ErrCircuitOpen{Service: "browser-node"}, true},
		{&ErrRetriesExhausted{Attempts: 3, Last: errors.New("boom")}, true},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
