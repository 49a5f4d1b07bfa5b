// Package quota is the admission guard. It compares a workspace's
// subscription limits with current usage and answers with a Decision; an
// expected breach is a denied Decision, never an error.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/socialpilot/orchestrator/internal/store"
)

// Resources that can be admitted.
const (
	ResourceSocialAccount   = "new_social_account"
	ResourceParallelSession = "new_parallel_session"
	ResourceRuntime         = "automation_runtime"
	ResourceSeat            = "seat"
)

// Denial reasons.
const (
	ReasonQuotaExhausted       = "quota_exhausted"
	ReasonSubscriptionInactive = "subscription_inactive"
	ReasonSubscriptionExpired  = "subscription_expired"
	ReasonLimitSocialAccounts  = "limit_social_accounts"
	ReasonLimitParallel        = "limit_parallel_sessions"
	ReasonLimitSeats           = "limit_seats"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

var allow = Decision{Allowed: true}

func deny(reason string) Decision { return Decision{Reason: reason} }

// Source is the read side of the store the guard needs.
type Source interface {
	GetSubscription(ctx context.Context, workspaceID string) (*store.Subscription, error)
	GetUsage(ctx context.Context, workspaceID, period string) (*store.UsageMonthly, error)
	CountAccounts(ctx context.Context, workspaceID string) (int, error)
	CountOpenLoginSessions(ctx context.Context, workspaceID string, now time.Time) (int, error)
	CountSeats(ctx context.Context, workspaceID string) (int, error)
}

// Guard evaluates admissions. It holds no state; callers re-check at every
// admission point because usage accrues continuously.
type Guard struct {
	src Source
	now func() time.Time
}

// New returns a Guard reading from src.
func New(src Source) *Guard { return &Guard{src: src, now: time.Now} }

// SetClock replaces the clock (tests).
func (g *Guard) SetClock(now func() time.Time) { g.now = now }

// With returns a Guard with the same clock reading from src. Admission points
// that insert right after the check pass their transaction-bound store so the
// count and the insert see the same snapshot.
func (g *Guard) With(src Source) *Guard { return &Guard{src: src, now: g.now} }

// Active checks the subscription status alone. A workspace without a
// subscription row is unrestricted.
func Active(sub *store.Subscription, now time.Time) Decision {
	if sub == nil {
		return allow
	}
	if sub.Status != store.SubTrial && sub.Status != store.SubActive {
		return deny(ReasonSubscriptionInactive)
	}
	if sub.CurrentPeriodEnd != nil && !now.Before(*sub.CurrentPeriodEnd) {
		return deny(ReasonSubscriptionExpired)
	}
	return allow
}

// CanAdmit answers whether workspaceID may take one more unit of resource.
func (g *Guard) CanAdmit(ctx context.Context, workspaceID, resource string) (Decision, error) {
	now := g.now()
	sub, err := g.src.GetSubscription(ctx, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: subscription: %w", err)
	}
	if d := Active(sub, now); !d.Allowed {
		return d, nil
	}
	if sub == nil {
		return allow, nil
	}

	switch resource {
	case ResourceRuntime:
		if sub.AutomationRuntimeHours == nil {
			return allow, nil
		}
		u, err := g.src.GetUsage(ctx, workspaceID, store.Period(now))
		if err != nil {
			return Decision{}, fmt.Errorf("quota: usage: %w", err)
		}
		if u.AutomationRuntimeSeconds >= int64(*sub.AutomationRuntimeHours)*3600 {
			return deny(ReasonQuotaExhausted), nil
		}
		return allow, nil

	case ResourceSocialAccount:
		return g.limit(sub.MaxSocialAccounts, ReasonLimitSocialAccounts, func() (int, error) {
			return g.src.CountAccounts(ctx, workspaceID)
		})

	case ResourceParallelSession:
		return g.limit(sub.MaxParallelSessions, ReasonLimitParallel, func() (int, error) {
			return g.src.CountOpenLoginSessions(ctx, workspaceID, now)
		})

	case ResourceSeat:
		return g.limit(sub.Seats, ReasonLimitSeats, func() (int, error) {
			return g.src.CountSeats(ctx, workspaceID)
		})
	}
	return Decision{}, fmt.Errorf("quota: unknown resource %q", resource)
}

func (g *Guard) limit(max *int, reason string, count func() (int, error)) (Decision, error) {
	if max == nil {
		return allow, nil
	}
	n, err := count()
	if err != nil {
		return Decision{}, fmt.Errorf("quota: count: %w", err)
	}
	if n >= *max {
		return deny(reason), nil
	}
	return allow, nil
}

// EffectiveParallel is the number of account runs of one schedule allowed to
// execute at once: the schedule's max_parallel (at least 1), further capped
// by the subscription's max_parallel_sessions when that is positive.
func EffectiveParallel(sub *store.Subscription, scheduleMax int) int {
	n := scheduleMax
	if n <= 0 {
		n = 1
	}
	if sub == nil || sub.MaxParallelSessions == nil || *sub.MaxParallelSessions <= 0 {
		return n
	}
	return min(n, *sub.MaxParallelSessions)
}
