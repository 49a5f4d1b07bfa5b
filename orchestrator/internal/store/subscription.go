package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const subCols = `workspace_id, plan_name, status, seats, max_social_accounts, max_parallel_sessions,
	automation_runtime_hours, artifact_retention_days, current_period_start, current_period_end, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	var seats, accounts, sessions, hours, retention, start, end sql.NullInt64
	var updated int64
	err := row.Scan(&sub.WorkspaceID, &sub.PlanName, &sub.Status, &seats, &accounts, &sessions,
		&hours, &retention, &start, &end, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sub.Seats = intPtr(seats)
	sub.MaxSocialAccounts = intPtr(accounts)
	sub.MaxParallelSessions = intPtr(sessions)
	sub.AutomationRuntimeHours = intPtr(hours)
	sub.ArtifactRetentionDays = intPtr(retention)
	sub.CurrentPeriodStart = fromNullMS(start)
	sub.CurrentPeriodEnd = fromNullMS(end)
	sub.UpdatedAt = fromMS(updated)
	return &sub, nil
}

// GetSubscription returns the subscription of a workspace, or nil.
func (s *Store) GetSubscription(ctx context.Context, workspaceID string) (*Subscription, error) {
	return scanSubscription(s.q.QueryRowContext(ctx,
		`SELECT `+subCols+` FROM workspace_subscriptions WHERE workspace_id = ?`, workspaceID))
}

// ListSubscriptions returns all subscriptions (maintenance retention scan).
func (s *Store) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+subCols+` FROM workspace_subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpsertSubscription creates or replaces the subscription of sub.WorkspaceID.
func (s *Store) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = fromMS(ms(s.now()))
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workspace_subscriptions (`+subCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (workspace_id) DO UPDATE SET
			plan_name = excluded.plan_name,
			status = excluded.status,
			seats = excluded.seats,
			max_social_accounts = excluded.max_social_accounts,
			max_parallel_sessions = excluded.max_parallel_sessions,
			automation_runtime_hours = excluded.automation_runtime_hours,
			artifact_retention_days = excluded.artifact_retention_days,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			updated_at = excluded.updated_at`,
		sub.WorkspaceID, sub.PlanName, sub.Status, intArg(sub.Seats), intArg(sub.MaxSocialAccounts),
		intArg(sub.MaxParallelSessions), intArg(sub.AutomationRuntimeHours), intArg(sub.ArtifactRetentionDays),
		msPtr(sub.CurrentPeriodStart), msPtr(sub.CurrentPeriodEnd), ms(sub.UpdatedAt))
	return err
}

// GetUsage returns the usage row of a period. A missing row reads as zero.
func (s *Store) GetUsage(ctx context.Context, workspaceID, period string) (*UsageMonthly, error) {
	u := &UsageMonthly{WorkspaceID: workspaceID, Period: period}
	var updated int64
	err := s.q.QueryRowContext(ctx,
		`SELECT automation_runtime_seconds, updated_at FROM workspace_usage_monthly WHERE workspace_id = ? AND period = ?`,
		workspaceID, period).Scan(&u.AutomationRuntimeSeconds, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return nil, err
	}
	u.UpdatedAt = fromMS(updated)
	return u, nil
}

// AddUsage records seconds of runtime for actionID at most once. The
// counter is bumped with a single atomic upsert. It reports whether the
// increment was applied, false meaning the action was already counted.
func (s *Store) AddUsage(ctx context.Context, actionID, workspaceID string, at time.Time, seconds int64) (bool, error) {
	if seconds < 0 {
		seconds = 0
	}
	period := Period(at)
	applied := false
	err := s.Tx(ctx, func(tx *Store) error {
		applied = false
		now := ms(tx.now())
		res, err := tx.q.ExecContext(ctx,
			`INSERT INTO usage_increments (action_id, workspace_id, period, seconds, created_at) VALUES (?,?,?,?,?)
			 ON CONFLICT (action_id) DO NOTHING`,
			actionID, workspaceID, period, seconds, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		applied = true
		_, err = tx.q.ExecContext(ctx, `
			INSERT INTO workspace_usage_monthly (workspace_id, period, automation_runtime_seconds, updated_at)
			VALUES (?,?,?,?)
			ON CONFLICT (workspace_id, period) DO UPDATE SET
				automation_runtime_seconds = automation_runtime_seconds + excluded.automation_runtime_seconds,
				updated_at = excluded.updated_at`,
			workspaceID, period, seconds, now)
		return err
	})
	return applied, err
}
