package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

const scheduleCols = `id, workspace_id, name, strategy_id, enabled, account_selector, frequency, schedule_spec,
	random_config, max_parallel, next_run_at, last_run_at, created_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sc Schedule
	var enabled int
	var sel, spec, rnd string
	var next, last sql.NullInt64
	var created, updated int64
	err := row.Scan(&sc.ID, &sc.WorkspaceID, &sc.Name, &sc.StrategyID, &enabled, &sel, &sc.Frequency, &spec,
		&rnd, &sc.MaxParallel, &next, &last, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	sc.AccountSelector = json.RawMessage(sel)
	sc.ScheduleSpec = json.RawMessage(spec)
	sc.RandomConfig = json.RawMessage(rnd)
	sc.NextRunAt = fromNullMS(next)
	sc.LastRunAt = fromNullMS(last)
	sc.CreatedAt = fromMS(created)
	sc.UpdatedAt = fromMS(updated)
	return &sc, nil
}

// CreateSchedule inserts sc. An empty ID is assigned.
func (s *Store) CreateSchedule(ctx context.Context, sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = s.NewID()
	}
	now := fromMS(ms(s.now()))
	sc.CreatedAt, sc.UpdatedAt = now, now
	_, err := s.q.ExecContext(ctx, `INSERT INTO schedules (`+scheduleCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.WorkspaceID, sc.Name, sc.StrategyID, boolInt(sc.Enabled), rawOr(sc.AccountSelector, "{}"),
		sc.Frequency, rawOr(sc.ScheduleSpec, "{}"), rawOr(sc.RandomConfig, "{}"), sc.MaxParallel,
		msPtr(sc.NextRunAt), nil, ms(now), ms(now))
	return err
}

// GetSchedule returns a schedule by id, or nil.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return scanSchedule(s.q.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id))
}

// ListSchedules returns the schedules of a workspace.
func (s *Store) ListSchedules(ctx context.Context, workspaceID string) ([]*Schedule, error) {
	return s.listSchedules(ctx, `WHERE workspace_id = ? ORDER BY created_at`, workspaceID)
}

// DueSchedules returns enabled schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	return s.listSchedules(ctx,
		`WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at LIMIT ?`, ms(now), limit)
}

func (s *Store) listSchedules(ctx context.Context, where string, args ...any) ([]*Schedule, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Schedule{}
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateSchedule writes every mutable field of sc.
func (s *Store) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	sc.UpdatedAt = fromMS(ms(s.now()))
	return affected(s.q.ExecContext(ctx, `
		UPDATE schedules SET name=?, enabled=?, account_selector=?, frequency=?, schedule_spec=?,
			random_config=?, max_parallel=?, next_run_at=?, updated_at=?
		WHERE id=?`,
		sc.Name, boolInt(sc.Enabled), rawOr(sc.AccountSelector, "{}"), sc.Frequency, rawOr(sc.ScheduleSpec, "{}"),
		rawOr(sc.RandomConfig, "{}"), sc.MaxParallel, msPtr(sc.NextRunAt), ms(sc.UpdatedAt), sc.ID))
}

// SetScheduleTimes records the next due time and, when ran is set, the last
// run time.
func (s *Store) SetScheduleTimes(ctx context.Context, id string, next, ran *time.Time) error {
	q := `UPDATE schedules SET next_run_at=?, updated_at=?`
	args := []any{msPtr(next), ms(s.now())}
	if ran != nil {
		q += `, last_run_at=?`
		args = append(args, ms(*ran))
	}
	_, err := s.q.ExecContext(ctx, q+` WHERE id=?`, append(args, id)...)
	return err
}

// UnplannedSchedules returns enabled, non-manual schedules without a
// next_run_at.
func (s *Store) UnplannedSchedules(ctx context.Context, limit int) ([]*Schedule, error) {
	return s.listSchedules(ctx,
		`WHERE enabled = 1 AND frequency <> 'manual' AND next_run_at IS NULL ORDER BY created_at LIMIT ?`, limit)
}
