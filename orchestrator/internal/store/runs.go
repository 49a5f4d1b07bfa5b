package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// nonTerminal lists the run and account run statuses that may still change.
var nonTerminal = []string{RunPending, RunRunning}

const runCols = `id, workspace_id, schedule_id, strategy_id, strategy_version, strategy_type, strategy_config,
	trigger, status, error_code, created_at, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var sched, code sql.NullString
	var cfg string
	var created int64
	var started, finished sql.NullInt64
	err := row.Scan(&r.ID, &r.WorkspaceID, &sched, &r.StrategyID, &r.StrategyVersion, &r.StrategyType, &cfg,
		&r.Trigger, &r.Status, &code, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ScheduleID = sched.String
	r.ErrorCode = code.String
	r.StrategyConfig = json.RawMessage(cfg)
	r.CreatedAt = fromMS(created)
	r.StartedAt = fromNullMS(started)
	r.FinishedAt = fromNullMS(finished)
	return &r, nil
}

// CreateRun inserts r in pending status.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = s.NewID()
	}
	r.CreatedAt = fromMS(ms(s.now()))
	if r.Status == "" {
		r.Status = RunPending
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO runs (`+runCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.WorkspaceID, nullStr(r.ScheduleID), r.StrategyID, r.StrategyVersion, r.StrategyType,
		rawOr(r.StrategyConfig, "{}"), r.Trigger, r.Status, nullStr(r.ErrorCode), ms(r.CreatedAt),
		msPtr(r.StartedAt), msPtr(r.FinishedAt))
	return err
}

// GetRun returns a run by id, or nil.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	return scanRun(s.q.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, id))
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	ScheduleID string
	Status     string
	Limit      int
}

// ListRuns returns the runs of a workspace, newest first.
func (s *Store) ListRuns(ctx context.Context, workspaceID string, f RunFilter) ([]*Run, error) {
	q := `SELECT ` + runCols + ` FROM runs WHERE workspace_id = ?`
	args := []any{workspaceID}
	if f.ScheduleID != "" {
		q += ` AND schedule_id = ?`
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)
	return s.listRuns(ctx, q, args...)
}

// ListActiveRuns returns every pending or running run, oldest first.
func (s *Store) ListActiveRuns(ctx context.Context) ([]*Run, error) {
	return s.listRuns(ctx, `SELECT `+runCols+` FROM runs WHERE status IN ('pending','running') ORDER BY created_at`)
}

func (s *Store) listRuns(ctx context.Context, q string, args ...any) ([]*Run, error) {
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionRun moves a run to status when its current status is in from.
// Entering running stamps started_at; entering a terminal status stamps
// finished_at. It reports whether the row changed.
func (s *Store) TransitionRun(ctx context.Context, id string, from []string, status, errorCode string) (bool, error) {
	return s.transition(ctx, "runs", id, from, status, errorCode)
}

// TransitionAccountRun is TransitionRun for account runs.
func (s *Store) TransitionAccountRun(ctx context.Context, id string, from []string, status, errorCode string) (bool, error) {
	return s.transition(ctx, "account_runs", id, from, status, errorCode)
}

func (s *Store) transition(ctx context.Context, table, id string, from []string, status, errorCode string) (bool, error) {
	now := ms(s.now())
	q := `UPDATE ` + table + ` SET status=?`
	args := []any{status}
	if errorCode != "" {
		q += `, error_code=?`
		args = append(args, errorCode)
	}
	if status == RunRunning {
		q += `, started_at=COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if IsTerminalRun(status) {
		q += `, finished_at=?`
		args = append(args, now)
	}
	q += ` WHERE id=? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, f)
	}
	res, err := s.q.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// NonTerminal returns the statuses a run may still leave.
func NonTerminal() []string { return append([]string(nil), nonTerminal...) }

const accountRunCols = `id, run_id, workspace_id, social_account_id, status, error_code, created_at, started_at, finished_at`

func scanAccountRun(row interface{ Scan(...any) error }) (*AccountRun, error) {
	var ar AccountRun
	var code sql.NullString
	var created int64
	var started, finished sql.NullInt64
	err := row.Scan(&ar.ID, &ar.RunID, &ar.WorkspaceID, &ar.SocialAccountID, &ar.Status, &code, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ar.ErrorCode = code.String
	ar.CreatedAt = fromMS(created)
	ar.StartedAt = fromNullMS(started)
	ar.FinishedAt = fromNullMS(finished)
	return &ar, nil
}

// CreateAccountRun inserts ar in pending status.
func (s *Store) CreateAccountRun(ctx context.Context, ar *AccountRun) error {
	if ar.ID == "" {
		ar.ID = s.NewID()
	}
	ar.CreatedAt = fromMS(ms(s.now()))
	if ar.Status == "" {
		ar.Status = RunPending
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO account_runs (`+accountRunCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		ar.ID, ar.RunID, ar.WorkspaceID, ar.SocialAccountID, ar.Status, nullStr(ar.ErrorCode), ms(ar.CreatedAt), nil, nil)
	return err
}

// GetAccountRun returns an account run by id, or nil.
func (s *Store) GetAccountRun(ctx context.Context, id string) (*AccountRun, error) {
	return scanAccountRun(s.q.QueryRowContext(ctx, `SELECT `+accountRunCols+` FROM account_runs WHERE id = ?`, id))
}

// ListAccountRuns returns the account runs of a run in creation order.
func (s *Store) ListAccountRuns(ctx context.Context, runID string) ([]*AccountRun, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+accountRunCols+` FROM account_runs WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*AccountRun{}
	for rows.Next() {
		ar, err := scanAccountRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ar)
	}
	return out, rows.Err()
}

// CountActiveAccountRuns counts the account runs of a schedule's runs that
// are still pending or running. Runs that have not fanned out yet count as
// one each so an in-progress trigger holds its slot.
func (s *Store) CountActiveAccountRuns(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM account_runs ar JOIN runs r ON r.id = ar.run_id
			  WHERE r.schedule_id = ? AND ar.status IN ('pending','running'))
			+
			(SELECT COUNT(*) FROM runs r
			  WHERE r.schedule_id = ? AND r.status = 'pending'
			  AND NOT EXISTS (SELECT 1 FROM account_runs ar WHERE ar.run_id = r.id))`,
		scheduleID, scheduleID).Scan(&n)
	return n, err
}

// CountRunningAccountRuns counts the account runs of a schedule that hold an
// execution slot right now.
func (s *Store) CountRunningAccountRuns(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM account_runs ar JOIN runs r ON r.id = ar.run_id
		WHERE r.schedule_id = ? AND ar.status = 'running'`, scheduleID).Scan(&n)
	return n, err
}

const actionCols = `id, workspace_id, account_run_id, social_account_id, seq, action_type, status, idempotency_key,
	target_url, target_external_id, error_code, message, metadata, created_at, started_at, finished_at`

func scanAction(row interface{ Scan(...any) error }) (*Action, error) {
	var a Action
	var url, ext, code, msg sql.NullString
	var meta string
	var created int64
	var started, finished sql.NullInt64
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.AccountRunID, &a.SocialAccountID, &a.Seq, &a.ActionType, &a.Status,
		&a.IdempotencyKey, &url, &ext, &code, &msg, &meta, &created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.TargetURL = url.String
	a.TargetExternalID = ext.String
	a.ErrorCode = code.String
	a.Message = msg.String
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil || a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.CreatedAt = fromMS(created)
	a.StartedAt = fromNullMS(started)
	a.FinishedAt = fromNullMS(finished)
	a.Artifacts = []Artifact{}
	return &a, nil
}

func metaJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// EnsureAction inserts a, or returns the action already holding its
// idempotency key in the workspace. created is false in the latter case and
// the returned action is the existing row, untouched.
func (s *Store) EnsureAction(ctx context.Context, a *Action) (*Action, bool, error) {
	if a.ID == "" {
		a.ID = s.NewID()
	}
	a.CreatedAt = fromMS(ms(s.now()))
	if a.Status == "" {
		a.Status = ActionPending
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO actions (`+actionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkspaceID, a.AccountRunID, a.SocialAccountID, a.Seq, a.ActionType, a.Status, a.IdempotencyKey,
		nullStr(a.TargetURL), nullStr(a.TargetExternalID), nullStr(a.ErrorCode), nullStr(a.Message),
		metaJSON(a.Metadata), ms(a.CreatedAt), msPtr(a.StartedAt), msPtr(a.FinishedAt))
	if err == nil {
		a.Artifacts = []Artifact{}
		return a, true, nil
	}
	if !errors.Is(wrapUnique(err), ErrDuplicate) {
		return nil, false, err
	}
	existing, err := s.GetActionByKey(ctx, a.WorkspaceID, a.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, ErrNotFound
	}
	return existing, false, nil
}

// GetAction returns an action by id, or nil.
func (s *Store) GetAction(ctx context.Context, id string) (*Action, error) {
	return scanAction(s.q.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id = ?`, id))
}

// GetActionByKey returns the action holding an idempotency key, or nil.
func (s *Store) GetActionByKey(ctx context.Context, workspaceID, key string) (*Action, error) {
	return scanAction(s.q.QueryRowContext(ctx,
		`SELECT `+actionCols+` FROM actions WHERE workspace_id = ? AND idempotency_key = ?`, workspaceID, key))
}

// UpdateAction writes the execution outcome of a.
func (s *Store) UpdateAction(ctx context.Context, a *Action) error {
	return affected(s.q.ExecContext(ctx, `
		UPDATE actions SET status=?, error_code=?, message=?, metadata=?, started_at=?, finished_at=?
		WHERE id=?`,
		a.Status, nullStr(a.ErrorCode), nullStr(a.Message), metaJSON(a.Metadata),
		msPtr(a.StartedAt), msPtr(a.FinishedAt), a.ID))
}

// ListActionsByAccountRun returns the actions of one account run in seq order.
func (s *Store) ListActionsByAccountRun(ctx context.Context, accountRunID string) ([]*Action, error) {
	return s.listActions(ctx, `SELECT `+actionCols+` FROM actions WHERE account_run_id = ? ORDER BY seq, created_at`, accountRunID)
}

// ListActionsByRun returns every action of a run, grouped by account run.
func (s *Store) ListActionsByRun(ctx context.Context, runID string) ([]*Action, error) {
	return s.listActions(ctx, `
		SELECT `+actionCols+` FROM actions
		WHERE account_run_id IN (SELECT id FROM account_runs WHERE run_id = ?)
		ORDER BY (SELECT created_at FROM account_runs WHERE id = account_run_id), account_run_id, seq`, runID)
}

func (s *Store) listActions(ctx context.Context, q string, args ...any) ([]*Action, error) {
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SkipPendingActions marks every pending action of an account run skipped
// with errorCode. It returns the number of rows changed.
func (s *Store) SkipPendingActions(ctx context.Context, accountRunID, errorCode string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE actions SET status='skipped', error_code=?, finished_at=? WHERE account_run_id=? AND status='pending'`,
		nullStr(errorCode), ms(s.now()), accountRunID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HasRecentSuccess reports whether account already succeeded an action of
// actionType on targetID at or after since.
func (s *Store) HasRecentSuccess(ctx context.Context, accountID, actionType, targetID string, since time.Time) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM actions
		WHERE social_account_id = ? AND action_type = ? AND target_external_id = ?
		  AND status = 'succeeded' AND finished_at >= ?`,
		accountID, actionType, targetID, ms(since)).Scan(&n)
	return n > 0, err
}

const artifactCols = `id, workspace_id, action_id, type, storage_key, size, created_at`

func scanArtifact(row interface{ Scan(...any) error }) (*Artifact, error) {
	var a Artifact
	var created int64
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.ActionID, &a.Type, &a.StorageKey, &a.Size, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromMS(created)
	return &a, nil
}

// CreateArtifact inserts a. Artifacts are never updated.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) error {
	if a.ID == "" {
		a.ID = s.NewID()
	}
	a.CreatedAt = fromMS(ms(s.now()))
	_, err := s.q.ExecContext(ctx, `INSERT INTO artifacts (`+artifactCols+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.WorkspaceID, a.ActionID, a.Type, a.StorageKey, a.Size, ms(a.CreatedAt))
	return err
}

// GetArtifact returns an artifact by id, or nil.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	return scanArtifact(s.q.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE id = ?`, id))
}

// AttachArtifacts fills the Artifacts field of each action.
func (s *Store) AttachArtifacts(ctx context.Context, actions []*Action) error {
	if len(actions) == 0 {
		return nil
	}
	byID := make(map[string]*Action, len(actions))
	args := make([]any, 0, len(actions))
	for _, a := range actions {
		byID[a.ID] = a
		args = append(args, a.ID)
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE action_id IN (`+placeholders(len(args))+`) ORDER BY created_at`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		art, err := scanArtifact(rows)
		if err != nil {
			return err
		}
		if a := byID[art.ActionID]; a != nil {
			a.Artifacts = append(a.Artifacts, *art)
		}
	}
	return rows.Err()
}

// ExpiredArtifacts returns up to limit artifacts of a workspace created
// before cutoff, oldest first.
func (s *Store) ExpiredArtifacts(ctx context.Context, workspaceID string, cutoff time.Time, limit int) ([]*Artifact, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE workspace_id = ? AND created_at < ? ORDER BY created_at LIMIT ?`,
		workspaceID, ms(cutoff), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifact removes an artifact row once its blob is gone.
func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, id)
	return err
}
