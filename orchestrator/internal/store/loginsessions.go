package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const sessionCols = `id, workspace_id, social_account_id, status, remote_url, error_code, expires_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*LoginSession, error) {
	var ls LoginSession
	var remote, code sql.NullString
	var exp, created, updated int64
	err := row.Scan(&ls.ID, &ls.WorkspaceID, &ls.SocialAccountID, &ls.Status, &remote, &code, &exp, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ls.RemoteURL = remote.String
	ls.ErrorCode = code.String
	ls.ExpiresAt = fromMS(exp)
	ls.CreatedAt = fromMS(created)
	ls.UpdatedAt = fromMS(updated)
	return &ls, nil
}

// CreateLoginSession inserts ls in pending status.
func (s *Store) CreateLoginSession(ctx context.Context, ls *LoginSession) error {
	if ls.ID == "" {
		ls.ID = s.NewID()
	}
	now := fromMS(ms(s.now()))
	ls.CreatedAt, ls.UpdatedAt = now, now
	if ls.Status == "" {
		ls.Status = SessionPending
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO login_sessions (`+sessionCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		ls.ID, ls.WorkspaceID, ls.SocialAccountID, ls.Status, nullStr(ls.RemoteURL), nullStr(ls.ErrorCode),
		ms(ls.ExpiresAt), ms(now), ms(now))
	return err
}

// GetLoginSession returns the persisted session, or nil. It does not apply
// expiry; the broker does.
func (s *Store) GetLoginSession(ctx context.Context, id string) (*LoginSession, error) {
	return scanSession(s.q.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM login_sessions WHERE id = ?`, id))
}

// ListOpenLoginSessions returns pending and active sessions. An empty
// workspace id lists all workspaces.
func (s *Store) ListOpenLoginSessions(ctx context.Context, workspaceID string) ([]*LoginSession, error) {
	q := `SELECT ` + sessionCols + ` FROM login_sessions WHERE status IN ('pending','active')`
	var args []any
	if workspaceID != "" {
		q += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	rows, err := s.q.QueryContext(ctx, q+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LoginSession
	for rows.Next() {
		ls, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

// CountOpenLoginSessions counts pending/active sessions that have not
// expired at now.
func (s *Store) CountOpenLoginSessions(ctx context.Context, workspaceID string, now time.Time) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM login_sessions WHERE workspace_id = ? AND status IN ('pending','active') AND expires_at > ?`,
		workspaceID, ms(now)).Scan(&n)
	return n, err
}

// TransitionLoginSession moves a session to status only if its current
// status is one of from. It reports whether the row changed, which lets
// concurrent finalize and cancel calls race safely.
func (s *Store) TransitionLoginSession(ctx context.Context, id string, from []string, status, remoteURL, errorCode string) (bool, error) {
	q := `UPDATE login_sessions SET status=?, updated_at=?`
	args := []any{status, ms(s.now())}
	if remoteURL != "" {
		q += `, remote_url=?`
		args = append(args, remoteURL)
	}
	if errorCode != "" {
		q += `, error_code=?`
		args = append(args, errorCode)
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

func placeholders(n int) string {
	if n <= 0 {
		return "NULL"
	}
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
