package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// CreateWorkspace inserts a workspace and returns it.
func (s *Store) CreateWorkspace(ctx context.Context, name string) (*Workspace, error) {
	w := &Workspace{ID: s.NewID(), Name: name, CreatedAt: fromMS(ms(s.now()))}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES (?,?,?)`, w.ID, w.Name, ms(w.CreatedAt))
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListWorkspaceIDs returns every workspace id.
func (s *Store) ListWorkspaceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const userCols = `id, workspace_id, email, password_hash, role, status, must_change_password, last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var must int
	var last sql.NullInt64
	var created, updated int64
	err := row.Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.PasswordHash, &u.Role, &u.Status, &must, &last, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.MustChangePassword = must != 0
	u.LastLoginAt = fromNullMS(last)
	u.CreatedAt = fromMS(created)
	u.UpdatedAt = fromMS(updated)
	return &u, nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// CreateUser inserts u. Id and timestamps are filled in. A deleted user with
// the same email is revived in place and keeps its id.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.Email = NormalizeEmail(u.Email)
	now := s.now()
	u.CreatedAt, u.UpdatedAt = fromMS(ms(now)), fromMS(ms(now))

	existing, err := s.GetUserByEmail(ctx, u.Email)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status != UserDeleted {
			return ErrDuplicate
		}
		u.ID = existing.ID
		u.CreatedAt = existing.CreatedAt
		_, err := s.q.ExecContext(ctx,
			`UPDATE users SET workspace_id=?, password_hash=?, role=?, status=?, must_change_password=?, updated_at=? WHERE id=?`,
			u.WorkspaceID, u.PasswordHash, u.Role, u.Status, boolInt(u.MustChangePassword), ms(now), u.ID)
		return err
	}

	u.ID = s.NewID()
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.WorkspaceID, u.Email, u.PasswordHash, u.Role, u.Status, boolInt(u.MustChangePassword),
		nil, ms(now), ms(now))
	return wrapUnique(err)
}

// GetUser returns a user by id, or nil.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail returns a user by normalized email, or nil.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, NormalizeEmail(email)))
}

// ListUsers returns the non-deleted users of a workspace.
func (s *Store) ListUsers(ctx context.Context, workspaceID string) ([]*User, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+userCols+` FROM users WHERE workspace_id = ? AND status != 'deleted' ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountSeats counts the non-deleted users of a workspace.
func (s *Store) CountSeats(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE workspace_id = ? AND status != 'deleted'`, workspaceID).Scan(&n)
	return n, err
}

// CountAdmins counts the admins of any workspace.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = 'admin' AND status != 'deleted'`).Scan(&n)
	return n, err
}

// UpdateUser writes role, status and must_change_password.
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	u.UpdatedAt = fromMS(ms(s.now()))
	return affected(s.q.ExecContext(ctx,
		`UPDATE users SET role=?, status=?, must_change_password=?, updated_at=? WHERE id=?`,
		u.Role, u.Status, boolInt(u.MustChangePassword), ms(u.UpdatedAt), u.ID))
}

// SetPassword replaces the password hash.
func (s *Store) SetPassword(ctx context.Context, userID, hash string, mustChange bool) error {
	return affected(s.q.ExecContext(ctx,
		`UPDATE users SET password_hash=?, must_change_password=?, updated_at=? WHERE id=?`,
		hash, boolInt(mustChange), ms(s.now()), userID))
}

// TouchLogin records a successful login.
func (s *Store) TouchLogin(ctx context.Context, userID string) error {
	now := ms(s.now())
	_, err := s.q.ExecContext(ctx, `UPDATE users SET last_login_at=?, updated_at=? WHERE id=?`, now, now, userID)
	return err
}

// InsertRefreshToken stores the hash of a refresh token.
func (s *Store) InsertRefreshToken(ctx context.Context, userID, hash string, expiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at) VALUES (?,?,?,?,?)`,
		s.NewID(), userID, hash, ms(expiresAt), ms(s.now()))
	return err
}

// GetRefreshToken returns the token with hash, or nil.
func (s *Store) GetRefreshToken(ctx context.Context, hash string) (*RefreshToken, error) {
	var t RefreshToken
	var exp, created int64
	var revoked sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, expires_at, revoked_at, created_at FROM refresh_tokens WHERE token_hash = ?`, hash).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &exp, &revoked, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.ExpiresAt = fromMS(exp)
	t.RevokedAt = fromNullMS(revoked)
	t.CreatedAt = fromMS(created)
	return &t, nil
}

// RevokeRefreshToken revokes one token. It reports whether the token was
// live, so a concurrent rotation of the same token loses.
func (s *Store) RevokeRefreshToken(ctx context.Context, hash string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at=? WHERE token_hash=? AND revoked_at IS NULL`, ms(s.now()), hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RevokeUserTokens revokes every live token of a user.
func (s *Store) RevokeUserTokens(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at=? WHERE user_id=? AND revoked_at IS NULL`, ms(s.now()), userID)
	return err
}
