package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

const accountCols = `id, workspace_id, platform_key, handle, display_name, status, labels, fingerprint_profile, last_health_at, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*SocialAccount, error) {
	var a SocialAccount
	var labels, fp string
	var health sql.NullInt64
	var created, updated int64
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.PlatformKey, &a.Handle, &a.DisplayName, &a.Status,
		&labels, &fp, &health, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &a.Labels); err != nil || a.Labels == nil {
		a.Labels = []string{}
	}
	a.FingerprintProfile = json.RawMessage(fp)
	a.LastHealthAt = fromNullMS(health)
	a.CreatedAt = fromMS(created)
	a.UpdatedAt = fromMS(updated)
	return &a, nil
}

func labelsJSON(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	raw, _ := json.Marshal(labels)
	return string(raw)
}

// CreateAccount inserts a social account. A handle already registered on the
// same platform in the workspace yields ErrDuplicate.
func (s *Store) CreateAccount(ctx context.Context, a *SocialAccount) error {
	if a.ID == "" {
		a.ID = s.NewID()
	}
	now := fromMS(ms(s.now()))
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = AccountPending
	}
	if a.Labels == nil {
		a.Labels = []string{}
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO social_accounts (`+accountCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkspaceID, a.PlatformKey, a.Handle, a.DisplayName, a.Status,
		labelsJSON(a.Labels), rawOr(a.FingerprintProfile, "{}"), nil, ms(now), ms(now))
	return wrapUnique(err)
}

// GetAccount returns an account by id, or nil.
func (s *Store) GetAccount(ctx context.Context, id string) (*SocialAccount, error) {
	return scanAccount(s.q.QueryRowContext(ctx, `SELECT `+accountCols+` FROM social_accounts WHERE id = ?`, id))
}

// ListAccounts returns the accounts of a workspace, optionally restricted to
// one platform and one status. Empty filters match everything.
func (s *Store) ListAccounts(ctx context.Context, workspaceID, platform, status string) ([]*SocialAccount, error) {
	q := `SELECT ` + accountCols + ` FROM social_accounts WHERE workspace_id = ?`
	args := []any{workspaceID}
	if platform != "" {
		q += ` AND platform_key = ?`
		args = append(args, platform)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	rows, err := s.q.QueryContext(ctx, q+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*SocialAccount{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAccounts counts the accounts of a workspace that are not disabled.
func (s *Store) CountAccounts(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM social_accounts WHERE workspace_id = ? AND status != 'disabled'`, workspaceID).Scan(&n)
	return n, err
}

// UpdateAccount writes display name, labels and status.
func (s *Store) UpdateAccount(ctx context.Context, a *SocialAccount) error {
	a.UpdatedAt = fromMS(ms(s.now()))
	return affected(s.q.ExecContext(ctx,
		`UPDATE social_accounts SET display_name=?, labels=?, status=?, updated_at=? WHERE id=?`,
		a.DisplayName, labelsJSON(a.Labels), a.Status, ms(a.UpdatedAt), a.ID))
}

// SetAccountStatus changes only the status.
func (s *Store) SetAccountStatus(ctx context.Context, id, status string) error {
	return affected(s.q.ExecContext(ctx,
		`UPDATE social_accounts SET status=?, updated_at=? WHERE id=?`, status, ms(s.now()), id))
}

// TouchHealth records a successful health check.
func (s *Store) TouchHealth(ctx context.Context, id string) error {
	now := ms(s.now())
	_, err := s.q.ExecContext(ctx, `UPDATE social_accounts SET last_health_at=?, updated_at=? WHERE id=?`, now, now, id)
	return err
}

// UpsertCredential stores the ciphertext of one credential type for an
// account, replacing any previous value.
func (s *Store) UpsertCredential(ctx context.Context, accountID, typ, ciphertext string) error {
	now := ms(s.now())
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO credentials (id, social_account_id, type, ciphertext, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (social_account_id, type) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			updated_at = excluded.updated_at`,
		s.NewID(), accountID, typ, ciphertext, now, now)
	return err
}

// GetCredential returns the credential of typ for an account, or nil.
func (s *Store) GetCredential(ctx context.Context, accountID, typ string) (*Credential, error) {
	var c Credential
	var created, updated int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, social_account_id, type, ciphertext, created_at, updated_at FROM credentials
		 WHERE social_account_id = ? AND type = ?`, accountID, typ).
		Scan(&c.ID, &c.SocialAccountID, &c.Type, &c.Ciphertext, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMS(created)
	c.UpdatedAt = fromMS(updated)
	return &c, nil
}
