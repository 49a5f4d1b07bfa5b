package store

import (
	"context"
	"time"
)

// AcquireLease takes the execution lease of an account for holder until
// now+ttl. It succeeds when the lease is free, expired, or already held by
// holder (which renews it).
func (s *Store) AcquireLease(ctx context.Context, accountID, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO account_leases (social_account_id, holder, expires_at) VALUES (?,?,?)
		ON CONFLICT (social_account_id) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE account_leases.expires_at <= ? OR account_leases.holder = excluded.holder`,
		accountID, holder, ms(now.Add(ttl)), ms(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, accountID, holder string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM account_leases WHERE social_account_id = ? AND holder = ?`, accountID, holder)
	return err
}

// SweepExpiredLeases deletes leases that expired before now.
func (s *Store) SweepExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM account_leases WHERE expires_at <= ?`, ms(s.now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
