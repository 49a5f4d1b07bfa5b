package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

const strategyCols = `id, workspace_id, name, type, platform_key, version, config, created_at, updated_at`

func scanStrategy(row interface{ Scan(...any) error }) (*Strategy, error) {
	var st Strategy
	var cfg string
	var created, updated int64
	err := row.Scan(&st.ID, &st.WorkspaceID, &st.Name, &st.Type, &st.PlatformKey, &st.Version, &cfg, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.Config = json.RawMessage(cfg)
	st.CreatedAt = fromMS(created)
	st.UpdatedAt = fromMS(updated)
	return &st, nil
}

// CreateStrategy inserts st at version 1 and records the version.
func (s *Store) CreateStrategy(ctx context.Context, st *Strategy) error {
	st.ID = s.NewID()
	st.Version = 1
	now := fromMS(ms(s.now()))
	st.CreatedAt, st.UpdatedAt = now, now
	if st.PlatformKey == "" {
		st.PlatformKey = "x"
	}
	return s.Tx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `INSERT INTO strategies (`+strategyCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
			st.ID, st.WorkspaceID, st.Name, st.Type, st.PlatformKey, st.Version, rawOr(st.Config, "{}"), ms(now), ms(now)); err != nil {
			return err
		}
		return tx.insertStrategyVersion(ctx, st)
	})
}

func (s *Store) insertStrategyVersion(ctx context.Context, st *Strategy) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO strategy_versions (strategy_id, version, config, created_at) VALUES (?,?,?,?)`,
		st.ID, st.Version, rawOr(st.Config, "{}"), ms(st.UpdatedAt))
	return err
}

// GetStrategy returns a strategy by id, or nil.
func (s *Store) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	return scanStrategy(s.q.QueryRowContext(ctx, `SELECT `+strategyCols+` FROM strategies WHERE id = ?`, id))
}

// ListStrategies returns the strategies of a workspace.
func (s *Store) ListStrategies(ctx context.Context, workspaceID string) ([]*Strategy, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+strategyCols+` FROM strategies WHERE workspace_id = ? ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*Strategy{}
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStrategy writes name and config. The version is bumped, and the new
// version recorded, only when the config changed.
func (s *Store) UpdateStrategy(ctx context.Context, st *Strategy, newConfig json.RawMessage) error {
	return s.Tx(ctx, func(tx *Store) error {
		cur, err := tx.GetStrategy(ctx, st.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		st.UpdatedAt = fromMS(ms(tx.now()))
		st.Version = cur.Version
		if len(newConfig) > 0 && !jsonEqual(cur.Config, newConfig) {
			st.Version = cur.Version + 1
			st.Config = newConfig
		} else {
			st.Config = cur.Config
		}
		if _, err := tx.q.ExecContext(ctx,
			`UPDATE strategies SET name=?, version=?, config=?, updated_at=? WHERE id=?`,
			st.Name, st.Version, string(st.Config), ms(st.UpdatedAt), st.ID); err != nil {
			return err
		}
		if st.Version != cur.Version {
			return tx.insertStrategyVersion(ctx, st)
		}
		return nil
	})
}

// GetStrategyVersion returns the config recorded for one version, or nil.
func (s *Store) GetStrategyVersion(ctx context.Context, strategyID string, version int) (json.RawMessage, error) {
	var cfg string
	err := s.q.QueryRowContext(ctx,
		`SELECT config FROM strategy_versions WHERE strategy_id = ? AND version = ?`, strategyID, version).Scan(&cfg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(cfg), nil
}

// jsonEqual compares two documents after compacting whitespace and
// re-encoding, so key order does not count as a change.
func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	ra, _ := json.Marshal(va)
	rb, _ := json.Marshal(vb)
	return bytes.Equal(ra, rb)
}
