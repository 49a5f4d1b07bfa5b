package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

// InsertAudit appends one audit entry. Entries are never updated.
func (s *Store) InsertAudit(ctx context.Context, e *AuditLog) error {
	if e.ID == "" {
		e.ID = s.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = fromMS(ms(s.now()))
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, workspace_id, actor_user_id, action, target_type, target_id, metadata, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.WorkspaceID, nullStr(e.ActorUserID), e.Action, e.TargetType, e.TargetID,
		rawOr(e.Metadata, "{}"), ms(e.CreatedAt))
	return err
}

// ListAudit returns the newest entries of a workspace with the actor's
// email. limit defaults to 200 and is clamped to 1..2000.
func (s *Store) ListAudit(ctx context.Context, workspaceID string, limit int) ([]*AuditLog, error) {
	switch {
	case limit == 0:
		limit = 200
	case limit < 1:
		limit = 1
	case limit > 2000:
		limit = 2000
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT l.id, l.workspace_id, l.actor_user_id, u.email, l.action, l.target_type, l.target_id, l.metadata, l.created_at
		FROM audit_logs l LEFT JOIN users u ON u.id = l.actor_user_id
		WHERE l.workspace_id = ?
		ORDER BY l.created_at DESC, l.id DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*AuditLog{}
	for rows.Next() {
		var e AuditLog
		var actor, email sql.NullString
		var meta string
		var created int64
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &actor, &email, &e.Action, &e.TargetType, &e.TargetID, &meta, &created); err != nil {
			return nil, err
		}
		e.ActorUserID = actor.String
		e.ActorEmail = email.String
		e.Metadata = json.RawMessage(meta)
		e.CreatedAt = fromMS(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}
