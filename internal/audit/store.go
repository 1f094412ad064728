package audit

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists audit entries in operator_audit_log.
type PGStore struct {
	Pool *pgxpool.Pool
}

// InsertAuditLog implements Store.
func (s PGStore) InsertAuditLog(ctx context.Context, e Entry) error {
	if s.Pool == nil {
		return errors.New("audit: pool not configured")
	}
	var metadata any
	if len(e.Metadata) > 0 {
		metadata = []byte(e.Metadata)
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO operator_audit_log
(actor_kind, actor_subject, action, resource_type, resource_id, method, path, route, status, ip, user_agent, request_id, metadata)
VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9, NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), $13)`,
		string(e.Actor.Kind), e.Actor.Subject, e.Action, e.ResourceType, e.ResourceID, e.Method, e.Path, e.Route,
		e.Status, e.IP, e.UserAgent, e.RequestID, metadata)
	return err
}

// ListAuditLogs implements Store, newest first.
func (s PGStore) ListAuditLogs(ctx context.Context, limit, offset int) ([]Entry, error) {
	if s.Pool == nil {
		return nil, errors.New("audit: pool not configured")
	}
	rows, err := s.Pool.Query(ctx, `SELECT id, actor_kind, COALESCE(actor_subject, ''), action, resource_type,
COALESCE(resource_id, ''), method, path, COALESCE(route, ''), status, COALESCE(ip, ''), COALESCE(user_agent, ''),
COALESCE(request_id, ''), metadata, created_at
FROM operator_audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e        Entry
			kind     string
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &kind, &e.Actor.Subject, &e.Action, &e.ResourceType, &e.ResourceID, &e.Method,
			&e.Path, &e.Route, &e.Status, &e.IP, &e.UserAgent, &e.RequestID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Actor.Kind = ActorKind(kind)
		e.Metadata = metadata
		out = append(out, e)
	}
	return out, rows.Err()
}
