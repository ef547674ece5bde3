package store

import (
	"context"
	"strings"
	"time"

	"github.com/opsforge/remediation/internal/audit"
)

// InsertAuditEvent implements audit.Repo.
func (s *Store) InsertAuditEvent(ctx context.Context, w audit.EventWrite) (audit.Event, error) {
	createdAt := w.CreatedAt.UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `INSERT INTO audit_events (
		source, event_type, severity, resource, message, details, metadata, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Source, w.EventType, w.Severity, w.Resource, w.Message, w.Details, w.Metadata, createdAt,
	)
	if err != nil {
		return audit.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return audit.Event{}, err
	}
	return audit.Event{
		ID: id, Source: w.Source, EventType: w.EventType, Severity: w.Severity,
		Resource: w.Resource, Message: w.Message, Details: w.Details, Metadata: w.Metadata,
		CreatedAt: createdAt,
	}, nil
}

// SearchAuditEvents implements audit.Repo.
func (s *Store) SearchAuditEvents(ctx context.Context, q audit.Query) (audit.Result, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, source, event_type, severity, resource, message, details, metadata, created_at
		FROM audit_events WHERE 1=1`
	args := []any{}
	if q.Source != "" {
		query += " AND source = ?"
		args = append(args, q.Source)
	}
	if q.Severity != "" {
		query += " AND severity = ?"
		args = append(args, q.Severity)
	}
	if strings.TrimSpace(q.Query) != "" {
		query += " AND (message LIKE ? OR resource LIKE ?)"
		like := "%" + q.Query + "%"
		args = append(args, like, like)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return audit.Result{}, err
	}
	defer func() { _ = rows.Close() }()

	events := make([]audit.Event, 0, limit)
	for rows.Next() {
		var e audit.Event
		if err := rows.Scan(
			&e.ID, &e.Source, &e.EventType, &e.Severity, &e.Resource, &e.Message,
			&e.Details, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return audit.Result{}, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return audit.Result{}, err
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	return audit.Result{Events: events, HasMore: hasMore}, nil
}
