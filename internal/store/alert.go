package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

// UpsertAlert inserts a new alert or, when fingerprint already exists,
// bumps its last-seen timestamp and reopens it if it had been resolved.
// Fingerprint is the dedupe key.
func (s *Store) UpsertAlert(ctx context.Context, a model.Alert) (model.Alert, error) {
	now := time.Now().UTC()
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	if a.ID == "" {
		a.ID = randomID("alert")
	}
	if a.Status == "" {
		a.Status = model.AlertFiring
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO alerts (
		id, fingerprint, alert_name, severity, status, instance, job, occurred_at,
		labels_json, annotations_json, embedding_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(fingerprint) DO UPDATE SET
		status       = ?,
		occurred_at  = excluded.occurred_at,
		labels_json  = excluded.labels_json,
		annotations_json = excluded.annotations_json,
		updated_at   = excluded.updated_at`,
		a.ID, a.Fingerprint, a.AlertName, a.Severity, a.Status, a.Instance, a.Job,
		a.Timestamp.Format(time.RFC3339),
		marshalOrEmpty(a.Labels), marshalOrEmpty(a.Annotations), marshalOrEmpty(a.Embedding),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
		a.Status,
	)
	if err != nil {
		return model.Alert{}, err
	}
	return s.GetAlertByFingerprint(ctx, a.Fingerprint)
}

// ResolveAlert marks the alert matching dedupeKey as resolved. Callers
// tolerate sql.ErrNoRows when no such alert exists.
func (s *Store) ResolveAlert(ctx context.Context, fingerprint string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, updated_at = ? WHERE fingerprint = ?`,
		model.AlertResolved, time.Now().UTC().Format(time.RFC3339), fingerprint,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetAlert returns an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	return s.scanAlertRow(s.db.QueryRowContext(ctx, alertSelectColumns+" FROM alerts WHERE id = ?", id))
}

// GetAlertByFingerprint returns an alert by its dedupe fingerprint.
func (s *Store) GetAlertByFingerprint(ctx context.Context, fingerprint string) (model.Alert, error) {
	return s.scanAlertRow(s.db.QueryRowContext(ctx, alertSelectColumns+" FROM alerts WHERE fingerprint = ?", fingerprint))
}

// ListAlerts returns alerts, optionally filtered by status ("" for all).
func (s *Store) ListAlerts(ctx context.Context, status string, limit int) ([]model.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := alertSelectColumns + " FROM alerts"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY occurred_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Alert, 0, limit)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const alertSelectColumns = `SELECT
	id, fingerprint, alert_name, severity, status, instance, job, occurred_at,
	labels_json, annotations_json, embedding_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(r rowScanner) (model.Alert, error) {
	var (
		a                                        model.Alert
		occurredAt                               string
		labelsRaw, annotationsRaw, embeddingRaw string
	)
	if err := r.Scan(
		&a.ID, &a.Fingerprint, &a.AlertName, &a.Severity, &a.Status, &a.Instance, &a.Job,
		&occurredAt, &labelsRaw, &annotationsRaw, &embeddingRaw,
	); err != nil {
		return model.Alert{}, err
	}
	a.Timestamp, _ = time.Parse(time.RFC3339, occurredAt)
	a.Labels = map[string]string{}
	a.Annotations = map[string]string{}
	unmarshalInto(labelsRaw, &a.Labels)
	unmarshalInto(annotationsRaw, &a.Annotations)
	unmarshalInto(embeddingRaw, &a.Embedding)
	return a, nil
}

func (s *Store) scanAlertRow(row *sql.Row) (model.Alert, error) {
	a, err := scanAlert(row)
	if err != nil {
		return model.Alert{}, err
	}
	return a, nil
}
