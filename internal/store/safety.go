package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

const breakerSelectColumns = `SELECT
	scope_id, state, failure_count, success_count, failure_threshold, success_threshold,
	opened_at, closes_at, open_duration_minutes, last_failure_at, last_success_at,
	manually_opened, manually_opened_reason`

// GetOrCreateBreaker returns the circuit breaker for scopeID, creating a
// closed one with the given thresholds if none exists yet.
func (s *Store) GetOrCreateBreaker(ctx context.Context, scopeID string, failureThreshold, successThreshold, openDurationMinutes int) (model.CircuitBreaker, error) {
	row := s.db.QueryRowContext(ctx, breakerSelectColumns+" FROM circuit_breakers WHERE scope_id = ?", scopeID)
	cb, err := scanBreaker(row)
	if err == nil {
		return cb, nil
	}
	if err != sql.ErrNoRows {
		return model.CircuitBreaker{}, err
	}
	cb = model.CircuitBreaker{
		ScopeID:             scopeID,
		State:               model.BreakerClosed,
		FailureThreshold:    failureThreshold,
		SuccessThreshold:    successThreshold,
		OpenDurationMinutes: openDurationMinutes,
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO circuit_breakers (
		scope_id, state, failure_count, success_count, failure_threshold, success_threshold,
		open_duration_minutes, manually_opened, manually_opened_reason
	) VALUES (?, ?, 0, 0, ?, ?, ?, 0, '')`,
		cb.ScopeID, cb.State, cb.FailureThreshold, cb.SuccessThreshold, cb.OpenDurationMinutes,
	)
	if err != nil {
		return model.CircuitBreaker{}, err
	}
	return cb, nil
}

// SaveBreaker persists the full state of a circuit breaker.
func (s *Store) SaveBreaker(ctx context.Context, cb model.CircuitBreaker) error {
	_, err := s.db.ExecContext(ctx, `UPDATE circuit_breakers SET
		state = ?, failure_count = ?, success_count = ?, failure_threshold = ?,
		success_threshold = ?, opened_at = ?, closes_at = ?, open_duration_minutes = ?,
		last_failure_at = ?, last_success_at = ?, manually_opened = ?, manually_opened_reason = ?
	WHERE scope_id = ?`,
		cb.State, cb.FailureCount, cb.SuccessCount, cb.FailureThreshold, cb.SuccessThreshold,
		nullableTime(cb.OpenedAt), nullableTime(cb.ClosesAt), cb.OpenDurationMinutes,
		nullableTime(cb.LastFailureAt), nullableTime(cb.LastSuccessAt),
		boolToInt(cb.ManuallyOpened), cb.ManuallyOpenedReason, cb.ScopeID,
	)
	return err
}

func scanBreaker(r rowScanner) (model.CircuitBreaker, error) {
	var (
		cb                                            model.CircuitBreaker
		openedAt, closesAt, lastFailure, lastSuccess  sql.NullString
		manuallyOpened                                int
	)
	if err := r.Scan(
		&cb.ScopeID, &cb.State, &cb.FailureCount, &cb.SuccessCount, &cb.FailureThreshold,
		&cb.SuccessThreshold, &openedAt, &closesAt, &cb.OpenDurationMinutes,
		&lastFailure, &lastSuccess, &manuallyOpened, &cb.ManuallyOpenedReason,
	); err != nil {
		return model.CircuitBreaker{}, err
	}
	cb.OpenedAt = scanNullableTime(openedAt)
	cb.ClosesAt = scanNullableTime(closesAt)
	cb.LastFailureAt = scanNullableTime(lastFailure)
	cb.LastSuccessAt = scanNullableTime(lastSuccess)
	cb.ManuallyOpened = manuallyOpened == 1
	return cb, nil
}

// ActiveBlackouts returns enabled blackout windows covering `at`.
func (s *Store) ActiveBlackouts(ctx context.Context, at time.Time) ([]model.BlackoutWindow, error) {
	ts := at.UTC().Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, name, start_time, end_time, enabled, scope, affected_categories_json,
		affected_runbooks_json, reason
	FROM blackout_windows
	WHERE enabled = 1 AND start_time <= ? AND end_time > ?`, ts, ts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.BlackoutWindow, 0, 4)
	for rows.Next() {
		var (
			bw               model.BlackoutWindow
			startRaw, endRaw string
			enabled          int
			catsRaw, rbRaw   string
		)
		if err := rows.Scan(
			&bw.ID, &bw.Name, &startRaw, &endRaw, &enabled, &bw.Scope, &catsRaw, &rbRaw, &bw.Reason,
		); err != nil {
			return nil, err
		}
		bw.StartTime, _ = time.Parse(time.RFC3339, startRaw)
		bw.EndTime, _ = time.Parse(time.RFC3339, endRaw)
		bw.Enabled = enabled == 1
		var cats, rbs []string
		unmarshalInto(catsRaw, &cats)
		unmarshalInto(rbRaw, &rbs)
		bw.AffectedCategories = toSet(cats)
		bw.AffectedRunbookIDs = toSet(rbs)
		out = append(out, bw)
	}
	return out, rows.Err()
}

// InsertBlackoutWindow creates a new blackout window.
func (s *Store) InsertBlackoutWindow(ctx context.Context, bw model.BlackoutWindow) (model.BlackoutWindow, error) {
	if bw.ID == "" {
		bw.ID = randomID("blackout")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO blackout_windows (
		id, name, start_time, end_time, enabled, scope, affected_categories_json,
		affected_runbooks_json, reason
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bw.ID, bw.Name, bw.StartTime.UTC().Format(time.RFC3339), bw.EndTime.UTC().Format(time.RFC3339),
		boolToInt(bw.Enabled), bw.Scope, marshalOrEmpty(setToSlice(bw.AffectedCategories)),
		marshalOrEmpty(setToSlice(bw.AffectedRunbookIDs)), bw.Reason,
	)
	return bw, err
}

// GetRateLimit returns the configured rate limit for a runbook, or
// sql.ErrNoRows if none is configured (meaning "unlimited").
func (s *Store) GetRateLimit(ctx context.Context, runbookID string) (model.ExecutionRateLimit, error) {
	var rl model.ExecutionRateLimit
	rl.RunbookID = runbookID
	err := s.db.QueryRowContext(ctx,
		`SELECT max_executions, window_seconds FROM execution_rate_limits WHERE runbook_id = ?`,
		runbookID,
	).Scan(&rl.MaxExecutions, &rl.WindowSeconds)
	return rl, err
}

// SetRateLimit upserts a runbook's rate limit.
func (s *Store) SetRateLimit(ctx context.Context, rl model.ExecutionRateLimit) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_rate_limits (
		runbook_id, max_executions, window_seconds
	) VALUES (?, ?, ?)
	ON CONFLICT(runbook_id) DO UPDATE SET
		max_executions = excluded.max_executions, window_seconds = excluded.window_seconds`,
		rl.RunbookID, rl.MaxExecutions, rl.WindowSeconds,
	)
	return err
}
