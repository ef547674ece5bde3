package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

const executionSelectColumns = `SELECT
	id, runbook_id, runbook_version, trigger_id, alert_id, server_id, execution_mode,
	status, queued_at, started_at, completed_at, steps_total, steps_completed,
	steps_failed, dry_run, variables_json, result_summary, error_message,
	rollback_executed, triggered_by_system, approval_required, approval_token,
	approval_requested_at, approval_expires_at, approved_by, approved_at`

// CreateExecution queues a new execution.
func (s *Store) CreateExecution(ctx context.Context, e model.RunbookExecution) (model.RunbookExecution, error) {
	if e.ID == "" {
		e.ID = randomID("exec")
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = model.StatusQueued
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO runbook_executions (
		id, runbook_id, runbook_version, trigger_id, alert_id, server_id, execution_mode,
		status, queued_at, started_at, completed_at, steps_total, steps_completed,
		steps_failed, dry_run, variables_json, result_summary, error_message,
		rollback_executed, triggered_by_system, approval_required, approval_token,
		approval_requested_at, approval_expires_at, approved_by, approved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunbookID, e.RunbookVersion, e.TriggerID, e.AlertID, e.ServerID, e.ExecutionMode,
		e.Status, e.QueuedAt.Format(time.RFC3339), nullableTime(e.StartedAt), nullableTime(e.CompletedAt),
		e.StepsTotal, e.StepsCompleted, e.StepsFailed, boolToInt(e.DryRun),
		marshalOrEmpty(e.Variables), e.ResultSummary, e.ErrorMessage,
		boolToInt(e.RollbackExecuted), boolToInt(e.TriggeredBySystem), boolToInt(e.ApprovalRequired),
		e.ApprovalToken, nullableTime(e.ApprovalRequestedAt), nullableTime(e.ApprovalExpiresAt),
		e.ApprovedBy, nullableTime(e.ApprovedAt),
	)
	if err != nil {
		return model.RunbookExecution{}, err
	}
	return s.GetExecution(ctx, e.ID)
}

// GetExecution returns an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (model.RunbookExecution, error) {
	row := s.db.QueryRowContext(ctx, executionSelectColumns+" FROM runbook_executions WHERE id = ?", id)
	return scanExecution(row)
}

// GetExecutionByApprovalToken looks up an execution by its approval token,
// whatever its current status.
func (s *Store) GetExecutionByApprovalToken(ctx context.Context, token string) (model.RunbookExecution, error) {
	row := s.db.QueryRowContext(ctx, executionSelectColumns+" FROM runbook_executions WHERE approval_token = ?", token)
	return scanExecution(row)
}

// ClaimNextQueued atomically claims the oldest queued-or-approved execution
// not currently running, moving it to "running". Returns sql.ErrNoRows
// when nothing is ready.
func (s *Store) ClaimNextQueued(ctx context.Context) (model.RunbookExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RunbookExecution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, executionSelectColumns+` FROM runbook_executions
		WHERE status IN (?, ?)
		ORDER BY queued_at ASC
		LIMIT 1`, model.StatusQueued, model.StatusApproved)
	e, err := scanExecution(row)
	if err != nil {
		return model.RunbookExecution{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE runbook_executions SET status = ?, started_at = ? WHERE id = ?`,
		model.StatusRunning, now.Format(time.RFC3339), e.ID,
	); err != nil {
		return model.RunbookExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.RunbookExecution{}, err
	}
	e.Status = model.StatusRunning
	e.StartedAt = &now
	return e, nil
}

// SetExecutionStepsTotal records how many steps the engine is about to run.
func (s *Store) SetExecutionStepsTotal(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runbook_executions SET steps_total = ? WHERE id = ?`, total, id)
	return err
}

// UpdateExecutionProgress persists incremental step-progress counters
// without touching terminal fields.
func (s *Store) UpdateExecutionProgress(ctx context.Context, id string, stepsCompleted, stepsFailed int, variables map[string]string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runbook_executions SET steps_completed = ?, steps_failed = ?, variables_json = ? WHERE id = ?`,
		stepsCompleted, stepsFailed, marshalOrEmpty(variables), id,
	)
	return err
}

// FinishExecution records the terminal outcome of an execution.
func (s *Store) FinishExecution(ctx context.Context, id, status, errMsg, summary string, rollbackExecuted bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`UPDATE runbook_executions SET
			status = ?, completed_at = ?, error_message = ?, result_summary = ?, rollback_executed = ?
		WHERE id = ?`,
		status, now, errMsg, summary, boolToInt(rollbackExecuted), id,
	)
	return err
}

// RequestCancellation flags id for cooperative cancellation; the engine
// checks this flag at the next step boundary.
func (s *Store) RequestCancellation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runbook_executions SET cancel_requested = 1 WHERE id = ?`, id)
	return err
}

// IsCancelRequested reports whether id has a pending cancellation flag.
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM runbook_executions WHERE id = ?`, id).Scan(&v)
	return v == 1, err
}

// RequestApproval transitions a queued execution to pending and stamps its
// approval token/expiry.
func (s *Store) RequestApproval(ctx context.Context, id, token string, expiresAt time.Time) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`UPDATE runbook_executions SET
			status = ?, approval_required = 1, approval_token = ?,
			approval_requested_at = ?, approval_expires_at = ?
		WHERE id = ?`,
		model.StatusPending, token, now, expiresAt.UTC().Format(time.RFC3339), id,
	)
	return err
}

// ResolveApproval marks an execution approved or rejected. A rejection is
// terminal, so it stamps completed_at in the same statement; an approval
// leaves completion to the engine.
func (s *Store) ResolveApproval(ctx context.Context, id, approvedBy string, approved bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var err error
	if approved {
		_, err = s.db.ExecContext(ctx,
			`UPDATE runbook_executions SET status = ?, approved_by = ?, approved_at = ? WHERE id = ?`,
			model.StatusApproved, approvedBy, now, id,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE runbook_executions SET status = ?, approved_by = ?, approved_at = ?, completed_at = ? WHERE id = ?`,
			model.StatusRejected, approvedBy, now, now, id,
		)
	}
	return err
}

// ExpirePendingApprovals flips any pending execution past its approval
// deadline to "expired" and returns how many were affected.
func (s *Store) ExpirePendingApprovals(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runbook_executions SET status = ?, completed_at = ?
		WHERE status = ? AND approval_expires_at IS NOT NULL AND approval_expires_at < ?`,
		model.StatusExpired, now.UTC().Format(time.RFC3339), model.StatusPending, now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReconcileOrphanedExecutions flips any execution left "running" by a prior
// process into "failed" ("queued" rows are left for the worker to claim),
// run once at startup (mirrors
// the orphan-reconciliation pattern grounding this store package).
func (s *Store) ReconcileOrphanedExecutions(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runbook_executions SET status = ?, error_message = ?, completed_at = ?
		WHERE status = ?`,
		model.StatusFailed, "interrupted by process restart", now, model.StatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRecentExecutions counts every execution of a runbook, whatever its
// status, queued at or after since, for the safety-gate rate limiter.
func (s *Store) CountRecentExecutions(ctx context.Context, runbookID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runbook_executions WHERE runbook_id = ? AND queued_at >= ?`,
		runbookID, since.UTC().Format(time.RFC3339),
	).Scan(&count)
	return count, err
}

// OldestExecutionSince returns the queued_at of the oldest execution for a
// runbook within the rate limiter's window, the basis of its retry hint.
// Returns sql.ErrNoRows when the window is empty.
func (s *Store) OldestExecutionSince(ctx context.Context, runbookID string, since time.Time) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT queued_at FROM runbook_executions WHERE runbook_id = ? AND queued_at >= ?
		ORDER BY queued_at ASC LIMIT 1`,
		runbookID, since.UTC().Format(time.RFC3339),
	).Scan(&raw)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, raw)
}

// LastExecutionFor returns the most recent execution queued for a runbook,
// used by the cooldown check. Returns sql.ErrNoRows if none exists.
func (s *Store) LastExecutionFor(ctx context.Context, runbookID string) (model.RunbookExecution, error) {
	row := s.db.QueryRowContext(ctx,
		executionSelectColumns+` FROM runbook_executions WHERE runbook_id = ? ORDER BY queued_at DESC LIMIT 1`,
		runbookID,
	)
	return scanExecution(row)
}

func scanExecution(r rowScanner) (model.RunbookExecution, error) {
	var (
		e                                                     model.RunbookExecution
		queuedAt                                              string
		startedAt, completedAt, approvalRequestedAt           sql.NullString
		approvalExpiresAt, approvedAt                         sql.NullString
		dryRun, rollbackExecuted, triggeredBySystem, approvalReq int
		variablesRaw                                          string
	)
	if err := r.Scan(
		&e.ID, &e.RunbookID, &e.RunbookVersion, &e.TriggerID, &e.AlertID, &e.ServerID, &e.ExecutionMode,
		&e.Status, &queuedAt, &startedAt, &completedAt, &e.StepsTotal, &e.StepsCompleted,
		&e.StepsFailed, &dryRun, &variablesRaw, &e.ResultSummary, &e.ErrorMessage,
		&rollbackExecuted, &triggeredBySystem, &approvalReq, &e.ApprovalToken,
		&approvalRequestedAt, &approvalExpiresAt, &e.ApprovedBy, &approvedAt,
	); err != nil {
		return model.RunbookExecution{}, err
	}
	e.QueuedAt, _ = time.Parse(time.RFC3339, queuedAt)
	e.StartedAt = scanNullableTime(startedAt)
	e.CompletedAt = scanNullableTime(completedAt)
	e.ApprovalRequestedAt = scanNullableTime(approvalRequestedAt)
	e.ApprovalExpiresAt = scanNullableTime(approvalExpiresAt)
	e.ApprovedAt = scanNullableTime(approvedAt)
	e.DryRun = dryRun == 1
	e.RollbackExecuted = rollbackExecuted == 1
	e.TriggeredBySystem = triggeredBySystem == 1
	e.ApprovalRequired = approvalReq == 1
	e.Variables = map[string]string{}
	unmarshalInto(variablesRaw, &e.Variables)
	return e, nil
}

// RecordStepExecution inserts one step's result, keyed by (execution,
// step_order, retry_attempt) so retries don't overwrite earlier attempts.
func (s *Store) RecordStepExecution(ctx context.Context, se model.StepExecution) error {
	var httpStatus any
	if se.HTTPStatusCode != nil {
		httpStatus = *se.HTTPStatusCode
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO step_executions (
		execution_id, step_order, step_name, status, started_at, completed_at, duration_ms,
		command_executed, stdout, stderr, exit_code, http_status_code, http_response_body,
		retry_attempt, error_type, error_message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(execution_id, step_order, retry_attempt) DO UPDATE SET
		status = excluded.status, completed_at = excluded.completed_at,
		duration_ms = excluded.duration_ms, stdout = excluded.stdout, stderr = excluded.stderr,
		exit_code = excluded.exit_code, http_status_code = excluded.http_status_code,
		http_response_body = excluded.http_response_body, error_type = excluded.error_type,
		error_message = excluded.error_message`,
		se.ExecutionID, se.StepOrder, se.StepName, se.Status,
		nullableTimeValue(se.StartedAt), nullableTimeValue(se.CompletedAt), se.DurationMs,
		se.CommandExecuted, se.Stdout, se.Stderr, se.ExitCode, httpStatus, se.HTTPResponseBody,
		se.RetryAttempt, se.ErrorType, se.ErrorMessage,
	)
	return err
}

// ListStepExecutions returns the step history of an execution, ordered by
// step and retry attempt.
func (s *Store) ListStepExecutions(ctx context.Context, executionID string) ([]model.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		execution_id, step_order, step_name, status, started_at, completed_at, duration_ms,
		command_executed, stdout, stderr, exit_code, http_status_code, http_response_body,
		retry_attempt, error_type, error_message
	FROM step_executions WHERE execution_id = ? ORDER BY step_order ASC, retry_attempt ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.StepExecution, 0, 8)
	for rows.Next() {
		var (
			se                            model.StepExecution
			startedAt, completedAt        sql.NullString
			httpStatus                    sql.NullInt64
		)
		if err := rows.Scan(
			&se.ExecutionID, &se.StepOrder, &se.StepName, &se.Status, &startedAt, &completedAt,
			&se.DurationMs, &se.CommandExecuted, &se.Stdout, &se.Stderr, &se.ExitCode,
			&httpStatus, &se.HTTPResponseBody, &se.RetryAttempt, &se.ErrorType, &se.ErrorMessage,
		); err != nil {
			return nil, err
		}
		if t := scanNullableTime(startedAt); t != nil {
			se.StartedAt = *t
		}
		if t := scanNullableTime(completedAt); t != nil {
			se.CompletedAt = *t
		}
		if httpStatus.Valid {
			code := int(httpStatus.Int64)
			se.HTTPStatusCode = &code
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func nullableTimeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
