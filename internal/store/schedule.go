package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

const scheduleSelectColumns = `SELECT
	id, runbook_id, name, schedule_type, cron_expression, interval_seconds,
	start_date, end_date, timezone, target_server_id, execution_params_json,
	max_instances, misfire_grace_seconds, coalesce_runs, enabled,
	last_run_at, last_run_status, next_run_at, run_count, failure_count`

// InsertScheduledJob creates a new scheduled job.
func (s *Store) InsertScheduledJob(ctx context.Context, j model.ScheduledJob) (model.ScheduledJob, error) {
	if j.ID == "" {
		j.ID = randomID("sched")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_jobs (
		id, runbook_id, name, schedule_type, cron_expression, interval_seconds,
		start_date, end_date, timezone, target_server_id, execution_params_json,
		max_instances, misfire_grace_seconds, coalesce_runs, enabled,
		last_run_at, last_run_status, next_run_at, run_count, failure_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.RunbookID, j.Name, j.ScheduleType, j.CronExpression, j.IntervalSeconds,
		nullableTime(j.StartDate), nullableTime(j.EndDate), j.Timezone, j.TargetServerID,
		marshalOrEmpty(j.ExecutionParams), j.MaxInstances, int(j.MisfireGraceTime.Seconds()),
		boolToInt(j.Coalesce), boolToInt(j.Enabled), nullableTime(j.LastRunAt), j.LastRunStatus,
		nullableTime(j.NextRunAt), j.RunCount, j.FailureCount,
	)
	if err != nil {
		return model.ScheduledJob{}, err
	}
	return s.GetScheduledJob(ctx, j.ID)
}

// GetScheduledJob returns a scheduled job by ID.
func (s *Store) GetScheduledJob(ctx context.Context, id string) (model.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelectColumns+" FROM scheduled_jobs WHERE id = ?", id)
	return scanScheduledJob(row)
}

// ListDueJobs returns enabled jobs whose next_run_at is at or before `now`.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]model.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		scheduleSelectColumns+` FROM scheduled_jobs
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`,
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.ScheduledJob, 0, 8)
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateScheduleAfterFire persists the bookkeeping fields after a job fires
// (or is recomputed past the catch-up window without firing).
func (s *Store) UpdateScheduleAfterFire(ctx context.Context, id string, nextRunAt *time.Time, lastRunStatus string, incrementRun, incrementFailure bool, enabled bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runDelta, failDelta := 0, 0
	if incrementRun {
		runDelta = 1
	}
	if incrementFailure {
		failDelta = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET
		last_run_at = ?, last_run_status = ?, next_run_at = ?, run_count = run_count + ?,
		failure_count = failure_count + ?, enabled = ?
	WHERE id = ?`,
		now, lastRunStatus, nullableTime(nextRunAt), runDelta, failDelta, boolToInt(enabled), id,
	)
	return err
}

// UpdateScheduledJob replaces a job's definition in place.
func (s *Store) UpdateScheduledJob(ctx context.Context, j model.ScheduledJob) (model.ScheduledJob, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_jobs SET
		runbook_id = ?, name = ?, schedule_type = ?, cron_expression = ?, interval_seconds = ?,
		start_date = ?, end_date = ?, timezone = ?, target_server_id = ?, execution_params_json = ?,
		max_instances = ?, misfire_grace_seconds = ?, coalesce_runs = ?, enabled = ?, next_run_at = ?
	WHERE id = ?`,
		j.RunbookID, j.Name, j.ScheduleType, j.CronExpression, j.IntervalSeconds,
		nullableTime(j.StartDate), nullableTime(j.EndDate), j.Timezone, j.TargetServerID,
		marshalOrEmpty(j.ExecutionParams), j.MaxInstances, int(j.MisfireGraceTime.Seconds()),
		boolToInt(j.Coalesce), boolToInt(j.Enabled), nullableTime(j.NextRunAt), j.ID,
	)
	if err != nil {
		return model.ScheduledJob{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.ScheduledJob{}, err
	}
	if affected == 0 {
		return model.ScheduledJob{}, sql.ErrNoRows
	}
	return s.GetScheduledJob(ctx, j.ID)
}

// SetScheduledJobEnabled pauses or resumes a job, updating next_run_at in
// the same statement so an enable and its fire time land atomically.
func (s *Store) SetScheduledJobEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET enabled = ?, next_run_at = ? WHERE id = ?`,
		boolToInt(enabled), nullableTime(nextRunAt), id,
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

// DeleteScheduledJob removes a job. Fire history rows are kept.
func (s *Store) DeleteScheduledJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	return err
}

// ListScheduledJobsByRunbook returns every schedule bound to a runbook.
func (s *Store) ListScheduledJobsByRunbook(ctx context.Context, runbookID string) ([]model.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelectColumns+" FROM scheduled_jobs WHERE runbook_id = ?", runbookID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.ScheduledJob, 0, 4)
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanScheduledJob(r rowScanner) (model.ScheduledJob, error) {
	var (
		j                                              model.ScheduledJob
		startDate, endDate, lastRunAt, nextRunAt       sql.NullString
		enabled, coalesceFlag                          int
		misfireSeconds                                 int
		paramsRaw                                      string
	)
	if err := r.Scan(
		&j.ID, &j.RunbookID, &j.Name, &j.ScheduleType, &j.CronExpression, &j.IntervalSeconds,
		&startDate, &endDate, &j.Timezone, &j.TargetServerID, &paramsRaw,
		&j.MaxInstances, &misfireSeconds, &coalesceFlag, &enabled,
		&lastRunAt, &j.LastRunStatus, &nextRunAt, &j.RunCount, &j.FailureCount,
	); err != nil {
		return model.ScheduledJob{}, err
	}
	j.StartDate = scanNullableTime(startDate)
	j.EndDate = scanNullableTime(endDate)
	j.LastRunAt = scanNullableTime(lastRunAt)
	j.NextRunAt = scanNullableTime(nextRunAt)
	j.MisfireGraceTime = time.Duration(misfireSeconds) * time.Second
	j.Coalesce = coalesceFlag == 1
	j.Enabled = enabled == 1
	j.ExecutionParams = map[string]string{}
	unmarshalInto(paramsRaw, &j.ExecutionParams)
	return j, nil
}

// RecordScheduleFire inserts one fire-history row for a scheduled job.
func (s *Store) RecordScheduleFire(ctx context.Context, h model.ScheduleExecutionHistory) error {
	if h.ID == "" {
		h.ID = randomID("firehist")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedule_execution_history (
		id, scheduled_job_id, scheduled_at, executed_at, completed_at, status,
		error_message, duration_ms, execution_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ScheduledJobID, h.ScheduledAt.UTC().Format(time.RFC3339),
		nullableTime(h.ExecutedAt), nullableTime(h.CompletedAt), h.Status,
		h.ErrorMessage, h.DurationMs, h.ExecutionID,
	)
	return err
}

// ListScheduleHistory returns the most recent fires for a job, newest first.
func (s *Store) ListScheduleHistory(ctx context.Context, scheduledJobID string, limit int) ([]model.ScheduleExecutionHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, scheduled_job_id, scheduled_at, executed_at, completed_at, status,
		error_message, duration_ms, execution_id
	FROM schedule_execution_history WHERE scheduled_job_id = ?
	ORDER BY scheduled_at DESC LIMIT ?`, scheduledJobID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.ScheduleExecutionHistory, 0, limit)
	for rows.Next() {
		var (
			h                          model.ScheduleExecutionHistory
			scheduledAt                string
			executedAt, completedAt    sql.NullString
		)
		if err := rows.Scan(
			&h.ID, &h.ScheduledJobID, &scheduledAt, &executedAt, &completedAt, &h.Status,
			&h.ErrorMessage, &h.DurationMs, &h.ExecutionID,
		); err != nil {
			return nil, err
		}
		h.ScheduledAt, _ = time.Parse(time.RFC3339, scheduledAt)
		h.ExecutedAt = scanNullableTime(executedAt)
		h.CompletedAt = scanNullableTime(completedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}
