package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsforge/remediation/internal/model"
	"github.com/opsforge/remediation/internal/validate"
)

// ErrInvalidSchedule is returned when a job's schedule definition cannot
// produce a fire time.
var ErrInvalidSchedule = errors.New("scheduler: invalid schedule")

// JobRepo is the persistence surface for managing ScheduledJob records,
// separate from the tick loop's Repo so callers that only administer jobs
// don't depend on the firing machinery.
type JobRepo interface {
	InsertScheduledJob(ctx context.Context, j model.ScheduledJob) (model.ScheduledJob, error)
	GetScheduledJob(ctx context.Context, id string) (model.ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, j model.ScheduledJob) (model.ScheduledJob, error)
	SetScheduledJobEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time) error
	DeleteScheduledJob(ctx context.Context, id string) error
	GetRunbook(ctx context.Context, id string) (model.Runbook, error)
}

// Jobs manages the ScheduledJob lifecycle: create, update, pause, resume,
// remove. The tick loop (Service) only ever reads what Jobs has written.
type Jobs struct {
	repo JobRepo
}

// NewJobs constructs a Jobs manager backed by repo.
func NewJobs(repo JobRepo) *Jobs {
	return &Jobs{repo: repo}
}

// Create validates job, stamps its first next_run_at, and persists it.
func (j *Jobs) Create(ctx context.Context, job model.ScheduledJob) (model.ScheduledJob, error) {
	if err := j.validate(ctx, job); err != nil {
		return model.ScheduledJob{}, err
	}
	next, ok := initialNextRun(job, time.Now().UTC())
	if !ok {
		return model.ScheduledJob{}, fmt.Errorf("%w: schedule has no future fire time", ErrInvalidSchedule)
	}
	job.NextRunAt = next
	return j.repo.InsertScheduledJob(ctx, job)
}

// Update replaces a job's definition, recomputing next_run_at from the new
// schedule. Run counters and history are preserved.
func (j *Jobs) Update(ctx context.Context, job model.ScheduledJob) (model.ScheduledJob, error) {
	existing, err := j.repo.GetScheduledJob(ctx, job.ID)
	if err != nil {
		return model.ScheduledJob{}, err
	}
	if err := j.validate(ctx, job); err != nil {
		return model.ScheduledJob{}, err
	}
	job.RunCount = existing.RunCount
	job.FailureCount = existing.FailureCount
	job.LastRunAt = existing.LastRunAt
	job.LastRunStatus = existing.LastRunStatus
	if job.Enabled {
		next, ok := initialNextRun(job, time.Now().UTC())
		if !ok {
			return model.ScheduledJob{}, fmt.Errorf("%w: schedule has no future fire time", ErrInvalidSchedule)
		}
		job.NextRunAt = next
	} else {
		job.NextRunAt = nil
	}
	return j.repo.UpdateScheduledJob(ctx, job)
}

// Pause disables a job without losing its definition or counters.
func (j *Jobs) Pause(ctx context.Context, id string) error {
	if _, err := j.repo.GetScheduledJob(ctx, id); err != nil {
		return err
	}
	return j.repo.SetScheduledJobEnabled(ctx, id, false, nil)
}

// Resume re-enables a paused job, recomputing next_run_at from now so a
// long pause doesn't produce a burst of stale fires.
func (j *Jobs) Resume(ctx context.Context, id string) (model.ScheduledJob, error) {
	job, err := j.repo.GetScheduledJob(ctx, id)
	if err != nil {
		return model.ScheduledJob{}, err
	}
	next, ok := initialNextRun(job, time.Now().UTC())
	if !ok {
		return model.ScheduledJob{}, fmt.Errorf("%w: schedule has no future fire time", ErrInvalidSchedule)
	}
	if err := j.repo.SetScheduledJobEnabled(ctx, id, true, next); err != nil {
		return model.ScheduledJob{}, err
	}
	return j.repo.GetScheduledJob(ctx, id)
}

// Remove deletes a job. Its fire history remains.
func (j *Jobs) Remove(ctx context.Context, id string) error {
	return j.repo.DeleteScheduledJob(ctx, id)
}

func (j *Jobs) validate(ctx context.Context, job model.ScheduledJob) error {
	if job.RunbookID == "" {
		return fmt.Errorf("%w: runbook_id is required", ErrInvalidSchedule)
	}
	if _, err := j.repo.GetRunbook(ctx, job.RunbookID); err != nil {
		return fmt.Errorf("%w: runbook %s: %v", ErrInvalidSchedule, job.RunbookID, err)
	}
	if job.Timezone != "" {
		if _, err := time.LoadLocation(job.Timezone); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, job.Timezone, err)
		}
	}

	switch job.ScheduleType {
	case model.ScheduleCron:
		if _, err := validate.ParseCron(job.CronExpression); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	case model.ScheduleInterval:
		if job.IntervalSeconds <= 0 {
			return fmt.Errorf("%w: interval_seconds must be positive", ErrInvalidSchedule)
		}
	case model.ScheduleDate:
		if job.StartDate == nil {
			return fmt.Errorf("%w: date schedule requires start_date", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, job.ScheduleType)
	}
	return nil
}

// initialNextRun computes the first fire time for a job being created,
// updated, or resumed: unlike computeNextRun (which advances past a fire
// that just happened), this respects a future start_date.
func initialNextRun(job model.ScheduledJob, now time.Time) (*time.Time, bool) {
	from := now
	if job.StartDate != nil && job.StartDate.After(now) {
		from = *job.StartDate
	}

	switch job.ScheduleType {
	case model.ScheduleDate:
		if job.StartDate == nil {
			return nil, false
		}
		at := job.StartDate.UTC()
		return &at, true

	case model.ScheduleInterval:
		if job.IntervalSeconds <= 0 {
			return nil, false
		}
		next := from
		if job.StartDate == nil || !job.StartDate.After(now) {
			next = from.Add(time.Duration(job.IntervalSeconds) * time.Second)
		}
		if job.EndDate != nil && next.After(*job.EndDate) {
			return nil, false
		}
		next = next.UTC()
		return &next, true

	case model.ScheduleCron:
		loc := time.UTC
		if job.Timezone != "" {
			if l, err := time.LoadLocation(job.Timezone); err == nil {
				loc = l
			}
		}
		cronSched, err := validate.ParseCron(job.CronExpression)
		if err != nil {
			return nil, false
		}
		next := cronSched.Next(from.In(loc)).UTC()
		if job.EndDate != nil && next.After(*job.EndDate) {
			return nil, false
		}
		return &next, true

	default:
		return nil, false
	}
}
