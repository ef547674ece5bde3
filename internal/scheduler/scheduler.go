// Package scheduler implements the time-based ScheduledJob engine: cron,
// interval, and one-shot date schedules that create RunbookExecutions when
// they fire, with misfire-grace handling and per-job concurrency limits.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opsforge/remediation/internal/events"
	"github.com/opsforge/remediation/internal/model"
	"github.com/opsforge/remediation/internal/validate"
)

const (
	defaultTickInterval  = 5 * time.Second
	defaultMaxConcurrent = 5
	defaultMisfireGrace  = time.Hour
)

// Repo is the persistence surface the scheduler depends on.
type Repo interface {
	ListDueJobs(ctx context.Context, now time.Time) ([]model.ScheduledJob, error)
	UpdateScheduleAfterFire(ctx context.Context, id string, nextRunAt *time.Time, lastRunStatus string, incrementRun, incrementFailure bool, enabled bool) error
	RecordScheduleFire(ctx context.Context, h model.ScheduleExecutionHistory) error
	GetRunbook(ctx context.Context, id string) (model.Runbook, error)
	GetExecution(ctx context.Context, id string) (model.RunbookExecution, error)
	CreateExecution(ctx context.Context, e model.RunbookExecution) (model.RunbookExecution, error)
}

// Engine is the subset of runbook.Engine the scheduler drives directly for
// fires that don't require approval.
type Engine interface {
	Run(ctx context.Context, exec model.RunbookExecution) error
}

// Approver issues the approval token an approval-required fire needs.
type Approver interface {
	Request(ctx context.Context, executionID string, timeout time.Duration) (token string, expiresAt time.Time, err error)
}

// Options configures the scheduler service.
type Options struct {
	TickInterval  time.Duration
	MaxConcurrent int
	EventHub      *events.Hub
}

// Service runs scheduled runbook executions on a tick loop.
type Service struct {
	repo     Repo
	engine   Engine
	approver Approver
	opts     Options

	startOnce sync.Once
	stopOnce  sync.Once
	stopFn    context.CancelFunc
	doneCh    chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	sem       chan struct{}
	wg        sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]int
}

// New constructs a scheduler Service.
func New(repo Repo, engine Engine, approver Approver, opts Options) *Service {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	maxConc := opts.MaxConcurrent
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrent
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Service{
		repo:      repo,
		engine:    engine,
		approver:  approver,
		opts:      opts,
		sem:       make(chan struct{}, maxConc),
		inflight:  make(map[string]int),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Start begins the scheduler tick loop in a background goroutine.
func (s *Service) Start(parent context.Context) {
	if s == nil {
		return
	}
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		s.stopFn = cancel
		s.doneCh = make(chan struct{})
		s.runCancel()
		s.runCtx, s.runCancel = context.WithCancel(parent)

		go func() {
			defer close(s.doneCh)
			s.tick(ctx)

			ticker := time.NewTicker(s.opts.TickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.tick(ctx)
				}
			}
		}()
	})
}

// Stop cancels the tick loop and waits for in-flight runbook runs to finish
// or ctx to expire, whichever comes first.
func (s *Service) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.stopFn != nil {
			s.stopFn()
		}
		if s.runCancel != nil {
			s.runCancel()
		}
		if s.doneCh == nil {
			return
		}
		select {
		case <-s.doneCh:
		case <-ctx.Done():
		}
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
}

func (s *Service) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.repo.ListDueJobs(ctx, now)
	if err != nil {
		slog.Warn("scheduler: list due jobs failed", "err", err)
		return
	}
	for _, job := range due {
		s.process(ctx, job, now)
	}
}

// process fires job if it's within its misfire grace window and under its
// max_instances cap, otherwise records the fire as missed and recomputes
// the next run time without executing anything.
func (s *Service) process(ctx context.Context, job model.ScheduledJob, now time.Time) {
	scheduledAt := now
	if job.NextRunAt != nil {
		scheduledAt = *job.NextRunAt
	}

	grace := job.MisfireGraceTime
	if grace <= 0 {
		grace = defaultMisfireGrace
	}
	if now.Sub(scheduledAt) > grace {
		slog.Warn("scheduler: dropping late fire past misfire grace", "job_id", job.ID, "scheduled_at", scheduledAt)
		s.recordMissed(ctx, job, scheduledAt)
		s.advance(ctx, job, now, "", false)
		return
	}

	if job.MaxInstances > 0 && s.inflightCount(job.ID) >= job.MaxInstances {
		slog.Warn("scheduler: max_instances reached, skipping fire", "job_id", job.ID, "max_instances", job.MaxInstances)
		s.recordMissed(ctx, job, scheduledAt)
		s.advance(ctx, job, now, "", false)
		return
	}

	rb, err := s.repo.GetRunbook(ctx, job.RunbookID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Warn("scheduler: auto-heal disabling orphan job", "job_id", job.ID, "runbook_id", job.RunbookID)
			if healErr := s.repo.UpdateScheduleAfterFire(ctx, job.ID, nil, "disabled", false, false, false); healErr != nil {
				slog.Warn("scheduler: auto-heal update failed", "job_id", job.ID, "err", healErr)
			}
			return
		}
		slog.Warn("scheduler: get runbook failed", "job_id", job.ID, "runbook_id", job.RunbookID, "err", err)
		return
	}

	status := model.StatusRunning
	if rb.ApprovalRequired {
		status = model.StatusPending
	}
	exec := model.RunbookExecution{
		RunbookID:         rb.ID,
		RunbookVersion:    rb.Version,
		ServerID:          job.TargetServerID,
		ExecutionMode:     model.ModeAuto,
		Status:            status,
		Variables:         job.ExecutionParams,
		TriggeredBySystem: true,
		ApprovalRequired:  rb.ApprovalRequired,
	}
	created, err := s.repo.CreateExecution(ctx, exec)
	if err != nil {
		slog.Warn("scheduler: create execution failed", "job_id", job.ID, "runbook_id", job.RunbookID, "err", err)
		return
	}

	nextRunAt, enabled := computeNextRun(job, now)
	if err := s.repo.UpdateScheduleAfterFire(ctx, job.ID, nextRunAt, "fired", true, false, enabled); err != nil {
		slog.Warn("scheduler: update after fire failed", "job_id", job.ID, "err", err)
	}
	if err := s.repo.RecordScheduleFire(ctx, model.ScheduleExecutionHistory{
		ScheduledJobID: job.ID,
		ScheduledAt:    scheduledAt,
		ExecutedAt:     &now,
		Status:         model.ScheduleFireFired,
		ExecutionID:    created.ID,
	}); err != nil {
		slog.Warn("scheduler: record fire history failed", "job_id", job.ID, "err", err)
	}

	s.publish(events.TypeScheduleUpdated, map[string]any{
		"action":       "triggered",
		"job_id":       job.ID,
		"execution_id": created.ID,
	})

	if rb.ApprovalRequired {
		if s.approver != nil {
			token, expiresAt, err := s.approver.Request(ctx, created.ID, rb.ApprovalTimeout())
			if err != nil {
				slog.Warn("scheduler: approval request failed", "execution_id", created.ID, "err", err)
			} else {
				s.publish(events.TypeApprovalRequested, map[string]any{
					"execution_id": created.ID,
					"job_id":       job.ID,
					"token":        token,
					"expires_at":   expiresAt,
				})
			}
		}
		return // worker picks this up once approved; scheduler's part is done
	}

	s.runAsync(job.ID, created, nextRunAt, enabled)
}

// runAsync invokes the engine for a fired execution in a background
// goroutine bounded by the scheduler's concurrency semaphore, recording the
// fire's completion once the engine returns. The completion update keeps
// the next_run_at and enabled values computed when the job fired.
func (s *Service) runAsync(jobID string, exec model.RunbookExecution, nextRunAt *time.Time, enabled bool) {
	s.inflightAdd(jobID, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inflightAdd(jobID, -1)

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.runCtx.Done():
			return
		}

		started := time.Now()
		runErr := s.engine.Run(s.runCtx, exec)
		duration := time.Since(started)
		if runErr != nil {
			slog.Error("scheduler: engine run failed", "execution_id", exec.ID, "job_id", jobID, "err", runErr)
		}

		final, err := s.repo.GetExecution(s.runCtx, exec.ID)
		status := model.StatusFailed
		errMsg := ""
		if err == nil {
			status = final.Status
			errMsg = final.ErrorMessage
		}
		failed := status != model.StatusSuccess

		if updErr := s.repo.UpdateScheduleAfterFire(s.runCtx, jobID, nextRunAt, status, false, failed, enabled); updErr != nil {
			slog.Warn("scheduler: update after completion failed", "job_id", jobID, "err", updErr)
		}
		completed := time.Now().UTC()
		if recErr := s.repo.RecordScheduleFire(s.runCtx, model.ScheduleExecutionHistory{
			ScheduledJobID: jobID,
			ScheduledAt:    exec.QueuedAt,
			ExecutedAt:     &started,
			CompletedAt:    &completed,
			Status:         fireStatusFor(status),
			ErrorMessage:   errMsg,
			DurationMs:     duration.Milliseconds(),
			ExecutionID:    exec.ID,
		}); recErr != nil {
			slog.Warn("scheduler: record completion history failed", "job_id", jobID, "err", recErr)
		}

		s.publish(events.TypeScheduleUpdated, map[string]any{
			"action":       "run_completed",
			"job_id":       jobID,
			"execution_id": exec.ID,
			"status":       status,
		})
	}()
}

func fireStatusFor(execStatus string) string {
	if execStatus == model.StatusSuccess {
		return model.ScheduleFireFired
	}
	return model.ScheduleFireFailed
}

func (s *Service) recordMissed(ctx context.Context, job model.ScheduledJob, scheduledAt time.Time) {
	if err := s.repo.RecordScheduleFire(ctx, model.ScheduleExecutionHistory{
		ScheduledJobID: job.ID,
		ScheduledAt:    scheduledAt,
		Status:         model.ScheduleFireMissed,
	}); err != nil {
		slog.Warn("scheduler: record missed fire failed", "job_id", job.ID, "err", err)
	}
}

// advance recomputes next_run_at for a dropped fire without incrementing
// run_count or firing anything.
func (s *Service) advance(ctx context.Context, job model.ScheduledJob, now time.Time, lastRunStatus string, enabledOverride bool) {
	nextRunAt, enabled := computeNextRun(job, now)
	if lastRunStatus == "" {
		lastRunStatus = job.LastRunStatus
	}
	if err := s.repo.UpdateScheduleAfterFire(ctx, job.ID, nextRunAt, lastRunStatus, false, false, enabled); err != nil {
		slog.Warn("scheduler: advance next run failed", "job_id", job.ID, "err", err)
	}
}

// computeNextRun derives a job's next fire time from its schedule kind,
// returning enabled=false when the job has no further runs ahead of it
// (a one-shot date job, or a recurring job past its end_date).
func computeNextRun(job model.ScheduledJob, now time.Time) (*time.Time, bool) {
	switch job.ScheduleType {
	case model.ScheduleDate:
		return nil, false

	case model.ScheduleInterval:
		if job.IntervalSeconds <= 0 {
			return nil, false
		}
		next := now.Add(time.Duration(job.IntervalSeconds) * time.Second)
		if job.EndDate != nil && next.After(*job.EndDate) {
			return nil, false
		}
		return &next, true

	case model.ScheduleCron:
		loc, err := time.LoadLocation(job.Timezone)
		if err != nil {
			slog.Warn("scheduler: invalid timezone, using UTC", "job_id", job.ID, "timezone", job.Timezone)
			loc = time.UTC
		}
		cronSched, err := validate.ParseCron(job.CronExpression)
		if err != nil {
			slog.Warn("scheduler: invalid cron expression", "job_id", job.ID, "expr", job.CronExpression, "err", err)
			return nil, false
		}
		next := cronSched.Next(now.In(loc)).UTC()
		if job.EndDate != nil && next.After(*job.EndDate) {
			return nil, false
		}
		return &next, true

	default:
		slog.Warn("scheduler: unknown schedule type", "job_id", job.ID, "type", job.ScheduleType)
		return nil, false
	}
}

func (s *Service) inflightCount(jobID string) int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.inflight[jobID]
}

func (s *Service) inflightAdd(jobID string, delta int) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight[jobID] += delta
	if s.inflight[jobID] <= 0 {
		delete(s.inflight, jobID)
	}
}

func (s *Service) publish(eventType string, payload map[string]any) {
	if s == nil || s.opts.EventHub == nil {
		return
	}
	s.opts.EventHub.Publish(events.NewEvent(eventType, payload))
}
