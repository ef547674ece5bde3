// Package worker implements the ExecutionWorker: a single-process
// background loop that claims queued or approved RunbookExecution rows and
// drives them through the RunbookEngine, plus a periodic sweep that
// expires approvals nobody acted on in time.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opsforge/remediation/internal/events"
	"github.com/opsforge/remediation/internal/model"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultApprovalSweep = 30 * time.Second
	defaultMaxConcurrent = 5
)

// Repo is the persistence surface the worker depends on.
type Repo interface {
	ClaimNextQueued(ctx context.Context) (model.RunbookExecution, error)
	ExpirePendingApprovals(ctx context.Context, now time.Time) (int64, error)
}

// Engine is the subset of runbook.Engine the worker drives.
type Engine interface {
	Run(ctx context.Context, exec model.RunbookExecution) error
}

// Options configures the worker.
type Options struct {
	PollInterval  time.Duration
	ApprovalSweep time.Duration
	MaxConcurrent int
	EventHub      *events.Hub
}

// Worker polls for runnable executions and drives each one through Engine.
type Worker struct {
	repo   Repo
	engine Engine
	opts   Options

	startOnce sync.Once
	stopOnce  sync.Once
	stopFn    context.CancelFunc
	doneCh    chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	sem       chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Worker backed by repo and engine.
func New(repo Repo, engine Engine, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ApprovalSweep <= 0 {
		opts.ApprovalSweep = defaultApprovalSweep
	}
	maxConc := opts.MaxConcurrent
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrent
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Worker{
		repo:      repo,
		engine:    engine,
		opts:      opts,
		sem:       make(chan struct{}, maxConc),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Start begins the poll loop and the approval-sweep loop in background
// goroutines. Calling Start more than once has no additional effect.
func (w *Worker) Start(parent context.Context) {
	if w == nil {
		return
	}
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parent)
		w.stopFn = cancel
		w.doneCh = make(chan struct{})
		w.runCancel()
		w.runCtx, w.runCancel = context.WithCancel(parent)

		var loops sync.WaitGroup
		loops.Add(2)
		go func() {
			defer loops.Done()
			w.pollLoop(ctx)
		}()
		go func() {
			defer loops.Done()
			w.sweepLoop(ctx)
		}()

		go func() {
			loops.Wait()
			close(w.doneCh)
		}()
	})
}

// Stop cancels both loops, waits for in-flight executions to observe
// cancellation at their next step boundary, and blocks until everything
// has wound down or ctx expires first.
func (w *Worker) Stop(ctx context.Context) {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() {
		if w.stopFn != nil {
			w.stopFn()
		}
		if w.runCancel != nil {
			w.runCancel()
		}
		if w.doneCh == nil {
			return
		}
		select {
		case <-w.doneCh:
		case <-ctx.Done():
		}
		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and runs executions until the claim returns sql.ErrNoRows or
// every concurrency slot is occupied, so a burst of queued work is worked
// off within one tick rather than one per poll interval.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		default:
			return // all slots busy; next tick will pick up the rest
		}

		exec, err := w.repo.ClaimNextQueued(ctx)
		if err != nil {
			<-w.sem
			if !errors.Is(err, sql.ErrNoRows) {
				slog.Warn("worker: claim failed", "err", err)
			}
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.runOne(w.runCtx, exec)
		}()
	}
}

func (w *Worker) runOne(ctx context.Context, exec model.RunbookExecution) {
	w.publish(events.TypeExecutionUpdated, map[string]any{
		"execution_id": exec.ID,
		"runbook_id":   exec.RunbookID,
		"status":       model.StatusRunning,
	})
	if err := w.engine.Run(ctx, exec); err != nil {
		slog.Error("worker: engine run failed", "execution_id", exec.ID, "runbook_id", exec.RunbookID, "err", err)
	}
	w.publish(events.TypeExecutionUpdated, map[string]any{
		"execution_id": exec.ID,
		"runbook_id":   exec.RunbookID,
		"status":       "finished",
	})
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.ApprovalSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepExpiredApprovals(ctx)
		}
	}
}

func (w *Worker) sweepExpiredApprovals(ctx context.Context) {
	n, err := w.repo.ExpirePendingApprovals(ctx, time.Now().UTC())
	if err != nil {
		slog.Warn("worker: expire pending approvals failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("worker: expired stale approvals", "count", n)
		w.publish(events.TypeApprovalResolved, map[string]any{"action": "expired", "count": n})
	}
}

func (w *Worker) publish(eventType string, payload map[string]any) {
	if w == nil || w.opts.EventHub == nil {
		return
	}
	w.opts.EventHub.Publish(events.NewEvent(eventType, payload))
}
