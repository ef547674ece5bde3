package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

func TestCreateAndGetExecution(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateExecution(ctx, model.RunbookExecution{
		RunbookID:      "rb-1",
		RunbookVersion: 3,
		ServerID:       "srv-1",
		ExecutionMode:  model.ModeAuto,
		Variables:      map[string]string{"alert_name": "DiskFull"},
	})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	if created.ID == "" || created.Status != model.StatusQueued {
		t.Fatalf("created = %+v, want generated id and queued status", created)
	}
	if created.QueuedAt.IsZero() {
		t.Error("QueuedAt not stamped")
	}
	if created.CompletedAt != nil {
		t.Error("CompletedAt set on a fresh execution")
	}
	if created.Variables["alert_name"] != "DiskFull" {
		t.Errorf("variables = %v", created.Variables)
	}
}

func TestClaimNextQueuedOrderAndExhaustion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	second, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", QueuedAt: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	first, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", QueuedAt: base})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	// A pending execution must never be claimed.
	if _, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", Status: model.StatusPending, QueuedAt: base.Add(-time.Minute)}); err != nil {
		t.Fatalf("CreateExecution(pending) error = %v", err)
	}

	claimed1, err := s.ClaimNextQueued(ctx)
	if err != nil {
		t.Fatalf("ClaimNextQueued() error = %v", err)
	}
	if claimed1.ID != first.ID {
		t.Fatalf("claimed %s first, want oldest %s", claimed1.ID, first.ID)
	}
	if claimed1.Status != model.StatusRunning || claimed1.StartedAt == nil {
		t.Fatalf("claimed = %+v, want running with started_at", claimed1)
	}

	claimed2, err := s.ClaimNextQueued(ctx)
	if err != nil {
		t.Fatalf("ClaimNextQueued() second error = %v", err)
	}
	if claimed2.ID != second.ID {
		t.Fatalf("claimed %s second, want %s", claimed2.ID, second.ID)
	}

	if _, err := s.ClaimNextQueued(ctx); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("ClaimNextQueued() on empty queue error = %v, want sql.ErrNoRows", err)
	}
}

func TestClaimNextQueuedIncludesApproved(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	approved, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", Status: model.StatusApproved})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	claimed, err := s.ClaimNextQueued(ctx)
	if err != nil {
		t.Fatalf("ClaimNextQueued() error = %v", err)
	}
	if claimed.ID != approved.ID {
		t.Fatalf("claimed %s, want approved %s", claimed.ID, approved.ID)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", Status: model.StatusPending})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if err := s.RequestApproval(ctx, exec.ID, "tok-abc", expires); err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}

	byToken, err := s.GetExecutionByApprovalToken(ctx, "tok-abc")
	if err != nil {
		t.Fatalf("GetExecutionByApprovalToken() error = %v", err)
	}
	if byToken.ID != exec.ID || !byToken.ApprovalRequired || byToken.ApprovalExpiresAt == nil {
		t.Fatalf("byToken = %+v", byToken)
	}

	if err := s.ResolveApproval(ctx, exec.ID, "alice", true); err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}
	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Status != model.StatusApproved || got.ApprovedBy != "alice" || got.ApprovedAt == nil {
		t.Fatalf("resolved = %+v, want approved by alice", got)
	}
	if got.CompletedAt != nil {
		t.Error("approval stamped completed_at; only terminal states may")
	}
}

func TestResolveApprovalRejectionIsTerminal(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", Status: model.StatusPending})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	if err := s.RequestApproval(ctx, exec.ID, "tok-rej", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	if err := s.ResolveApproval(ctx, exec.ID, "bob", false); err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Status != model.StatusRejected || got.ApprovedBy != "bob" {
		t.Fatalf("rejected = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("rejection left completed_at unset; rejected is terminal")
	}
}

func TestExpirePendingApprovals(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", Status: model.StatusPending})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	if err := s.RequestApproval(ctx, stale.ID, "tok-old", now.Add(-time.Minute)); err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}
	fresh, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", Status: model.StatusPending})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	if err := s.RequestApproval(ctx, fresh.ID, "tok-new", now.Add(time.Hour)); err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}

	n, err := s.ExpirePendingApprovals(ctx, now)
	if err != nil {
		t.Fatalf("ExpirePendingApprovals() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d executions, want 1", n)
	}

	got, _ := s.GetExecution(ctx, stale.ID)
	if got.Status != model.StatusExpired || got.CompletedAt == nil {
		t.Errorf("stale = %+v, want expired with completed_at", got)
	}
	got, _ = s.GetExecution(ctx, fresh.ID)
	if got.Status != model.StatusPending {
		t.Errorf("fresh status = %q, want still pending", got.Status)
	}
}

func TestFinishExecutionStampsCompletion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1"})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	if err := s.FinishExecution(ctx, exec.ID, model.StatusFailed, "step 2 failed", "1/2 steps completed, 1 failed", true); err != nil {
		t.Fatalf("FinishExecution() error = %v", err)
	}
	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Status != model.StatusFailed || got.CompletedAt == nil || !got.RollbackExecuted {
		t.Fatalf("finished = %+v", got)
	}
	if got.ErrorMessage != "step 2 failed" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestCancellationFlag(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1"})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	cancelled, err := s.IsCancelRequested(ctx, exec.ID)
	if err != nil || cancelled {
		t.Fatalf("IsCancelRequested() = (%v, %v), want (false, nil)", cancelled, err)
	}
	if err := s.RequestCancellation(ctx, exec.ID); err != nil {
		t.Fatalf("RequestCancellation() error = %v", err)
	}
	cancelled, err = s.IsCancelRequested(ctx, exec.ID)
	if err != nil || !cancelled {
		t.Fatalf("IsCancelRequested() = (%v, %v), want (true, nil)", cancelled, err)
	}
}

func TestRecordStepExecutionKeepsRetryAttempts(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	exec, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1"})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		status := model.StepFailed
		if attempt == 1 {
			status = model.StepSuccess
		}
		if err := s.RecordStepExecution(ctx, model.StepExecution{
			ExecutionID:  exec.ID,
			StepOrder:    1,
			StepName:     "restart nginx",
			Status:       status,
			StartedAt:    started,
			CompletedAt:  started.Add(time.Second),
			RetryAttempt: attempt,
		}); err != nil {
			t.Fatalf("RecordStepExecution(attempt %d) error = %v", attempt, err)
		}
	}

	steps, err := s.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListStepExecutions() error = %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d rows, want 2 (one per retry attempt)", len(steps))
	}
	if steps[0].Status != model.StepFailed || steps[1].Status != model.StepSuccess {
		t.Errorf("statuses = (%q, %q)", steps[0].Status, steps[1].Status)
	}
}

func TestRecordStepExecutionUpdatesSameAttempt(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1"})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	se := model.StepExecution{ExecutionID: exec.ID, StepOrder: 1, StepName: "s1", Status: model.StepRunning, StartedAt: time.Now().UTC()}
	if err := s.RecordStepExecution(ctx, se); err != nil {
		t.Fatalf("RecordStepExecution(running) error = %v", err)
	}
	se.Status = model.StepSuccess
	se.Stdout = "ok\n"
	se.CompletedAt = time.Now().UTC()
	if err := s.RecordStepExecution(ctx, se); err != nil {
		t.Fatalf("RecordStepExecution(final) error = %v", err)
	}

	steps, err := s.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListStepExecutions() error = %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("steps = %d rows, want 1 (same attempt upserted)", len(steps))
	}
	if steps[0].Status != model.StepSuccess || steps[0].Stdout != "ok\n" {
		t.Errorf("step = %+v", steps[0])
	}
}

func TestReconcileOrphanedExecutions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	running, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", Status: model.StatusRunning})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}
	queued, err := s.CreateExecution(ctx, model.RunbookExecution{RunbookID: "rb-1", Status: model.StatusQueued})
	if err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	n, err := s.ReconcileOrphanedExecutions(ctx)
	if err != nil {
		t.Fatalf("ReconcileOrphanedExecutions() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled %d, want 1 (only running rows)", n)
	}
	got, _ := s.GetExecution(ctx, running.ID)
	if got.Status != model.StatusFailed || got.CompletedAt == nil {
		t.Errorf("orphan = %+v, want failed", got)
	}
	got, _ = s.GetExecution(ctx, queued.ID)
	if got.Status != model.StatusQueued {
		t.Errorf("queued status = %q, want untouched", got.Status)
	}
}

func TestCountRecentAndLastExecution(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if _, err := s.CreateExecution(ctx, model.RunbookExecution{
			RunbookID: "rb-1", QueuedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("CreateExecution() error = %v", err)
		}
	}

	count, err := s.CountRecentExecutions(ctx, "rb-1", base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("CountRecentExecutions() error = %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	last, err := s.LastExecutionFor(ctx, "rb-1")
	if err != nil {
		t.Fatalf("LastExecutionFor() error = %v", err)
	}
	if !last.QueuedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("last.QueuedAt = %v, want newest", last.QueuedAt)
	}

	oldest, err := s.OldestExecutionSince(ctx, "rb-1", base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("OldestExecutionSince() error = %v", err)
	}
	if !oldest.Equal(base.Add(time.Minute)) {
		t.Errorf("oldest = %v, want first row inside the window", oldest)
	}
	if _, err := s.OldestExecutionSince(ctx, "rb-1", base.Add(time.Hour)); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("OldestExecutionSince(empty window) error = %v, want sql.ErrNoRows", err)
	}

	if _, err := s.LastExecutionFor(ctx, "ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("LastExecutionFor(ghost) error = %v, want sql.ErrNoRows", err)
	}
}
