package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/opsforge/remediation/internal/approval"
	"github.com/opsforge/remediation/internal/events"
	"github.com/opsforge/remediation/internal/model"
	"github.com/opsforge/remediation/internal/safety"
)

// DispatchRepo is the persistence surface Dispatch needs beyond Matcher's
// own Repo: creating the RunbookExecution a match resolves to.
type DispatchRepo interface {
	CreateExecution(ctx context.Context, e model.RunbookExecution) (model.RunbookExecution, error)
}

// Gate is the subset of safety.Gate the dispatcher consults before queueing
// an auto or semi_auto match.
type Gate interface {
	Allow(ctx context.Context, rb model.Runbook) (safety.Decision, error)
}

// Approver issues the approval token a semi_auto match needs.
type Approver interface {
	Request(ctx context.Context, executionID string, timeout time.Duration) (token string, expiresAt time.Time, err error)
}

// Dispatcher wires a Matcher's output to the safety gate and the execution
// queue.
type Dispatcher struct {
	matcher  *Matcher
	repo     DispatchRepo
	gate     Gate
	approver Approver
	hub      *events.Hub
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(matcher *Matcher, repo DispatchRepo, gate Gate, approver Approver, hub *events.Hub) *Dispatcher {
	return &Dispatcher{matcher: matcher, repo: repo, gate: gate, approver: approver, hub: hub}
}

// Outcome is one match's disposition after gating: either a created
// execution, a block reason, or "surfaced only" for a manual match.
type Outcome struct {
	Match     Match
	Execution *model.RunbookExecution
	Blocked   bool
	Reason    string
	Message   string
}

// Dispatch finds every trigger match for alert, deduplicates to the
// highest-precedence trigger per runbook, and for each `auto` or
// `semi_auto` match consults the safety gate: allowed auto matches are
// queued immediately, allowed semi_auto matches are queued pending
// approval, denied matches are reported but not queued, and `manual`
// matches are surfaced without ever reaching the queue.
func (d *Dispatcher) Dispatch(ctx context.Context, alert model.Alert) ([]Outcome, error) {
	matches, err := d.matcher.Find(ctx, alert)
	if err != nil {
		return nil, err
	}
	matches = dedupeByRunbook(matches)

	outcomes := make([]Outcome, 0, len(matches))
	for _, m := range matches {
		mode := executionMode(m.Runbook)
		if mode == model.ModeManual {
			outcomes = append(outcomes, Outcome{Match: m})
			continue
		}

		decision, err := d.gate.Allow(ctx, m.Runbook)
		if err != nil {
			slog.Warn("dispatch: safety gate check failed", "runbook_id", m.Runbook.ID, "err", err)
			outcomes = append(outcomes, Outcome{Match: m, Blocked: true, Reason: "gate_error", Message: err.Error()})
			continue
		}
		if !decision.Allowed {
			outcomes = append(outcomes, Outcome{Match: m, Blocked: true, Reason: decision.Reason, Message: decision.Message})
			continue
		}

		exec, err := d.queue(ctx, m, mode, alert.ID)
		if err != nil {
			slog.Warn("dispatch: queue execution failed", "runbook_id", m.Runbook.ID, "trigger_id", m.Trigger.ID, "err", err)
			outcomes = append(outcomes, Outcome{Match: m, Blocked: true, Reason: "queue_error", Message: err.Error()})
			continue
		}
		outcomes = append(outcomes, Outcome{Match: m, Execution: &exec})
		d.publish(events.TypeExecutionUpdated, map[string]any{
			"execution_id": exec.ID,
			"runbook_id":   m.Runbook.ID,
			"status":       exec.Status,
		})
	}
	return outcomes, nil
}

func (d *Dispatcher) queue(ctx context.Context, m Match, mode, alertID string) (model.RunbookExecution, error) {
	exec := model.RunbookExecution{
		RunbookID:         m.Runbook.ID,
		RunbookVersion:    m.Runbook.Version,
		TriggerID:         m.Trigger.ID,
		AlertID:           alertID,
		ServerID:          m.ServerID,
		ExecutionMode:     mode,
		Variables:         m.Variables,
		TriggeredBySystem: true,
		ApprovalRequired:  mode == model.ModeSemiAuto,
	}

	if mode == model.ModeSemiAuto {
		exec.Status = model.StatusPending
	} else {
		exec.Status = model.StatusQueued
	}

	created, err := d.repo.CreateExecution(ctx, exec)
	if err != nil {
		return model.RunbookExecution{}, err
	}

	if mode == model.ModeSemiAuto && d.approver != nil {
		token, expiresAt, err := d.approver.Request(ctx, created.ID, m.Runbook.ApprovalTimeout())
		if err != nil {
			return created, err
		}
		created.ApprovalToken = token
		created.ApprovalExpiresAt = &expiresAt
		d.publish(events.TypeApprovalRequested, map[string]any{
			"execution_id": created.ID,
			"runbook_id":   m.Runbook.ID,
			"expires_at":   expiresAt,
		})
	}
	return created, nil
}

// executionMode derives the mode a match should run under from the
// runbook's own flags: auto_execute wins outright,
// otherwise approval_required means semi_auto, otherwise manual.
func executionMode(rb model.Runbook) string {
	switch {
	case rb.AutoExecute:
		return model.ModeAuto
	case rb.ApprovalRequired:
		return model.ModeSemiAuto
	default:
		return model.ModeManual
	}
}

// dedupeByRunbook keeps only the lowest-priority (highest-precedence)
// match per runbook.
func dedupeByRunbook(matches []Match) []Match {
	best := make(map[string]Match, len(matches))
	for _, m := range matches {
		cur, ok := best[m.Runbook.ID]
		if !ok || m.Trigger.Priority < cur.Trigger.Priority {
			best[m.Runbook.ID] = m
		}
	}
	out := make([]Match, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	return out
}

func (d *Dispatcher) publish(eventType string, payload map[string]any) {
	if d == nil || d.hub == nil {
		return
	}
	d.hub.Publish(events.NewEvent(eventType, payload))
}
