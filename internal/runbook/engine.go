// Package runbook implements the RunbookEngine: it runs one
// RunbookExecution to completion, step by step, against the target an
// ExecutorFactory resolves, persisting a StepExecution at every step
// boundary so progress survives a process restart.
package runbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsforge/remediation/internal/executor"
	"github.com/opsforge/remediation/internal/model"
)

// Repo is the persistence surface the engine depends on.
type Repo interface {
	GetRunbook(ctx context.Context, id string) (model.Runbook, error)
	GetRunbookSteps(ctx context.Context, id string) ([]model.RunbookStep, error)
	GetAlert(ctx context.Context, id string) (model.Alert, error)
	ResolveAlert(ctx context.Context, fingerprint string) error
	RecordStepExecution(ctx context.Context, se model.StepExecution) error
	SetExecutionStepsTotal(ctx context.Context, id string, total int) error
	UpdateExecutionProgress(ctx context.Context, id string, stepsCompleted, stepsFailed int, variables map[string]string) error
	FinishExecution(ctx context.Context, id, status, errMsg, summary string, rollbackExecuted bool) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	InsertProvenSolution(ctx context.Context, p model.ProvenSolution) error
}

// ServerRepo resolves a server's credential record, the source of the
// engine's "server.*" template context and OS gate.
type ServerRepo interface {
	GetServerCredential(ctx context.Context, id string) (model.ServerCredential, error)
}

// Factory is the subset of executor.Factory the engine drives.
type Factory interface {
	For(ctx context.Context, serverID string) (executor.Executor, error)
	DecryptProfileSecret(ctx context.Context, profileID string) (string, error)
	Evict(hostname string, port int)
}

// Breakers is the subset of safety.BreakerManager the engine's
// post-execution hook reports outcomes to.
type Breakers interface {
	RecordSuccess(ctx context.Context, scopeID string) error
	RecordFailure(ctx context.Context, scopeID string) error
}

// Engine runs a single RunbookExecution end to end.
type Engine struct {
	repo     Repo
	servers  ServerRepo
	factory  Factory
	breakers Breakers
}

// New constructs an Engine.
func New(repo Repo, servers ServerRepo, factory Factory, breakers Breakers) *Engine {
	return &Engine{repo: repo, servers: servers, factory: factory, breakers: breakers}
}

// stepResult is the engine's internal view of one step attempt, built from
// an executor.Result or synthesized for a dry run.
type stepResult struct {
	Success      bool
	Retryable    bool
	ExitCode     int
	Stdout       string
	Stderr       string
	DurationMs   int64
	CommandText  string
	ErrorType    string
	ErrorMessage string
	HTTPStatus   *int
}

// ErrMissingTarget is returned when an execution names a runbook or server
// that no longer resolves.
var ErrMissingTarget = errors.New("runbook: missing runbook or server")

// Run executes exec to completion, persisting every step boundary and the
// terminal outcome. The caller (ExecutionWorker) is responsible for having
// already transitioned exec to "running".
func (e *Engine) Run(ctx context.Context, exec model.RunbookExecution) error {
	rb, err := e.repo.GetRunbook(ctx, exec.RunbookID)
	if err != nil {
		_ = e.repo.FinishExecution(ctx, exec.ID, model.StatusFailed, "runbook not found: "+err.Error(), "", false)
		return ErrMissingTarget
	}
	steps, err := e.repo.GetRunbookSteps(ctx, exec.RunbookID)
	if err != nil {
		_ = e.repo.FinishExecution(ctx, exec.ID, model.StatusFailed, "failed to load steps: "+err.Error(), "", false)
		return ErrMissingTarget
	}
	_ = e.repo.SetExecutionStepsTotal(ctx, exec.ID, len(steps))

	var cred model.ServerCredential
	if exec.ServerID != "" {
		cred, err = e.servers.GetServerCredential(ctx, exec.ServerID)
		if err != nil {
			_ = e.repo.FinishExecution(ctx, exec.ID, model.StatusFailed, "server not found: "+err.Error(), "", false)
			return ErrMissingTarget
		}
	}

	var alert *model.Alert
	if exec.AlertID != "" {
		a, err := e.repo.GetAlert(ctx, exec.AlertID)
		if err == nil {
			alert = &a
		}
	}

	vars := buildContext(rb, exec, cred, alert)
	for k, v := range exec.Variables {
		vars[k] = v // also exposed bare, matching output-variable convention
	}

	var ex executor.Executor
	if exec.ServerID != "" && !exec.DryRun {
		ex, err = e.factory.For(ctx, exec.ServerID)
		if err != nil {
			_ = e.repo.FinishExecution(ctx, exec.ID, model.StatusFailed, "connect failed: "+err.Error(), "", false)
			return fmt.Errorf("runbook: %w", err)
		}
	}

	var completed []model.RunbookStep
	stepsCompleted, stepsFailed := 0, 0
	overallSuccess := true

	for _, step := range steps {
		if cancelled, cerr := e.repo.IsCancelRequested(ctx, exec.ID); cerr == nil && cancelled {
			_ = e.repo.FinishExecution(ctx, exec.ID, model.StatusCancelled, "cancelled by request", "", false)
			return nil
		}

		outcome, skipped, fatal := e.runStep(ctx, exec, rb, cred, step, vars, ex)
		if fatal != nil {
			_ = e.repo.FinishExecution(ctx, exec.ID, model.StatusFailed, fatal.Error(), "", false)
			overallSuccess = false
			break
		}
		if skipped {
			continue
		}

		recordStepOutcome(vars, step, outcome)
		stepsCompleted++
		if !outcome.Success {
			stepsFailed++
			if !step.ContinueOnFail {
				overallSuccess = false
				_ = e.repo.UpdateExecutionProgress(ctx, exec.ID, stepsCompleted, stepsFailed, vars)
				break
			}
		} else {
			completed = append(completed, step)
		}
		_ = e.repo.UpdateExecutionProgress(ctx, exec.ID, stepsCompleted, stepsFailed, vars)
	}

	rollbackExecuted := false
	if !overallSuccess {
		rollbackExecuted = e.rollback(ctx, completed, rb, cred, vars, ex)
	}

	status := model.StatusSuccess
	if !overallSuccess {
		status = model.StatusFailed
	}
	summary := fmt.Sprintf("%d/%d steps completed, %d failed", stepsCompleted, len(steps), stepsFailed)
	if err := e.repo.FinishExecution(ctx, exec.ID, status, "", summary, rollbackExecuted); err != nil {
		slog.Error("runbook: finish execution", "execution_id", exec.ID, "error", err)
	}

	e.postExecution(ctx, rb, exec, alert, status == model.StatusSuccess)
	return nil
}

// runStep runs a single step through the OS/conditional gates, template
// rendering, retried execution, and success check. fatal is non-nil only
// for unrecoverable engine errors (template failure), which stop the whole
// execution regardless of continue_on_fail.
func (e *Engine) runStep(ctx context.Context, exec model.RunbookExecution, rb model.Runbook, cred model.ServerCredential, step model.RunbookStep, vars map[string]string, ex executor.Executor) (stepResult, bool, error) {
	started := time.Now().UTC()
	se := model.StepExecution{
		ExecutionID: exec.ID,
		StepOrder:   step.StepOrder,
		StepName:    step.Name,
		Status:      model.StepRunning,
		StartedAt:   started,
	}
	_ = e.repo.RecordStepExecution(ctx, se)

	if step.TargetOS != "" && step.TargetOS != model.TargetOSAny && step.TargetOS != cred.OSType {
		se.Status = model.StepSkipped
		se.CompletedAt = time.Now().UTC()
		_ = e.repo.RecordStepExecution(ctx, se)
		return stepResult{}, true, nil
	}

	if step.RunIfVariable != "" {
		value, ok := vars[step.RunIfVariable]
		if !ok || !runIfMatches(value, step.RunIfValue) {
			se.Status = model.StepSkipped
			se.CompletedAt = time.Now().UTC()
			_ = e.repo.RecordStepExecution(ctx, se)
			return stepResult{}, true, nil
		}
	}

	cmd, renderErr := e.buildCommand(ctx, step, cred, vars)
	if renderErr != nil {
		se.Status = model.StepFailed
		se.CompletedAt = time.Now().UTC()
		se.ErrorType = "template"
		se.ErrorMessage = renderErr.Error()
		_ = e.repo.RecordStepExecution(ctx, se)
		return stepResult{}, false, fmt.Errorf("step %q: %w", step.Name, renderErr)
	}
	if cmd == nil {
		se.Status = model.StepSkipped
		se.CompletedAt = time.Now().UTC()
		_ = e.repo.RecordStepExecution(ctx, se)
		return stepResult{}, true, nil
	}

	stepEx := ex
	if step.StepType == model.StepTypeAPI {
		stepEx = e.apiExecutorFor(ctx, step)
	}

	result := e.executeWithRetries(ctx, stepEx, *cmd, step, exec.DryRun, se)
	return result, false, nil
}

// executeWithRetries invokes ex up to step.RetryCount additional times,
// pausing step.RetryDelay() between attempts, retrying only when the
// executor marked the failure Retryable. Each
// attempt is persisted as its own StepExecution row keyed by retry_attempt,
// so a step that eventually succeeds still leaves its failed attempts in
// the history.
func (e *Engine) executeWithRetries(ctx context.Context, ex executor.Executor, cmd executor.Command, step model.RunbookStep, dryRun bool, base model.StepExecution) stepResult {
	var last stepResult
	for attempt := 0; ; attempt++ {
		if dryRun {
			last = stepResult{Success: true, ExitCode: cmd.ExpectedExitCode, CommandText: cmd.Shell, Stdout: "(dry run)"}
		} else {
			stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
			start := time.Now()
			res, err := ex.Execute(stepCtx, cmd)
			dur := time.Since(start)
			cancel()
			if err != nil {
				last = stepResult{Success: false, Retryable: true, ErrorType: model.ErrUnknown, ErrorMessage: err.Error(), DurationMs: dur.Milliseconds(), CommandText: cmd.Shell}
			} else {
				var httpStatus *int
				if step.StepType == model.StepTypeAPI {
					code := res.ExitCode
					httpStatus = &code
				}
				last = stepResult{
					Success: res.Success, Retryable: res.Retryable, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr,
					DurationMs: dur.Milliseconds(), CommandText: res.Command,
					ErrorType: res.ErrorType, ErrorMessage: res.ErrorMessage, HTTPStatus: httpStatus,
				}
			}
		}

		se := base
		se.RetryAttempt = attempt
		se.Status = model.StepSuccess
		if !last.Success {
			se.Status = model.StepFailed
		}
		se.CompletedAt = time.Now().UTC()
		se.DurationMs = last.DurationMs
		se.CommandExecuted = last.CommandText
		se.Stdout = last.Stdout
		se.Stderr = last.Stderr
		se.ExitCode = last.ExitCode
		se.HTTPStatusCode = last.HTTPStatus
		if step.StepType == model.StepTypeAPI {
			se.HTTPResponseBody = last.Stdout
		}
		se.ErrorType = last.ErrorType
		se.ErrorMessage = last.ErrorMessage
		_ = e.repo.RecordStepExecution(ctx, se)

		if last.Success || dryRun || !last.Retryable || attempt >= step.RetryCount {
			return last
		}
		if delay := step.RetryDelay(); delay > 0 {
			select {
			case <-ctx.Done():
				return last
			case <-time.After(delay):
			}
		}
	}
}

// apiExecutorFor builds a standalone HTTP executor for an api-type step,
// independent of the pooled server Executor (a step may target an
// arbitrary URL, not the execution's server).
func (e *Engine) apiExecutorFor(ctx context.Context, step model.RunbookStep) executor.Executor {
	return executor.NewAPIExecutor()
}

func (e *Engine) rollback(ctx context.Context, completed []model.RunbookStep, rb model.Runbook, cred model.ServerCredential, vars map[string]string, ex executor.Executor) bool {
	if len(completed) == 0 {
		return false
	}
	ran := false
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		raw := step.RollbackCommandLinux
		if cred.OSType == model.TargetOSWindows {
			raw = step.RollbackCommandWindows
		}
		if raw == "" {
			continue
		}
		rendered, err := renderStep(raw, vars)
		if err != nil {
			slog.Warn("runbook: rollback template failed", "step", step.Name, "error", err)
			continue
		}
		ran = true
		if ex == nil {
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, step.Timeout())
		_, err = ex.Execute(rctx, executor.Command{Shell: rendered, RequiresElevation: step.RequiresElevation})
		cancel()
		if err != nil {
			slog.Warn("runbook: rollback command failed", "step", step.Name, "error", err)
		}
	}
	return ran
}

// postExecution updates the runbook's circuit breaker, resolves the
// triggering alert on success, and records a proven-solution snapshot for
// the ranker.
func (e *Engine) postExecution(ctx context.Context, rb model.Runbook, exec model.RunbookExecution, alert *model.Alert, success bool) {
	if e.breakers != nil {
		var err error
		if success {
			err = e.breakers.RecordSuccess(ctx, rb.ID)
		} else {
			err = e.breakers.RecordFailure(ctx, rb.ID)
		}
		if err != nil {
			slog.Error("runbook: circuit breaker update failed", "runbook_id", rb.ID, "error", err)
		}
	}

	if !success || alert == nil {
		return
	}
	if err := e.repo.ResolveAlert(ctx, alert.Fingerprint); err != nil {
		slog.Warn("runbook: resolve alert failed", "alert_id", alert.ID, "error", err)
	}
	if exec.DryRun {
		return
	}
	problem := fmt.Sprintf("%s on %s (%s)", alert.AlertName, alert.Instance, alert.Severity)
	solution := model.ProvenSolution{
		RunbookID:   rb.ID,
		AlertID:     alert.ID,
		ExecutionID: exec.ID,
		ProblemText: problem,
		Embedding:   alert.Embedding,
	}
	if err := e.repo.InsertProvenSolution(ctx, solution); err != nil {
		slog.Warn("runbook: record proven solution failed", "runbook_id", rb.ID, "error", err)
	}
}
