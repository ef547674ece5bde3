package runbook

import (
	"context"
	"testing"

	"github.com/opsforge/remediation/internal/executor"
	"github.com/opsforge/remediation/internal/model"
)

type fakeRepo struct {
	runbook       model.Runbook
	steps         []model.RunbookStep
	alert         model.Alert
	alertErr      error
	stepExecs     []model.StepExecution
	finished      bool
	finishStatus  string
	finishErr     string
	rollbackExec  bool
	resolvedFP    string
	cancelled     bool
	solutions     []model.ProvenSolution
	progressCalls int
	stepsTotal    int
}

func (f *fakeRepo) GetRunbook(_ context.Context, id string) (model.Runbook, error) {
	return f.runbook, nil
}

func (f *fakeRepo) GetRunbookSteps(_ context.Context, id string) ([]model.RunbookStep, error) {
	return f.steps, nil
}

func (f *fakeRepo) GetAlert(_ context.Context, id string) (model.Alert, error) {
	return f.alert, f.alertErr
}

func (f *fakeRepo) ResolveAlert(_ context.Context, fingerprint string) error {
	f.resolvedFP = fingerprint
	return nil
}

func (f *fakeRepo) RecordStepExecution(_ context.Context, se model.StepExecution) error {
	f.stepExecs = append(f.stepExecs, se)
	return nil
}

func (f *fakeRepo) SetExecutionStepsTotal(_ context.Context, id string, total int) error {
	f.stepsTotal = total
	return nil
}

func (f *fakeRepo) UpdateExecutionProgress(_ context.Context, id string, stepsCompleted, stepsFailed int, variables map[string]string) error {
	f.progressCalls++
	return nil
}

func (f *fakeRepo) FinishExecution(_ context.Context, id, status, errMsg, summary string, rollbackExecuted bool) error {
	f.finished = true
	f.finishStatus = status
	f.finishErr = errMsg
	f.rollbackExec = rollbackExecuted
	return nil
}

func (f *fakeRepo) IsCancelRequested(_ context.Context, id string) (bool, error) {
	return f.cancelled, nil
}

func (f *fakeRepo) InsertProvenSolution(_ context.Context, p model.ProvenSolution) error {
	f.solutions = append(f.solutions, p)
	return nil
}

type fakeServerRepo struct {
	cred model.ServerCredential
	err  error
}

func (f *fakeServerRepo) GetServerCredential(_ context.Context, id string) (model.ServerCredential, error) {
	return f.cred, f.err
}

type fakeFactory struct {
	ex        executor.Executor
	err       error
	evictions []string
}

func (f *fakeFactory) For(_ context.Context, serverID string) (executor.Executor, error) {
	return f.ex, f.err
}

func (f *fakeFactory) DecryptProfileSecret(_ context.Context, profileID string) (string, error) {
	return "", nil
}

func (f *fakeFactory) Evict(hostname string, port int) {
	f.evictions = append(f.evictions, hostname)
}

type fakeBreakers struct {
	successes, failures []string
}

func (f *fakeBreakers) RecordSuccess(_ context.Context, scopeID string) error {
	f.successes = append(f.successes, scopeID)
	return nil
}

func (f *fakeBreakers) RecordFailure(_ context.Context, scopeID string) error {
	f.failures = append(f.failures, scopeID)
	return nil
}

// fakeExecutor is a scripted executor.Executor: each call to Execute pops
// the next queued result.
type fakeExecutor struct {
	results  []executor.Result
	errs     []error
	calls    int
	commands []executor.Command
}

func (f *fakeExecutor) Connect(context.Context) error        { return nil }
func (f *fakeExecutor) Disconnect() error                    { return nil }
func (f *fakeExecutor) TestConnection(context.Context) error { return nil }
func (f *fakeExecutor) GetServerInfo(context.Context) (executor.ServerInfo, error) {
	return executor.ServerInfo{}, nil
}

func (f *fakeExecutor) Execute(_ context.Context, cmd executor.Command) (executor.Result, error) {
	i := f.calls
	f.calls++
	f.commands = append(f.commands, cmd)
	var res executor.Result
	var err error
	if i < len(f.results) {
		res = f.results[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	res.Command = cmd.Shell
	return res, err
}

func newTestEngine(repo Repo, servers ServerRepo, factory Factory, breakers Breakers) *Engine {
	return New(repo, servers, factory, breakers)
}

func TestRunSucceedsThroughAllSteps(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{results: []executor.Result{{Success: true, ExitCode: 0, Stdout: "ok"}}}
	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1", Name: "restart-service"},
		steps: []model.RunbookStep{
			{StepOrder: 1, Name: "restart", StepType: model.StepTypeCommand, CommandLinux: "systemctl restart {{vars.svc}}"},
		},
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1", Hostname: "web-1", OSType: "linux"}}
	factory := &fakeFactory{ex: fakeEx}
	breakers := &fakeBreakers{}
	engine := newTestEngine(repo, servers, factory, breakers)

	exec := model.RunbookExecution{
		ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1",
		Variables: map[string]string{"svc": "nginx"},
	}

	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !repo.finished || repo.finishStatus != model.StatusSuccess {
		t.Errorf("finishStatus = %q, want %q", repo.finishStatus, model.StatusSuccess)
	}
	if fakeEx.calls != 1 {
		t.Errorf("executor called %d times, want 1", fakeEx.calls)
	}
	if len(breakers.successes) != 1 || breakers.successes[0] != "rb-1" {
		t.Errorf("breakers.successes = %v, want [rb-1]", breakers.successes)
	}
	lastExec := repo.stepExecs[len(repo.stepExecs)-1]
	if lastExec.CommandExecuted != "systemctl restart nginx" {
		t.Errorf("rendered command = %q, want %q", lastExec.CommandExecuted, "systemctl restart nginx")
	}
}

func TestRunSkipsStepOnOSMismatch(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{}
	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1"},
		steps: []model.RunbookStep{
			{StepOrder: 1, Name: "windows-only", TargetOS: model.TargetOSWindows, CommandWindows: "dir"},
		},
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1", OSType: "linux"}}
	factory := &fakeFactory{ex: fakeEx}
	engine := newTestEngine(repo, servers, factory, &fakeBreakers{})

	exec := model.RunbookExecution{ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1"}
	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fakeEx.calls != 0 {
		t.Errorf("executor called %d times, want 0 (step should be skipped)", fakeEx.calls)
	}
	if repo.finishStatus != model.StatusSuccess {
		t.Errorf("finishStatus = %q, want %q", repo.finishStatus, model.StatusSuccess)
	}
}

func TestRunRetriesRetryableFailureThenSucceeds(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{
		results: []executor.Result{
			{Success: false, Retryable: true, ExitCode: 1, ErrorType: model.ErrConnection},
			{Success: true, ExitCode: 0},
		},
	}
	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1"},
		steps:   []model.RunbookStep{{StepOrder: 1, Name: "flaky", CommandLinux: "curl foo", RetryCount: 2}},
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1"}}
	factory := &fakeFactory{ex: fakeEx}
	engine := newTestEngine(repo, servers, factory, &fakeBreakers{})

	exec := model.RunbookExecution{ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1"}
	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fakeEx.calls != 2 {
		t.Errorf("executor called %d times, want 2", fakeEx.calls)
	}
	if repo.finishStatus != model.StatusSuccess {
		t.Errorf("finishStatus = %q, want %q", repo.finishStatus, model.StatusSuccess)
	}

	var attempts []int
	for _, se := range repo.stepExecs {
		if se.Status == model.StepRunning {
			continue
		}
		attempts = append(attempts, se.RetryAttempt)
	}
	if len(attempts) != 2 || attempts[0] != 0 || attempts[1] != 1 {
		t.Errorf("recorded retry attempts = %v, want [0 1] (one row per attempt)", attempts)
	}
}

func TestRunDoesNotRetryNonRetryableFailure(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{
		results: []executor.Result{{Success: false, Retryable: false, ExitCode: 1, ErrorType: model.ErrAuth}},
	}
	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1"},
		steps:   []model.RunbookStep{{StepOrder: 1, Name: "auth-fail", CommandLinux: "curl foo", RetryCount: 3}},
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1"}}
	factory := &fakeFactory{ex: fakeEx}
	engine := newTestEngine(repo, servers, factory, &fakeBreakers{})

	exec := model.RunbookExecution{ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1"}
	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fakeEx.calls != 1 {
		t.Errorf("executor called %d times, want 1 (non-retryable failure must not retry)", fakeEx.calls)
	}
	if repo.finishStatus != model.StatusFailed {
		t.Errorf("finishStatus = %q, want %q", repo.finishStatus, model.StatusFailed)
	}
}

func TestRunStopsOnFailureAndRunsRollbackInReverseOrder(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{
		results: []executor.Result{
			{Success: true, ExitCode: 0},
			{Success: false, Retryable: false, ExitCode: 1},
		},
	}
	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1"},
		steps: []model.RunbookStep{
			{StepOrder: 1, Name: "step-a", CommandLinux: "do-a", RollbackCommandLinux: "undo-a"},
			{StepOrder: 2, Name: "step-b", CommandLinux: "do-b"},
		},
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1"}}
	factory := &fakeFactory{ex: fakeEx}
	breakers := &fakeBreakers{}
	engine := newTestEngine(repo, servers, factory, breakers)

	exec := model.RunbookExecution{ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1"}
	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if repo.finishStatus != model.StatusFailed {
		t.Errorf("finishStatus = %q, want %q", repo.finishStatus, model.StatusFailed)
	}
	if !repo.rollbackExec {
		t.Error("rollbackExecuted = false, want true")
	}
	if fakeEx.calls != 3 {
		t.Fatalf("executor called %d times, want 3 (2 steps + 1 rollback)", fakeEx.calls)
	}
	if fakeEx.commands[2].Shell != "undo-a" {
		t.Errorf("rollback command = %q, want %q", fakeEx.commands[2].Shell, "undo-a")
	}
	if len(breakers.failures) != 1 || breakers.failures[0] != "rb-1" {
		t.Errorf("breakers.failures = %v, want [rb-1]", breakers.failures)
	}
}

func TestRunHonorsContinueOnFail(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{
		results: []executor.Result{
			{Success: false, Retryable: false, ExitCode: 1},
			{Success: true, ExitCode: 0},
		},
	}
	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1"},
		steps: []model.RunbookStep{
			{StepOrder: 1, Name: "optional", CommandLinux: "do-a", ContinueOnFail: true},
			{StepOrder: 2, Name: "required", CommandLinux: "do-b"},
		},
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1"}}
	factory := &fakeFactory{ex: fakeEx}
	engine := newTestEngine(repo, servers, factory, &fakeBreakers{})

	exec := model.RunbookExecution{ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1"}
	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fakeEx.calls != 2 {
		t.Errorf("executor called %d times, want 2 (continue_on_fail should not stop execution)", fakeEx.calls)
	}
	if repo.finishStatus != model.StatusSuccess {
		t.Errorf("finishStatus = %q, want %q", repo.finishStatus, model.StatusSuccess)
	}
}

func TestRunSkipsStepOnConditionalGateMismatch(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{results: []executor.Result{{Success: true}}}
	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1"},
		steps: []model.RunbookStep{
			{StepOrder: 1, Name: "conditional", CommandLinux: "do-a", RunIfVariable: "env", RunIfValue: "prod"},
		},
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1"}}
	factory := &fakeFactory{ex: fakeEx}
	engine := newTestEngine(repo, servers, factory, &fakeBreakers{})

	exec := model.RunbookExecution{
		ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1",
		Variables: map[string]string{"env": "staging"},
	}
	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fakeEx.calls != 0 {
		t.Errorf("executor called %d times, want 0 (conditional gate should skip)", fakeEx.calls)
	}
}

func TestRunHaltsBeforeStepOnCancellation(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{results: []executor.Result{{Success: true}}}
	repo := &fakeRepo{
		runbook:   model.Runbook{ID: "rb-1"},
		steps:     []model.RunbookStep{{StepOrder: 1, Name: "step-a", CommandLinux: "do-a"}},
		cancelled: true,
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1"}}
	factory := &fakeFactory{ex: fakeEx}
	engine := newTestEngine(repo, servers, factory, &fakeBreakers{})

	exec := model.RunbookExecution{ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1"}
	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fakeEx.calls != 0 {
		t.Errorf("executor called %d times, want 0 (cancellation must halt before the next step)", fakeEx.calls)
	}
	if repo.finishStatus != model.StatusCancelled {
		t.Errorf("finishStatus = %q, want %q", repo.finishStatus, model.StatusCancelled)
	}
}

func TestRunDryRunNeverCallsExecutor(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{}
	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1"},
		steps:   []model.RunbookStep{{StepOrder: 1, Name: "step-a", CommandLinux: "do-a", ExpectedExitCode: 0}},
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1"}}
	factory := &fakeFactory{ex: fakeEx}
	engine := newTestEngine(repo, servers, factory, &fakeBreakers{})

	exec := model.RunbookExecution{ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1", DryRun: true}
	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fakeEx.calls != 0 {
		t.Errorf("executor called %d times, want 0 (dry run must not dial out)", fakeEx.calls)
	}
	if repo.finishStatus != model.StatusSuccess {
		t.Errorf("finishStatus = %q, want %q", repo.finishStatus, model.StatusSuccess)
	}
	if len(repo.solutions) != 0 {
		t.Errorf("dry run recorded %d proven solutions, want 0", len(repo.solutions))
	}
}

func TestRunResolvesAlertAndRecordsProvenSolutionOnSuccess(t *testing.T) {
	t.Parallel()

	fakeEx := &fakeExecutor{results: []executor.Result{{Success: true}}}
	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1", Name: "restart-service"},
		steps:   []model.RunbookStep{{StepOrder: 1, Name: "step-a", CommandLinux: "do-a"}},
		alert: model.Alert{
			ID: "alert-1", Fingerprint: "fp-1", AlertName: "HighCPU",
			Severity: model.SeverityCritical, Instance: "web-1",
			Embedding: []float32{0.1, 0.2},
		},
	}
	servers := &fakeServerRepo{cred: model.ServerCredential{ID: "srv-1"}}
	factory := &fakeFactory{ex: fakeEx}
	engine := newTestEngine(repo, servers, factory, &fakeBreakers{})

	exec := model.RunbookExecution{ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1", AlertID: "alert-1"}
	if err := engine.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if repo.resolvedFP != "fp-1" {
		t.Errorf("resolvedFP = %q, want %q", repo.resolvedFP, "fp-1")
	}
	if len(repo.solutions) != 1 || repo.solutions[0].RunbookID != "rb-1" {
		t.Fatalf("solutions = %+v, want one entry for rb-1", repo.solutions)
	}
	if repo.solutions[0].AlertID != "alert-1" {
		t.Errorf("solution.AlertID = %q, want %q", repo.solutions[0].AlertID, "alert-1")
	}
}

func TestRunMissingServerFailsExecution(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{
		runbook: model.Runbook{ID: "rb-1"},
		steps:   []model.RunbookStep{{StepOrder: 1, Name: "step-a", CommandLinux: "do-a"}},
	}
	servers := &fakeServerRepo{err: context.DeadlineExceeded}
	engine := newTestEngine(repo, servers, &fakeFactory{}, &fakeBreakers{})

	exec := model.RunbookExecution{ID: "exec-1", RunbookID: "rb-1", ServerID: "srv-1"}
	if err := engine.Run(context.Background(), exec); err != ErrMissingTarget {
		t.Fatalf("Run() error = %v, want ErrMissingTarget", err)
	}
	if repo.finishStatus != model.StatusFailed {
		t.Errorf("finishStatus = %q, want %q", repo.finishStatus, model.StatusFailed)
	}
}

func TestExtractOutputVariableUsesCaptureGroup(t *testing.T) {
	t.Parallel()

	step := model.RunbookStep{OutputExtractPattern: `pid=(\d+)`}
	result := stepResult{Stdout: "started pid=4821\n"}
	if got := extractOutputVariable(step, result); got != "4821" {
		t.Errorf("extractOutputVariable() = %q, want %q", got, "4821")
	}
}

func TestExtractOutputVariableFallsBackToTrimmedBody(t *testing.T) {
	t.Parallel()

	step := model.RunbookStep{}
	result := stepResult{Stdout: "done\n\n"}
	if got := extractOutputVariable(step, result); got != "done" {
		t.Errorf("extractOutputVariable() = %q, want %q", got, "done")
	}
}

func TestRunIfMatchesExactAndRegex(t *testing.T) {
	t.Parallel()

	if !runIfMatches("prod", "prod") {
		t.Error("exact match should match")
	}
	if !runIfMatches("prod-us-east", "^prod-.*") {
		t.Error("regex match should match")
	}
	if runIfMatches("staging", "^prod-.*") {
		t.Error("non-matching regex should not match")
	}
}

func TestSafeStepName(t *testing.T) {
	t.Parallel()

	if got := safeStepName("Restart Service #1"); got != "Restart_Service__1" {
		t.Errorf("safeStepName() = %q, want %q", got, "Restart_Service__1")
	}
}
