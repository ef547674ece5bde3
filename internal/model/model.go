// Package model defines the persistent entities of the remediation core:
// alerts, runbooks and their steps/triggers, executions and their steps,
// and the safety-gate entities (circuit breaker, blackout window, rate
// limit) and scheduled jobs. All timestamps are UTC; all identifiers are
// string-encoded UUIDs (github.com/google/uuid).
package model

import "time"

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert statuses.
const (
	AlertFiring   = "firing"
	AlertResolved = "resolved"
)

// Alert is an observed fault, deduplicated by Fingerprint.
type Alert struct {
	ID          string
	Fingerprint string
	AlertName   string
	Severity    string
	Status      string
	Instance    string
	Job         string
	Timestamp   time.Time
	Labels      map[string]string
	Annotations map[string]string
	Embedding   []float32
}

// Step types.
const (
	StepTypeCommand = "command"
	StepTypeAPI     = "api"
)

// Target operating systems for a RunbookStep.
const (
	TargetOSLinux   = "linux"
	TargetOSWindows = "windows"
	TargetOSAny     = "any"
)

// API body encodings for api-type steps.
const (
	APIBodyJSON = "json"
	APIBodyForm = "form"
	APIBodyRaw  = "raw"
)

// Runbook is a versioned, ordered remediation procedure.
type Runbook struct {
	ID                     string
	Name                   string
	Description            string
	Category               string
	Tags                   map[string]struct{}
	Enabled                bool
	AutoExecute            bool
	ApprovalRequired       bool
	ApprovalRoles          map[string]struct{}
	ApprovalTimeoutMinutes int
	MaxExecutionsPerHour   int
	CooldownMinutes        int
	DefaultServerID        string
	TargetFromAlert        bool
	TargetAlertLabel       string
	Version                int
	Embedding              []float32
}

// ApprovalTimeout returns the runbook's approval window, defaulting to 4
// hours when unset.
func (r Runbook) ApprovalTimeout() time.Duration {
	if r.ApprovalTimeoutMinutes <= 0 {
		return 4 * time.Hour
	}
	return time.Duration(r.ApprovalTimeoutMinutes) * time.Minute
}

// RunbookStep is a single command or API action within a Runbook.
type RunbookStep struct {
	RunbookID             string
	StepOrder             int
	Name                  string
	Description           string
	StepType              string
	TargetOS              string
	CommandLinux          string
	CommandWindows        string
	RequiresElevation     bool
	TimeoutSeconds        int
	ExpectedExitCode      int
	ExpectedOutputPattern string
	RetryCount            int
	RetryDelaySeconds     int
	ContinueOnFail        bool
	RollbackCommandLinux  string
	RollbackCommandWindows string
	OutputVariable        string
	OutputExtractPattern  string
	RunIfVariable         string
	RunIfValue            string
	Environment           map[string]string
	WorkingDirectory      string

	// API-step fields.
	APIMethod              string
	APIEndpoint             string
	APIHeaders              map[string]string
	APIQueryParams          map[string]string
	APIBody                 string
	APIBodyType             string
	APIExpectedStatusCodes  map[int]struct{}
	APIResponseExtract      map[string]string
	APICredentialProfileID  string
}

// Timeout returns the step's configured timeout, defaulting to 30s.
func (s RunbookStep) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RetryDelay returns the pause between retries.
func (s RunbookStep) RetryDelay() time.Duration {
	if s.RetryDelaySeconds <= 0 {
		return 0
	}
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// RunbookTrigger binds an alert-matching pattern to a runbook.
type RunbookTrigger struct {
	ID                string
	RunbookID         string
	Enabled           bool
	Priority          int
	AlertNamePattern  string
	SeverityPattern   string
	InstancePattern   string
	JobPattern        string
	LabelMatchers     map[string]string
	CooldownMinutes   int
}

// Execution modes.
const (
	ModeAuto     = "auto"
	ModeSemiAuto = "semi_auto"
	ModeManual   = "manual"
	ModeDryRun   = "dry_run"
)

// Execution statuses.
const (
	StatusQueued    = "queued"
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
)

// IsTerminal reports whether status is one of the terminal execution states.
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimeout, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// RunbookExecution is one attempt to run a runbook against a target.
type RunbookExecution struct {
	ID              string
	RunbookID       string
	RunbookVersion  int
	TriggerID       string
	AlertID         string
	ServerID        string
	ExecutionMode   string
	Status          string
	QueuedAt        time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	StepsTotal      int
	StepsCompleted  int
	StepsFailed     int
	DryRun          bool
	Variables       map[string]string
	ResultSummary   string
	ErrorMessage    string
	RollbackExecuted bool
	TriggeredBySystem bool

	// Approval fields.
	ApprovalRequired    bool
	ApprovalToken       string
	ApprovalRequestedAt *time.Time
	ApprovalExpiresAt   *time.Time
	ApprovedBy          string
	ApprovedAt          *time.Time
}

// StepExecution statuses.
const (
	StepQueued  = "queued"
	StepRunning = "running"
	StepSuccess = "success"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Error kinds shared by every Executor variant.
const (
	ErrTimeout    = "timeout"
	ErrConnection = "connection"
	ErrAuth       = "auth"
	ErrPermission = "permission"
	ErrCommand    = "command"
	ErrUnknown    = "unknown"
)

// StepExecution is one step's result within a RunbookExecution.
type StepExecution struct {
	ExecutionID      string
	StepOrder        int
	StepName         string
	Status           string
	StartedAt        time.Time
	CompletedAt      time.Time
	DurationMs       int64
	CommandExecuted  string
	Stdout           string
	Stderr           string
	ExitCode         int
	HTTPStatusCode   *int
	HTTPResponseBody string
	RetryAttempt     int
	ErrorType        string
	ErrorMessage     string
}

// CircuitBreaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// CircuitBreaker tracks per-runbook failure accounting.
type CircuitBreaker struct {
	ScopeID               string
	State                 string
	FailureCount          int
	SuccessCount          int
	FailureThreshold      int
	SuccessThreshold      int
	OpenedAt              *time.Time
	ClosesAt              *time.Time
	OpenDurationMinutes   int
	LastFailureAt         *time.Time
	LastSuccessAt         *time.Time
	ManuallyOpened        bool
	ManuallyOpenedReason  string
}

// Blackout scopes.
const (
	BlackoutScopeAll      = "all"
	BlackoutScopeCategory = "category"
	BlackoutScopeRunbook  = "runbook"
)

// BlackoutWindow is a time-bounded inhibition of execution.
type BlackoutWindow struct {
	ID                  string
	Name                string
	StartTime           time.Time
	EndTime             time.Time
	Enabled             bool
	Scope               string
	AffectedCategories  map[string]struct{}
	AffectedRunbookIDs  map[string]struct{}
	Reason              string
}

// ExecutionRateLimit is a sliding-window execution cap for a runbook.
type ExecutionRateLimit struct {
	RunbookID     string
	MaxExecutions int
	WindowSeconds int
}

// Window returns the rate limiter's sliding window duration.
func (r ExecutionRateLimit) Window() time.Duration {
	if r.WindowSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// Schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleDate     = "date"
)

// ScheduledJob is a time-based trigger of a runbook.
type ScheduledJob struct {
	ID                string
	RunbookID         string
	Name              string
	ScheduleType      string
	CronExpression    string
	IntervalSeconds   int
	StartDate         *time.Time
	EndDate           *time.Time
	Timezone          string
	TargetServerID    string
	ExecutionParams   map[string]string
	MaxInstances      int
	MisfireGraceTime  time.Duration
	Coalesce          bool
	Enabled           bool
	LastRunAt         *time.Time
	LastRunStatus     string
	NextRunAt         *time.Time
	RunCount          int
	FailureCount      int
}

// Schedule fire statuses recorded in ScheduleExecutionHistory.
const (
	ScheduleFireFired  = "fired"
	ScheduleFireMissed = "missed"
	ScheduleFireFailed = "failed"
)

// ScheduleExecutionHistory records one fire of a ScheduledJob, including
// fires that were missed or failed.
type ScheduleExecutionHistory struct {
	ID             string
	ScheduledJobID string
	ScheduledAt    time.Time
	ExecutedAt     *time.Time
	CompletedAt    *time.Time
	Status         string
	ErrorMessage   string
	DurationMs     int64
	ExecutionID    string
}

// ServerCredential describes how to reach and authenticate against a
// target. Secrets are stored encrypted; ExecutorFactory decrypts them.
type ServerCredential struct {
	ID                     string
	Hostname               string
	Port                   int
	Protocol               string // "ssh", "winrm", "http"
	OSType                 string
	Username               string
	PasswordEncrypted      string
	SSHKeyEncrypted        string
	APITokenEncrypted      string
	SudoPasswordEncrypted  string
	CredentialProfileID    string
}

// CredentialProfile is a shared, named credential referenced by
// ServerCredential.CredentialProfileID or RunbookStep.APICredentialProfileID.
type CredentialProfile struct {
	ID                    string
	Username              string
	SecretEncrypted       string
}

// ProvenSolution records that a runbook resolved a specific alert. The
// engine writes one after every successful non-dry-run execution that
// carries an alert; the
// SolutionRanker consumes them as success-history feedback.
type ProvenSolution struct {
	ID          string
	RunbookID   string
	AlertID     string
	ExecutionID string
	ProblemText string
	Embedding   []float32
	CreatedAt   time.Time
}
