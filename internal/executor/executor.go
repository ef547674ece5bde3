// Package executor runs a single runbook step against a target server. Each
// transport (SSH, WinRM, HTTP API) implements the same narrow Executor
// interface; ExecutorFactory resolves which one a step needs from its
// target server's credential record.
package executor

import (
	"context"
	"time"
)

// Error kinds an Executor classifies a failure into. These
// mirror model.ErrXxx exactly.
const (
	ErrTimeout    = "timeout"
	ErrConnection = "connection"
	ErrAuth       = "auth"
	ErrPermission = "permission"
	ErrCommand    = "command"
	ErrUnknown    = "unknown"
)

// Result holds the structured outcome of running one step.
type Result struct {
	Success        bool
	ExitCode       int // HTTP status code is reused here for API steps
	Stdout         string
	Stderr         string
	Duration       time.Duration
	Command        string
	ServerHostname string
	ExecutedAt     time.Time
	ErrorType      string
	ErrorMessage   string
	Retryable      bool

	// Extracted holds any values this Executor was able to pull out of the
	// response itself (HTTP extract rules); step-level output-variable
	// capture from stdout/response body happens one layer up, in the
	// engine, since it needs the step's OutputExtractPattern.
	Extracted map[string]string
}

// Executor runs a single already-rendered command (or, for an API step, a
// request) against a target server and returns its outcome. Implementations
// must honor ctx cancellation/deadline. Connect/Disconnect/TestConnection
// let ExecutorFactory manage a connection pool; GetServerInfo backs
// template rendering's server.* fields.
type Executor interface {
	Connect(ctx context.Context) error
	Disconnect() error
	TestConnection(ctx context.Context) error
	GetServerInfo(ctx context.Context) (ServerInfo, error)
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// StreamExecutor is the optional streaming capability: a lazy sequence of
// output lines instead of one buffered Result. Stderr lines are emitted
// with the StderrPrefix sentinel so a single channel carries both streams.
type StreamExecutor interface {
	StreamExecute(ctx context.Context, cmd Command) (<-chan string, <-chan error)
}

// StderrPrefix marks a line from StreamExecute's channel as originating
// from the command's stderr rather than stdout.
const StderrPrefix = "[STDERR] "

// InteractiveExecutor is the optional capability for commands that may
// block awaiting stdin.
type InteractiveExecutor interface {
	ExecuteInteractive(ctx context.Context, cmd Command, initialTimeout time.Duration) (InteractiveSession, error)
}

// InteractiveSession is a handle to a still-running interactive command.
type InteractiveSession interface {
	NeedsInput() bool
	Output() string
	SendInput(ctx context.Context, input string) (InteractiveSession, error)
	Cancel(ctx context.Context) error
}

// ServerInfo is the subset of a target's identity the template renderer
// needs under server.*.
type ServerInfo struct {
	Hostname    string
	OSType      string
	Environment string
	Username    string
	Port        int
}

// Command is the fully-rendered instruction an Executor runs: the template
// substitutor has already resolved every `{{path.to.var}}` placeholder by
// the time a Command reaches here.
type Command struct {
	Shell             string // rendered CommandLinux or CommandWindows
	RequiresElevation bool
	SudoPassword      string
	WorkingDirectory  string
	Environment       map[string]string
	ExpectedExitCode  int
	ExpectedOutputRE  string

	// API-step fields, set instead of Shell when the step is an API call.
	APIMethod              string
	APIURL                 string
	APIHeaders             map[string]string
	APIQueryParams         map[string]string
	APIBody                string
	APIBodyType            string
	APIExpectedStatusCodes map[int]struct{}
	APIResponseExtract     map[string]string
	APIFollowRedirects     bool

	// APIAuth, when set, configures the HTTP-API Executor's auth mode.
	APIAuth *APIAuth
}

// APIAuth describes how the HTTP-API Executor authenticates a request
// (none, api_key, bearer, basic, custom).
type APIAuth struct {
	Mode       string // "none", "api_key", "bearer", "basic", "custom"
	HeaderName string // api_key mode
	Value      string // api_key/bearer token, or "user:pass" for basic
}
