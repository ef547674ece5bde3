// Package audit records an append-only trail of execution, approval, and
// schedule activity, independent of the events.Hub fan-out used for live
// notifications. Every write survives a process restart; the hub does not.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Severity levels for an audit Event.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// ErrInvalidFilter is returned when a Query filter value is not recognized.
var ErrInvalidFilter = errors.New("audit: invalid filter")

// Event is a recorded audit entry.
type Event struct {
	ID        int64
	Source    string
	EventType string
	Severity  string
	Resource  string
	Message   string
	Details   string
	Metadata  string
	CreatedAt string
}

// EventWrite is the input to Record.
type EventWrite struct {
	Source    string
	EventType string
	Severity  string
	Resource  string
	Message   string
	Details   string
	Metadata  string
	CreatedAt time.Time
}

// Query specifies search parameters over recorded events.
type Query struct {
	Query    string
	Severity string
	Source   string
	Limit    int
}

// Result is a page of matching events.
type Result struct {
	Events  []Event
	HasMore bool
}

// NormalizeSeverity maps common aliases to a canonical severity, defaulting
// to SeverityInfo for the empty string.
func NormalizeSeverity(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return SeverityInfo
	case "warning":
		return SeverityWarn
	case "err", "failed", "failure":
		return SeverityError
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

// Repo is the persistence surface the audit Recorder depends on.
type Repo interface {
	InsertAuditEvent(ctx context.Context, write EventWrite) (Event, error)
	SearchAuditEvents(ctx context.Context, query Query) (Result, error)
}

// Recorder writes audit events for the remediation core's principal
// activities: execution lifecycle, approval decisions, schedule fires, and
// safety-gate transitions.
type Recorder struct {
	repo Repo
}

// NewRecorder constructs a Recorder backed by repo.
func NewRecorder(repo Repo) *Recorder {
	return &Recorder{repo: repo}
}

// Record appends a single audit event. Source defaults to "remediation"
// when unset.
func (r *Recorder) Record(ctx context.Context, w EventWrite) (Event, error) {
	if w.Source == "" {
		w.Source = "remediation"
	}
	if w.Severity == "" {
		w.Severity = SeverityInfo
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	return r.repo.InsertAuditEvent(ctx, w)
}

// Search returns events matching query.
func (r *Recorder) Search(ctx context.Context, query Query) (Result, error) {
	return r.repo.SearchAuditEvents(ctx, query)
}
