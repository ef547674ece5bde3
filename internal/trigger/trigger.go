// Package trigger matches a firing alert against the pool of enabled
// runbook triggers and picks the single best candidate: the lowest-priority
// (i.e. highest-precedence) enabled trigger whose patterns all match.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

// Repo is the persistence surface the matcher depends on.
type Repo interface {
	ListAllEnabledTriggers(ctx context.Context) ([]model.RunbookTrigger, error)
	GetRunbook(ctx context.Context, id string) (model.Runbook, error)
	GetServerCredentialByHostname(ctx context.Context, hostname string) (model.ServerCredential, error)
}

// Matcher evaluates alerts against the configured triggers.
type Matcher struct {
	repo Repo

	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

// New constructs a Matcher backed by repo.
func New(repo Repo) *Matcher {
	return &Matcher{repo: repo, cache: make(map[string]*regexp.Regexp)}
}

// Match is a trigger paired with the runbook it fires and the variables
// extracted from the alert's labels.
type Match struct {
	Trigger   model.RunbookTrigger
	Runbook   model.Runbook
	Variables map[string]string
	ServerID  string
}

// Find returns every enabled trigger whose patterns all match alert,
// ordered by ascending Priority (lowest value wins ties downstream), and
// the variables extracted from the alert for each match.
func (m *Matcher) Find(ctx context.Context, alert model.Alert) ([]Match, error) {
	triggers, err := m.repo.ListAllEnabledTriggers(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, 2)
	for _, tr := range triggers {
		if !m.matches(tr, alert) {
			continue
		}
		rb, err := m.repo.GetRunbook(ctx, tr.RunbookID)
		if err != nil {
			slog.Warn("trigger matched orphaned runbook", "trigger_id", tr.ID, "runbook_id", tr.RunbookID, "err", err)
			continue
		}
		matches = append(matches, Match{
			Trigger:   tr,
			Runbook:   rb,
			Variables: extractVariables(alert),
			ServerID:  m.targetServerID(ctx, rb, alert),
		})
	}
	return matches, nil
}

// Best returns the single highest-precedence match (lowest Priority),
// or ok=false if nothing matched.
func (m *Matcher) Best(ctx context.Context, alert model.Alert) (Match, bool, error) {
	matches, err := m.Find(ctx, alert)
	if err != nil {
		return Match{}, false, err
	}
	if len(matches) == 0 {
		return Match{}, false, nil
	}
	best := matches[0]
	for _, candidate := range matches[1:] {
		if candidate.Trigger.Priority < best.Trigger.Priority {
			best = candidate
		}
	}
	return best, true, nil
}

func (m *Matcher) matches(tr model.RunbookTrigger, alert model.Alert) bool {
	if !m.patternMatches(tr.AlertNamePattern, alert.AlertName) {
		return false
	}
	if !m.patternMatches(tr.SeverityPattern, alert.Severity) {
		return false
	}
	if !m.patternMatches(tr.InstancePattern, alert.Instance) {
		return false
	}
	if !m.patternMatches(tr.JobPattern, alert.Job) {
		return false
	}
	for label, pattern := range tr.LabelMatchers {
		if !m.patternMatches(pattern, alert.Labels[label]) {
			return false
		}
	}
	return true
}

// patternMatches treats an empty pattern as "don't care" (always matches),
// and otherwise compiles pattern as a shell-wildcard glob (`*` and `?`)
// translated to a regular expression, cached per pattern string.
func (m *Matcher) patternMatches(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return true
	}
	re, err := m.compile(pattern)
	if err != nil {
		slog.Warn("trigger pattern compile failed", "pattern", pattern, "err", err)
		return false
	}
	return re.MatchString(value)
}

func (m *Matcher) compile(pattern string) (*regexp.Regexp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return nil, err
	}
	m.cache[pattern] = re
	return re, nil
}

// globToRegexp converts a shell-wildcard pattern (`*` matches any run of
// characters, `?` matches exactly one) into an anchored, case-insensitive
// regular expression.
func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// extractVariables flattens an alert into the variable map an execution is
// created with: alert_* identity fields plus one alert_label_<key> entry
// per label. The engine exposes these bare and under vars.* to step
// templates.
func extractVariables(alert model.Alert) map[string]string {
	vars := make(map[string]string, len(alert.Labels)+7)
	vars["alert_id"] = alert.ID
	vars["alert_name"] = alert.AlertName
	vars["alert_severity"] = alert.Severity
	vars["alert_instance"] = alert.Instance
	vars["alert_job"] = alert.Job
	vars["alert_source"] = alert.Labels["source"]
	vars["alert_timestamp"] = alert.Timestamp.UTC().Format(time.RFC3339)
	for k, v := range alert.Labels {
		vars[fmt.Sprintf("alert_label_%s", k)] = v
	}
	return vars
}

// targetServerID resolves which server a match should execute against: the
// alert's own target label (stripped of any :port suffix and looked up by
// hostname) when the runbook opts into target_from_alert, falling back to
// the runbook's configured default. A missing label or unknown hostname
// falls back, but is logged so the fallback is at least observable.
func (m *Matcher) targetServerID(ctx context.Context, rb model.Runbook, alert model.Alert) string {
	if rb.TargetFromAlert && rb.TargetAlertLabel != "" {
		raw, ok := alert.Labels[rb.TargetAlertLabel]
		if !ok || raw == "" {
			slog.Warn("target_from_alert label missing, falling back to default_server_id",
				"runbook_id", rb.ID, "label", rb.TargetAlertLabel)
			return rb.DefaultServerID
		}
		host := raw
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		cred, err := m.repo.GetServerCredentialByHostname(ctx, host)
		if err != nil {
			slog.Warn("target_from_alert hostname does not resolve to a server, falling back",
				"runbook_id", rb.ID, "hostname", host, "err", err)
			return rb.DefaultServerID
		}
		return cred.ID
	}
	return rb.DefaultServerID
}
