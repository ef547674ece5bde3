package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

func TestMatcherWildcardPatterns(t *testing.T) {
	t.Parallel()

	repo := &fakeMatchRepo{
		triggers: []model.RunbookTrigger{{
			ID: "tr-1", RunbookID: "rb-1", Enabled: true, Priority: 1,
			AlertNamePattern: "Disk*",
			SeverityPattern:  "critical",
			InstancePattern:  "web-?",
			LabelMatchers:    map[string]string{"team": "plat*"},
		}},
		runbooks: map[string]model.Runbook{"rb-1": {ID: "rb-1", Enabled: true}},
	}
	m := New(repo)

	matching := model.Alert{
		AlertName: "DiskFull", Severity: "critical", Instance: "web-1",
		Labels: map[string]string{"team": "platform"},
	}
	matches, err := m.Find(context.Background(), matching)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}

	cases := []model.Alert{
		{AlertName: "CPUHigh", Severity: "critical", Instance: "web-1", Labels: map[string]string{"team": "platform"}},
		{AlertName: "DiskFull", Severity: "warning", Instance: "web-1", Labels: map[string]string{"team": "platform"}},
		{AlertName: "DiskFull", Severity: "critical", Instance: "web-10", Labels: map[string]string{"team": "platform"}},
		{AlertName: "DiskFull", Severity: "critical", Instance: "web-1", Labels: map[string]string{"team": "storage"}},
	}
	for i, alert := range cases {
		got, err := m.Find(context.Background(), alert)
		if err != nil {
			t.Fatalf("case %d: Find() error = %v", i, err)
		}
		if len(got) != 0 {
			t.Errorf("case %d: matched %+v, want no match", i, got)
		}
	}
}

func TestMatcherIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	repo := &fakeMatchRepo{
		triggers: []model.RunbookTrigger{{ID: "tr-1", RunbookID: "rb-1", Enabled: true, AlertNamePattern: "diskfull"}},
		runbooks: map[string]model.Runbook{"rb-1": {ID: "rb-1", Enabled: true}},
	}
	m := New(repo)
	matches, err := m.Find(context.Background(), model.Alert{AlertName: "DiskFull"})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1 (case-insensitive)", len(matches))
	}
}

func TestMatcherEmptyPatternsMatchAnything(t *testing.T) {
	t.Parallel()

	repo := &fakeMatchRepo{
		triggers: []model.RunbookTrigger{{ID: "tr-1", RunbookID: "rb-1", Enabled: true}},
		runbooks: map[string]model.Runbook{"rb-1": {ID: "rb-1", Enabled: true}},
	}
	m := New(repo)
	matches, err := m.Find(context.Background(), model.Alert{AlertName: "Whatever"})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
}

func TestBestPicksLowestPriority(t *testing.T) {
	t.Parallel()

	repo := &fakeMatchRepo{
		triggers: []model.RunbookTrigger{
			{ID: "tr-weak", RunbookID: "rb-1", Enabled: true, Priority: 10},
			{ID: "tr-strong", RunbookID: "rb-2", Enabled: true, Priority: 1},
		},
		runbooks: map[string]model.Runbook{
			"rb-1": {ID: "rb-1", Enabled: true},
			"rb-2": {ID: "rb-2", Enabled: true},
		},
	}
	m := New(repo)
	best, ok, err := m.Best(context.Background(), model.Alert{AlertName: "X"})
	if err != nil || !ok {
		t.Fatalf("Best() = (_, %v, %v)", ok, err)
	}
	if best.Trigger.ID != "tr-strong" {
		t.Errorf("best = %q, want tr-strong", best.Trigger.ID)
	}
}

func TestExtractVariables(t *testing.T) {
	t.Parallel()

	alert := model.Alert{
		ID: "alert-1", AlertName: "DiskFull", Severity: "critical",
		Instance: "web-1:9100", Job: "node",
		Timestamp: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		Labels:    map[string]string{"mount": "/var", "source": "prometheus"},
	}
	vars := extractVariables(alert)

	want := map[string]string{
		"alert_id":          "alert-1",
		"alert_name":        "DiskFull",
		"alert_severity":    "critical",
		"alert_instance":    "web-1:9100",
		"alert_job":         "node",
		"alert_source":      "prometheus",
		"alert_timestamp":   "2026-07-01T10:00:00Z",
		"alert_label_mount": "/var",
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}
}

func TestTargetServerIDFromAlertLabel(t *testing.T) {
	t.Parallel()

	rb := model.Runbook{
		ID: "rb-1", DefaultServerID: "srv-default",
		TargetFromAlert: true, TargetAlertLabel: "instance",
	}
	repo := &fakeMatchRepo{
		servers: map[string]model.ServerCredential{
			"web-1": {ID: "srv-9", Hostname: "web-1"},
		},
	}
	m := New(repo)
	ctx := context.Background()

	// The :port suffix is stripped before the hostname lookup.
	got := m.targetServerID(ctx, rb, model.Alert{Labels: map[string]string{"instance": "web-1:9100"}})
	if got != "srv-9" {
		t.Errorf("targetServerID() = %q, want srv-9", got)
	}

	// Missing label falls back to the runbook default.
	got = m.targetServerID(ctx, rb, model.Alert{Labels: map[string]string{}})
	if got != "srv-default" {
		t.Errorf("targetServerID() fallback = %q, want srv-default", got)
	}

	// An unknown hostname also falls back.
	got = m.targetServerID(ctx, rb, model.Alert{Labels: map[string]string{"instance": "ghost:9100"}})
	if got != "srv-default" {
		t.Errorf("targetServerID() unknown host = %q, want srv-default", got)
	}

	// target_from_alert off ignores the label entirely.
	rb.TargetFromAlert = false
	got = m.targetServerID(ctx, rb, model.Alert{Labels: map[string]string{"instance": "web-1:9100"}})
	if got != "srv-default" {
		t.Errorf("targetServerID() = %q, want srv-default", got)
	}
}
