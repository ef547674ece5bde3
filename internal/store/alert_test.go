package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

func TestUpsertAlertDeduplicatesByFingerprint(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.UpsertAlert(ctx, model.Alert{
		Fingerprint: "fp-1",
		AlertName:   "DiskFull",
		Severity:    model.SeverityCritical,
		Status:      model.AlertFiring,
		Instance:    "web-1:9100",
		Job:         "node",
		Timestamp:   base,
		Labels:      map[string]string{"alertname": "DiskFull", "mount": "/var"},
		Annotations: map[string]string{"summary": "disk almost full"},
	})
	if err != nil {
		t.Fatalf("UpsertAlert(first) error = %v", err)
	}

	second, err := s.UpsertAlert(ctx, model.Alert{
		Fingerprint: "fp-1",
		AlertName:   "DiskFull",
		Severity:    model.SeverityCritical,
		Status:      model.AlertFiring,
		Instance:    "web-1:9100",
		Job:         "node",
		Timestamp:   base.Add(time.Minute),
		Labels:      map[string]string{"alertname": "DiskFull", "mount": "/var/log"},
	})
	if err != nil {
		t.Fatalf("UpsertAlert(second) error = %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("alert id changed on dedupe: first=%s second=%s", first.ID, second.ID)
	}
	if second.Labels["mount"] != "/var/log" {
		t.Errorf("labels not updated in place: %v", second.Labels)
	}

	all, err := s.ListAlerts(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("ListAlerts() = %d rows, want 1", len(all))
	}
}

func TestResolveAlertUpdatesInPlace(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertAlert(ctx, model.Alert{
		Fingerprint: "fp-1", AlertName: "HighCPU", Severity: model.SeverityWarning,
		Status: model.AlertFiring,
	}); err != nil {
		t.Fatalf("UpsertAlert() error = %v", err)
	}

	if err := s.ResolveAlert(ctx, "fp-1"); err != nil {
		t.Fatalf("ResolveAlert() error = %v", err)
	}

	got, err := s.GetAlertByFingerprint(ctx, "fp-1")
	if err != nil {
		t.Fatalf("GetAlertByFingerprint() error = %v", err)
	}
	if got.Status != model.AlertResolved {
		t.Errorf("status = %q, want resolved", got.Status)
	}

	if err := s.ResolveAlert(ctx, "ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("ResolveAlert(ghost) error = %v, want sql.ErrNoRows", err)
	}
}

func TestListAlertsFiltersByStatus(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{model.AlertFiring, model.AlertFiring, model.AlertResolved} {
		if _, err := s.UpsertAlert(ctx, model.Alert{
			Fingerprint: "fp-" + string(rune('a'+i)),
			AlertName:   "A",
			Severity:    model.SeverityInfo,
			Status:      status,
		}); err != nil {
			t.Fatalf("UpsertAlert() error = %v", err)
		}
	}

	firing, err := s.ListAlerts(ctx, model.AlertFiring, 10)
	if err != nil {
		t.Fatalf("ListAlerts(firing) error = %v", err)
	}
	if len(firing) != 2 {
		t.Errorf("firing rows = %d, want 2", len(firing))
	}
	resolved, err := s.ListAlerts(ctx, model.AlertResolved, 10)
	if err != nil {
		t.Fatalf("ListAlerts(resolved) error = %v", err)
	}
	if len(resolved) != 1 {
		t.Errorf("resolved rows = %d, want 1", len(resolved))
	}
}
