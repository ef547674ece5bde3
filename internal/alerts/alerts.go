// Package alerts ingests monitoring alert batches: each entry is upserted
// by its fingerprint, and entries still firing are handed to the trigger
// dispatcher to find and queue matching runbooks.
package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opsforge/remediation/internal/events"
	"github.com/opsforge/remediation/internal/model"
	"github.com/opsforge/remediation/internal/trigger"
)

// ErrInvalidBatch is returned when a webhook payload cannot be decoded or
// carries a status outside {firing, resolved}.
var ErrInvalidBatch = errors.New("alerts: invalid batch")

// Batch is the inbound webhook payload: a receiver name, an overall status,
// and the individual alerts.
type Batch struct {
	Receiver string       `json:"receiver"`
	Status   string       `json:"status"`
	Alerts   []BatchAlert `json:"alerts"`
}

// BatchAlert is one alert within a Batch, in the shape the monitoring
// system posts it.
type BatchAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
	Fingerprint string            `json:"fingerprint"`
}

// DecodeBatch parses a webhook body into a Batch.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	for _, a := range b.Alerts {
		if a.Status != "" && a.Status != model.AlertFiring && a.Status != model.AlertResolved {
			return Batch{}, fmt.Errorf("%w: unknown alert status %q", ErrInvalidBatch, a.Status)
		}
	}
	return b, nil
}

// Repo defines the persistence operations consumed by the alerts service.
type Repo interface {
	UpsertAlert(ctx context.Context, a model.Alert) (model.Alert, error)
	ResolveAlert(ctx context.Context, fingerprint string) error
}

// Dispatcher finds and queues the runbooks a firing alert triggers.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert model.Alert) ([]trigger.Outcome, error)
}

// Service upserts incoming alerts and routes firing ones to the dispatcher.
type Service struct {
	repo       Repo
	dispatcher Dispatcher
	hub        *events.Hub
}

// New constructs the alert ingestion service. dispatcher and hub may be nil
// (ingest-only mode, used by tests and backfills).
func New(repo Repo, dispatcher Dispatcher, hub *events.Hub) *Service {
	return &Service{repo: repo, dispatcher: dispatcher, hub: hub}
}

// Result summarizes one batch ingestion.
type Result struct {
	Received   int
	Upserted   int
	Resolved   int
	Dispatched int
	Outcomes   []trigger.Outcome
}

// Ingest upserts every alert in the batch by fingerprint, then dispatches
// the ones still firing. A single bad entry is logged and skipped rather
// than failing the batch; dispatch errors likewise never abort ingestion of
// the remaining alerts.
func (s *Service) Ingest(ctx context.Context, batch Batch) (Result, error) {
	res := Result{Received: len(batch.Alerts)}
	for _, entry := range batch.Alerts {
		a := toModel(entry)
		if a.AlertName == "" {
			slog.Warn("alerts: skipping entry with no alertname label", "fingerprint", a.Fingerprint)
			continue
		}

		stored, err := s.repo.UpsertAlert(ctx, a)
		if err != nil {
			slog.Warn("alerts: upsert failed", "fingerprint", a.Fingerprint, "err", err)
			continue
		}
		res.Upserted++
		s.publish(stored)

		if stored.Status != model.AlertFiring {
			res.Resolved++
			continue
		}
		if s.dispatcher == nil {
			continue
		}
		outcomes, err := s.dispatcher.Dispatch(ctx, stored)
		if err != nil {
			slog.Warn("alerts: dispatch failed", "alert_id", stored.ID, "err", err)
			continue
		}
		res.Dispatched += len(outcomes)
		res.Outcomes = append(res.Outcomes, outcomes...)
	}
	return res, nil
}

func (s *Service) publish(a model.Alert) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(events.NewEvent(events.TypeAlertUpdated, map[string]any{
		"alert_id":    a.ID,
		"fingerprint": a.Fingerprint,
		"status":      a.Status,
		"severity":    a.Severity,
	}))
}

// toModel maps a webhook entry onto the persisted Alert shape. Identity
// fields come from the conventional labels; a missing fingerprint is
// derived from the full label set so deduplication still works.
func toModel(entry BatchAlert) model.Alert {
	a := model.Alert{
		Fingerprint: entry.Fingerprint,
		AlertName:   entry.Labels["alertname"],
		Severity:    normalizeSeverity(entry.Labels["severity"]),
		Status:      entry.Status,
		Instance:    entry.Labels["instance"],
		Job:         entry.Labels["job"],
		Labels:      entry.Labels,
		Annotations: entry.Annotations,
		Timestamp:   entry.StartsAt,
	}
	if a.Status == "" {
		a.Status = model.AlertFiring
	}
	if a.Status == model.AlertResolved && !entry.EndsAt.IsZero() {
		a.Timestamp = entry.EndsAt
	}
	if a.Fingerprint == "" {
		a.Fingerprint = fingerprintLabels(entry.Labels)
	}
	return a
}

// fingerprintLabels derives a stable fingerprint from the sorted label set.
func fingerprintLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, labels[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func normalizeSeverity(s string) string {
	switch s {
	case model.SeverityCritical, model.SeverityWarning, model.SeverityInfo:
		return s
	case "error", "page":
		return model.SeverityCritical
	case "warn":
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}
