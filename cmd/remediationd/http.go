package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/remediation/internal/alerts"
	"github.com/opsforge/remediation/internal/approval"
	"github.com/opsforge/remediation/internal/events"
	"github.com/opsforge/remediation/internal/model"
	"github.com/opsforge/remediation/internal/rbac"
	"github.com/opsforge/remediation/internal/scheduler"
	"github.com/opsforge/remediation/internal/store"
)

// registerRoutes wires the daemon's thin HTTP adapter: alert webhook
// intake, approval callbacks, runbook import, schedule administration, and
// execution cancellation. Anything richer (UI, auth, RBAC enforcement)
// belongs to an outer collaborator, not this binary.
func registerRoutes(mux *http.ServeMux, ingest *alerts.Service, approver *approval.Service, jobs *scheduler.Jobs, st *store.Store) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("POST /webhook/alerts", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read_failed", "failed to read request body")
			return
		}
		batch, err := alerts.DecodeBatch(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_batch", err.Error())
			return
		}
		res, err := ingest.Ingest(r.Context(), batch)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"received":   res.Received,
			"upserted":   res.Upserted,
			"resolved":   res.Resolved,
			"dispatched": res.Dispatched,
		})
	})

	mux.HandleFunc("POST /api/approvals/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token     string   `json:"token"`
			Approve   bool     `json:"approve"`
			Principal struct {
				ID    string   `json:"id"`
				Name  string   `json:"name"`
				Roles []string `json:"roles"`
			} `json:"principal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		principal := rbac.NewPrincipal(req.Principal.ID, req.Principal.Name, req.Principal.Roles...)
		exec, err := approver.Resolve(r.Context(), req.Token, principal, req.Approve)
		if err != nil {
			writeApprovalError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"execution_id": exec.ID,
			"status":       exec.Status,
		})
	})

	mux.HandleFunc("POST /api/runbooks/import", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read_failed", "failed to read request body")
			return
		}
		doc, err := model.DecodeRunbookImport(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
			return
		}
		rb, steps, triggers := doc.ToEntities("runbook-" + uuid.NewString())
		if err := st.InsertRunbook(r.Context(), rb, steps, triggers); err != nil {
			writeError(w, http.StatusInternalServerError, "import_failed", err.Error())
			return
		}
		writeData(w, http.StatusCreated, map[string]any{"runbook_id": rb.ID})
	})

	mux.HandleFunc("POST /api/executions/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := st.RequestCancellation(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
			return
		}
		writeData(w, http.StatusAccepted, map[string]any{"execution_id": id})
	})

	mux.HandleFunc("POST /api/schedules", func(w http.ResponseWriter, r *http.Request) {
		job, ok := decodeJob(w, r)
		if !ok {
			return
		}
		created, err := jobs.Create(r.Context(), job)
		if err != nil {
			writeScheduleError(w, err)
			return
		}
		writeData(w, http.StatusCreated, created)
	})

	mux.HandleFunc("PUT /api/schedules/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, ok := decodeJob(w, r)
		if !ok {
			return
		}
		job.ID = r.PathValue("id")
		updated, err := jobs.Update(r.Context(), job)
		if err != nil {
			writeScheduleError(w, err)
			return
		}
		writeData(w, http.StatusOK, updated)
	})

	mux.HandleFunc("POST /api/schedules/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		if err := jobs.Pause(r.Context(), r.PathValue("id")); err != nil {
			writeScheduleError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"paused": true})
	})

	mux.HandleFunc("POST /api/schedules/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		job, err := jobs.Resume(r.Context(), r.PathValue("id"))
		if err != nil {
			writeScheduleError(w, err)
			return
		}
		writeData(w, http.StatusOK, job)
	})

	mux.HandleFunc("DELETE /api/schedules/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := jobs.Remove(r.Context(), r.PathValue("id")); err != nil {
			writeScheduleError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"removed": true})
	})
}

func decodeJob(w http.ResponseWriter, r *http.Request) (model.ScheduledJob, bool) {
	var req struct {
		RunbookID        string            `json:"runbook_id"`
		Name             string            `json:"name"`
		ScheduleType     string            `json:"schedule_type"`
		CronExpression   string            `json:"cron_expression"`
		IntervalSeconds  int               `json:"interval_seconds"`
		StartDate        *time.Time        `json:"start_date"`
		EndDate          *time.Time        `json:"end_date"`
		Timezone         string            `json:"timezone"`
		TargetServerID   string            `json:"target_server_id"`
		ExecutionParams  map[string]string `json:"execution_params"`
		MaxInstances     int               `json:"max_instances"`
		MisfireGraceSecs int               `json:"misfire_grace_seconds"`
		Coalesce         bool              `json:"coalesce"`
		Enabled          bool              `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return model.ScheduledJob{}, false
	}
	return model.ScheduledJob{
		RunbookID:        req.RunbookID,
		Name:             req.Name,
		ScheduleType:     req.ScheduleType,
		CronExpression:   req.CronExpression,
		IntervalSeconds:  req.IntervalSeconds,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		Timezone:         req.Timezone,
		TargetServerID:   req.TargetServerID,
		ExecutionParams:  req.ExecutionParams,
		MaxInstances:     req.MaxInstances,
		MisfireGraceTime: time.Duration(req.MisfireGraceSecs) * time.Second,
		Coalesce:         req.Coalesce,
		Enabled:          req.Enabled,
	}, true
}

func writeApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "token_not_found", err.Error())
	case errors.Is(err, approval.ErrExpired):
		writeError(w, http.StatusGone, "token_expired", err.Error())
	case errors.Is(err, approval.ErrUnqualified):
		writeError(w, http.StatusForbidden, "unqualified", err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "approval_failed", err.Error())
	}
}

func writeScheduleError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrInvalidSchedule) {
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "schedule_failed", err.Error())
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("json encode error", "err", err)
	}
}

func metadataJSON(ev events.Event) string {
	if len(ev.Payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return ""
	}
	return string(raw)
}
