// Command remediationd runs the auto-remediation core as a single-binary
// daemon: the sqlite store, the safety gate, the execution worker, the
// scheduler, and a thin HTTP adapter for alert webhooks and approval
// callbacks.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/opsforge/remediation/internal/alerts"
	"github.com/opsforge/remediation/internal/approval"
	"github.com/opsforge/remediation/internal/audit"
	"github.com/opsforge/remediation/internal/events"
	"github.com/opsforge/remediation/internal/executor"
	"github.com/opsforge/remediation/internal/runbook"
	"github.com/opsforge/remediation/internal/safety"
	"github.com/opsforge/remediation/internal/scheduler"
	"github.com/opsforge/remediation/internal/store"
	"github.com/opsforge/remediation/internal/trigger"
	"github.com/opsforge/remediation/internal/worker"
)

func main() {
	os.Exit(serve())
}

func serve() int {
	initLogger(os.Getenv("REMEDIATION_LOG_LEVEL"))

	dataDir := os.Getenv("REMEDIATION_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("resolve home dir failed", "err", err)
			return 1
		}
		dataDir = filepath.Join(home, ".remediation")
	}
	listenAddr := os.Getenv("REMEDIATION_LISTEN")
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8600"
	}

	vaultKey, err := loadVaultKey(dataDir)
	if err != nil {
		slog.Error("vault key init failed", "err", err)
		return 1
	}
	vault, err := executor.NewVault(vaultKey)
	if err != nil {
		slog.Error("vault init failed", "err", err)
		return 1
	}

	eventHub := events.NewHub()

	st, err := store.New(context.Background(), filepath.Join(dataDir, "remediation.db"))
	if err != nil {
		slog.Error("store init failed", "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	if n, err := st.ReconcileOrphanedExecutions(context.Background()); err != nil {
		slog.Warn("failed to reconcile orphaned executions", "err", err)
	} else if n > 0 {
		slog.Info("reconciled orphaned executions", "count", n)
	}

	factory := executor.NewFactory(st, vault)
	gate := safety.NewGate(st)
	engine := runbook.New(st, st, factory, gate.Breakers())
	approver := approval.New(st)
	matcher := trigger.New(st)
	dispatcher := trigger.NewDispatcher(matcher, st, gate, approver, eventHub)
	ingest := alerts.New(st, dispatcher, eventHub)
	jobs := scheduler.NewJobs(st)
	recorder := audit.NewRecorder(st)

	schedulerService := scheduler.New(st, engine, approver, scheduler.Options{
		TickInterval: 5 * time.Second,
		EventHub:     eventHub,
	})
	schedulerService.Start(context.Background())

	executionWorker := worker.New(st, engine, worker.Options{
		PollInterval: 5 * time.Second,
		EventHub:     eventHub,
	})
	executionWorker.Start(context.Background())

	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := startAuditRecorder(auditCtx, eventHub, recorder)

	mux := http.NewServeMux()
	registerRoutes(mux, ingest, approver, jobs, st)

	exitCode := run(listenAddr, dataDir, mux)

	// Shutdown in LIFO order: stop the HTTP intake first, then the loops
	// (worker drains in-flight executions at step boundaries), then the
	// audit subscriber, then the store.
	stopWorkerCtx, cancelWorker := context.WithTimeout(context.Background(), 10*time.Second)
	executionWorker.Stop(stopWorkerCtx)
	cancelWorker()

	stopSchedulerCtx, cancelScheduler := context.WithTimeout(context.Background(), 2*time.Second)
	schedulerService.Stop(stopSchedulerCtx)
	cancelScheduler()

	stopAudit()
	<-auditDone

	return exitCode
}

func run(listenAddr, dataDir string, mux *http.ServeMux) int {
	server := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		slog.Info("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("remediationd starting", "listen", listenAddr, "data_dir", dataDir)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("remediationd stopped")
	return 0
}

// loadVaultKey reads the 32-byte AES key from REMEDIATION_VAULT_KEY (hex)
// or from <dataDir>/vault.key, generating and persisting a fresh key on
// first run.
func loadVaultKey(dataDir string) ([]byte, error) {
	if raw := strings.TrimSpace(os.Getenv("REMEDIATION_VAULT_KEY")); raw != "" {
		return hex.DecodeString(raw)
	}

	keyPath := filepath.Join(dataDir, "vault.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		return hex.DecodeString(strings.TrimSpace(string(data)))
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, err
	}
	slog.Info("generated new vault key", "path", keyPath)
	return key, nil
}

// startAuditRecorder subscribes to the event hub and persists every event
// as an audit row until ctx is cancelled.
func startAuditRecorder(ctx context.Context, hub *events.Hub, recorder *audit.Recorder) <-chan struct{} {
	done := make(chan struct{})
	ch, unsubscribe := hub.Subscribe(64)
	go func() {
		defer close(done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				_, err := recorder.Record(writeCtx, audit.EventWrite{
					EventType: ev.Type,
					Message:   ev.Type,
					Metadata:  metadataJSON(ev),
				})
				cancel()
				if err != nil {
					slog.Warn("audit record failed", "type", ev.Type, "err", err)
				}
			}
		}
	}()
	return done
}

func initLogger(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
