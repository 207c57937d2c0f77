package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callscript/callscript/internal/api"
	"github.com/callscript/callscript/internal/call"
	"github.com/callscript/callscript/internal/config"
	"github.com/callscript/callscript/internal/database"
	"github.com/callscript/callscript/internal/dialog"
	"github.com/callscript/callscript/internal/metrics"
	"github.com/callscript/callscript/internal/platform"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callscript",
		"http_port", cfg.HTTPPort,
		"tree_file", cfg.TreeFile,
		"data_dir", cfg.DataDir,
	)

	// Load and validate the conversation tree. A tree that fails to build
	// must never serve events.
	tree, err := dialog.LoadFile(cfg.TreeFile)
	if err != nil {
		slog.Error("failed to load conversation tree", "file", cfg.TreeFile, "error", err)
		os.Exit(1)
	}
	slog.Info("conversation tree loaded", "nodes", len(tree.Nodes), "prompts", tree.Catalog.Len())

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	callLog := database.NewCallLogRepository(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Session store with eviction of terminated sessions.
	store := call.NewStore(cfg.SessionGrace(), logger)
	store.StartCleanup(appCtx, time.Minute)

	// Platform transport. Dialing is optional; callback ingestion works
	// without it (inbound calls create sessions lazily).
	client := platform.NewClient(cfg.PlatformURL, cfg.PlatformAccessKey, cfg.CallbackURI(), logger)
	var dialer api.Dialer
	if client.Configured() {
		dialer = client
	} else {
		slog.Warn("platform not configured, outbound dialing disabled")
	}

	machine := call.NewMachine(tree, logger)
	recorder := &callLogRecorder{repo: callLog}
	router := call.NewRouter(machine, store, client, recorder, logger)

	// Prometheus collector over the live components.
	secret, err := cfg.CallbackSecretBytes()
	if err != nil {
		slog.Error("failed to decode callback secret", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()

	handler := api.NewServer(router, dialer, callLog, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), api.Options{
		CallbackSecret: secret,
		DefaultTarget:  cfg.DefaultTarget,
		SourceCallerID: cfg.SourceCallerID,
		DialRate:       cfg.DialRate,
		DialBurst:      cfg.DialBurst,
	}, logger)
	defer handler.Close()

	collector := metrics.NewCollector(store, router, handler, &dispositionCounter{repo: callLog}, time.Now())
	registry.MustRegister(collector)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("callscript stopped")
}

// callLogRecorder bridges the event router's disposition records to the
// database repository.
type callLogRecorder struct {
	repo database.CallLogRepository
}

func (r *callLogRecorder) Record(ctx context.Context, rec call.DispositionRecord) error {
	dbRec := &database.CallRecord{
		CallID:      rec.CallID,
		Disposition: rec.Disposition,
		FinalNode:   rec.FinalNode,
		StartedAt:   rec.StartedAt,
		EndedAt:     rec.EndedAt,
		Transitions: rec.Transitions,
	}
	if !rec.ConnectedAt.IsZero() {
		connected := rec.ConnectedAt
		dbRec.ConnectedAt = &connected
	}
	return r.repo.Create(ctx, dbRec)
}

// dispositionCounter bridges the call log repository to the metrics
// collector's provider interface.
type dispositionCounter struct {
	repo database.CallLogRepository
}

func (c *dispositionCounter) CountByDisposition(ctx context.Context) (map[string]int, error) {
	return c.repo.CountByDisposition(ctx)
}
