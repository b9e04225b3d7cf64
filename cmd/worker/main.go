// Package main provides the Worker Manager host process entry point: one
// instance per replicated container, claiming announced sessions up to its
// configured capacity and driving their recovery/drain lifecycle (§4.D).
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/adapter/observability"
	"github.com/rpacore/session-worker/internal/config"
	"github.com/rpacore/session-worker/internal/domain"
	"github.com/rpacore/session-worker/internal/executor"
	"github.com/rpacore/session-worker/internal/lease"
	"github.com/rpacore/session-worker/internal/notifier"
	"github.com/rpacore/session-worker/internal/queue"
	"github.com/rpacore/session-worker/internal/registry"
	"github.com/rpacore/session-worker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	kv := rediskv.New(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = kv.Close() }()

	reg := registry.New(kv, cfg.SessionRecordTTL, cfg.BoundedHistoryCap)

	retryCfg := domain.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.QueueDefaultMaxAttempts
	retryCfg.InitialDelay = cfg.QueueDefaultBackoffBase
	retryCfg.MaxDelay = cfg.QueueDefaultBackoffMax
	q := queue.New(kv, retryCfg, cfg.SessionRecordTTL)

	leases := lease.New(kv, cfg.LeaseTTL)
	exec := executor.New()
	notify := notifier.New(kv)

	managerID := uuid.NewString()
	mgr := worker.New(managerID, cfg.MaxWorkersPerContainer, kv, reg, q, leases, exec, notify, cfg.LeaseTTL, cfg.StrictRecoveryDedup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("starting worker manager",
		slog.String("manager_id", managerID),
		slog.Int("max_workers", cfg.MaxWorkersPerContainer))
	mgr.Start(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := kv.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down worker manager", slog.String("signal", sig.String()))

	// Drain every locally-owned session (finishing any in-flight step) with
	// its own timeout before tearing down the subscription context, so a
	// currently-executing ProcessStep isn't cut off by ctx cancellation.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	cancel()
	slog.Info("worker manager stopped")
}
