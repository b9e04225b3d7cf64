// Package main provides the Idle Reaper entry point (§4.E): a standalone
// periodic sweep, run as its own replicated/scheduled process rather than
// colocated with any Worker Manager host.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/adapter/observability"
	"github.com/rpacore/session-worker/internal/config"
	"github.com/rpacore/session-worker/internal/reaper"
	"github.com/rpacore/session-worker/internal/registry"
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

	kv := rediskv.New(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	defer func() { _ = kv.Close() }()

	reg := registry.New(kv, cfg.SessionRecordTTL, cfg.BoundedHistoryCap)

	idleTimeout := cfg.IdleTimeout()
	interval := cfg.ReaperInterval
	if cfg.ReaperPolicyFile != "" {
		if override, err := reaper.LoadPolicyFile(cfg.ReaperPolicyFile); err != nil {
			slog.Error("reaper policy file load failed, using env defaults", slog.Any("error", err))
		} else {
			if override.IdleTimeout > 0 {
				idleTimeout = override.IdleTimeout
			}
			if override.Interval > 0 {
				interval = override.Interval
			}
		}
	}

	r := reaper.New(kv, reg, idleTimeout, interval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
			slog.Error("reaper metrics server error", slog.Any("error", err))
		}
	}()

	slog.Info("starting idle reaper", slog.Duration("idle_timeout", idleTimeout), slog.Duration("interval", interval))
	go r.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, stopping idle reaper", slog.String("signal", sig.String()))
	cancel()
}
