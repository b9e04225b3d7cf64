// Package main provides the reference gateway entry point: the thin
// websocket adapter that exercises the core's external contract (§6).
// It is a demo/integration harness, not the production socket gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/adapter/observability"
	"github.com/rpacore/session-worker/internal/config"
	"github.com/rpacore/session-worker/internal/domain"
	"github.com/rpacore/session-worker/internal/gateway/httpgw"
	"github.com/rpacore/session-worker/internal/notifier"
	"github.com/rpacore/session-worker/internal/queue"
	"github.com/rpacore/session-worker/internal/registry"
)

func parseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

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
	notify := notifier.New(kv)
	gw := httpgw.New(kv, reg, q, notify)

	r := chi.NewRouter()
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Handle("/ws", gw)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.GatewayPort)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		slog.Info("gateway listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down gateway", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown error", slog.Any("error", err))
	}
}
