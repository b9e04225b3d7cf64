// Package reaper implements the Idle Reaper (§4.E): a standalone periodic
// sweep that terminates sessions whose last_active_time has gone stale.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/adapter/observability"
	"github.com/rpacore/session-worker/internal/domain"
)

const controlChannelPrefix = "session-control:"

// Reaper periodically sweeps session:state:* for sessions stale beyond
// idleTimeout and publishes STOP for each.
type Reaper struct {
	kv          *rediskv.Client
	registry    domain.Registry
	idleTimeout time.Duration
	interval    time.Duration
	batchSize   int64
}

// New constructs a Reaper. idleTimeout defaults to 30 min, interval to 5 min
// per §4.E.
func New(kv *rediskv.Client, registry domain.Registry, idleTimeout, interval time.Duration) *Reaper {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reaper{kv: kv, registry: registry, idleTimeout: idleTimeout, interval: interval, batchSize: 100}
}

// Run blocks, sweeping once immediately and then on every tick, until ctx is
// canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("idle reaper stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("reaper")
	ctx, span := tracer.Start(ctx, "Reaper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Int64("reaper.batch_size", r.batchSize), attribute.Float64("reaper.idle_timeout_seconds", r.idleTimeout.Seconds()))

	sessionIDs, err := r.registry.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("idle reaper failed to list sessions", slog.Any("error", err))
		return
	}

	cutoff := time.Now().Add(-r.idleTimeout)
	totalChecked := 0
	totalReaped := 0

	for i := 0; i < len(sessionIDs); i += int(r.batchSize) {
		end := i + int(r.batchSize)
		if end > len(sessionIDs) {
			end = len(sessionIDs)
		}
		batch := sessionIDs[i:end]

		pageCtx, pageSpan := tracer.Start(ctx, "Reaper.sweepBatch")
		pageSpan.SetAttributes(attribute.Int("reaper.batch_offset", i))

		for _, sessionID := range batch {
			totalChecked++
			if r.reapIfStale(pageCtx, sessionID, cutoff) {
				totalReaped++
			}
		}
		pageSpan.End()
	}

	span.SetAttributes(
		attribute.Int("reaper.total_checked", totalChecked),
		attribute.Int("reaper.total_reaped", totalReaped),
	)
	observability.RecordReaperSweep(totalReaped)
}

func (r *Reaper) reapIfStale(ctx context.Context, sessionID string, cutoff time.Time) bool {
	tracer := otel.Tracer("reaper")
	ctx, span := tracer.Start(ctx, "Reaper.reapIfStale")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	state, err := r.registry.State(ctx, sessionID)
	if err != nil {
		// Key may have expired between ListActive and this read; tolerate
		// it per §4.B's eventually-consistent scan contract.
		return false
	}
	if state.Status == domain.SessionTerminated {
		return false
	}
	if !state.LastActiveTime.Before(cutoff) {
		return false
	}

	if err := r.kv.Publish(ctx, controlChannelPrefix+sessionID, "STOP"); err != nil {
		span.RecordError(err)
		slog.Error("idle reaper failed to publish STOP", slog.String("session_id", sessionID), slog.Any("error", err))
		return false
	}
	if err := r.registry.MarkTerminated(ctx, sessionID, domain.TerminationIdleTimeout); err != nil {
		span.RecordError(err)
		slog.Error("idle reaper failed to mark terminated", slog.String("session_id", sessionID), slog.Any("error", err))
		return false
	}
	slog.Info("idle reaper terminated stale session", slog.String("session_id", sessionID), slog.Duration("idle_for", time.Since(state.LastActiveTime)))
	return true
}
