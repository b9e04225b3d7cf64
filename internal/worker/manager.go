// Package worker implements the Worker Manager (§4.D): per-host session
// claiming, recovery replay, live job draining, and the STOP-triggered
// teardown path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/adapter/observability"
	"github.com/rpacore/session-worker/internal/domain"
)

const (
	newSessionsChannel  = "new-sessions-channel"
	controlPattern      = "session-control:*"
	controlPrefix       = "session-control:"
	defaultPollInterval = 250 * time.Millisecond
	defaultLeaseTTL     = 30 * time.Second
)

// epochSource exposes the lease package's supplemental acquisition counter.
// It is not part of domain.LeaseStore: a LeaseStore implementation that
// doesn't support it simply disables the mid-replay
// race check described in the package doc of internal/lease.
type epochSource interface {
	Epoch(ctx domain.Context, sessionID string) (int64, error)
}

// Manager is one host's Worker Manager: a per-process managerId, a capacity
// limit, and an in-memory map of locally-owned sessions.
type Manager struct {
	managerID           string
	maxWorkers          int
	pollInterval        time.Duration
	leaseTTL            time.Duration
	renewInterval       time.Duration
	strictRecoveryDedup bool

	kv       *rediskv.Client
	registry domain.Registry
	queue    domain.Queue
	leases   domain.LeaseStore
	epochs   epochSource
	executor domain.Executor
	notifier domain.Notifier

	mu     sync.Mutex
	active map[string]*handle

	baseCtx context.Context
}

// New constructs a Manager. epochs may be nil if leases does not implement
// epochSource, disabling the recovery-race detection documented in
// internal/lease. leaseTTL governs the renewal cadence (renewed at
// ttl/2, per §3's "an owner may renew by re-writing with the same
// value"); <= 0 defaults to 30s, matching the lease package's own default.
// strictRecoveryDedup wires config.Config.StrictRecoveryDedup: when true,
// SpawnWorker skips historical steps already replayed (tracked via
// registry.MarkRecoveredUpTo) instead of the default at-least-once replay.
func New(
	managerID string,
	maxWorkers int,
	kv *rediskv.Client,
	registry domain.Registry,
	queue domain.Queue,
	leases domain.LeaseStore,
	executor domain.Executor,
	notifier domain.Notifier,
	leaseTTL time.Duration,
	strictRecoveryDedup bool,
) *Manager {
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	m := &Manager{
		managerID:           managerID,
		maxWorkers:          maxWorkers,
		pollInterval:        defaultPollInterval,
		leaseTTL:            leaseTTL,
		renewInterval:       leaseTTL / 2,
		strictRecoveryDedup: strictRecoveryDedup,
		kv:                  kv,
		registry:            registry,
		queue:               queue,
		leases:              leases,
		executor:            executor,
		notifier:            notifier,
		active:              make(map[string]*handle),
		baseCtx:             context.Background(),
	}
	if es, ok := leases.(epochSource); ok {
		m.epochs = es
	}
	return m
}

// Start installs both subscriptions (exact and pattern, per §4.D) and
// returns immediately; ctx governs the lifetime of both subscription loops
// and of every worker task spawned afterward.
func (m *Manager) Start(ctx context.Context) {
	m.baseCtx = ctx
	go m.kv.Subscribe(ctx, newSessionsChannel, m.handleNewSessionMessage)
	go m.kv.PSubscribe(ctx, controlPattern, m.handleControlMessage)
}

func (m *Manager) handleNewSessionMessage(_, payload string) {
	sessionID := strings.TrimSpace(payload)
	if sessionID == "" {
		return
	}
	go m.OnNewSessionAnnouncement(m.baseCtx, sessionID)
}

func (m *Manager) handleControlMessage(channel, payload string) {
	if payload != "STOP" {
		return
	}
	sessionID := strings.TrimPrefix(channel, controlPrefix)
	go func() {
		if err := m.StopWorker(m.baseCtx, sessionID); err != nil {
			slog.Error("worker: stop failed", slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}()
}

// ActiveCount reports the number of locally-owned sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// OnNewSessionAnnouncement implements §4.D's four-step claim attempt:
// capacity check, local dedup, lease acquire, spawn.
func (m *Manager) OnNewSessionAnnouncement(ctx domain.Context, sessionID string) {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "Manager.OnNewSessionAnnouncement")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("manager.id", m.managerID))

	m.mu.Lock()
	full := len(m.active) >= m.maxWorkers
	_, already := m.active[sessionID]
	m.mu.Unlock()
	if full || already {
		return
	}

	acquired, err := m.leases.Acquire(ctx, sessionID, m.managerID)
	if err != nil {
		slog.Error("worker: lease acquire failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	if !acquired {
		return
	}

	if err := m.SpawnWorker(ctx, sessionID); err != nil {
		slog.Error("worker: spawn failed, releasing lease", slog.String("session_id", sessionID), slog.Any("error", err))
		if relErr := m.leases.Release(ctx, sessionID, m.managerID); relErr != nil {
			slog.Error("worker: lease release after failed spawn failed", slog.String("session_id", sessionID), slog.Any("error", relErr))
		}
	}
}

// SpawnWorker performs recovery replay (if the session has history) and
// starts the live single-concurrency drain loop.
func (m *Manager) SpawnWorker(ctx domain.Context, sessionID string) error {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "Manager.SpawnWorker")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	history, err := m.registry.History(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("op=worker.spawn.history: %w", err)
	}

	if len(history) > 0 {
		sort.Slice(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })

		var recoveredUpTo time.Time
		if m.strictRecoveryDedup {
			state, err := m.registry.State(ctx, sessionID)
			if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
				return fmt.Errorf("op=worker.spawn.state: %w", err)
			}
			recoveredUpTo = state.RecoveredUpTo
		}

		var epochAtClaim int64
		if m.epochs != nil {
			epochAtClaim, err = m.epochs.Epoch(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("op=worker.spawn.epoch: %w", err)
			}
		}

		if err := m.registry.UpdateStatus(ctx, sessionID, domain.SessionRecovering, ""); err != nil {
			return fmt.Errorf("op=worker.spawn.mark_recovering: %w", err)
		}

		for _, step := range history {
			if m.epochs != nil {
				current, err := m.epochs.Epoch(ctx, sessionID)
				if err != nil {
					return fmt.Errorf("op=worker.spawn.epoch_check: %w", err)
				}
				if current != epochAtClaim {
					// A STOP arrived and a new manager re-acquired the lease
					// mid-replay. Abort rather than keep replaying against
					// torn-down state.
					return fmt.Errorf("op=worker.spawn.recovery_race: %w", domain.ErrLeaseLost)
				}
			}
			if m.strictRecoveryDedup && !step.Timestamp.After(recoveredUpTo) {
				// Already replayed by this or a prior claim; §9 only requires
				// this skip under the opt-in strict mode (see config.Config.
				// StrictRecoveryDedup) — the default tolerates duplicate
				// replay.
				continue
			}
			if err := m.executor.RecoverStep(ctx, sessionID, step); err != nil {
				return fmt.Errorf("op=worker.spawn.recover_step: %w", err)
			}
			if m.strictRecoveryDedup {
				if err := m.registry.MarkRecoveredUpTo(ctx, sessionID, step.Timestamp); err != nil {
					return fmt.Errorf("op=worker.spawn.mark_recovered: %w", err)
				}
			}
		}
	}

	if err := m.registry.UpdateStatus(ctx, sessionID, domain.SessionActive, ""); err != nil {
		return fmt.Errorf("op=worker.spawn.mark_active: %w", err)
	}

	h := newHandle(sessionID)
	m.mu.Lock()
	m.active[sessionID] = h
	count := len(m.active)
	m.mu.Unlock()
	observability.ActiveWorkers.Set(float64(count))

	go m.runLoop(sessionID, h)
	go m.renewLoop(sessionID, h)
	return nil
}

// renewLoop keeps the session lease alive for as long as this manager is
// actively draining it, renewing at roughly ttl/2 per §3 ("an owner may
// renew by re-writing with the same value"). Without this, any session
// processed longer than the lease TTL would have session:lock:<id> expire
// out from under a still-live worker, letting a second host win a
// subsequent announcement and violate the single-owner invariant. A failed
// renewal (ownership already lost to another manager) relinquishes the
// worker immediately rather than continuing to drain a queue it no longer
// owns.
func (m *Manager) renewLoop(sessionID string, h *handle) {
	ticker := time.NewTicker(m.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			renewed, err := m.leases.Renew(m.baseCtx, sessionID, m.managerID)
			if err != nil {
				slog.Error("worker: lease renew failed", slog.String("session_id", sessionID), slog.Any("error", err))
				continue
			}
			if !renewed {
				slog.Warn("worker: lease lost, relinquishing worker", slog.String("session_id", sessionID), slog.String("manager_id", m.managerID))
				m.relinquishWorker(sessionID, h)
				return
			}
		}
	}
}

// runLoop is the supervised task from §9: a stream of jobs from the queue
// handle plus a stop signal. It ends only when stop is closed, and never
// abandons a job once Dequeue has handed it over.
func (m *Manager) runLoop(sessionID string, h *handle) {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		job, ok, err := m.queue.Dequeue(m.baseCtx, sessionID)
		if err != nil {
			slog.Error("worker: dequeue failed", slog.String("session_id", sessionID), slog.Any("error", err))
			select {
			case <-h.stop:
				return
			case <-time.After(m.pollInterval):
			}
			continue
		}
		if !ok {
			select {
			case <-h.stop:
				return
			case <-time.After(m.pollInterval):
			}
			continue
		}

		h.isProcessing.Store(true)
		m.ProcessStep(m.baseCtx, sessionID, job)
		h.isProcessing.Store(false)
	}
}

// ProcessStep is the worker callback from §4.D: execute, record history and
// notify on success; mark error and let the queue apply retry/backoff on
// failure. The step is never added to history on the failure path.
func (m *Manager) ProcessStep(ctx domain.Context, sessionID string, job domain.Job) {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "Manager.ProcessStep")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("job.id", job.ID))

	if err := m.executor.ExecuteStep(ctx, sessionID, job.Step); err != nil {
		if statusErr := m.registry.UpdateStatus(ctx, sessionID, domain.SessionError, err.Error()); statusErr != nil {
			slog.Error("worker: update status after exec failure failed", slog.String("session_id", sessionID), slog.Any("error", statusErr))
		}
		poisoned, failErr := m.queue.Fail(ctx, sessionID, job.ID, err)
		if failErr != nil {
			slog.Error("worker: queue fail bookkeeping failed", slog.String("session_id", sessionID), slog.Any("error", failErr))
			return
		}
		observability.RecordStepFailed(sessionID, poisoned)
		if poisoned {
			if statusErr := m.registry.UpdateStatus(ctx, sessionID, domain.SessionFailed, err.Error()); statusErr != nil {
				slog.Error("worker: mark failed after poison pill failed", slog.String("session_id", sessionID), slog.Any("error", statusErr))
			}
		}
		return
	}

	completedStep := job.Step
	completedStep.Timestamp = time.Now()
	if err := m.registry.LogStepCompletion(ctx, sessionID, completedStep); err != nil {
		slog.Error("worker: log step completion failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	if err := m.queue.Complete(ctx, sessionID, job.ID); err != nil {
		slog.Error("worker: queue complete bookkeeping failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
	observability.RecordStepCompleted(sessionID)

	if m.notifier == nil {
		return
	}
	state, err := m.registry.State(ctx, sessionID)
	if err != nil || state.ConnectionID == "" {
		return
	}
	if err := m.notifier.NotifyStepCompleted(ctx, state.ConnectionID, job.Step); err != nil {
		slog.Warn("worker: notify step completed failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// StopWorker implements §4.D's teardown ordering: drain in-flight work,
// then obliterate the queue, then clean the registry, then release the
// lease, then forget the session locally. Queue cleanup must precede lease
// release so a re-announcement arriving right after release never observes
// stale queue state under a new owner.
func (m *Manager) StopWorker(ctx domain.Context, sessionID string) error {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "Manager.StopWorker")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	m.mu.Lock()
	h, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	var stopErr error
	h.stopOnce.Do(func() {
		close(h.stop)
		<-h.done

		if err := m.queue.Cleanup(ctx, sessionID); err != nil {
			stopErr = fmt.Errorf("op=worker.stop.queue_cleanup: %w", err)
			return
		}
		if err := m.registry.Cleanup(ctx, sessionID); err != nil {
			stopErr = fmt.Errorf("op=worker.stop.registry_cleanup: %w", err)
			return
		}
		if err := m.leases.Release(ctx, sessionID, m.managerID); err != nil {
			stopErr = fmt.Errorf("op=worker.stop.lease_release: %w", err)
			return
		}

		m.mu.Lock()
		delete(m.active, sessionID)
		count := len(m.active)
		m.mu.Unlock()
		observability.ActiveWorkers.Set(float64(count))
	})
	return stopErr
}

// relinquishWorker forgets a session locally after this manager has lost the
// lease to another owner (§7 "lease loss during work"). Unlike StopWorker,
// it never touches the queue, registry, or lease: another manager already
// owns the lease and may already be replaying history against it, so
// cleaning up shared state here would race with that recovery. It only
// stops the local drain loop and drops the map entry; the new owner is
// responsible for everything downstream.
func (m *Manager) relinquishWorker(sessionID string, h *handle) {
	h.stopOnce.Do(func() {
		close(h.stop)
		<-h.done
	})

	m.mu.Lock()
	delete(m.active, sessionID)
	count := len(m.active)
	m.mu.Unlock()
	observability.ActiveWorkers.Set(float64(count))
}

// Shutdown iterates every locally-owned session and stops it, releasing
// leases so announcements resume quickly elsewhere (§5 graceful shutdown).
func (m *Manager) Shutdown(ctx domain.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopWorker(ctx, id); err != nil {
			slog.Error("worker: shutdown stop failed", slog.String("session_id", id), slog.Any("error", err))
		}
	}
}
