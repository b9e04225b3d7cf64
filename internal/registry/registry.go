// Package registry implements the Session Registry (§4.B): persistence of
// per-session state, bounded and full step history, and lookup/listing,
// all backed by the KV Client over the bit-exact key schema in §6.
package registry

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/domain"
)

// Key prefixes, bit-exact per §6's KV key schema table.
const (
	keyConnection = "session:connection:"
	keySteps      = "session:steps:"
	keyHistory    = "session:history:"
	keyState      = "session:state:"
	statePattern  = keyState + "*"
)

// Registry implements domain.Registry over a rediskv.Client.
type Registry struct {
	kv                *rediskv.Client
	recordTTL         time.Duration
	boundedHistoryCap int
	scanBatchSize     int64
}

// New constructs a Registry. recordTTL and boundedHistoryCap mirror §3 and
// §6's defaults (1h TTL, 100-entry bounded list) but are operator-tunable
// via config.Config.
func New(kv *rediskv.Client, recordTTL time.Duration, boundedHistoryCap int) *Registry {
	if boundedHistoryCap <= 0 {
		boundedHistoryCap = 100
	}
	if recordTTL <= 0 {
		recordTTL = time.Hour
	}
	return &Registry{kv: kv, recordTTL: recordTTL, boundedHistoryCap: boundedHistoryCap, scanBatchSize: 100}
}

func sessionKeys(sessionID string) (conn, steps, history, state string) {
	return keyConnection + sessionID, keySteps + sessionID, keyHistory + sessionID, keyState + sessionID
}

// CreateOrTouch sets connectionId and status=connected, refreshing TTLs. It
// is idempotent in sessionID for the same connectionID (§8 round-trip
// property): re-calling with the same values is a harmless overwrite.
func (r *Registry) CreateOrTouch(ctx domain.Context, sessionID, connectionID string) error {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.CreateOrTouch")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	connKey, _, _, stateKey := sessionKeys(sessionID)
	if err := r.kv.Put(ctx, connKey, connectionID, r.recordTTL); err != nil {
		return fmt.Errorf("op=registry.create_or_touch.connection: %w", err)
	}
	fields := map[string]any{
		"status":           string(domain.SessionConnected),
		"last_active_time": nowMillis(),
	}
	if err := r.kv.HashWrite(ctx, stateKey, fields, r.recordTTL); err != nil {
		return fmt.Errorf("op=registry.create_or_touch.state: %w", err)
	}
	return nil
}

// UpdateStatus overwrites status, refreshes last_active_time, and optionally
// stores an error message.
func (r *Registry) UpdateStatus(ctx domain.Context, sessionID string, status domain.SessionStatus, errMsg string) error {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.UpdateStatus")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("session.status", string(status)))

	_, _, _, stateKey := sessionKeys(sessionID)
	fields := map[string]any{
		"status":           string(status),
		"last_active_time": nowMillis(),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if err := r.kv.HashWrite(ctx, stateKey, fields, r.recordTTL); err != nil {
		return fmt.Errorf("op=registry.update_status: %w", err)
	}
	return nil
}

// MarkTerminated sets status=terminated with a termination_reason in one
// write, the state mutation the Idle Reaper performs on an idle sweep hit.
func (r *Registry) MarkTerminated(ctx domain.Context, sessionID string, reason domain.TerminationReason) error {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.MarkTerminated")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("termination.reason", string(reason)))

	_, _, _, stateKey := sessionKeys(sessionID)
	fields := map[string]any{
		"status":             string(domain.SessionTerminated),
		"termination_reason": string(reason),
		"last_active_time":   nowMillis(),
	}
	if err := r.kv.HashWrite(ctx, stateKey, fields, r.recordTTL); err != nil {
		return fmt.Errorf("op=registry.mark_terminated: %w", err)
	}
	return nil
}

// MarkRecoveredUpTo persists recovered_up_to, the supplemental pointer
// SpawnWorker consults under STRICT_RECOVERY_DEDUP to avoid re-replaying
// historical steps a prior claim already recovered (§9's "recovered_up_to
// pointer" note).
func (r *Registry) MarkRecoveredUpTo(ctx domain.Context, sessionID string, ts time.Time) error {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.MarkRecoveredUpTo")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	_, _, _, stateKey := sessionKeys(sessionID)
	fields := map[string]any{"recovered_up_to": ts.UnixMilli()}
	if err := r.kv.HashWrite(ctx, stateKey, fields, r.recordTTL); err != nil {
		return fmt.Errorf("op=registry.mark_recovered_up_to: %w", err)
	}
	return nil
}

// LogStepCompletion atomically (from the caller's perspective — each
// sub-write refreshes the same TTL) records a completed step: head-insert
// into the bounded list then trim to capacity, add to the timestamp-scored
// ordered set, and bump last_active_time/total_steps. Idempotent in intent
// but does not deduplicate across replays (§4.B): equal re-inserts into the
// ordered set are harmless as long as members serialize uniquely.
func (r *Registry) LogStepCompletion(ctx domain.Context, sessionID string, step domain.Step) error {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.LogStepCompletion")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("step.id", step.ID))

	_, stepsKey, historyKey, stateKey := sessionKeys(sessionID)

	serialized := serializeStep(step)
	if err := r.kv.ListPushHead(ctx, stepsKey, serialized, r.recordTTL); err != nil {
		return fmt.Errorf("op=registry.log_step.list_push: %w", err)
	}
	if err := r.kv.ListTrim(ctx, stepsKey, 0, int64(r.boundedHistoryCap)-1); err != nil {
		return fmt.Errorf("op=registry.log_step.list_trim: %w", err)
	}
	// Members must serialize uniquely per-entry; including the step id plus
	// the completion timestamp keeps duplicate replays from colliding into
	// one ZSET member and silently losing a count.
	member := step.ID + "|" + serialized
	score := float64(step.Timestamp.UnixMilli())
	if err := r.kv.SortedSetAdd(ctx, historyKey, score, member, r.recordTTL); err != nil {
		return fmt.Errorf("op=registry.log_step.zadd: %w", err)
	}

	total, err := r.kv.SortedSetCardinality(ctx, historyKey)
	if err != nil {
		return fmt.Errorf("op=registry.log_step.card: %w", err)
	}
	fields := map[string]any{
		"last_active_time": nowMillis(),
		"total_steps":      total,
	}
	if err := r.kv.HashWrite(ctx, stateKey, fields, r.recordTTL); err != nil {
		return fmt.Errorf("op=registry.log_step.state: %w", err)
	}
	return nil
}

// History returns every step in the ordered set, ascending by timestamp,
// fully materialized: recovery needs all of it up front, not a lazy cursor.
func (r *Registry) History(ctx domain.Context, sessionID string) ([]domain.Step, error) {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.History")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	_, _, historyKey, _ := sessionKeys(sessionID)
	members, err := r.kv.SortedSetRangeByScore(ctx, historyKey, 0, float64(1)<<62)
	if err != nil {
		return nil, fmt.Errorf("op=registry.history: %w", err)
	}
	steps := make([]domain.Step, 0, len(members))
	for _, m := range members {
		step, ok := deserializeMember(m)
		if !ok {
			slog.Warn("registry: skipping malformed history member", slog.String("session_id", sessionID))
			continue
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// State returns the session's attribute map.
func (r *Registry) State(ctx domain.Context, sessionID string) (domain.SessionState, error) {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.State")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	connKey, _, _, stateKey := sessionKeys(sessionID)
	fields, err := r.kv.HashReadAll(ctx, stateKey)
	if err != nil {
		return domain.SessionState{}, fmt.Errorf("op=registry.state: %w", err)
	}
	if len(fields) == 0 {
		return domain.SessionState{}, fmt.Errorf("op=registry.state: %w", domain.ErrSessionNotFound)
	}
	st := domain.SessionState{
		SessionID:         sessionID,
		Status:            domain.SessionStatus(fields["status"]),
		Error:             fields["error"],
		TerminationReason: domain.TerminationReason(fields["termination_reason"]),
		FailedJobID:       fields["failed_job_id"],
	}
	if ms, ok := fields["last_active_time"]; ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			st.LastActiveTime = time.UnixMilli(n)
		}
	}
	if ts, ok := fields["total_steps"]; ok {
		if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
			st.TotalSteps = n
		}
	}
	if ms, ok := fields["recovered_up_to"]; ok {
		if n, err := strconv.ParseInt(ms, 10, 64); err == nil {
			st.RecoveredUpTo = time.UnixMilli(n)
		}
	}
	if connID, err := r.kv.Get(ctx, connKey); err == nil {
		st.ConnectionID = connID
	}
	return st, nil
}

// IsActive reports whether status == active.
func (r *Registry) IsActive(ctx domain.Context, sessionID string) (bool, error) {
	st, err := r.State(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return st.Status == domain.SessionActive, nil
}

// ListActive scans state keys matching the session-state pattern and
// returns their session ids. Callers must tolerate eventually-consistent
// results since keys may expire mid-scan (§4.B).
func (r *Registry) ListActive(ctx domain.Context) ([]string, error) {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.ListActive")
	defer span.End()

	keys, err := r.kv.ScanKeys(ctx, statePattern, r.scanBatchSize)
	if err != nil {
		return nil, fmt.Errorf("op=registry.list_active: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, keyState))
	}
	return ids, nil
}

// Cleanup deletes the four namespaced registry keys for a session (the fifth
// key in the schema, the session lease, is owned and released separately by
// internal/lease as part of the StopWorker teardown ordering). A subsequent
// read of any of these four must report "not found" (§8 round-trip property).
func (r *Registry) Cleanup(ctx domain.Context, sessionID string) error {
	tracer := otel.Tracer("registry")
	ctx, span := tracer.Start(ctx, "Registry.Cleanup")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	connKey, stepsKey, historyKey, stateKey := sessionKeys(sessionID)
	if err := r.kv.DeleteMany(ctx, connKey, stepsKey, historyKey, stateKey); err != nil {
		return fmt.Errorf("op=registry.cleanup: %w", err)
	}
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// serializeStep encodes a step into the \x1f-delimited wire format stored in
// both history representations. The delimiter is safe because step IDs are
// UUIDs/job ids and action tags are opaque short strings; data is
// base64-free on purpose to keep it human-inspectable in `redis-cli`.
func serializeStep(s domain.Step) string {
	return fmt.Sprintf("%s\x1f%s\x1f%s\x1f%d", s.ID, s.Action, s.Data, s.Timestamp.UnixMilli())
}

func deserializeMember(member string) (domain.Step, bool) {
	// member is "<stepID>|<serialized>"; drop the disambiguating id prefix.
	idx := strings.Index(member, "|")
	if idx < 0 {
		return domain.Step{}, false
	}
	return deserializeStep(member[idx+1:])
}

func deserializeStep(s string) (domain.Step, bool) {
	parts := strings.Split(s, "\x1f")
	if len(parts) != 4 {
		return domain.Step{}, false
	}
	ms, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return domain.Step{}, false
	}
	return domain.Step{
		ID:        parts[0],
		Action:    parts[1],
		Data:      parts[2],
		Timestamp: time.UnixMilli(ms),
	}, true
}
