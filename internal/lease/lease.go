// Package lease implements the Session Lease (§3, §9): the distributed
// mutual-exclusion primitive that grants exactly one manager the right to
// drive a session's queue at a time.
//
// The lock value is the literal ownerManagerId, bit-exact with §6's key
// schema. A separate, additive epoch counter is bumped on every successful
// Acquire; it is not part of the documented key schema and exists purely so
// SpawnWorker's recovery replay can detect an otherwise undetectable race: a
// STOP arriving mid-replay that tears down state a new owner is still
// replaying against.
package lease

import (
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/adapter/observability"
	"github.com/rpacore/session-worker/internal/domain"
)

const (
	lockKeyPrefix  = "session:lock:"
	epochKeyPrefix = "session:lock:epoch:"
)

// Store implements domain.LeaseStore over a rediskv.Client.
type Store struct {
	kv  *rediskv.Client
	ttl time.Duration
}

// New constructs a Store with the given lease TTL (default 30s per §5).
func New(kv *rediskv.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Store{kv: kv, ttl: ttl}
}

func lockKey(sessionID string) string  { return lockKeyPrefix + sessionID }
func epochKey(sessionID string) string { return epochKeyPrefix + sessionID }

// Acquire attempts to claim sessionID for managerID via setIfAbsent. On
// success it bumps the epoch counter so a concurrent replay can detect a
// subsequent re-acquisition.
func (s *Store) Acquire(ctx domain.Context, sessionID, managerID string) (bool, error) {
	tracer := otel.Tracer("lease")
	ctx, span := tracer.Start(ctx, "Lease.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("manager.id", managerID))

	ok, err := s.kv.SetIfAbsent(ctx, lockKey(sessionID), managerID, s.ttl)
	if err != nil {
		return false, fmt.Errorf("op=lease.acquire: %w", err)
	}
	if !ok {
		observability.RecordLeaseAcquisition(false)
		return false, nil
	}
	if _, err := s.kv.Increment(ctx, epochKey(sessionID), 1, s.ttl); err != nil {
		return false, fmt.Errorf("op=lease.acquire.epoch: %w", err)
	}
	observability.RecordLeaseAcquisition(true)
	return true, nil
}

// Renew extends the lease's TTL if managerID still owns it, via a
// compare-and-extend Lua script (mirroring the compare-and-delete used by
// Release) so a concurrently-expired-and-reacquired lease is never
// clobbered by a stale renewal.
func (s *Store) Renew(ctx domain.Context, sessionID, managerID string) (bool, error) {
	tracer := otel.Tracer("lease")
	ctx, span := tracer.Start(ctx, "Lease.Renew")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("manager.id", managerID))

	extended, err := s.kv.CompareAndExtend(ctx, lockKey(sessionID), managerID, s.ttl)
	if err != nil {
		return false, fmt.Errorf("op=lease.renew: %w", err)
	}
	return extended, nil
}

// Release deletes the lease only if managerID is still the owner, tolerating
// the case where the TTL already expired (a no-op delete is not an error).
func (s *Store) Release(ctx domain.Context, sessionID, managerID string) error {
	tracer := otel.Tracer("lease")
	ctx, span := tracer.Start(ctx, "Lease.Release")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.String("manager.id", managerID))

	if _, err := s.kv.CompareAndDelete(ctx, lockKey(sessionID), managerID); err != nil {
		return fmt.Errorf("op=lease.release: %w", err)
	}
	return nil
}

// Owner returns the current owner managerID, or ok=false if unleased.
func (s *Store) Owner(ctx domain.Context, sessionID string) (string, bool, error) {
	v, err := s.kv.Get(ctx, lockKey(sessionID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("op=lease.owner: %w", err)
	}
	return v, true, nil
}

// Epoch returns the current acquisition counter for sessionID, 0 if the
// session has never been leased. Not part of domain.LeaseStore: it is an
// implementation-internal hook the Worker Manager uses to detect a
// mid-replay reacquisition (see the package doc).
func (s *Store) Epoch(ctx domain.Context, sessionID string) (int64, error) {
	v, err := s.kv.Get(ctx, epochKey(sessionID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=lease.epoch: %w", err)
	}
	var n int64
	if _, scanErr := fmt.Sscanf(v, "%d", &n); scanErr != nil {
		return 0, nil
	}
	return n, nil
}
