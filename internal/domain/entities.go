// Package domain defines the core entities, ports, and error taxonomy shared
// by every layer of the session-worker core.
package domain

import (
	"context"
	"errors"
	"time"
)

// Context is a type alias to stdlib context.Context for convenience across
// layers; adapters convert where needed, usecases accept domain.Context so
// the core stays decoupled from any particular transport.
type Context = context.Context

// Error taxonomy (sentinels). Adapters wrap these with fmt.Errorf("op=...: %w", err)
// so callers can errors.Is against a stable, transport-agnostic set.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrLeaseHeld       = errors.New("session lease held by another manager")
	ErrLeaseLost       = errors.New("session lease lost")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTransientKV     = errors.New("transient kv error")
	ErrQueuePaused     = errors.New("queue paused")
)

// SessionStatus captures the lifecycle state of a session.
type SessionStatus string

// Session status values, per the data model.
const (
	SessionConnected  SessionStatus = "connected"
	SessionActive     SessionStatus = "active"
	SessionPaused     SessionStatus = "paused"
	SessionRecovering SessionStatus = "recovering"
	SessionError      SessionStatus = "error"
	SessionFailed     SessionStatus = "failed"
	SessionTerminated SessionStatus = "terminated"
)

// TerminationReason enumerates why a session was terminated.
type TerminationReason string

const (
	TerminationIdleTimeout TerminationReason = "idle_timeout"
	TerminationPoisonPill  TerminationReason = "poison_pill"
	TerminationGatewayStop TerminationReason = "gateway_disconnect"
)

// SessionState is the attribute map persisted under session:state:<sessionId>.
type SessionState struct {
	SessionID         string
	Status            SessionStatus
	LastActiveTime    time.Time
	TotalSteps        int64
	Error             string
	TerminationReason TerminationReason
	FailedJobID       string
	ConnectionID      string
	// RecoveredUpTo is the completion timestamp of the last historical step
	// this (or a prior) manager has replayed against the executor. It is the
	// zero value unless STRICT_RECOVERY_DEDUP is enabled; see §9's
	// "recovered_up_to pointer" note and SpawnWorker's use of it.
	RecoveredUpTo time.Time
}

// Step is a single completed action record, the unit of replayable history.
type Step struct {
	ID        string
	Action    string
	Data      string
	Timestamp time.Time
}

// Job is an enqueued step awaiting execution.
type Job struct {
	ID           string
	SessionID    string
	Step         Step
	AttemptsMade int
	MaxAttempts  int
	Priority     int
	Delay        time.Duration
	EnqueuedAt   time.Time
}

// EnqueueOptions mirrors the options recognized by §4.C Enqueue.
type EnqueueOptions struct {
	Priority int           `validate:"min=0"`
	Delay    time.Duration `validate:"min=0"`
	Attempts int           `validate:"omitempty,min=1"`
	Backoff  BackoffOptions
}

// BackoffOptions configures the retry backoff curve for a job.
type BackoffOptions struct {
	Type  string        `validate:"omitempty,oneof=exponential"`
	Delay time.Duration `validate:"omitempty,min=0"`
}

// QueueCounts reports job counts for a session's queue.
type QueueCounts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
}

// QueueStats reports aggregate status for a session's queue.
type QueueStats struct {
	IsActive  bool
	Counts    QueueCounts
	QueueName string
}

// Executor is the opaque action-execution collaborator. The core never
// inspects what a step does; it only knows whether ExecuteStep succeeded.
// RecoverStep is invoked once per historical step on a fresh claim and must
// be side-effect-free from the client's perspective.
type Executor interface {
	ExecuteStep(ctx Context, sessionID string, step Step) error
	RecoverStep(ctx Context, sessionID string, step Step) error
}

// Registry is the Session Registry port (§4.B).
type Registry interface {
	CreateOrTouch(ctx Context, sessionID, connectionID string) error
	UpdateStatus(ctx Context, sessionID string, status SessionStatus, errMsg string) error
	LogStepCompletion(ctx Context, sessionID string, step Step) error
	History(ctx Context, sessionID string) ([]Step, error)
	State(ctx Context, sessionID string) (SessionState, error)
	IsActive(ctx Context, sessionID string) (bool, error)
	ListActive(ctx Context) ([]string, error)
	Cleanup(ctx Context, sessionID string) error
	MarkTerminated(ctx Context, sessionID string, reason TerminationReason) error
	// MarkRecoveredUpTo persists the completion timestamp of the last
	// historical step successfully replayed, for STRICT_RECOVERY_DEDUP
	// operators (see SessionState.RecoveredUpTo).
	MarkRecoveredUpTo(ctx Context, sessionID string, ts time.Time) error
}

// Queue is the Queue Service port (§4.C).
type Queue interface {
	Enqueue(ctx Context, sessionID string, step Step, opts EnqueueOptions) (string, error)
	Pause(ctx Context, sessionID string) error
	Resume(ctx Context, sessionID string) error
	Counts(ctx Context, sessionID string) (QueueCounts, error)
	Stats(ctx Context, sessionID string) (QueueStats, error)
	Cleanup(ctx Context, sessionID string) error

	// Dequeue pops the next ready job for sessionID, honoring delay and
	// pause state. ok is false when nothing is ready right now (the caller
	// should wait and poll again, not treat it as an error).
	Dequeue(ctx Context, sessionID string) (job Job, ok bool, err error)
	// Complete records a successful drain of job: it decrements active,
	// increments the completed counter, and deletes the job's stored
	// metadata. No completed or failed job records are retained, so no
	// retention cap is applied.
	Complete(ctx Context, sessionID, jobID string) error
	// Fail records a failed attempt. If attemptsMade reaches maxAttempts it
	// is a terminal (poison-pill) failure and poisoned is true; otherwise
	// the job is rescheduled into the delayed set with the next backoff
	// delay and poisoned is false.
	Fail(ctx Context, sessionID, jobID string, cause error) (poisoned bool, err error)
}

// LeaseStore is the distributed mutual-exclusion primitive (§4.D / §9).
type LeaseStore interface {
	Acquire(ctx Context, sessionID, managerID string) (bool, error)
	Renew(ctx Context, sessionID, managerID string) (bool, error)
	Release(ctx Context, sessionID, managerID string) error
	Owner(ctx Context, sessionID string) (string, bool, error)
}

// Notifier delivers out-of-band events to whatever gateway holds the
// client's connection. The core calls it on completion; it is a thin
// publish to a connection-keyed channel, not a direct socket write.
type Notifier interface {
	NotifyStepCompleted(ctx Context, connectionID string, step Step) error
}
