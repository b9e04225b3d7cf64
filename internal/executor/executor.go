// Package executor provides a reference, dependency-free implementation of
// domain.Executor. The core never inspects what a step does (§4.D); this
// implementation exists so the worker pipeline is runnable and testable end
// to end without wiring a real browser-automation backend, which is
// explicitly out of scope (§1 Non-goals).
package executor

import (
	"log/slog"

	"github.com/rpacore/session-worker/internal/domain"
)

// NoOp logs every call and always succeeds. RecoverStep never emits a
// client-visible side effect beyond the log line, matching the
// side-effect-free replay contract in §4.D.
type NoOp struct{}

// New constructs a NoOp executor.
func New() *NoOp { return &NoOp{} }

// ExecuteStep logs the step and returns nil.
func (NoOp) ExecuteStep(_ domain.Context, sessionID string, step domain.Step) error {
	slog.Debug("executor: executing step", slog.String("session_id", sessionID), slog.String("step_id", step.ID), slog.String("action", step.Action))
	return nil
}

// RecoverStep logs the step and returns nil.
func (NoOp) RecoverStep(_ domain.Context, sessionID string, step domain.Step) error {
	slog.Debug("executor: recovering step", slog.String("session_id", sessionID), slog.String("step_id", step.ID), slog.String("action", step.Action))
	return nil
}
