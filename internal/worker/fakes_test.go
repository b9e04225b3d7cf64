package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rpacore/session-worker/internal/domain"
)

// fakeRegistry is a minimal in-memory domain.Registry double.
type fakeRegistry struct {
	mu          sync.Mutex
	states      map[string]domain.SessionState
	histories   map[string][]domain.Step
	statusCalls []domain.SessionStatus
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{states: map[string]domain.SessionState{}, histories: map[string][]domain.Step{}}
}

func (f *fakeRegistry) CreateOrTouch(_ domain.Context, sessionID, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[sessionID]
	st.SessionID = sessionID
	st.ConnectionID = connectionID
	st.Status = domain.SessionConnected
	f.states[sessionID] = st
	return nil
}

func (f *fakeRegistry) UpdateStatus(_ domain.Context, sessionID string, status domain.SessionStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[sessionID]
	st.SessionID = sessionID
	st.Status = status
	st.Error = errMsg
	f.states[sessionID] = st
	f.statusCalls = append(f.statusCalls, status)
	return nil
}

func (f *fakeRegistry) LogStepCompletion(_ domain.Context, sessionID string, step domain.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories[sessionID] = append(f.histories[sessionID], step)
	st := f.states[sessionID]
	st.TotalSteps = int64(len(f.histories[sessionID]))
	f.states[sessionID] = st
	return nil
}

func (f *fakeRegistry) History(_ domain.Context, sessionID string) ([]domain.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Step, len(f.histories[sessionID]))
	copy(out, f.histories[sessionID])
	return out, nil
}

func (f *fakeRegistry) State(_ domain.Context, sessionID string) (domain.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[sessionID]
	if !ok {
		return domain.SessionState{}, domain.ErrSessionNotFound
	}
	return st, nil
}

func (f *fakeRegistry) IsActive(ctx domain.Context, sessionID string) (bool, error) {
	st, err := f.State(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return st.Status == domain.SessionActive, nil
}

func (f *fakeRegistry) ListActive(_ domain.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.states))
	for id := range f.states {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeRegistry) Cleanup(_ domain.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, sessionID)
	delete(f.histories, sessionID)
	return nil
}

func (f *fakeRegistry) MarkTerminated(_ domain.Context, sessionID string, reason domain.TerminationReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[sessionID]
	st.Status = domain.SessionTerminated
	st.TerminationReason = reason
	f.states[sessionID] = st
	return nil
}

func (f *fakeRegistry) MarkRecoveredUpTo(_ domain.Context, sessionID string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.states[sessionID]
	st.RecoveredUpTo = ts
	f.states[sessionID] = st
	return nil
}

// fakeQueue is a minimal in-memory domain.Queue double: one FIFO slice per
// session, no delay/priority handling (not exercised by worker tests).
type fakeQueue struct {
	mu          sync.Mutex
	waiting     map[string][]domain.Job
	cleanedUp   map[string]bool
	failResults map[string]bool // jobID -> poisoned
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{waiting: map[string][]domain.Job{}, cleanedUp: map[string]bool{}, failResults: map[string]bool{}}
}

func (f *fakeQueue) push(sessionID string, job domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting[sessionID] = append(f.waiting[sessionID], job)
}

func (f *fakeQueue) Enqueue(_ domain.Context, sessionID string, step domain.Step, opts domain.EnqueueOptions) (string, error) {
	id := fmt.Sprintf("%s-job", sessionID)
	f.push(sessionID, domain.Job{ID: id, SessionID: sessionID, Step: step, MaxAttempts: 3})
	return id, nil
}

func (f *fakeQueue) Pause(domain.Context, string) error  { return nil }
func (f *fakeQueue) Resume(domain.Context, string) error { return nil }

func (f *fakeQueue) Counts(domain.Context, string) (domain.QueueCounts, error) {
	return domain.QueueCounts{}, nil
}

func (f *fakeQueue) Stats(domain.Context, string) (domain.QueueStats, error) {
	return domain.QueueStats{}, nil
}

func (f *fakeQueue) Cleanup(_ domain.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanedUp[sessionID] = true
	delete(f.waiting, sessionID)
	return nil
}

func (f *fakeQueue) Dequeue(_ domain.Context, sessionID string) (domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.waiting[sessionID]
	if len(jobs) == 0 {
		return domain.Job{}, false, nil
	}
	job := jobs[0]
	f.waiting[sessionID] = jobs[1:]
	return job, true, nil
}

func (f *fakeQueue) Complete(domain.Context, string, string) error { return nil }

func (f *fakeQueue) Fail(_ domain.Context, sessionID, jobID string, _ error) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failResults[jobID], nil
}

// fakeLease is an in-memory domain.LeaseStore + epochSource double mirroring
// internal/lease's setIfAbsent/compare-and-delete semantics.
type fakeLease struct {
	mu     sync.Mutex
	owner  map[string]string
	epoch  map[string]int64
}

func newFakeLease() *fakeLease {
	return &fakeLease{owner: map[string]string{}, epoch: map[string]int64{}}
}

func (f *fakeLease) Acquire(_ domain.Context, sessionID, managerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.owner[sessionID]; held {
		return false, nil
	}
	f.owner[sessionID] = managerID
	f.epoch[sessionID]++
	return true, nil
}

func (f *fakeLease) Renew(_ domain.Context, sessionID, managerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner[sessionID] == managerID, nil
}

func (f *fakeLease) Release(_ domain.Context, sessionID, managerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner[sessionID] == managerID {
		delete(f.owner, sessionID)
	}
	return nil
}

func (f *fakeLease) Owner(_ domain.Context, sessionID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.owner[sessionID]
	return v, ok, nil
}

func (f *fakeLease) Epoch(_ domain.Context, sessionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch[sessionID], nil
}

// bumpEpoch simulates a STOP-triggered release followed by a second
// manager's re-acquisition happening concurrently with an in-flight replay.
func (f *fakeLease) bumpEpoch(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch[sessionID]++
}

// takeOver simulates the lease expiring and a different manager winning the
// next setIfAbsent, without going through Acquire (which would fail since
// the original owner is still, in this test, believed to be present).
func (f *fakeLease) takeOver(sessionID, newManagerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner[sessionID] = newManagerID
}

// fakeExecutor records ExecuteStep/RecoverStep calls in order and can be
// configured to fail on a named step id.
type fakeExecutor struct {
	mu           sync.Mutex
	executed     []string
	recovered    []string
	failOnExec   map[string]bool
	onRecoverFn  func(step domain.Step)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failOnExec: map[string]bool{}}
}

func (f *fakeExecutor) ExecuteStep(_ domain.Context, _ string, step domain.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, step.ID)
	if f.failOnExec[step.ID] {
		return fmt.Errorf("executor failed on %s", step.ID)
	}
	return nil
}

func (f *fakeExecutor) RecoverStep(_ domain.Context, _ string, step domain.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, step.ID)
	if f.onRecoverFn != nil {
		f.onRecoverFn(step)
	}
	return nil
}

// fakeNotifier records delivered completion notifications.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) NotifyStepCompleted(_ domain.Context, connectionID string, step domain.Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, connectionID+":"+step.ID)
	return nil
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
