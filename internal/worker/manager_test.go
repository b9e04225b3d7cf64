package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/domain"
)

type testDeps struct {
	registry *fakeRegistry
	queue    *fakeQueue
	leases   *fakeLease
	executor *fakeExecutor
	notifier *fakeNotifier
	kv       *rediskv.Client
}

func newTestManager(t *testing.T, managerID string, maxWorkers int) (*Manager, *testDeps) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := rediskv.New(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = kv.Close() })

	deps := &testDeps{
		registry: newFakeRegistry(),
		queue:    newFakeQueue(),
		leases:   newFakeLease(),
		executor: newFakeExecutor(),
		notifier: &fakeNotifier{},
		kv:       kv,
	}
	m := New(managerID, maxWorkers, kv, deps.registry, deps.queue, deps.leases, deps.executor, deps.notifier, 0, false)
	m.baseCtx = context.Background()
	m.pollInterval = 10 * time.Millisecond
	return m, deps
}

func TestOnNewSessionAnnouncement_CapacityIgnore(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 1)
	ctx := context.Background()

	m.OnNewSessionAnnouncement(ctx, "s1")
	require.True(t, waitFor(func() bool { return m.ActiveCount() == 1 }, time.Second))

	m.OnNewSessionAnnouncement(ctx, "s2")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, m.ActiveCount())
	_, held, _ := deps.leases.Owner(ctx, "s2")
	assert.False(t, held, "a full host must not acquire a lease it cannot use")
}

func TestOnNewSessionAnnouncement_AlreadyOwnedIgnored(t *testing.T) {
	m, _ := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()

	m.OnNewSessionAnnouncement(ctx, "s1")
	require.True(t, waitFor(func() bool { return m.ActiveCount() == 1 }, time.Second))

	m.OnNewSessionAnnouncement(ctx, "s1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, m.ActiveCount(), "re-announcement to self must be ignored")
}

func TestOnNewSessionAnnouncement_ConcurrentClaimExactlyOneWins(t *testing.T) {
	mr := miniredis.RunT(t)
	kvA := rediskv.New(mr.Addr(), "", 0)
	kvB := rediskv.New(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = kvA.Close(); _ = kvB.Close() })

	leases := newFakeLease()
	regA, regB := newFakeRegistry(), newFakeRegistry()
	qA, qB := newFakeQueue(), newFakeQueue()

	mA := New("mgr-a", 5, kvA, regA, qA, leases, newFakeExecutor(), &fakeNotifier{}, 0, false)
	mB := New("mgr-b", 5, kvB, regB, qB, leases, newFakeExecutor(), &fakeNotifier{}, 0, false)
	mA.baseCtx, mB.baseCtx = context.Background(), context.Background()

	ctx := context.Background()
	done := make(chan struct{}, 2)
	go func() { mA.OnNewSessionAnnouncement(ctx, "s3"); done <- struct{}{} }()
	go func() { mB.OnNewSessionAnnouncement(ctx, "s3"); done <- struct{}{} }()
	<-done
	<-done

	require.True(t, waitFor(func() bool { return mA.ActiveCount()+mB.ActiveCount() == 1 }, time.Second))
}

func TestSpawnWorker_ReplaysHistoryInAscendingOrder(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()

	base := time.Now()
	deps.registry.histories["s1"] = []domain.Step{
		{ID: "step-3", Timestamp: base.Add(2 * time.Second)},
		{ID: "step-1", Timestamp: base},
		{ID: "step-2", Timestamp: base.Add(time.Second)},
	}
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1"}

	require.NoError(t, m.SpawnWorker(ctx, "s1"))
	assert.Equal(t, []string{"step-1", "step-2", "step-3"}, deps.executor.recovered)

	st, err := deps.registry.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, st.Status)
}

func TestSpawnWorker_NoHistorySkipsRecoveryGoesActive(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1"}

	require.NoError(t, m.SpawnWorker(ctx, "s1"))
	assert.Empty(t, deps.executor.recovered)
	st, err := deps.registry.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, st.Status)
}

func TestSpawnWorker_AbortsOnMidReplayEpochChange(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()

	base := time.Now()
	deps.registry.histories["s1"] = []domain.Step{
		{ID: "step-1", Timestamp: base},
		{ID: "step-2", Timestamp: base.Add(time.Second)},
	}
	deps.leases.epoch["s1"] = 1
	deps.executor.onRecoverFn = func(step domain.Step) {
		if step.ID == "step-1" {
			deps.leases.bumpEpoch("s1") // simulate a concurrent STOP + re-acquire
		}
	}

	err := m.SpawnWorker(ctx, "s1")
	require.Error(t, err)
	assert.Equal(t, []string{"step-1"}, deps.executor.recovered, "replay must abort before the second step")
}

func TestProcessStep_Success_RecordsHistoryAndNotifies(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1", ConnectionID: "conn-1"}

	job := domain.Job{ID: "job-1", SessionID: "s1", Step: domain.Step{ID: "step-1", Action: "click"}}
	m.ProcessStep(ctx, "s1", job)

	assert.Equal(t, []string{"step-1"}, deps.executor.executed)
	hist, err := deps.registry.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "step-1", hist[0].ID)
	require.Len(t, deps.notifier.events, 1)
	assert.Equal(t, "conn-1:step-1", deps.notifier.events[0])
}

func TestProcessStep_Failure_NoHistoryEntryMarksError(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1"}
	deps.executor.failOnExec["step-1"] = true

	job := domain.Job{ID: "job-1", SessionID: "s1", Step: domain.Step{ID: "step-1", Action: "click"}}
	m.ProcessStep(ctx, "s1", job)

	hist, err := deps.registry.History(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, hist, "a failed step must not be added to history")

	st, err := deps.registry.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionError, st.Status)
	assert.Empty(t, deps.notifier.events)
}

func TestProcessStep_PoisonPill_MarksFailed(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1"}
	deps.executor.failOnExec["step-1"] = true
	deps.queue.failResults["job-1"] = true

	job := domain.Job{ID: "job-1", SessionID: "s1", Step: domain.Step{ID: "step-1", Action: "click"}}
	m.ProcessStep(ctx, "s1", job)

	st, err := deps.registry.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, st.Status)
}

func TestStopWorker_OrderingAndLocalCleanup(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1"}

	require.NoError(t, m.SpawnWorker(ctx, "s1"))

	require.NoError(t, m.StopWorker(ctx, "s1"))
	assert.Equal(t, 0, m.ActiveCount())
	assert.True(t, deps.queue.cleanedUp["s1"])
	_, stillPresent := deps.registry.states["s1"]
	assert.False(t, stillPresent, "registry cleanup must remove session state")
}

func TestStopWorker_UnknownSessionIsNoop(t *testing.T) {
	m, _ := newTestManager(t, "mgr-a", 5)
	require.NoError(t, m.StopWorker(context.Background(), "never-spawned"))
}

func TestStopWorker_DrainsInFlightJobBeforeCleanup(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1"}
	deps.queue.push("s1", domain.Job{ID: "job-1", SessionID: "s1", Step: domain.Step{ID: "step-1"}})

	require.NoError(t, m.SpawnWorker(ctx, "s1"))
	require.True(t, waitFor(func() bool {
		hist, _ := deps.registry.History(ctx, "s1")
		return len(hist) == 1
	}, time.Second), "in-flight job must drain before the worker accepts stop")

	require.NoError(t, m.StopWorker(ctx, "s1"))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestSpawnWorker_StrictRecoveryDedupSkipsAlreadyRecoveredSteps(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	m.strictRecoveryDedup = true
	ctx := context.Background()

	base := time.Now()
	deps.registry.histories["s1"] = []domain.Step{
		{ID: "step-1", Timestamp: base},
		{ID: "step-2", Timestamp: base.Add(time.Second)},
	}
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1", RecoveredUpTo: base}

	require.NoError(t, m.SpawnWorker(ctx, "s1"))
	assert.Equal(t, []string{"step-2"}, deps.executor.recovered, "a step already recorded as recovered must not be replayed again")

	st, err := deps.registry.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Second), st.RecoveredUpTo, "recovered_up_to must advance to the last replayed step")
}

func TestSpawnWorker_NonStrictRecoveryReplaysEveryStep(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()

	base := time.Now()
	deps.registry.histories["s1"] = []domain.Step{
		{ID: "step-1", Timestamp: base},
		{ID: "step-2", Timestamp: base.Add(time.Second)},
	}
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1", RecoveredUpTo: base}

	require.NoError(t, m.SpawnWorker(ctx, "s1"))
	assert.Equal(t, []string{"step-1", "step-2"}, deps.executor.recovered, "default mode tolerates duplicate replay and never consults recovered_up_to")
}

func TestRenewLoop_KeepsLeaseAliveAcrossTicks(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	m.leaseTTL = 40 * time.Millisecond
	m.renewInterval = 10 * time.Millisecond
	ctx := context.Background()
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1"}

	// SpawnWorker is called directly here (bypassing OnNewSessionAnnouncement's
	// Acquire), so seed ownership the way a successful claim would have.
	deps.leases.owner["s1"] = "mgr-a"
	require.NoError(t, m.SpawnWorker(ctx, "s1"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, m.ActiveCount(), "periodic renewal must keep the worker alive past one lease TTL")
	owner, held, _ := deps.leases.Owner(ctx, "s1")
	assert.True(t, held)
	assert.Equal(t, "mgr-a", owner)

	require.NoError(t, m.StopWorker(ctx, "s1"))
}

func TestRenewLoop_RelinquishesWorkerOnLeaseLoss(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	m.leaseTTL = 20 * time.Millisecond
	m.renewInterval = 10 * time.Millisecond
	ctx := context.Background()
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1"}

	require.NoError(t, m.SpawnWorker(ctx, "s1"))
	deps.leases.owner["s1"] = "mgr-a"

	require.True(t, waitFor(func() bool { return m.ActiveCount() == 1 }, time.Second))

	// Simulate the lease expiring and a second host winning the next claim
	// before this manager's next renewal tick fires.
	deps.leases.takeOver("s1", "mgr-b")

	require.True(t, waitFor(func() bool { return m.ActiveCount() == 0 }, time.Second),
		"a manager that loses its lease must relinquish the local worker")

	// Relinquishing on lease loss must not touch queue/registry state: a
	// different manager now owns the session and may be mid-recovery.
	assert.False(t, deps.queue.cleanedUp["s1"], "lease loss must not obliterate the new owner's queue")
	_, stillPresent := deps.registry.states["s1"]
	assert.True(t, stillPresent, "lease loss must not clean up the new owner's registry state")
	owner, held, _ := deps.leases.Owner(ctx, "s1")
	assert.True(t, held)
	assert.Equal(t, "mgr-b", owner, "the new owner's lease must survive the old manager's relinquish")
}

func TestShutdown_StopsEveryActiveSession(t *testing.T) {
	m, deps := newTestManager(t, "mgr-a", 5)
	ctx := context.Background()
	deps.registry.states["s1"] = domain.SessionState{SessionID: "s1"}
	deps.registry.states["s2"] = domain.SessionState{SessionID: "s2"}

	require.NoError(t, m.SpawnWorker(ctx, "s1"))
	require.NoError(t, m.SpawnWorker(ctx, "s2"))
	require.True(t, waitFor(func() bool { return m.ActiveCount() == 2 }, time.Second))

	m.Shutdown(ctx)
	assert.Equal(t, 0, m.ActiveCount())
	assert.True(t, deps.queue.cleanedUp["s1"])
	assert.True(t, deps.queue.cleanedUp["s2"])
}
