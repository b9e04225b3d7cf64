//go:build integration

// Package integration holds opt-in end-to-end tests against a real Redis,
// gated by INTEGRATION=1.
package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/domain"
	"github.com/rpacore/session-worker/internal/executor"
	"github.com/rpacore/session-worker/internal/lease"
	"github.com/rpacore/session-worker/internal/notifier"
	"github.com/rpacore/session-worker/internal/queue"
	"github.com/rpacore/session-worker/internal/registry"
	"github.com/rpacore/session-worker/internal/worker"
)

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION") != "1" {
		t.Skip("set INTEGRATION=1 to run against a real Redis container")
	}
}

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

// TestClaimCrashRecover exercises scenario 2 from §8: a session completes
// two of three steps, its owning manager "crashes" (StopWorker is never
// called, the lease is simply abandoned), and a second manager claims the
// session after the lease expires, replaying history before draining the
// remaining job.
func TestClaimCrashRecover(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	addr := startRedis(t)
	ctx := context.Background()
	sessionID := "s-crash-recover"

	kvA := rediskv.New(addr, "", 0)
	defer func() { _ = kvA.Close() }()
	kvB := rediskv.New(addr, "", 0)
	defer func() { _ = kvB.Close() }()

	regA := registry.New(kvA, time.Hour, 100)
	regB := registry.New(kvB, time.Hour, 100)
	leases := lease.New(kvA, 2*time.Second) // short TTL so the test doesn't wait 30s

	retryCfg := domain.DefaultRetryConfig()
	qA := queue.New(kvA, retryCfg, time.Hour)
	qB := queue.New(kvB, retryCfg, time.Hour)

	exec := executor.New()
	notify := notifier.New(kvA)

	mgrA := worker.New("mgr-a", 5, kvA, regA, qA, leases, exec, notify, 2*time.Second, false)
	mgrB := worker.New("mgr-b", 5, kvB, regB, qB, lease.New(kvB, 2*time.Second), exec, notify, 2*time.Second, false)

	require.NoError(t, regA.CreateOrTouch(ctx, sessionID, "conn-1"))

	steps := []domain.Step{
		{ID: "step-1", Action: "navigate", Data: "https://example.com", Timestamp: time.Now()},
		{ID: "step-2", Action: "click", Data: "#b", Timestamp: time.Now()},
		{ID: "step-3", Action: "type", Data: "hi", Timestamp: time.Now()},
	}
	for _, s := range steps {
		_, err := qA.Enqueue(ctx, sessionID, s, domain.EnqueueOptions{})
		require.NoError(t, err)
	}

	mgrA.OnNewSessionAnnouncement(ctx, sessionID)
	require.Eventually(t, func() bool {
		h, err := regA.History(ctx, sessionID)
		return err == nil && len(h) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	// Simulate a crash: abandon mgrA's worker without calling StopWorker, and
	// sever its Redis connection so its renewLoop can no longer extend the
	// lease. Wait out the lease TTL so mgrB can claim.
	require.NoError(t, kvA.Close())
	time.Sleep(3 * time.Second)

	mgrB.OnNewSessionAnnouncement(ctx, sessionID)
	require.Eventually(t, func() bool {
		h, err := regB.History(ctx, sessionID)
		return err == nil && len(h) == 3
	}, 5*time.Second, 50*time.Millisecond)

	history, err := regB.History(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "step-1", history[0].ID)
	require.Equal(t, "step-2", history[1].ID)
	require.Equal(t, "step-3", history[2].ID)

	require.Equal(t, 1, mgrB.ActiveCount())
}
