package worker

import (
	"sync"
	"sync/atomic"
	"time"
)

// handle is the in-memory record the Worker Manager keeps per locally-owned
// session, per §4.D's `{worker, sessionId, isProcessing, createdAt}` map
// entry.
type handle struct {
	sessionID    string
	stop         chan struct{}
	done         chan struct{}
	createdAt    time.Time
	isProcessing atomic.Bool
	stopOnce     sync.Once
}

func newHandle(sessionID string) *handle {
	return &handle{
		sessionID: sessionID,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}
