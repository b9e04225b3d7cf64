// Package notifier implements the cross-host completion-notification path:
// a session claimed on a different host than the one holding the client's
// socket cannot deliver a completion event through an in-memory connection
// table. This package
// publishes on a connection-keyed channel instead, so whichever host holds
// the socket (subscribed to its own connections) can relay it onward; the
// gateway layer owns that subscription side (see internal/gateway/httpgw).
package notifier

import (
	"encoding/json"
	"fmt"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/domain"
)

const connectionChannelPrefix = "connection-events:"

// Event is the payload published on a connection's event channel.
type Event struct {
	SessionID string      `json:"sessionId"`
	Step      domain.Step `json:"step"`
}

// Notifier implements domain.Notifier over KV pub/sub.
type Notifier struct {
	kv *rediskv.Client
}

// New constructs a Notifier.
func New(kv *rediskv.Client) *Notifier {
	return &Notifier{kv: kv}
}

// NotifyStepCompleted publishes a step-completed event on the channel keyed
// by connectionID. Any host may publish; only the host currently holding
// that connection is expected to be subscribed.
func (n *Notifier) NotifyStepCompleted(ctx domain.Context, connectionID string, step domain.Step) error {
	payload, err := json.Marshal(Event{Step: step})
	if err != nil {
		return fmt.Errorf("op=notifier.notify_step_completed.encode: %w", err)
	}
	if err := n.kv.Publish(ctx, connectionChannelPrefix+connectionID, string(payload)); err != nil {
		return fmt.Errorf("op=notifier.notify_step_completed: %w", err)
	}
	return nil
}

// Subscribe listens for events addressed to connectionID until ctx is
// canceled, the gateway-side half of this channel.
func (n *Notifier) Subscribe(ctx domain.Context, connectionID string, handler func(Event)) {
	n.kv.Subscribe(ctx, connectionChannelPrefix+connectionID, func(_, payload string) {
		var evt Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return
		}
		handler(evt)
	})
}
