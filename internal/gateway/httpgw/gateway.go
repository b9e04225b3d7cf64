// Package httpgw is the reference Gateway named in spec §1/§6: the
// smallest adapter that proves the core's external contract over a
// websocket, not a production socket-gateway product (see Non-goals).
package httpgw

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rpacore/session-worker/internal/adapter/kv/rediskv"
	"github.com/rpacore/session-worker/internal/domain"
	"github.com/rpacore/session-worker/internal/notifier"
)

const newSessionsChannel = "new-sessions-channel"

const controlChannelPrefix = "session-control:"

// clientMessage is a single step as received over the socket.
type clientMessage struct {
	Action   string        `json:"action"`
	Data     string        `json:"data"`
	Priority int           `json:"priority"`
	Delay    time.Duration `json:"delay"`
	Attempts int           `json:"attempts"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway wires a websocket connection per client onto the core's external
// contract: CreateOrTouch/UpdateStatus/publish on connect, Enqueue on step
// receipt, publish STOP on disconnect, relay notifier events back out.
type Gateway struct {
	kv       *rediskv.Client
	registry domain.Registry
	queue    domain.Queue
	notify   *notifier.Notifier
}

// New constructs a Gateway.
func New(kv *rediskv.Client, registry domain.Registry, queue domain.Queue, notify *notifier.Notifier) *Gateway {
	return &Gateway{kv: kv, registry: registry, queue: queue, notify: notify}
}

// ServeHTTP upgrades the request to a websocket and drives one session's
// connect/step/disconnect lifecycle for the duration of the connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx := r.Context()
	sessionID := uuid.NewString()
	connectionID := uuid.NewString()

	if err := g.registry.CreateOrTouch(ctx, sessionID, connectionID); err != nil {
		slog.Error("gateway: CreateOrTouch failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	if err := g.registry.UpdateStatus(ctx, sessionID, domain.SessionConnected, ""); err != nil {
		slog.Error("gateway: UpdateStatus failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	if err := g.kv.Publish(ctx, newSessionsChannel, sessionID); err != nil {
		slog.Error("gateway: failed to announce new session", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}

	defer func() {
		if err := g.kv.Publish(ctx, controlChannelPrefix+sessionID, "STOP"); err != nil {
			slog.Error("gateway: failed to publish STOP on disconnect", slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}()

	var wg sync.WaitGroup
	notifyCtx, cancelNotify := context.WithCancel(ctx)
	defer cancelNotify()

	var writeMu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.notify.Subscribe(notifyCtx, connectionID, func(evt notifier.Event) {
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(evt); err != nil {
				slog.Warn("gateway: failed to deliver event", slog.String("connection_id", connectionID), slog.Any("error", err))
			}
		})
	}()

	if err := conn.WriteJSON(map[string]string{"sessionId": sessionID}); err != nil {
		cancelNotify()
		wg.Wait()
		return
	}

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		step := domain.Step{ID: uuid.NewString(), Action: msg.Action, Data: msg.Data, Timestamp: time.Now()}
		opts := domain.EnqueueOptions{Priority: msg.Priority, Delay: msg.Delay, Attempts: msg.Attempts}
		if _, err := g.queue.Enqueue(ctx, sessionID, step, opts); err != nil {
			slog.Error("gateway: enqueue failed", slog.String("session_id", sessionID), slog.Any("error", err))
			writeMu.Lock()
			_ = conn.WriteJSON(map[string]string{"error": err.Error()})
			writeMu.Unlock()
		}
	}

	cancelNotify()
	wg.Wait()
}
