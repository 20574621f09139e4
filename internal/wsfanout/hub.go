// Package wsfanout fans event-log entries out to WebSocket clients: a
// global registry that hears every event, plus per-run registries for
// clients that only care about one run.
//
// Grounded on codeready-toolchain-tarsy/pkg/events.ConnectionManager's
// connection bookkeeping and coder/websocket calling convention (Accept,
// ctx-scoped Read/Write, typed close codes).
package wsfanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/caic-xyz/agentling/internal/events"
	"github.com/coder/websocket"
	"github.com/maruel/ksid"
)

// writeTimeout bounds how long a single client's Write may block; a slow
// or wedged client must never stall delivery to the rest of the hub.
const writeTimeout = 5 * time.Second

// clientMessage is a control frame a WebSocket client may send.
type clientMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
}

// Replayer supplies a run's persisted event history for catchup. events.Bus
// satisfies this.
type Replayer interface {
	Replay(ctx context.Context, runID string, fromSeq, toSeq int) ([]*events.Event, error)
}

// connection is one live WebSocket client. subscriptions is read/written
// only from the connection's own read loop and from Hub methods holding
// mu, matching the single-writer discipline of its grounding source.
type connection struct {
	id            string
	conn          *websocket.Conn
	global        bool
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// Hub fans events out to every registered connection whose scope matches
// the event's run.
type Hub struct {
	replayer Replayer

	mu          sync.RWMutex
	connections map[string]*connection
	perRun      map[string]map[string]bool // run id -> set of connection ids
}

// NewHub constructs an empty Hub. replayer may be nil, in which case
// "catchup" client messages are silently ignored.
func NewHub(replayer Replayer) *Hub {
	return &Hub{
		replayer:    replayer,
		connections: make(map[string]*connection),
		perRun:      make(map[string]map[string]bool),
	}
}

// Attach registers the hub as a global subscriber on bus, so every
// published event is fanned out to WebSocket clients. It returns the
// bus's unsubscribe function.
func (h *Hub) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(func(ctx context.Context, evt *events.Event) {
		if err := h.Broadcast(ctx, evt); err != nil {
			slog.Error("wsfanout: broadcast failed", "error", err, "event_type", evt.Type)
		}
	})
}

// Accept upgrades r into a WebSocket connection and blocks until it
// closes, dispatching client control messages and tracking the
// connection's subscriptions. global connections receive every event
// regardless of run; non-global connections receive only events for runs
// they've subscribed to.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, global bool) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return err
	}
	h.handle(r.Context(), conn, global)
	return nil
}

// handle runs a connection's full lifecycle: register, read loop, cleanup.
func (h *Hub) handle(parentCtx context.Context, conn *websocket.Conn, global bool) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:            ksid.New().String(),
		conn:          conn,
		global:        global,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()

	defer h.unregister(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			if msg.RunID == "" {
				continue
			}
			h.subscribe(c, msg.RunID)
		case "unsubscribe":
			if msg.RunID == "" {
				continue
			}
			h.unsubscribe(c, msg.RunID)
		case "ping":
			h.send(c, []byte(`{"type":"pong"}`))
		case "catchup":
			if msg.RunID == "" {
				continue
			}
			h.sendCatchup(ctx, c, msg.RunID)
		}
	}
}

// sendCatchup replays runID's persisted history directly to c, in order,
// outside the registry lock so a slow replay never stalls Broadcast.
func (h *Hub) sendCatchup(ctx context.Context, c *connection, runID string) {
	if h.replayer == nil {
		return
	}
	past, err := h.replayer.Replay(ctx, runID, 0, 0)
	if err != nil {
		slog.Warn("wsfanout: catchup replay failed", "run_id", runID, "error", err)
		return
	}
	for _, evt := range past {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		h.send(c, data)
	}
}

func (h *Hub) subscribe(c *connection, runID string) {
	h.mu.Lock()
	if h.perRun[runID] == nil {
		h.perRun[runID] = make(map[string]bool)
	}
	h.perRun[runID][c.id] = true
	h.mu.Unlock()
	c.subscriptions[runID] = true
}

func (h *Hub) unsubscribe(c *connection, runID string) {
	h.mu.Lock()
	if subs, ok := h.perRun[runID]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.perRun, runID)
		}
	}
	h.mu.Unlock()
	delete(c.subscriptions, runID)
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	delete(h.connections, c.id)
	for runID := range c.subscriptions {
		if subs, ok := h.perRun[runID]; ok {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(h.perRun, runID)
			}
		}
	}
	h.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// Broadcast delivers evt to every connection whose scope matches it: the
// union of every global connection and every connection subscribed to
// evt.RunID.
func (h *Hub) Broadcast(ctx context.Context, evt *events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	h.mu.RLock()
	recipients := make([]*connection, 0, len(h.connections))
	seen := make(map[string]bool)
	for id, c := range h.connections {
		if c.global {
			recipients = append(recipients, c)
			seen[id] = true
		}
	}
	if subs, ok := h.perRun[evt.RunID]; ok {
		for id := range subs {
			if seen[id] {
				continue
			}
			if c, ok := h.connections[id]; ok {
				recipients = append(recipients, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		h.send(c, data)
	}
	return nil
}

// send writes data to c, evicting it on any write failure — a dead
// connection must never block the rest of the hub.
func (h *Hub) send(c *connection, data []byte) {
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("wsfanout: evicting dead connection", "connection_id", c.id, "error", err)
		go h.unregister(c)
	}
}

// ConnectionCount reports how many clients are currently attached.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SubscriberCount reports how many clients are subscribed to runID,
// excluding global connections (which receive it regardless).
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.perRun[runID])
}
