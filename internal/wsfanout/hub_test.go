package wsfanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/caic-xyz/agentling/internal/events"
	"github.com/coder/websocket"
)

func newTestServer(t *testing.T, hub *Hub, global bool) (string, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Accept(w, r, global); err != nil {
			t.Logf("accept: %v", err)
		}
	}))
	url := "ws" + srv.URL[len("http"):]
	return url, srv.Close
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn, out any) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

func waitForConnections(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ConnectionCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d connections, have %d", n, hub.ConnectionCount())
}

func TestGlobalConnectionReceivesAnyRunEvent(t *testing.T) {
	hub := NewHub(nil)
	url, closeSrv := newTestServer(t, hub, true)
	defer closeSrv()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForConnections(t, hub, 1)

	if err := hub.Broadcast(ctx, events.New(events.StreamSystem, "sess-1", "run-1")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	var got events.Event
	readJSON(t, ctx, conn, &got)
	if got.RunID != "run-1" {
		t.Fatalf("run id = %q, want run-1", got.RunID)
	}
}

func TestScopedConnectionOnlyReceivesSubscribedRun(t *testing.T) {
	hub := NewHub(nil)
	url, closeSrv := newTestServer(t, hub, false)
	defer closeSrv()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForConnections(t, hub, 1)

	sub, err := json.Marshal(clientMessage{Type: "subscribe", RunID: "run-a"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hub.SubscriberCount("run-a") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.SubscriberCount("run-a") != 1 {
		t.Fatalf("SubscriberCount(run-a) = %d, want 1", hub.SubscriberCount("run-a"))
	}

	// An event for a different run must not be delivered.
	if err := hub.Broadcast(ctx, events.New(events.StreamSystem, "sess-1", "run-b")); err != nil {
		t.Fatalf("broadcast run-b: %v", err)
	}
	// The matching run's event should arrive.
	if err := hub.Broadcast(ctx, events.New(events.StreamSystem, "sess-1", "run-a")); err != nil {
		t.Fatalf("broadcast run-a: %v", err)
	}

	var got events.Event
	readJSON(t, ctx, conn, &got)
	if got.RunID != "run-a" {
		t.Fatalf("run id = %q, want run-a (run-b should have been filtered out)", got.RunID)
	}
}

func TestPingReturnsPong(t *testing.T) {
	hub := NewHub(nil)
	url, closeSrv := newTestServer(t, hub, false)
	defer closeSrv()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, url)
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitForConnections(t, hub, 1)

	ping, err := json.Marshal(clientMessage{Type: "ping"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var reply struct {
		Type string `json:"type"`
	}
	readJSON(t, ctx, conn, &reply)
	if reply.Type != "pong" {
		t.Fatalf("reply type = %q, want pong", reply.Type)
	}
}

func TestUnregisterOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	url, closeSrv := newTestServer(t, hub, true)
	defer closeSrv()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, url)
	waitForConnections(t, hub, 1)

	conn.Close(websocket.StatusNormalClosure, "")
	waitForConnections(t, hub, 0)
}

type fakeReplayer struct {
	events map[string][]*events.Event
}

func (f *fakeReplayer) Replay(_ context.Context, runID string, _, _ int) ([]*events.Event, error) {
	return f.events[runID], nil
}

func TestCatchupReplaysHistory(t *testing.T) {
	past := events.New(events.RunStarted, "sess-1", "run-a")
	hub := NewHub(&fakeReplayer{events: map[string][]*events.Event{"run-a": {past}}})
	url, closeSrv := newTestServer(t, hub, false)
	defer closeSrv()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, url)
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForConnections(t, hub, 1)

	req, err := json.Marshal(clientMessage{Type: "catchup", RunID: "run-a"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("write catchup: %v", err)
	}

	var got events.Event
	readJSON(t, ctx, conn, &got)
	if got.RunID != "run-a" || got.Type != events.RunStarted {
		t.Fatalf("got %+v, want replayed run-a RunStarted event", got)
	}
}
