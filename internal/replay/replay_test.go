package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentling.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedRun(t *testing.T, st *store.Store) *store.Run {
	t.Helper()
	ctx := context.Background()
	sess, err := st.Sessions.Create(ctx, t.TempDir(), "demo session", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	run, err := st.Runs.Create(ctx, sess.ID, "fix the flaky test", "sonnet", "", "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	bus := events.NewBus(st.Events)
	evts := []*events.Event{
		events.New(events.RunStarted, sess.ID, run.ID),
		events.New(events.StreamAssistant, sess.ID, run.ID),
		events.New(events.RunCompleted, sess.ID, run.ID),
	}
	evts[1].Content = "looking at the test now"
	for _, evt := range evts {
		if err := bus.Publish(ctx, evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	return run
}

func TestExportRunLoadsEventsInOrder(t *testing.T) {
	st := newTestStore(t)
	run := seedRun(t, st)

	bundle, err := ExportRun(context.Background(), st, run.ID)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}
	if bundle.SessionName != "demo session" {
		t.Fatalf("SessionName = %q", bundle.SessionName)
	}
	if len(bundle.Events) != 3 {
		t.Fatalf("len(Events) = %d, want 3", len(bundle.Events))
	}
	if bundle.Events[0].Type != events.RunStarted || bundle.Events[2].Type != events.RunCompleted {
		t.Fatalf("unexpected event ordering: %+v", bundle.Events)
	}
}

func TestExportRunMissingRunErrors(t *testing.T) {
	st := newTestStore(t)
	if _, err := ExportRun(context.Background(), st, "no-such-run"); err == nil {
		t.Fatal("expected an error for a missing run")
	}
}

func TestWriteNDJSONRoundTrips(t *testing.T) {
	st := newTestStore(t)
	run := seedRun(t, st)
	bundle, err := ExportRun(context.Background(), st, run.ID)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteNDJSON(&buf, bundle); err != nil {
		t.Fatalf("WriteNDJSON: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	var decoded events.Event
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != events.RunStarted {
		t.Fatalf("first event type = %q", decoded.Type)
	}
}

func TestWriteCompressedProducesNonEmptyOutput(t *testing.T) {
	st := newTestStore(t)
	run := seedRun(t, st)
	bundle, err := ExportRun(context.Background(), st, run.ID)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCompressed(&buf, bundle); err != nil {
		t.Fatalf("WriteCompressed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty compressed output")
	}
}

func TestWriteCompressedCodecBrotli(t *testing.T) {
	st := newTestStore(t)
	run := seedRun(t, st)
	bundle, err := ExportRun(context.Background(), st, run.ID)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCompressedCodec(&buf, bundle, CodecBrotli); err != nil {
		t.Fatalf("WriteCompressedCodec: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty compressed output")
	}
}

func TestWriteCompressedCodecUnknown(t *testing.T) {
	st := newTestStore(t)
	run := seedRun(t, st)
	bundle, err := ExportRun(context.Background(), st, run.ID)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteCompressedCodec(&buf, bundle, Codec("lz4")); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}

func TestPlayNoTimingDoesNotSleep(t *testing.T) {
	st := newTestStore(t)
	run := seedRun(t, st)
	bundle, err := ExportRun(context.Background(), st, run.ID)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}

	slept := false
	var buf bytes.Buffer
	count, err := Play(context.Background(), &buf, bundle, Options{Speed: 1, NoTiming: true}, func(time.Duration) {
		slept = true
	})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	if slept {
		t.Fatal("expected no sleeps with NoTiming set")
	}
	if !strings.Contains(buf.String(), "Replaying Run") {
		t.Fatalf("missing header in output: %s", buf.String())
	}
}

func TestPlayFromSequenceSkipsEarlierEvents(t *testing.T) {
	st := newTestStore(t)
	run := seedRun(t, st)
	bundle, err := ExportRun(context.Background(), st, run.ID)
	if err != nil {
		t.Fatalf("ExportRun: %v", err)
	}

	var buf bytes.Buffer
	count, err := Play(context.Background(), &buf, bundle, Options{NoTiming: true, FromSequence: 2}, nil)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
