package agentproc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/caic-xyz/agentling/internal/events"
)

// recordingPublisher collects every event handed to it, safe for
// concurrent use from the controller's goroutines.
type recordingPublisher struct {
	mu   sync.Mutex
	evts []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evts = append(p.evts, evt)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.evts))
	for i, e := range p.evts {
		out[i] = e.Type
	}
	return out
}

// fakeBinary writes a tiny shell script to dir that ignores its CLI args
// and prints body to stdout, then returns its path. It stands in for the
// assistant CLI in tests since we cannot invoke the real binary.
func fakeBinary(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-claude.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessControllerHappyPath(t *testing.T) {
	dir := t.TempDir()
	body := `echo '{"type":"system","subtype":"init","model":"sonnet","tools":[],"cwd":"."}'
echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}'
echo '{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.01,"duration_ms":10,"num_turns":1,"usage":{"input_tokens":5,"output_tokens":3}}'
exit 0`
	bin := fakeBinary(t, dir, body)

	c := NewProcessController("sess-1", "run-1", dir, "sonnet")
	c.Binary = bin
	pub := &recordingPublisher{}

	if err := c.Start(context.Background(), "do the thing", pub); err != nil {
		t.Fatalf("Start: %v", err)
	}

	types := pub.types()
	if len(types) < 4 {
		t.Fatalf("expected at least 4 events, got %v", types)
	}
	if types[0] != events.RunStarted {
		t.Fatalf("first event = %s, want run.started", types[0])
	}
	last := types[len(types)-1]
	if last != events.RunCompleted {
		t.Fatalf("last event = %s, want run.completed", last)
	}
}

func TestProcessControllerNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, `echo "boom" 1>&2
exit 3`)

	c := NewProcessController("sess-1", "run-2", dir, "sonnet")
	c.Binary = bin
	pub := &recordingPublisher{}

	if err := c.Start(context.Background(), "prompt", pub); err != nil {
		t.Fatalf("Start: %v", err)
	}

	types := pub.types()
	last := types[len(types)-1]
	if last != events.RunFailed {
		t.Fatalf("last event = %s, want run.failed", last)
	}
	failedEvt := pub.evts[len(pub.evts)-1]
	if failedEvt.Payload["return_code"] != 3 {
		t.Fatalf("return_code = %v, want 3", failedEvt.Payload["return_code"])
	}
	if failedEvt.Payload["stderr"] != "boom\n" {
		t.Fatalf("stderr = %q", failedEvt.Payload["stderr"])
	}
}

func TestProcessControllerTerminate(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, `trap 'exit 0' TERM
while true; do sleep 0.05; done`)

	c := NewProcessController("sess-1", "run-3", dir, "sonnet")
	c.Binary = bin
	pub := &recordingPublisher{}

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), "prompt", pub) }()

	// Give the subprocess a moment to start before terminating it.
	deadline := time.Now().Add(2 * time.Second)
	for c.Pid() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Pid() == 0 {
		t.Fatal("subprocess never started")
	}

	c.Terminate()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start after Terminate: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after Terminate")
	}
}

func TestProcessControllerBuildArgs(t *testing.T) {
	c := NewProcessController("s", "r", ".", "opus")
	args := c.buildArgs("hello world")
	want := []string{
		"-p", "--verbose", "--output-format", "stream-json",
		"--include-partial-messages", "--model", "opus",
		"--dangerously-skip-permissions", "hello world",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestProcessControllerInjectInputIsNoop(t *testing.T) {
	c := NewProcessController("s", "r", ".", "opus")
	if err := c.InjectInput("anything"); err != nil {
		t.Fatalf("InjectInput returned error: %v", err)
	}
}

func init() {
	// Fail fast with a clear message if /bin/sh is somehow unavailable,
	// rather than letting every test in this file fail with exec errors.
	if _, err := os.Stat("/bin/sh"); err != nil {
		fmt.Println("warning: /bin/sh not found, fake-binary tests may fail:", err)
	}
}
