package agentproc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/caic-xyz/agentling/internal/events"
)

func TestInteractiveControllerTwoTurns(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, `
for a in "$@"; do
  if [ "$a" = "--session-id" ]; then first=1; fi
  if [ "$a" = "--resume" ]; then first=0; fi
done
if [ "$first" = "1" ]; then
  echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"turn one"}]}}'
else
  echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"turn two"}]}}'
fi
exit 0`)

	c := NewInteractiveController("sess-1", "run-1", dir, "sonnet")
	c.Binary = bin
	if c.ClaudeSessionID == "" {
		t.Fatal("expected a generated claude session id")
	}
	pub := &recordingPublisher{}

	if err := c.Initialize(context.Background(), pub); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("expected IsRunning true after Initialize")
	}

	if err := c.SendMessage(context.Background(), "hello", pub); err != nil {
		t.Fatalf("SendMessage turn 1: %v", err)
	}
	if err := c.SendMessage(context.Background(), "again", pub); err != nil {
		t.Fatalf("SendMessage turn 2: %v", err)
	}

	var texts []string
	for _, e := range pub.evts {
		if e.Content != "" && e.Role == "assistant" {
			texts = append(texts, e.Content)
		}
	}
	if len(texts) != 2 || texts[0] != "turn one" || texts[1] != "turn two" {
		t.Fatalf("assistant texts = %v", texts)
	}

	var userTurns []any
	for _, e := range pub.evts {
		if e.Type == events.StreamUser {
			userTurns = append(userTurns, e.Payload["turn"])
		}
	}
	if len(userTurns) != 2 || userTurns[0] != 1 || userTurns[1] != 2 {
		t.Fatalf("user turn payloads = %v", userTurns)
	}
}

func TestInteractiveControllerBuildArgsSessionVsResume(t *testing.T) {
	c := NewInteractiveController("s", "r", ".", "sonnet")
	first := c.buildArgs("hi", 1)
	second := c.buildArgs("hi again", 2)

	if !containsPair(first, "--session-id", c.ClaudeSessionID) {
		t.Fatalf("turn 1 args missing --session-id: %v", first)
	}
	if containsFlag(first, "--resume") {
		t.Fatalf("turn 1 args should not contain --resume: %v", first)
	}
	if !containsPair(second, "--resume", c.ClaudeSessionID) {
		t.Fatalf("turn 2 args missing --resume: %v", second)
	}
	if containsFlag(second, "--session-id") {
		t.Fatalf("turn 2 args should not contain --session-id: %v", second)
	}
}

func containsFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func containsPair(args []string, flag, value string) bool {
	for i, a := range args {
		if a == flag && i+1 < len(args) && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestInteractiveControllerInterruptDoesNotKillSession(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, `trap 'exit 0' TERM
while true; do sleep 0.05; done`)

	c := NewInteractiveController("sess-1", "run-2", dir, "sonnet")
	c.Binary = bin
	pub := &recordingPublisher{}

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(context.Background(), "long running", pub) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.Pid() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Pid() == 0 {
		t.Fatal("turn subprocess never started")
	}

	c.InterruptCurrentResponse()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SendMessage after interrupt: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("SendMessage did not return after interrupt")
	}

	if !c.IsRunning() {
		t.Fatal("interrupting the current turn must not terminate the session")
	}
}

func TestInteractiveControllerRestartAssignsNewConversation(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, `
for a in "$@"; do
  if [ "$a" = "--session-id" ]; then first=1; fi
  if [ "$a" = "--resume" ]; then first=0; fi
done
if [ "$first" = "1" ]; then
  echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"new turn"}]}}'
else
  echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"old turn"}]}}'
fi
exit 0`)

	c := NewInteractiveController("sess-1", "run-1", dir, "sonnet")
	c.Binary = bin
	pub := &recordingPublisher{}

	if err := c.Initialize(context.Background(), pub); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.SendMessage(context.Background(), "hello", pub); err != nil {
		t.Fatalf("SendMessage turn 1: %v", err)
	}
	if err := c.SendMessage(context.Background(), "again", pub); err != nil {
		t.Fatalf("SendMessage turn 2: %v", err)
	}

	oldSessionID := c.ClaudeSessionID

	if err := c.Restart(context.Background(), "start over", pub); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if c.ClaudeSessionID == oldSessionID {
		t.Fatal("Restart must assign a new conversation id")
	}

	// Restart's turn must itself land as turn 1 (--session-id, not --resume):
	// the fake binary only ever prints "old turn" when it saw --resume.
	var texts []string
	for _, e := range pub.evts {
		if e.Content != "" && e.Role == "assistant" {
			texts = append(texts, e.Content)
		}
	}
	if len(texts) != 3 || texts[2] != "new turn" {
		t.Fatalf("assistant texts = %v, want restart turn to use --session-id", texts)
	}

	if !c.IsRunning() {
		t.Fatal("Restart must not terminate the session")
	}

	// A subsequent turn must resume the new conversation, not the old one.
	if err := c.SendMessage(context.Background(), "continue", pub); err != nil {
		t.Fatalf("SendMessage after restart: %v", err)
	}
	texts = texts[:0]
	for _, e := range pub.evts {
		if e.Content != "" && e.Role == "assistant" {
			texts = append(texts, e.Content)
		}
	}
	if len(texts) != 4 || texts[3] != "old turn" {
		t.Fatalf("assistant texts after follow-up = %v, want --resume turn", texts)
	}
}

func TestInteractiveControllerRestartInterruptsLiveTurn(t *testing.T) {
	dir := t.TempDir()
	bin := fakeBinary(t, dir, `
for a in "$@"; do last="$a"; done
if [ "$last" = "long running" ]; then
  trap 'exit 0' TERM
  while true; do sleep 0.05; done
else
  echo '{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"fresh"}]}}'
fi
exit 0`)

	c := NewInteractiveController("sess-1", "run-2", dir, "sonnet")
	c.Binary = bin
	pub := &recordingPublisher{}

	done := make(chan error, 1)
	go func() { done <- c.SendMessage(context.Background(), "long running", pub) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.Pid() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.Pid() == 0 {
		t.Fatal("turn subprocess never started")
	}

	if err := c.Restart(context.Background(), "take over", pub); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("original SendMessage: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("original turn never exited after Restart")
	}
}

func TestInteractiveControllerGeneratesUniqueSessionIDs(t *testing.T) {
	a := NewInteractiveController("s", "r1", ".", "sonnet")
	b := NewInteractiveController("s", "r2", ".", "sonnet")
	if a.ClaudeSessionID == b.ClaudeSessionID {
		t.Fatal("expected distinct claude session ids")
	}
	if strings.Contains(a.ClaudeSessionID, " ") {
		t.Fatalf("unexpected whitespace in session id: %q", a.ClaudeSessionID)
	}
}
