package agentproc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/stream"
)

// interruptGrace is how long InterruptCurrentResponse waits for the
// in-flight turn's subprocess to exit gracefully before force-killing it,
// per spec §4.C (shorter than the whole-session terminate grace since the
// caller is actively waiting on it to send the next turn).
const interruptGrace = 2 * time.Second

// InteractiveController drives a multi-turn conversation with the
// assistant CLI. Conversation identity is a single uuid generated once for
// the session's lifetime and passed as --session-id on the first turn,
// --resume on every turn after. Each turn is its own subprocess; the
// controller never holds more than one subprocess alive at a time.
//
// Grounded on original_source/agentling/session/interactive.py's
// InteractiveSession.
type InteractiveController struct {
	SessionID       string
	RunID           string
	WorkingDir      string
	Model           string
	Binary          string
	ClaudeSessionID string // generated once, stable across turns

	mu         sync.Mutex
	turnCount  int
	running    bool
	currentCmd *exec.Cmd
	curExited  chan struct{}
}

// NewInteractiveController constructs a controller with a fresh
// conversation identity.
func NewInteractiveController(sessionID, runID, workingDir, model string) *InteractiveController {
	return &InteractiveController{
		SessionID:       sessionID,
		RunID:           runID,
		WorkingDir:      workingDir,
		Model:           model,
		ClaudeSessionID: uuid.NewString(),
	}
}

// Initialize publishes the run-started event that marks an interactive
// session as live, carrying its claude_session_id for the UI to display.
func (c *InteractiveController) Initialize(ctx context.Context, pub Publisher) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	evt := events.New(events.RunStarted, c.SessionID, c.RunID)
	evt.Payload["interactive"] = true
	evt.Payload["claude_session_id"] = c.ClaudeSessionID
	return pub.Publish(ctx, evt)
}

// SendMessage runs one turn of the conversation: it emits a user-role
// stream event for message, spawns a new CLI invocation (--session-id on
// the first turn, --resume thereafter), streams the response through the
// Stream Parser, and blocks until that turn's subprocess exits.
func (c *InteractiveController) SendMessage(ctx context.Context, message string, pub Publisher) error {
	c.mu.Lock()
	c.turnCount++
	turn := c.turnCount
	c.mu.Unlock()

	userEvt := events.New(events.StreamUser, c.SessionID, c.RunID)
	userEvt.Role = "user"
	userEvt.Content = message
	userEvt.Payload["turn"] = turn
	if err := pub.Publish(ctx, userEvt); err != nil {
		return fmt.Errorf("publish user turn: %w", err)
	}

	binary := c.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	args := c.buildArgs(message, turn)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = c.WorkingDir
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}

	exited := make(chan struct{})
	c.mu.Lock()
	c.currentCmd = cmd
	c.curExited = exited
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.currentCmd = nil
		c.curExited = nil
		c.mu.Unlock()
	}()

	c.streamResponse(ctx, stdout, turn, pub)

	err = cmd.Wait()
	close(exited)
	if err != nil {
		failed := events.New(events.RunFailed, c.SessionID, c.RunID)
		failed.Payload["turn"] = turn
		failed.Payload["stderr"] = stderr.String()
		failed.IsError = true
		return pub.Publish(ctx, failed)
	}
	return nil
}

// streamResponse reads one turn's stdout to completion, identically to
// ProcessController's read loop but without a pause gate — a turn always
// runs to completion or is interrupted outright.
func (c *InteractiveController) streamResponse(ctx context.Context, stdout io.Reader, turn int, pub Publisher) {
	parser := stream.NewParser(c.SessionID, c.RunID)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env stream.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			slog.Warn("non-JSON stream-json line from subprocess", "run_id", c.RunID, "turn", turn, "error", err)
			continue
		}
		evts, err := parser.Handle(&env)
		if err != nil {
			slog.Warn("stream parse error", "run_id", c.RunID, "turn", turn, "type", env.Type, "error", err)
			continue
		}
		for _, evt := range evts {
			if err := pub.Publish(ctx, evt); err != nil {
				slog.Error("publish event failed", "run_id", c.RunID, "turn", turn, "error", err)
			}
		}
	}
}

// buildArgs builds the interactive turn's argv: --session-id identifies a
// brand-new conversation on the first turn, --resume continues it on every
// turn after.
func (c *InteractiveController) buildArgs(message string, turn int) []string {
	base := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--model", c.Model,
		"--dangerously-skip-permissions",
	}
	if turn == 1 {
		base = append(base, "--session-id", c.ClaudeSessionID)
	} else {
		base = append(base, "--resume", c.ClaudeSessionID)
	}
	return append(base, message)
}

// Restart ends the current conversation without resuming it: any in-flight
// turn's subprocess is interrupted, a fresh conversation id replaces the old
// one so the next turn uses --session-id instead of --resume, and prompt is
// sent as that fresh turn. Mirrors task/runner.go's RestartSession, adapted
// to this controller's one-subprocess-per-turn shape — there is no
// standalone session object to close, so "closing the current session"
// collapses to interrupting whatever turn is in flight. Callers are expected
// to have already confirmed the session isn't mid-turn (InterruptCurrentResponse
// here is a defensive safety net, not the guard itself).
func (c *InteractiveController) Restart(ctx context.Context, prompt string, pub Publisher) error {
	c.InterruptCurrentResponse()

	c.mu.Lock()
	c.ClaudeSessionID = uuid.NewString()
	c.turnCount = 0
	c.mu.Unlock()

	return c.SendMessage(ctx, prompt, pub)
}

// InterruptCurrentResponse terminates only the in-flight turn's
// subprocess, preserving the conversation identity for the next SendMessage
// call: graceful SIGTERM, 2s grace, then SIGKILL.
func (c *InteractiveController) InterruptCurrentResponse() {
	c.mu.Lock()
	cmd := c.currentCmd
	exited := c.curExited
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil || exited == nil {
		return
	}
	terminateProcess(cmd, exited, interruptGrace)
}

// Terminate marks the session not-running and kills any in-flight turn.
func (c *InteractiveController) Terminate() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.InterruptCurrentResponse()
}

// IsRunning reports whether the session is still live (not necessarily
// mid-turn — true between turns as well).
func (c *InteractiveController) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Pid returns the current turn's subprocess pid, or 0 if no turn is
// in flight.
func (c *InteractiveController) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentCmd == nil || c.currentCmd.Process == nil {
		return 0
	}
	return c.currentCmd.Process.Pid
}
