package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caic-xyz/agentling/internal/agentproc"
	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/gittrack"
	"github.com/caic-xyz/agentling/internal/store"
)

// maxTitleLen truncates a run's auto-generated title to a glanceable
// length, mirroring manager.py's inline "message[:50] + ...".
const maxTitleLen = 50

// StartInteractiveSession creates a run row, an initial git snapshot, and
// an InteractiveController, then initializes it and marks the run running.
func (m *Manager) StartInteractiveSession(ctx context.Context, sessionID, model string) (*store.Run, error) {
	sess, err := m.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if model == "" {
		model = DefaultModel
	}

	run, err := m.store.Runs.Create(ctx, sessionID, "[Interactive Session]", model, "", "")
	if err != nil {
		return nil, err
	}

	tracker := gittrack.New(sess.WorkingDir, sessionID, run.ID)
	snap, snapEvt := tracker.Snapshot(ctx)
	if _, err := m.store.GitSnapshots.Create(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist initial git snapshot: %w", err)
	}
	if err := m.bus.Publish(ctx, snapEvt); err != nil {
		return nil, err
	}

	controller := agentproc.NewInteractiveController(sessionID, run.ID, sess.WorkingDir, model)

	m.mu.Lock()
	m.interactive[run.ID] = controller
	m.gitTrackers[run.ID] = tracker
	m.mu.Unlock()

	if err := controller.Initialize(ctx, m.bus); err != nil {
		return nil, err
	}
	if err := m.store.Runs.UpdateStatus(ctx, run.ID, "running", ""); err != nil {
		return nil, err
	}
	return run, nil
}

// SendInteractiveMessage records the turn's prompt, generates a title from
// the first message if the run doesn't have one yet, and streams the
// response in the background so the caller can return immediately.
func (m *Manager) SendInteractiveMessage(ctx context.Context, runID, message string) (bool, error) {
	m.mu.Lock()
	controller := m.interactive[runID]
	tracker := m.gitTrackers[runID]
	m.mu.Unlock()
	if controller == nil || !controller.IsRunning() {
		return false, nil
	}

	if err := m.store.Runs.UpdatePrompt(ctx, runID, message); err != nil {
		return false, err
	}

	run, err := m.store.Runs.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	if run != nil && run.Title == "" {
		title := message
		if len(title) > maxTitleLen {
			title = title[:maxTitleLen] + "..."
		}
		title = strings.TrimSpace(strings.ReplaceAll(title, "\n", " "))
		if err := m.store.Runs.UpdateTitle(ctx, runID, title); err != nil {
			return false, err
		}
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.interactiveDone[runID] = done
	m.mu.Unlock()

	pub := &trackingPublisher{m: m, tracker: tracker}
	go func() {
		defer close(done)
		if err := controller.SendMessage(ctx, message, pub); err != nil {
			slogInteractiveError(runID, err)
		}
	}()

	return true, nil
}

// RestartInteractiveSession abandons the current conversation and starts a
// fresh one with prompt, mirroring task/runner.go's RestartSession: refuses
// while a turn is in flight, otherwise replaces the run's recorded prompt
// and title with ones taken from prompt and streams the new turn in the
// background under a new underlying conversation id.
func (m *Manager) RestartInteractiveSession(ctx context.Context, runID, prompt string) (bool, error) {
	m.mu.Lock()
	controller := m.interactive[runID]
	tracker := m.gitTrackers[runID]
	m.mu.Unlock()
	if controller == nil || !controller.IsRunning() {
		return false, nil
	}
	if m.IsInteractiveResponding(runID) {
		return false, fmt.Errorf("cannot restart run %s: turn in flight", runID)
	}

	if err := m.store.Runs.UpdatePrompt(ctx, runID, prompt); err != nil {
		return false, err
	}
	title := prompt
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen] + "..."
	}
	title = strings.TrimSpace(strings.ReplaceAll(title, "\n", " "))
	if err := m.store.Runs.UpdateTitle(ctx, runID, title); err != nil {
		return false, err
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.interactiveDone[runID] = done
	m.mu.Unlock()

	pub := &trackingPublisher{m: m, tracker: tracker}
	go func() {
		defer close(done)
		if err := controller.Restart(ctx, prompt, pub); err != nil {
			slogInteractiveError(runID, err)
		}
	}()

	return true, nil
}

// EndInteractiveSession terminates the controller, marks the run
// completed, and persists a resume snapshot if one doesn't already exist.
func (m *Manager) EndInteractiveSession(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	controller := m.interactive[runID]
	m.mu.Unlock()
	if controller == nil {
		return false, nil
	}

	controller.Terminate()
	if err := m.store.Runs.UpdateStatus(ctx, runID, "completed", ""); err != nil {
		return false, err
	}

	m.mu.Lock()
	delete(m.interactive, runID)
	delete(m.interactiveDone, runID)
	delete(m.gitTrackers, runID)
	m.mu.Unlock()

	if err := m.createInteractiveSnapshot(ctx, runID); err != nil {
		return false, err
	}
	return true, nil
}

// GetInteractiveSession returns the live controller for runID, if any.
func (m *Manager) GetInteractiveSession(runID string) (*agentproc.InteractiveController, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.interactive[runID]
	return c, ok
}

// IsInteractiveResponding reports whether a turn is currently in flight:
// either the background streaming goroutine hasn't finished, or (as a
// fallback, mirroring manager.py's pid-is-not-None check) a subprocess pid
// is attached.
func (m *Manager) IsInteractiveResponding(runID string) bool {
	m.mu.Lock()
	done := m.interactiveDone[runID]
	controller := m.interactive[runID]
	m.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		default:
			return true
		}
	}
	return controller != nil && controller.Pid() != 0
}

// StopInteractiveResponse interrupts the in-flight turn without ending the
// session, and publishes a turn-scoped abort intervention.
func (m *Manager) StopInteractiveResponse(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	controller := m.interactive[runID]
	m.mu.Unlock()
	if controller == nil {
		return false, nil
	}

	controller.InterruptCurrentResponse()

	evt := events.New(events.InterventionAbort, controller.SessionID, runID)
	evt.Payload["scope"] = "turn"
	if err := m.bus.Publish(ctx, evt); err != nil {
		return false, err
	}
	return true, nil
}

// GetActiveInteractiveSessions lists run ids whose interactive session is
// still live.
func (m *Manager) GetActiveInteractiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, c := range m.interactive {
		if c.IsRunning() {
			out = append(out, id)
		}
	}
	return out
}

func slogInteractiveError(runID string, err error) {
	slog.Error("interactive turn failed", "run_id", runID, "error", err)
}
