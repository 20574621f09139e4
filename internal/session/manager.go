// Package session coordinates runs across the Process/Interactive
// Controllers, the Git Tracker, and the Event Bus: it is the one place that
// knows how a run's lifecycle — create, stream, pause/resume, branch,
// abort — maps onto the pieces each own their slice of it.
//
// Grounded on original_source/agentling/session/manager.py's SessionManager.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caic-xyz/agentling/internal/agentproc"
	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/gittrack"
	"github.com/caic-xyz/agentling/internal/store"
	"github.com/caic-xyz/agentling/internal/stream"
	"github.com/caic-xyz/agentling/internal/titlegen"
)

// DefaultModel is used when a caller doesn't specify one.
const DefaultModel = "sonnet"

// Manager owns every active run and interactive session, and is the single
// writer of run/session status transitions.
type Manager struct {
	store  *store.Store
	bus    *events.Bus
	titler *titlegen.Generator // optional; nil disables run titling

	mu              sync.Mutex
	activeRuns      map[string]*agentproc.ProcessController
	gitTrackers     map[string]*gittrack.Tracker
	watchStops      map[string]func() // stops the external-change fsnotify watcher for a run
	interactive     map[string]*agentproc.InteractiveController
	interactiveDone map[string]chan struct{} // closed when the background turn-streaming goroutine exits
}

// New constructs a Manager over st and bus.
func New(st *store.Store, bus *events.Bus) *Manager {
	return &Manager{
		store:           st,
		bus:             bus,
		activeRuns:      make(map[string]*agentproc.ProcessController),
		gitTrackers:     make(map[string]*gittrack.Tracker),
		watchStops:      make(map[string]func()),
		interactive:     make(map[string]*agentproc.InteractiveController),
		interactiveDone: make(map[string]chan struct{}),
	}
}

// SetTitleGenerator attaches g as the run-titling hook fired after every
// run completes. A nil Manager receiver is not valid; a nil g disables
// titling (the zero value already behaves this way).
func (m *Manager) SetTitleGenerator(g *titlegen.Generator) {
	m.titler = g
}

// GetOrCreateSession returns the active session rooted at workingDir,
// creating one if none exists.
func (m *Manager) GetOrCreateSession(ctx context.Context, workingDir, name string) (*store.Session, error) {
	abs, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working dir: %w", err)
	}

	existing, err := m.store.Sessions.GetByWorkingDir(ctx, abs)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if name == "" {
		name = filepath.Base(abs)
	}
	return m.store.Sessions.Create(ctx, abs, name, nil)
}

// StartRun creates a run row, takes an initial git snapshot, constructs a
// ProcessController for it, and marks the run running. Call StreamEvents
// next to actually drive the subprocess.
func (m *Manager) StartRun(ctx context.Context, sessionID, prompt, model string, parentRunID, branchPointEventID string) (*store.Run, error) {
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

	run, err := m.store.Runs.Create(ctx, sessionID, prompt, model, parentRunID, branchPointEventID)
	if err != nil {
		return nil, err
	}

	tracker := gittrack.New(sess.WorkingDir, sessionID, run.ID)
	snap, snapEvt := tracker.Snapshot(ctx)
	if _, err := m.store.GitSnapshots.Create(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist initial git snapshot: %w", err)
	}
	if err := m.bus.Publish(ctx, snapEvt); err != nil {
		return nil, fmt.Errorf("publish initial git snapshot: %w", err)
	}

	controller := agentproc.NewProcessController(sessionID, run.ID, sess.WorkingDir, model)

	stopWatch, err := tracker.Watch(context.Background(), func(watchCtx context.Context) {
		snap, snapEvt := tracker.Snapshot(watchCtx)
		if _, err := m.store.GitSnapshots.Create(watchCtx, snap); err != nil {
			return
		}
		_ = m.bus.Publish(watchCtx, snapEvt)
	})
	if err != nil {
		// Watching is best-effort: a run still streams fine without it, it
		// just misses snapshots of changes made outside the subprocess.
		stopWatch = func() {}
	}

	m.mu.Lock()
	m.activeRuns[run.ID] = controller
	m.gitTrackers[run.ID] = tracker
	m.watchStops[run.ID] = stopWatch
	m.mu.Unlock()

	if err := m.store.Runs.UpdateStatus(ctx, run.ID, "running", ""); err != nil {
		return nil, err
	}
	return run, nil
}

// StreamEvents drives the run's ProcessController to completion, publishing
// every event it produces, tracking token usage on finalized result events,
// and taking a fresh git snapshot after every tool result. It returns once
// the subprocess exits, having already transitioned the run to
// completed/failed.
func (m *Manager) StreamEvents(ctx context.Context, runID string) error {
	m.mu.Lock()
	controller := m.activeRuns[runID]
	tracker := m.gitTrackers[runID]
	stopWatch := m.watchStops[runID]
	m.mu.Unlock()
	if controller == nil {
		return fmt.Errorf("no active run %s", runID)
	}

	run, err := m.store.Runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	pub := &trackingPublisher{m: m, tracker: tracker}
	start := time.Now()
	runErr := controller.Start(ctx, run.Prompt, pub)

	m.mu.Lock()
	delete(m.activeRuns, runID)
	delete(m.gitTrackers, runID)
	delete(m.watchStops, runID)
	m.mu.Unlock()
	if stopWatch != nil {
		stopWatch()
	}

	durationMs := int(time.Since(start).Milliseconds())
	if err := m.store.Runs.UpdateMetrics(ctx, runID, 0, 0, 0, durationMs); err != nil {
		return err
	}
	if pub.outputText != "" {
		if err := m.store.Runs.SetOutput(ctx, runID, pub.outputText); err != nil {
			return err
		}
	}
	if runErr != nil {
		_ = m.store.Runs.UpdateStatus(ctx, runID, "failed", runErr.Error())
		return runErr
	}
	if err := m.store.Runs.UpdateStatus(ctx, runID, "completed", ""); err != nil {
		return err
	}
	if m.titler != nil {
		if completed, err := m.store.Runs.Get(ctx, runID); err == nil && completed != nil {
			go m.titler.GenerateAndStore(context.Background(), m.store, completed)
		}
	}
	return nil
}

// trackingPublisher wraps the Event Bus with the manager's per-event side
// effects: metrics accumulation, final-output accumulation, and git
// snapshots on tool results.
type trackingPublisher struct {
	m       *Manager
	tracker *gittrack.Tracker

	outputText string
}

func (p *trackingPublisher) Publish(ctx context.Context, evt *events.Event) error {
	if err := p.m.bus.Publish(ctx, evt); err != nil {
		return err
	}

	switch evt.Type {
	case events.StreamAssistant:
		if evt.Content != "" {
			p.outputText += evt.Content
		}
	case events.StreamResult:
		if strings.TrimSpace(evt.Content) != "" {
			p.outputText = evt.Content
		}
	}

	if tokensIn, tokensOut, ok := extractResultUsage(evt); ok {
		if err := p.m.store.Runs.UpdateMetrics(ctx, evt.RunID, tokensIn, tokensOut, 0, 0); err != nil {
			return err
		}
	}

	if evt.Type == events.StreamToolResult && p.tracker != nil {
		snap, snapEvt := p.tracker.Snapshot(ctx)
		if _, err := p.m.store.GitSnapshots.Create(ctx, snap); err != nil {
			return fmt.Errorf("persist git snapshot: %w", err)
		}
		if err := p.m.bus.Publish(ctx, snapEvt); err != nil {
			return err
		}
	}
	return nil
}

// extractResultUsage returns token usage carried by a finalized result
// event. Only the outer stream-json result envelope carries
// total_cost_usd, so its presence is the discriminator between a
// terminal usage figure and an intermediate message_delta usage delta —
// the Go analogue of the Python manager's payload.get("type") == "result"
// check, since the Go event taxonomy denormalizes stream subtypes into the
// base Event struct instead of keeping a raw nested "type" field.
func extractResultUsage(evt *events.Event) (tokensIn, tokensOut int, ok bool) {
	if evt.Type != events.StreamResult {
		return 0, 0, false
	}
	if _, hasCost := evt.Payload["total_cost_usd"]; !hasCost {
		return 0, 0, false
	}
	usage, ok := evt.Payload["usage"]
	if !ok {
		return 0, 0, false
	}
	switch u := usage.(type) {
	case stream.Usage:
		return u.InputTokens, u.OutputTokens, true
	case map[string]any:
		// Round-tripped through JSON (e.g. replayed from storage), where a
		// struct value decodes back into a generic map.
		return asInt(u["input_tokens"]), asInt(u["output_tokens"]), true
	default:
		return 0, 0, false
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// PauseRun signals SIGSTOP to the run's subprocess and records the
// transition.
func (m *Manager) PauseRun(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	controller := m.activeRuns[runID]
	m.mu.Unlock()
	if controller == nil {
		return false, nil
	}

	controller.Pause()
	if err := m.store.Runs.UpdateStatus(ctx, runID, "paused", ""); err != nil {
		return false, err
	}
	evt := events.New(events.RunPaused, controller.SessionID, runID)
	return true, m.bus.Publish(ctx, evt)
}

// ResumeRun signals SIGCONT to the run's subprocess and records the
// transition.
func (m *Manager) ResumeRun(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	controller := m.activeRuns[runID]
	m.mu.Unlock()
	if controller == nil {
		return false, nil
	}

	controller.Resume()
	if err := m.store.Runs.UpdateStatus(ctx, runID, "running", ""); err != nil {
		return false, err
	}
	evt := events.New(events.RunResumed, controller.SessionID, runID)
	return true, m.bus.Publish(ctx, evt)
}

// InjectMessage forwards message to the run's controller (a documented
// no-op for ProcessController, since stdin is closed) and publishes the
// intervention regardless, so the attempt is visible in the event log.
func (m *Manager) InjectMessage(ctx context.Context, runID, message string) (bool, error) {
	m.mu.Lock()
	controller := m.activeRuns[runID]
	m.mu.Unlock()
	if controller == nil {
		return false, nil
	}

	if err := controller.InjectInput(message); err != nil {
		return false, err
	}
	evt := events.New(events.InterventionInject, controller.SessionID, runID)
	evt.Payload["message"] = message
	return true, m.bus.Publish(ctx, evt)
}

// AbortRun terminates the run's subprocess and marks it failed.
func (m *Manager) AbortRun(ctx context.Context, runID string) (bool, error) {
	m.mu.Lock()
	controller := m.activeRuns[runID]
	stopWatch := m.watchStops[runID]
	m.mu.Unlock()
	if controller == nil {
		return false, nil
	}

	controller.Terminate()
	if err := m.store.Runs.UpdateStatus(ctx, runID, "failed", "Aborted by user"); err != nil {
		return false, err
	}
	evt := events.New(events.InterventionAbort, controller.SessionID, runID)
	if err := m.bus.Publish(ctx, evt); err != nil {
		return false, err
	}

	m.mu.Lock()
	delete(m.activeRuns, runID)
	delete(m.gitTrackers, runID)
	delete(m.watchStops, runID)
	m.mu.Unlock()
	if stopWatch != nil {
		stopWatch()
	}
	return true, nil
}

// BranchRun validates that runID and fromEventID exist, then starts a new
// run in the same session that records runID and fromEventID as its parent
// and branch point. The new run's events get their own sequence starting at
// 0; no events of the original run are copied into it.
func (m *Manager) BranchRun(ctx context.Context, runID, fromEventID, modifiedPrompt string) (*store.Run, error) {
	original, err := m.store.Runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	evt, err := m.store.Events.Get(ctx, fromEventID)
	if err != nil {
		return nil, err
	}
	if evt == nil {
		return nil, fmt.Errorf("event %s not found", fromEventID)
	}

	prompt := modifiedPrompt
	if prompt == "" {
		prompt = original.Prompt
	}
	model := original.Model
	if model == "" {
		model = DefaultModel
	}

	newRun, err := m.StartRun(ctx, original.SessionID, prompt, model, runID, fromEventID)
	if err != nil {
		return nil, err
	}

	branched := events.New(events.RunBranched, original.SessionID, newRun.ID)
	branched.Payload["parent_run_id"] = runID
	branched.Payload["branch_point_event_id"] = fromEventID
	branched.Payload["modified_prompt"] = modifiedPrompt
	if err := m.bus.Publish(ctx, branched); err != nil {
		return nil, err
	}
	return newRun, nil
}

// RunStatus is a snapshot of one run's live + persisted state, combining
// store fields with the in-memory controller's liveness.
type RunStatus struct {
	ID         string
	Status     string
	IsActive   bool
	IsPaused   bool
	Pid        int
	TokensIn   int
	TokensOut  int
	CostUSD    float64
	DurationMs int
}

// GetRunStatus reports a run's persisted metrics plus whether a controller
// is currently attached to it.
func (m *Manager) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := m.store.Runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	m.mu.Lock()
	controller := m.activeRuns[runID]
	m.mu.Unlock()

	status := &RunStatus{
		ID:         run.ID,
		Status:     run.Status,
		IsActive:   controller != nil,
		TokensIn:   run.TokensIn,
		TokensOut:  run.TokensOut,
		CostUSD:    run.CostUSD,
		DurationMs: run.DurationMs,
	}
	if controller != nil {
		status.Pid = controller.Pid()
		status.IsPaused = controller.IsPaused()
	}
	return status, nil
}

// GetActiveRuns lists the run ids with a live ProcessController attached.
func (m *Manager) GetActiveRuns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.activeRuns))
	for id := range m.activeRuns {
		out = append(out, id)
	}
	return out
}
