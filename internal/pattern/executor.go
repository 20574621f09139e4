// Package pattern schedules multi-agent workflows — Solo, Loop, Panel, and
// Debate — over the assistant CLI subprocess, one spawn per agent turn,
// with per-agent timeouts and runaway-tool-call detection.
//
// Grounded on original_source/agentling/agents/executor.py's AgentExecutor.
package pattern

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caic-xyz/agentling/internal/agentproc"
	"github.com/caic-xyz/agentling/internal/cache"
	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/memory"
	"github.com/caic-xyz/agentling/internal/store"
	"github.com/caic-xyz/agentling/internal/stream"
)

// Type is one of the four supported multi-agent workflow shapes.
type Type string

const (
	Solo   Type = "solo"
	Loop   Type = "loop"
	Panel  Type = "panel"
	Debate Type = "debate"
)

// HumanInvolvement controls when a pattern pauses for a human decision.
type HumanInvolvement string

const (
	Autonomous  HumanInvolvement = "autonomous"
	Checkpoints HumanInvolvement = "checkpoints"
	OnDemand    HumanInvolvement = "on_demand"
)

// maxAgentRuntime bounds a single agent turn's subprocess lifetime.
const maxAgentRuntime = 240 * time.Second

// maxRepeatedBashCommand aborts a run once an agent repeats the identical
// Bash command this many times in a row, the signature of a runaway loop.
const maxRepeatedBashCommand = 8

// AgentResult records one agent invocation's outcome within a pattern.
type AgentResult struct {
	AgentRunID string
	AgentID    string
	Output     string
	Success    bool
	Iteration  int
	Role       string
}

// ExecutionState is the live state of one in-flight pattern execution,
// queryable by GetExecutionState/ListActiveExecutions and mutable by
// ProvideHumanInput while a checkpoint is pending.
type ExecutionState struct {
	Pattern   *store.AgentPattern
	SessionID string
	RunID     string
	InputText string

	mu               sync.Mutex
	currentIteration int
	results          []AgentResult
	shouldStop       bool
	awaitingHuman    bool
	humanDecision    string
}

func (s *ExecutionState) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"run_id":             s.RunID,
		"pattern_name":       s.Pattern.Name,
		"pattern_type":       s.Pattern.PatternType,
		"current_iteration":  s.currentIteration,
		"results_count":      len(s.results),
		"awaiting_human":     s.awaitingHuman,
		"should_stop":        s.shouldStop,
	}
}

// CheckpointFunc is called when a pattern pauses for human input; it
// returns the decision string ("continue", "stop", or "modify:<text>").
type CheckpointFunc func(ctx context.Context, checkpoint string, payload map[string]any) (string, error)

// Executor runs agent patterns with full event traceability.
type Executor struct {
	store *store.Store
	bus   agentproc.Publisher

	// Binary overrides the assistant CLI executable every agent's
	// ProcessController is spawned with; empty means agentproc.DefaultBinary.
	// Exists for tests.
	Binary string

	// Cache, if set, short-circuits an agent turn that repeats a prompt
	// already seen, skipping the subprocess entirely. Nil disables caching.
	Cache *cache.ResultCache

	mu              sync.Mutex
	active          map[string]*ExecutionState
	humanResponseCh map[string]chan struct{}
}

// NewExecutor constructs an Executor over st, publishing through bus.
func NewExecutor(st *store.Store, bus agentproc.Publisher) *Executor {
	return &Executor{
		store:           st,
		bus:             bus,
		active:          make(map[string]*ExecutionState),
		humanResponseCh: make(map[string]chan struct{}),
	}
}

// extractResultUsage returns token usage carried by a finalized result
// event, using the same total_cost_usd-presence discriminator as
// internal/session's extractResultUsage.
func extractResultUsage(evt *events.Event) (tokensIn, tokensOut int, ok bool) {
	if evt.Type != events.StreamResult {
		return 0, 0, false
	}
	if _, hasCost := evt.Payload["total_cost_usd"]; !hasCost {
		return 0, 0, false
	}
	switch u := evt.Payload["usage"].(type) {
	case stream.Usage:
		return u.InputTokens, u.OutputTokens, true
	case map[string]any:
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

// ExecutePattern runs pattern end to end: it creates the run row, dispatches
// to the pattern-shaped executor, publishes every event produced (through
// the executor's bus, in addition to persisting run memory at the end), and returns the
// finished run. It blocks until the pattern completes, fails, or ctx is
// canceled.
func (e *Executor) ExecutePattern(ctx context.Context, pattern *store.AgentPattern, sessionID, inputText, workingDir string, onCheckpoint CheckpointFunc) (*store.Run, error) {
	sess, err := e.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	start := time.Now()
	promptPreview := inputText
	if len(promptPreview) > 100 {
		promptPreview = promptPreview[:100]
	}
	run, err := e.store.Runs.Create(ctx, sessionID, fmt.Sprintf("[Agent Pattern: %s] %s", pattern.Name, promptPreview), "sonnet", "", "")
	if err != nil {
		return nil, err
	}
	if err := e.store.Runs.UpdateStatus(ctx, run.ID, "running", ""); err != nil {
		return nil, err
	}

	state := &ExecutionState{
		Pattern:   pattern,
		SessionID: sessionID,
		RunID:     run.ID,
		InputText: inputText,
	}
	e.mu.Lock()
	e.active[run.ID] = state
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		delete(e.humanResponseCh, run.ID)
		e.mu.Unlock()
	}()

	startEvt := events.New(events.RunStarted, sessionID, run.ID)
	startEvt.Payload["pattern_id"] = pattern.ID
	startEvt.Payload["pattern_name"] = pattern.Name
	startEvt.Payload["pattern_type"] = pattern.PatternType
	startEvt.Payload["agents"] = pattern.Config["agents"]
	startEvt.Payload["human_involvement"] = pattern.HumanInvolvement
	if err := e.bus.Publish(ctx, startEvt); err != nil {
		return nil, err
	}

	if onCheckpoint == nil {
		onCheckpoint = e.defaultCheckpoint(run.ID)
	}

	runErr := e.dispatch(ctx, state, workingDir, onCheckpoint)

	durationMs := int(time.Since(start).Milliseconds())
	_ = e.store.Runs.UpdateMetrics(ctx, run.ID, 0, 0, 0, durationMs)

	if runErr != nil {
		_ = e.store.Runs.UpdateStatus(ctx, run.ID, "failed", runErr.Error())
		_ = memory.Persist(ctx, e.store, run.ID)
		failEvt := events.New(events.RunFailed, sessionID, run.ID)
		failEvt.Payload["error"] = runErr.Error()
		_ = e.bus.Publish(ctx, failEvt)
		return run, runErr
	}

	_ = e.store.Runs.UpdateStatus(ctx, run.ID, "completed", "")
	_ = memory.Persist(ctx, e.store, run.ID)

	state.mu.Lock()
	totalIterations := state.currentIteration
	totalAgents := len(state.results)
	state.mu.Unlock()

	doneEvt := events.New(events.RunCompleted, sessionID, run.ID)
	doneEvt.Payload["pattern_type"] = pattern.PatternType
	doneEvt.Payload["total_iterations"] = totalIterations
	doneEvt.Payload["total_agents_run"] = totalAgents
	if err := e.bus.Publish(ctx, doneEvt); err != nil {
		return run, err
	}
	return run, nil
}

func (e *Executor) dispatch(ctx context.Context, state *ExecutionState, workingDir string, onCheckpoint CheckpointFunc) error {
	switch Type(state.Pattern.PatternType) {
	case Solo:
		return e.executeSolo(ctx, state, workingDir)
	case Loop:
		return e.executeLoop(ctx, state, workingDir, onCheckpoint)
	case Panel:
		return e.executePanel(ctx, state, workingDir)
	case Debate:
		return e.executeDebate(ctx, state, workingDir)
	default:
		return fmt.Errorf("unknown pattern type %q", state.Pattern.PatternType)
	}
}

// defaultCheckpoint bridges a LOOP checkpoint to ProvideHumanInput: it
// marks the state awaiting human input and blocks on a per-run channel
// until ProvideHumanInput signals it (or ctx is canceled).
func (e *Executor) defaultCheckpoint(runID string) CheckpointFunc {
	return func(ctx context.Context, _ string, _ map[string]any) (string, error) {
		e.mu.Lock()
		state := e.active[runID]
		ch := make(chan struct{})
		e.humanResponseCh[runID] = ch
		e.mu.Unlock()
		if state == nil {
			return "continue", nil
		}

		state.mu.Lock()
		state.awaitingHuman = true
		state.mu.Unlock()

		select {
		case <-ch:
			state.mu.Lock()
			decision := state.humanDecision
			state.mu.Unlock()
			return decision, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// ProvideHumanInput delivers decision for runID's pending checkpoint,
// reporting false if no checkpoint is currently awaiting one.
func (e *Executor) ProvideHumanInput(runID, decision string) bool {
	e.mu.Lock()
	state := e.active[runID]
	ch := e.humanResponseCh[runID]
	e.mu.Unlock()
	if state == nil {
		return false
	}

	state.mu.Lock()
	if !state.awaitingHuman {
		state.mu.Unlock()
		return false
	}
	state.humanDecision = decision
	state.awaitingHuman = false
	state.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	return true
}

// GetExecutionState reports the live state of runID's pattern execution, or
// nil if it isn't (or is no longer) active.
func (e *Executor) GetExecutionState(runID string) map[string]any {
	e.mu.Lock()
	state := e.active[runID]
	e.mu.Unlock()
	if state == nil {
		return nil
	}
	return state.snapshot()
}

// ListActiveExecutions reports every currently running pattern execution.
func (e *Executor) ListActiveExecutions() []map[string]any {
	e.mu.Lock()
	states := make([]*ExecutionState, 0, len(e.active))
	for _, s := range e.active {
		states = append(states, s)
	}
	e.mu.Unlock()

	out := make([]map[string]any, 0, len(states))
	for _, s := range states {
		out = append(out, s.snapshot())
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
