package pattern

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caic-xyz/agentling/internal/agentproc"
	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/store"
)

func (e *Executor) loadAgent(ctx context.Context, id string) (*store.Agent, error) {
	if id == "" {
		return nil, nil
	}
	return e.store.Agents.Get(ctx, id)
}

// runAgent is the shared per-agent execution primitive: it records an
// AgentRun row, spawns a fresh ProcessController for this single turn
// (agents never share a controller across invocations), streams its
// output, detects runaway Bash loops, and enforces a per-agent timeout.
func (e *Executor) runAgent(ctx context.Context, state *ExecutionState, agent *store.Agent, workingDir, inputText, roleInPattern string, sequence, iteration int) (string, error) {
	agentRun, err := e.store.AgentRuns.Create(ctx, store.AgentRunSpec{
		AgentID:       agent.ID,
		RunID:         state.RunID,
		Pattern:       state.Pattern.PatternType,
		RoleInPattern: roleInPattern,
		Sequence:      sequence,
		Iteration:     iteration,
		InputText:     inputText,
	})
	if err != nil {
		return "", fmt.Errorf("create agent run: %w", err)
	}

	fullPrompt := buildFullPrompt(agent, inputText)

	if e.Cache != nil {
		if cached, hit := e.Cache.Get(fullPrompt); hit {
			_ = e.store.AgentRuns.UpdateStatus(ctx, agentRun.ID, "completed", cached)
			state.mu.Lock()
			state.results = append(state.results, AgentResult{AgentRunID: agentRun.ID, AgentID: agent.ID, Output: cached, Success: true, Iteration: iteration, Role: roleInPattern})
			state.mu.Unlock()
			cacheEvt := events.New(events.StreamSystem, state.SessionID, state.RunID)
			cacheEvt.Payload["agent_run_id"] = agentRun.ID
			cacheEvt.Payload["agent_name"] = agent.Name
			cacheEvt.Payload["cache_hit"] = true
			if err := e.bus.Publish(ctx, cacheEvt); err != nil {
				return "", err
			}
			return cached, nil
		}
	}

	startEvt := events.New(events.StreamSystem, state.SessionID, state.RunID)
	startEvt.Payload["agent_run_id"] = agentRun.ID
	startEvt.Payload["agent_id"] = agent.ID
	startEvt.Payload["agent_name"] = agent.Name
	startEvt.Payload["role"] = roleInPattern
	startEvt.Payload["iteration"] = iteration
	if err := e.bus.Publish(ctx, startEvt); err != nil {
		return "", err
	}
	if err := e.store.AgentRuns.UpdateStatus(ctx, agentRun.ID, "running", ""); err != nil {
		return "", err
	}

	model := agent.Model
	if model == "" {
		model = "sonnet"
	}
	controller := agentproc.NewProcessController(state.SessionID, state.RunID, workingDir, model)
	controller.Binary = e.Binary

	var (
		outputText         string
		sawAgentFailure    bool
		agentFailureReason string
		lastBashCommand    string
		repeatedBashCount  int
		runawayErr         error
	)

	pub := agentproc.PublisherFunc(func(ctx context.Context, evt *events.Event) error {
		evt.Payload["agent_run_id"] = agentRun.ID
		evt.Payload["agent_name"] = agent.Name

		switch evt.Type {
		case events.StreamAssistant:
			outputText += evt.Content
		case events.StreamResult:
			if strings.TrimSpace(evt.Content) != "" {
				outputText = evt.Content
			}
		case events.StreamToolUse:
			command, _ := evt.ToolInput["command"].(string)
			if evt.ToolName == "Bash" && command != "" {
				if command == lastBashCommand {
					repeatedBashCount++
				} else {
					lastBashCommand = command
					repeatedBashCount = 1
				}
				if repeatedBashCount >= maxRepeatedBashCommand {
					runawayErr = fmt.Errorf("Runaway loop detected: repeated Bash command %s%s%s %d times. Aborted.", "`", command, "`", repeatedBashCount)
					controller.Terminate()
				}
			} else {
				lastBashCommand = ""
				repeatedBashCount = 0
			}
		case events.RunFailed:
			sawAgentFailure = true
			if stderr, _ := evt.Payload["stderr"].(string); strings.TrimSpace(stderr) != "" {
				agentFailureReason = stderr
			} else {
				agentFailureReason = fmt.Sprintf("agent process failed (return_code=%v)", evt.Payload["return_code"])
			}
		}

		if tokensIn, tokensOut, ok := extractResultUsage(evt); ok {
			_ = e.store.Runs.UpdateMetrics(ctx, state.RunID, tokensIn, tokensOut, 0, 0)
		}
		return e.bus.Publish(ctx, evt)
	})

	runCtx, cancel := context.WithTimeout(ctx, maxAgentRuntime)
	defer cancel()

	startErr := controller.Start(runCtx, fullPrompt, pub)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		controller.Terminate()
		failErr := fmt.Errorf("agent exceeded %ds runtime limit and was aborted", int(maxAgentRuntime.Seconds()))
		_ = e.store.AgentRuns.UpdateStatus(ctx, agentRun.ID, "failed", failErr.Error())
		state.mu.Lock()
		state.results = append(state.results, AgentResult{AgentRunID: agentRun.ID, AgentID: agent.ID, Output: failErr.Error(), Success: false, Iteration: iteration, Role: roleInPattern})
		state.mu.Unlock()
		return "", failErr
	}

	if runawayErr != nil {
		_ = e.store.AgentRuns.UpdateStatus(ctx, agentRun.ID, "failed", runawayErr.Error())
		state.mu.Lock()
		state.results = append(state.results, AgentResult{AgentRunID: agentRun.ID, AgentID: agent.ID, Output: runawayErr.Error(), Success: false, Iteration: iteration, Role: roleInPattern})
		state.mu.Unlock()
		return "", runawayErr
	}

	if startErr != nil {
		_ = e.store.AgentRuns.UpdateStatus(ctx, agentRun.ID, "failed", startErr.Error())
		state.mu.Lock()
		state.results = append(state.results, AgentResult{AgentRunID: agentRun.ID, AgentID: agent.ID, Output: startErr.Error(), Success: false, Iteration: iteration, Role: roleInPattern})
		state.mu.Unlock()
		return "", startErr
	}

	if sawAgentFailure {
		if agentFailureReason == "" {
			agentFailureReason = "agent process failed"
		}
		_ = e.store.AgentRuns.UpdateStatus(ctx, agentRun.ID, "failed", agentFailureReason)
		state.mu.Lock()
		state.results = append(state.results, AgentResult{AgentRunID: agentRun.ID, AgentID: agent.ID, Output: agentFailureReason, Success: false, Iteration: iteration, Role: roleInPattern})
		state.mu.Unlock()
		return "", errors.New(agentFailureReason)
	}

	_ = e.store.AgentRuns.UpdateStatus(ctx, agentRun.ID, "completed", outputText)
	state.mu.Lock()
	state.results = append(state.results, AgentResult{AgentRunID: agentRun.ID, AgentID: agent.ID, Output: outputText, Success: true, Iteration: iteration, Role: roleInPattern})
	state.mu.Unlock()
	if e.Cache != nil && outputText != "" {
		_ = e.Cache.Set(fullPrompt, outputText)
	}
	return outputText, nil
}

func (e *Executor) executeSolo(ctx context.Context, state *ExecutionState, workingDir string) error {
	agentID, _ := state.Pattern.Config["agent_id"].(string)
	if agentID == "" {
		if agents, ok := state.Pattern.Config["agents"].([]any); ok && len(agents) > 0 {
			agentID, _ = agents[0].(string)
		}
	}
	if agentID == "" {
		return errors.New("solo pattern requires an agent_id")
	}
	agent, err := e.loadAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return fmt.Errorf("agent %s not found", agentID)
	}
	_, err = e.runAgent(ctx, state, agent, workingDir, state.InputText, "solo", 0, 0)
	return err
}

func (e *Executor) executeLoop(ctx context.Context, state *ExecutionState, workingDir string, onCheckpoint CheckpointFunc) error {
	generatorID, _ := state.Pattern.Config["generator_id"].(string)
	criticID, _ := state.Pattern.Config["critic_id"].(string)
	if generatorID == "" || criticID == "" {
		return errors.New("loop pattern requires generator_id and critic_id")
	}
	generator, err := e.loadAgent(ctx, generatorID)
	if err != nil {
		return err
	}
	if generator == nil {
		return fmt.Errorf("agent %s not found", generatorID)
	}
	critic, err := e.loadAgent(ctx, criticID)
	if err != nil {
		return err
	}
	if critic == nil {
		return fmt.Errorf("agent %s not found", criticID)
	}

	maxIterations := state.Pattern.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	currentInput := state.InputText
	currentOutput := ""

	for iteration := 0; iteration < maxIterations; iteration++ {
		state.mu.Lock()
		state.currentIteration = iteration
		state.mu.Unlock()

		if HumanInvolvement(state.Pattern.HumanInvolvement) == Checkpoints && iteration > 0 && onCheckpoint != nil {
			evt := events.New(events.InterventionPause, state.SessionID, state.RunID)
			evt.Payload["checkpoint"] = "iteration_start"
			evt.Payload["iteration"] = iteration
			evt.Payload["previous_output"] = truncate(currentOutput, 500)
			evt.Payload["options"] = []string{"continue", "modify", "stop"}
			if err := e.bus.Publish(ctx, evt); err != nil {
				return err
			}
			decision, err := onCheckpoint(ctx, "iteration_start", evt.Payload)
			if err != nil {
				return err
			}
			if decision == "stop" {
				state.mu.Lock()
				state.shouldStop = true
				state.mu.Unlock()
				break
			}
			if strings.HasPrefix(decision, "modify:") {
				currentInput = strings.TrimPrefix(decision, "modify:")
			}
		}

		generatorPrompt := buildGeneratorPrompt(state.InputText, currentInput, currentOutput, iteration)
		out, err := e.runAgent(ctx, state, generator, workingDir, generatorPrompt, "generator", iteration*2, iteration)
		if err != nil {
			return err
		}
		currentOutput = out

		criticPrompt := buildCriticPrompt(state.InputText, currentOutput, iteration)
		criticOut, err := e.runAgent(ctx, state, critic, workingDir, criticPrompt, "critic", iteration*2+1, iteration)
		if err != nil {
			return err
		}

		lower := strings.ToLower(criticOut)
		if strings.Contains(lower, "approved") || strings.Contains(lower, "looks good") || strings.Contains(lower, "acceptable") {
			break
		}
		currentInput = fmt.Sprintf("Previous attempt:\n%s\n\nCritic feedback:\n%s", currentOutput, criticOut)
	}
	return nil
}

func (e *Executor) executePanel(ctx context.Context, state *ExecutionState, workingDir string) error {
	agentIDs := stringAnySlice(state.Pattern.Config["agents"])
	if len(agentIDs) == 0 {
		return errors.New("panel pattern requires a non-empty agents list")
	}
	synthesizerID, _ := state.Pattern.Config["synthesizer_id"].(string)

	var panelOutputs []map[string]string
	for seq, agentID := range agentIDs {
		agent, err := e.loadAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if agent == nil {
			continue
		}
		role := agent.Role
		if role == "" {
			role = fmt.Sprintf("%d", seq)
		}
		prompt := buildPanelPrompt(agent, state.InputText)
		out, err := e.runAgent(ctx, state, agent, workingDir, prompt, "panelist_"+role, seq, 0)
		if err != nil {
			return err
		}
		panelOutputs = append(panelOutputs, map[string]string{"agent": agent.Name, "role": agent.Role, "output": out})
	}

	if synthesizerID != "" {
		synth, err := e.loadAgent(ctx, synthesizerID)
		if err != nil {
			return err
		}
		if synth != nil {
			prompt := buildSynthesisPrompt(state.InputText, panelOutputs)
			if _, err := e.runAgent(ctx, state, synth, workingDir, prompt, "synthesizer", len(agentIDs), 0); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) executeDebate(ctx context.Context, state *ExecutionState, workingDir string) error {
	debaterIDs := stringAnySlice(state.Pattern.Config["debaters"])
	var debaters []*store.Agent
	for _, id := range debaterIDs {
		agent, err := e.loadAgent(ctx, id)
		if err != nil {
			return err
		}
		if agent != nil {
			debaters = append(debaters, agent)
		}
	}
	if len(debaters) < 2 {
		return errors.New("debate pattern requires at least two valid debaters")
	}
	judgeID, _ := state.Pattern.Config["judge_id"].(string)
	maxRounds := 3
	if v, ok := state.Pattern.Config["max_rounds"].(float64); ok && v > 0 {
		maxRounds = int(v)
	}

	var debateHistory []map[string]string
	for round := 0; round < maxRounds; round++ {
		state.mu.Lock()
		state.currentIteration = round
		state.mu.Unlock()

		for seq, debater := range debaters {
			prompt := buildDebatePrompt(state.InputText, debateHistory, round, seq)
			out, err := e.runAgent(ctx, state, debater, workingDir, prompt, fmt.Sprintf("debater_%d", seq), round*len(debaters)+seq, round)
			if err != nil {
				return err
			}
			debateHistory = append(debateHistory, map[string]string{
				"debater":  debater.Name,
				"round":    fmt.Sprintf("%d", round+1),
				"argument": out,
			})
		}
	}

	if judgeID != "" {
		judge, err := e.loadAgent(ctx, judgeID)
		if err != nil {
			return err
		}
		if judge != nil {
			prompt := buildJudgePrompt(state.InputText, debateHistory)
			if _, err := e.runAgent(ctx, state, judge, workingDir, prompt, "judge", maxRounds*len(debaters), maxRounds); err != nil {
				return err
			}
		}
	}
	return nil
}

// stringAnySlice reads a config field that came back from sqlite's
// JSON round trip as []any (of strings) rather than []string.
func stringAnySlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
