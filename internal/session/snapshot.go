package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/caic-xyz/agentling/internal/events"
)

// cleanLineMaxLen is the character budget for a single summarized line
// before it gets truncated with an ellipsis.
const cleanLineMaxLen = 260

// assistantTextMaxLen is the budget for the finalized assistant text kept
// per turn, wider than a generic summary line since it's the primary thing
// a resumed session reads back.
const assistantTextMaxLen = 420

// maxRecentGoals/maxAssistantOutcomes/maxTouchedFiles/maxCommands bound the
// lists the resume prompt renders, mirroring manager.py's slicing.
const (
	maxRecentGoals       = 3
	maxAssistantOutcomes = 2
	maxTouchedFiles      = 20
	maxCommands          = 20
	maxTestCommands      = 10
)

// createInteractiveSnapshot scans a run's full event history once and
// derives a compact resumable summary from it: the first user goal, files
// touched, commands run, test commands, error count, and the latest
// assistant outcome. It writes the snapshot only if one doesn't already
// exist for the run, so ending a session twice is harmless.
func (m *Manager) createInteractiveSnapshot(ctx context.Context, runID string) error {
	existing, err := m.store.SessionSnaps.GetForRun(ctx, runID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	run, err := m.store.Runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}

	evts, err := m.store.Events.EventsForRun(ctx, runID, 0, 0)
	if err != nil {
		return err
	}

	var (
		firstGoal            string
		recentUserGoals      []string
		latestAssistantParts []string
		latestAssistantText  string
		lastAssistantMsgs    []string
		touchedSeen          = map[string]bool{}
		touchedFiles         []string
		commands             []string
		testCommands         []string
		errorCount           int
		readCount            int
		writeCount           int
		editCount            int
	)

	for _, evt := range evts {
		switch evt.Type {
		case events.StreamUser:
			content := strings.TrimSpace(evt.Content)
			if content == "" || strings.HasPrefix(content, "[Agent") {
				continue
			}
			if firstGoal == "" {
				firstGoal = cleanLine(content, cleanLineMaxLen)
			}
			recentUserGoals = append(recentUserGoals, cleanLine(content, cleanLineMaxLen))
			if len(recentUserGoals) > maxRecentGoals+2 {
				recentUserGoals = recentUserGoals[len(recentUserGoals)-(maxRecentGoals+2):]
			}

		case events.StreamAssistant:
			if evt.Content != "" {
				latestAssistantParts = append(latestAssistantParts, evt.Content)
			}

		case events.StreamResult:
			if len(latestAssistantParts) == 0 {
				continue
			}
			latestAssistantText = cleanLine(strings.Join(latestAssistantParts, ""), assistantTextMaxLen)
			lastAssistantMsgs = append(lastAssistantMsgs, latestAssistantText)
			if len(lastAssistantMsgs) > maxAssistantOutcomes {
				lastAssistantMsgs = lastAssistantMsgs[len(lastAssistantMsgs)-maxAssistantOutcomes:]
			}
			latestAssistantParts = nil

		case events.StreamToolUse:
			switch evt.ToolName {
			case "Glob", "Grep", "Read":
				readCount++
			case "Edit":
				editCount++
			case "Write":
				writeCount++
			}
			if path, ok := toolPath(evt.ToolInput); ok && !touchedSeen[path] {
				touchedSeen[path] = true
				touchedFiles = append(touchedFiles, path)
			}
			if evt.ToolName == "Bash" {
				if raw, ok := evt.ToolInput["command"].(string); ok && raw != "" {
					cmd := normalizeCommand(raw)
					commands = append(commands, cmd)
					if isTestCommand(cmd) {
						testCommands = append(testCommands, cmd)
					}
				}
			}

		case events.StreamError, events.RunFailed:
			errorCount++
		}
	}

	if len(recentUserGoals) > maxRecentGoals {
		recentUserGoals = recentUserGoals[len(recentUserGoals)-maxRecentGoals:]
	}
	if len(touchedFiles) > maxTouchedFiles {
		touchedFiles = touchedFiles[:maxTouchedFiles]
	}
	if len(commands) > maxCommands {
		commands = commands[:maxCommands]
	}
	if len(testCommands) > maxTestCommands {
		testCommands = testCommands[:maxTestCommands]
	}

	var phases []string
	if readCount > 0 {
		phases = append(phases, "Exploration")
	}
	if writeCount > 0 || editCount > 0 {
		phases = append(phases, "Implementation")
	}
	if len(testCommands) > 0 {
		phases = append(phases, "Validation")
	}
	if errorCount > 0 {
		phases = append(phases, "Error handling")
	}

	var nextStep string
	switch {
	case run.Status == "failed" || errorCount > 0:
		nextStep = "Address the most recent error first before continuing with the original goal."
	case len(testCommands) > 0:
		nextStep = "Re-run the targeted tests to confirm the last change is still good before moving on."
	case len(touchedFiles) > 0:
		nextStep = "Review the touched files for completeness before starting new work."
	default:
		nextStep = "Continue from the latest completed step; no artifacts or errors were recorded yet."
	}

	goal := firstGoal
	if goal == "" {
		goal = run.Prompt
	}

	summary := map[string]any{
		"goal":                   goal,
		"status":                 run.Status,
		"files_touched":          touchedFiles,
		"commands":               commands,
		"test_commands":          testCommands,
		"error_count":            errorCount,
		"last_assistant_summary": latestAssistantText,
		"recent_user_goals":      recentUserGoals,
		"assistant_outcomes":     lastAssistantMsgs,
		"phase_counts": map[string]int{
			"read_ops":  readCount,
			"write_ops": writeCount,
			"edit_ops":  editCount,
		},
	}

	resumePrompt := buildResumePrompt(goal, run.Status, phases, recentUserGoals, touchedFiles, commands, latestAssistantText, nextStep)

	_, err = m.store.SessionSnaps.Create(ctx, runID, run.SessionID, goal, summary, resumePrompt)
	return err
}

func buildResumePrompt(goal, status string, phases, recentGoals, touchedFiles, commands []string, assistantSummary, nextStep string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\n", goal)
	fmt.Fprintf(&b, "Session state: %s", status)
	if len(phases) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(phases, ", "))
	}
	b.WriteString("\n\n")

	b.WriteString("Recent user intent:\n")
	b.WriteString(bullet(recentGoals))
	b.WriteString("\n\n")

	b.WriteString("Key artifacts touched:\n")
	b.WriteString(bullet(touchedFiles))
	b.WriteString("\n\n")

	b.WriteString("Important commands run:\n")
	b.WriteString(bullet(commands))
	b.WriteString("\n\n")

	b.WriteString("Latest assistant outcome:\n")
	if assistantSummary == "" {
		b.WriteString("- None\n")
	} else {
		fmt.Fprintf(&b, "- %s\n", assistantSummary)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Continue from here: %s\n", nextStep)
	return b.String()
}

// bullet renders a "- item" list, or "- None" for an empty one.
func bullet(items []string) string {
	if len(items) == 0 {
		return "- None\n"
	}
	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	return b.String()
}

// cleanLine collapses whitespace and truncates to maxLen with an ellipsis.
func cleanLine(text string, maxLen int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if len(collapsed) <= maxLen {
		return collapsed
	}
	if maxLen <= 3 {
		return collapsed[:maxLen]
	}
	return collapsed[:maxLen-3] + "..."
}

// normalizeCommand truncates a heredoc's body out of a Bash command so a
// multi-line script doesn't leak into the summary, keeping only the first
// line plus a marker.
func normalizeCommand(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if idx := strings.Index(trimmed, "<<"); idx != -1 {
		firstLine := trimmed
		if nl := strings.IndexByte(trimmed, '\n'); nl != -1 {
			firstLine = trimmed[:nl]
		}
		return firstLine + " [heredoc body omitted]"
	}
	return trimmed
}

// isTestCommand reports whether a normalized Bash command looks like it's
// running a test suite.
func isTestCommand(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, marker := range []string{"test", "pytest", "jest", "vitest", "go test"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// toolPath extracts the file path a tool call touched, if any.
func toolPath(input map[string]any) (string, bool) {
	if input == nil {
		return "", false
	}
	if p, ok := input["file_path"].(string); ok && p != "" {
		return p, true
	}
	if p, ok := input["path"].(string); ok && p != "" {
		return p, true
	}
	return "", false
}
