// Package memory extracts a deterministic, structured summary from a
// completed run's event history and ranks those summaries into a compact
// resume prompt for a future session — the Memory/Context Packer.
//
// Grounded on original_source/agentling/session/memory.py.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/store"
)

// Caps mirror memory.py's literal slice bounds.
const (
	recentGoalsScanCap  = 6
	recentGoalsKeep     = 4
	assistantOutcomeCap = 3
	assistantOutcomeKeep = 2
	filesTouchedCap     = 24
	commandsCap         = 24
	testCommandsCap     = 12
	openLoopsCap        = 6
)

// openLoopCues flags an assistant reply that's asking the user something or
// offering a follow-up, rather than reporting a finished step.
var openLoopCues = []string{
	"let me know",
	"would you like",
	"what would you like",
	"i can also",
	"next step",
}

// Extract scans a run's full event history once and derives a deterministic
// memory dict: objective, recent goals, touched files, commands run, test
// commands, error count, inferred phases, open loops, and a suggested next
// action. Returns nil if the run doesn't exist.
func Extract(ctx context.Context, st *store.Store, runID string) (map[string]any, error) {
	run, err := st.Runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	evts, err := st.Events.EventsForRun(ctx, runID, 0, 0)
	if err != nil {
		return nil, err
	}

	var (
		firstGoal           string
		recentUserGoals     []string
		touchedSeen         = map[string]bool{}
		touchedFiles        []string
		commandSeen         = map[string]bool{}
		commands            []string
		testCommands        []string
		latestAssistantParts []string
		assistantOutcomes   []string
		latestAssistantSummary string
		errorCount          int
		readCount           int
		editCount           int
		writeCount          int
		seenOpenLoops       = map[string]bool{}
		openLoops           []string
	)

	for _, evt := range evts {
		switch evt.Type {
		case events.StreamUser:
			content := strings.TrimSpace(evt.Content)
			if content == "" || strings.HasPrefix(content, "[Agent") {
				continue
			}
			if firstGoal == "" {
				firstGoal = content
			}
			recentUserGoals = append(recentUserGoals, cleanLine(content, 180))
			if len(recentUserGoals) > recentGoalsScanCap {
				recentUserGoals = recentUserGoals[len(recentUserGoals)-recentGoalsScanCap:]
			}
			latestAssistantParts = nil

		case events.StreamAssistant:
			if evt.Content != "" {
				latestAssistantParts = append(latestAssistantParts, evt.Content)
			}

		case events.StreamResult:
			if len(latestAssistantParts) == 0 {
				continue
			}
			latestAssistantSummary = cleanLine(strings.Join(latestAssistantParts, ""), 900)
			if latestAssistantSummary == "" {
				continue
			}
			assistantOutcomes = append(assistantOutcomes, latestAssistantSummary)
			if len(assistantOutcomes) > assistantOutcomeCap {
				assistantOutcomes = assistantOutcomes[len(assistantOutcomes)-assistantOutcomeCap:]
			}
			lowered := strings.ToLower(latestAssistantSummary)
			for _, cue := range openLoopCues {
				if strings.Contains(lowered, cue) {
					loop := cleanLine(latestAssistantSummary, 220)
					if loop != "" && !seenOpenLoops[loop] {
						seenOpenLoops[loop] = true
						openLoops = append(openLoops, loop)
					}
					break
				}
			}

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
				if raw, ok := evt.ToolInput["command"].(string); ok {
					raw = strings.TrimSpace(raw)
					normalized := normalizeCommand(raw)
					if normalized != "" && !commandSeen[normalized] {
						commandSeen[normalized] = true
						commands = append(commands, normalized)
						if isTestCommand(raw) {
							testCommands = append(testCommands, normalized)
						}
					}
				}
			}

		case events.StreamError, events.RunFailed:
			errorCount++
		}
	}

	if len(recentUserGoals) > recentGoalsKeep {
		recentUserGoals = recentUserGoals[len(recentUserGoals)-recentGoalsKeep:]
	}
	if len(assistantOutcomes) > assistantOutcomeKeep {
		assistantOutcomes = assistantOutcomes[len(assistantOutcomes)-assistantOutcomeKeep:]
	}
	if len(touchedFiles) > filesTouchedCap {
		touchedFiles = touchedFiles[:filesTouchedCap]
	}
	if len(commands) > commandsCap {
		commands = commands[:commandsCap]
	}
	if len(testCommands) > testCommandsCap {
		testCommands = testCommands[:testCommandsCap]
	}
	if len(openLoops) > openLoopsCap {
		openLoops = openLoops[:openLoopsCap]
	}

	var phases []string
	if readCount > 0 {
		phases = append(phases, "exploration")
	}
	if writeCount > 0 || editCount > 0 {
		phases = append(phases, "implementation")
	}
	if len(testCommands) > 0 {
		phases = append(phases, "validation")
	}
	if errorCount > 0 {
		phases = append(phases, "error_handling")
	}

	var nextAction string
	switch {
	case run.Status == "failed":
		nextAction = "Fix the latest failure first, then rerun the smallest relevant validation command."
	case len(testCommands) > 0:
		nextAction = "Re-run targeted tests for changed files, then finalize remaining polish."
	case len(touchedFiles) > 0:
		nextAction = "Review touched files for completeness and run one lightweight validation command."
	default:
		nextAction = "Clarify the next concrete implementation step and proceed."
	}

	objective := cleanLine(firstGoal, 300)
	shortSummary := latestAssistantSummary
	if shortSummary == "" {
		shortSummary = fmt.Sprintf("Run %s with %d files touched and %d key commands.", run.Status, len(touchedFiles), len(commands))
	}

	return map[string]any{
		"objective":          objective,
		"short_summary":      cleanLine(shortSummary, 320),
		"status":             run.Status,
		"recent_user_goals":  recentUserGoals,
		"assistant_outcomes": assistantOutcomes,
		"files_touched":      touchedFiles,
		"commands":           commands,
		"test_commands":      testCommands,
		"error_count":        errorCount,
		"phases":             phases,
		"open_loops":         openLoops,
		"next_action":        nextAction,
		"phase_counts": map[string]int{
			"read_ops":  readCount,
			"write_ops": writeCount,
			"edit_ops":  editCount,
		},
	}, nil
}

// Persist extracts run memory and upserts it, a no-op if the run doesn't
// exist or yields no memory.
func Persist(ctx context.Context, st *store.Store, runID string) error {
	run, err := st.Runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}
	mem, err := Extract(ctx, st, runID)
	if err != nil || mem == nil {
		return err
	}
	objective, _ := mem["objective"].(string)
	shortSummary, _ := mem["short_summary"].(string)
	if shortSummary == "" {
		shortSummary = "Run memory"
	}
	_, err = st.RunMemory.Upsert(ctx, runID, run.SessionID, objective, shortSummary, mem)
	return err
}

func toolPath(input map[string]any) (string, bool) {
	if input == nil {
		return "", false
	}
	if p, ok := input["file_path"].(string); ok && p != "" {
		return strings.TrimSpace(p), true
	}
	if p, ok := input["path"].(string); ok && p != "" {
		return strings.TrimSpace(p), true
	}
	return "", false
}

func cleanLine(text string, maxLen int) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if len(cleaned) <= maxLen {
		return cleaned
	}
	if maxLen <= 3 {
		return cleaned[:maxLen]
	}
	return strings.TrimRight(cleaned[:maxLen-3], " ") + "..."
}

func normalizeCommand(cmd string) string {
	if cmd == "" {
		return ""
	}
	firstLine := cmd
	if nl := strings.IndexByte(cmd, '\n'); nl != -1 {
		firstLine = cmd[:nl]
	}
	firstLine = strings.TrimSpace(firstLine)
	if strings.Contains(cmd, "<<") {
		return cleanLine(firstLine+" [heredoc body omitted]", 220)
	}
	return cleanLine(firstLine, 220)
}

func isTestCommand(cmd string) bool {
	lower := strings.ToLower(cmd)
	for _, marker := range []string{"test", "pytest", "jest", "vitest", "go test", "cargo test"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// bullet renders items as "- item" lines, capped at max, or "- None".
func bullet(items []string, max int) string {
	if len(items) == 0 {
		return "- None"
	}
	if len(items) > max {
		items = items[:max]
	}
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}

// memoryScore ranks a memory entry for context-pack selection: the run that
// triggered the pack always wins, then recency, then signals that suggest
// unfinished work (failure, open loops, touched files, pending tests).
func memoryScore(entry *store.RunMemoryEntry, now time.Time, sourceRunID string) float64 {
	score := 0.0
	if sourceRunID != "" && entry.RunID == sourceRunID {
		score += 1000.0
	}
	ageHours := 0.0
	if !entry.CreatedAt.IsZero() {
		ageHours = now.Sub(entry.CreatedAt).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
	}
	score += max(0.0, 240.0-ageHours) / 8.0

	mem := entry.Memory
	if status, _ := mem["status"].(string); status == "failed" {
		score += 8.0
	}
	if loops, ok := mem["open_loops"].([]any); ok && len(loops) > 0 {
		score += min(6.0, float64(len(loops)))
	}
	if tc, ok := mem["test_commands"].([]any); ok && len(tc) > 0 {
		score += 3.0
	}
	if files, ok := mem["files_touched"].([]any); ok && len(files) > 0 {
		score += min(5.0, float64(len(files))/2.0)
	}
	return score
}

// BuildContextPack ranks memories (highest memoryScore first, the source
// run's own entry always on top) and composes a single resume prompt that
// stitches together their objectives, touched files, open loops, and
// validation commands.
func BuildContextPack(memories []*store.RunMemoryEntry, sourceRunID string, maxEntries int) map[string]any {
	if len(memories) == 0 {
		return map[string]any{
			"goal": "",
			"summary": map[string]any{
				"source":       "memory_pack",
				"entries_used": 0,
			},
			"resume_prompt": "Resume this coding session.\n" +
				"No prior structured memory was found. Start by confirming current objective and state.",
		}
	}
	if maxEntries <= 0 {
		maxEntries = 5
	}

	now := time.Now().UTC()
	ranked := make([]*store.RunMemoryEntry, len(memories))
	copy(ranked, memories)
	sort.SliceStable(ranked, func(i, j int) bool {
		return memoryScore(ranked[i], now, sourceRunID) > memoryScore(ranked[j], now, sourceRunID)
	})
	if len(ranked) > maxEntries {
		ranked = ranked[:maxEntries]
	}

	primary := ranked[0]
	objective := stringField(primary.Memory, "objective")
	if objective == "" {
		objective = primary.Objective
	}

	var (
		files          []string
		seenFiles      = map[string]bool{}
		openLoops      []string
		seenLoops      = map[string]bool{}
		validations    []string
		seenValidations = map[string]bool{}
		commands       []string
		seenCommands   = map[string]bool{}
		recentWork     []string
		selectedEntries []map[string]any
	)

	for _, entry := range ranked {
		mem := entry.Memory
		summary := stringField(mem, "short_summary")
		if summary == "" {
			summary = entry.ShortSummary
		}
		entryObjective := stringField(mem, "objective")
		if entryObjective == "" {
			entryObjective = entry.Objective
		}
		var createdAt any
		if !entry.CreatedAt.IsZero() {
			createdAt = entry.CreatedAt.UTC().Format(time.RFC3339)
		}
		selectedEntries = append(selectedEntries, map[string]any{
			"run_id":              entry.RunID,
			"objective":           entryObjective,
			"short_summary":       cleanLine(summary, 180),
			"status":              stringField(mem, "status"),
			"files_touched_count": len(stringSlice(mem, "files_touched")),
			"open_loops_count":    len(stringSlice(mem, "open_loops")),
			"created_at":          createdAt,
		})

		if summary != "" && len(recentWork) < 5 {
			recentWork = append(recentWork, cleanLine(summary, 180))
		}

		for _, path := range firstN(stringSlice(mem, "files_touched"), 8) {
			if len(files) >= 12 {
				break
			}
			if !seenFiles[path] {
				seenFiles[path] = true
				files = append(files, path)
			}
		}
		for _, loop := range firstN(stringSlice(mem, "open_loops"), 3) {
			cleaned := cleanLine(loop, 160)
			if len(openLoops) >= 6 {
				break
			}
			if cleaned != "" && !seenLoops[cleaned] {
				seenLoops[cleaned] = true
				openLoops = append(openLoops, cleaned)
			}
		}
		for _, cmd := range firstN(stringSlice(mem, "test_commands"), 3) {
			cleaned := cleanLine(cmd, 120)
			if len(validations) >= 5 {
				break
			}
			if cleaned != "" && !seenValidations[cleaned] {
				seenValidations[cleaned] = true
				validations = append(validations, cleaned)
			}
		}
		for _, cmd := range firstN(stringSlice(mem, "commands"), 2) {
			cleaned := cleanLine(cmd, 120)
			if len(commands) >= 6 {
				break
			}
			if cleaned != "" && !seenCommands[cleaned] {
				seenCommands[cleaned] = true
				commands = append(commands, cleaned)
			}
		}
	}

	nextAction := stringField(primary.Memory, "next_action")
	if nextAction == "" {
		nextAction = "Continue from the latest completed step and verify."
	}
	nextAction = cleanLine(nextAction, 220)

	objectiveLine := objective
	if objectiveLine == "" {
		objectiveLine = "(No explicit objective captured)"
	}

	resumePrompt := "Resume this previously ended coding session with smart memory context.\n\n" +
		"Objective:\n" + objectiveLine + "\n\n" +
		"Recent completed work:\n" + bullet(recentWork, 5) + "\n\n" +
		"Open loops needing attention:\n" + bullet(openLoops, 6) + "\n\n" +
		"Key artifacts touched:\n" + bullet(files, 12) + "\n\n" +
		"Relevant validation commands seen:\n" + bullet(validations, 5) + "\n\n" +
		"Important commands run:\n" + bullet(commands, 6) + "\n\n" +
		"Continue from here:\n" +
		"- " + nextAction + "\n" +
		"- Reuse existing files/artifacts before creating new ones.\n" +
		"- Avoid repeating already completed steps unless verification fails.\n" +
		"- If uncertain, run one small validation command before broad changes."

	runIDs := make([]string, len(ranked))
	for i, e := range ranked {
		runIDs[i] = e.RunID
	}

	return map[string]any{
		"goal": objective,
		"summary": map[string]any{
			"source":          "memory_pack",
			"entries_used":    len(ranked),
			"source_run_id":   sourceRunID,
			"run_ids":         runIDs,
			"selected_entries": selectedEntries,
		},
		"resume_prompt": resumePrompt,
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// stringSlice reads a []string-ish field out of a memory map, tolerating
// both []string (freshly extracted, in-process) and []any (round-tripped
// through JSON after persistence).
func stringSlice(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
