package pattern

import (
	"fmt"
	"strings"

	"github.com/caic-xyz/agentling/internal/store"
)

// buildFullPrompt wraps inputText with the agent's system prompt,
// personality, and constraints, each only when the agent defines it.
func buildFullPrompt(agent *store.Agent, inputText string) string {
	var b strings.Builder
	if agent.SystemPrompt != "" {
		fmt.Fprintf(&b, "<system>%s</system>\n\n", agent.SystemPrompt)
	}
	if agent.Personality != "" {
		fmt.Fprintf(&b, "<personality>%s</personality>\n\n", agent.Personality)
	}
	if len(agent.Constraints) > 0 {
		b.WriteString("<constraints>\n")
		for k, v := range agent.Constraints {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
		b.WriteString("</constraints>\n\n")
	}
	b.WriteString(inputText)
	return b.String()
}

func buildGeneratorPrompt(originalInput, currentInput, previousOutput string, iteration int) string {
	if iteration == 0 {
		return currentInput
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Original request:\n%s\n\n", originalInput)
	fmt.Fprintf(&b, "Your previous output:\n%s\n\n", previousOutput)
	fmt.Fprintf(&b, "Feedback to incorporate:\n%s\n\n", currentInput)
	b.WriteString("Please improve your previous output to address this feedback.")
	return b.String()
}

func buildCriticPrompt(originalInput, generatedOutput string, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request:\n%s\n\n", originalInput)
	fmt.Fprintf(&b, "Generated output to review (iteration %d):\n%s\n\n", iteration+1, generatedOutput)
	b.WriteString("Please review this output critically. If it fully satisfies the original request, respond with APPROVED. Otherwise, provide specific, actionable feedback for improvement.")
	return b.String()
}

func buildPanelPrompt(agent *store.Agent, inputText string) string {
	role := agent.Role
	if role == "" {
		role = "expert"
	}
	return fmt.Sprintf("As a %s, please provide your expert perspective on the following:\n\n%s\n\nFocus on your area of expertise and keep your response focused and actionable.", role, inputText)
}

func buildSynthesisPrompt(originalInput string, panelOutputs []map[string]string) string {
	var blocks strings.Builder
	for _, p := range panelOutputs {
		fmt.Fprintf(&blocks, "**%s** (%s):\n%s\n\n", p["agent"], p["role"], p["output"])
	}
	return fmt.Sprintf("Original request:\n%s\n\nPanel perspectives:\n\n%sPlease synthesize these perspectives into a single, coherent recommendation.", originalInput, blocks.String())
}

func buildDebatePrompt(originalTopic string, debateHistory []map[string]string, roundNum, position int) string {
	if roundNum == 0 && len(debateHistory) == 0 {
		return fmt.Sprintf("Topic for debate: %s\n\nYou are arguing position #%d. Present your opening argument.", originalTopic, position+1)
	}
	var hist strings.Builder
	for _, h := range debateHistory {
		fmt.Fprintf(&hist, "Round %s - %s:\n%s\n\n", h["round"], h["debater"], h["argument"])
	}
	return fmt.Sprintf("Topic for debate: %s\n\nDebate so far:\n\n%sRespond to the previous arguments and strengthen your position.", originalTopic, hist.String())
}

func buildJudgePrompt(originalTopic string, debateHistory []map[string]string) string {
	var hist strings.Builder
	for _, h := range debateHistory {
		fmt.Fprintf(&hist, "Round %s - %s:\n%s\n\n", h["round"], h["debater"], h["argument"])
	}
	return fmt.Sprintf("Topic debated: %s\n\nFull debate transcript:\n\n%sAs judge, render your verdict. Weigh the strength of each argument and declare a winner, or a draw if the positions are equally compelling.", originalTopic, hist.String())
}
