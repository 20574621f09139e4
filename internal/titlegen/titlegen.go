// Package titlegen generates short, human-readable run titles from a
// run's prompt and final output using a cheap LLM call.
//
// Grounded on backend/internal/server/titlegen.go's titleGenerator,
// adapted from task.Task's message list to store.Run's prompt/final
// output fields.
package titlegen

import (
	"context"
	"log/slog"
	"strings"

	"github.com/caic-xyz/agentling/internal/store"
	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"
)

const systemPrompt = "Summarize this coding task conversation in 3-8 words as a short title. Reply with ONLY the title, no quotes."

// maxInputChars bounds the prompt/output text sent to the LLM, to keep
// title-generation cost negligible relative to the run itself.
const maxInputChars = 2000

// Generator produces titles for completed runs using a cheap configured
// LLM provider. If unconfigured (no provider name, unknown provider, or
// provider construction failure) every call is a silent no-op, matching
// its grounding source's "all operations are no-ops" contract.
type Generator struct {
	provider genai.Provider
}

// New builds a Generator from provider/model config strings, matching
// titlegen.go's newTitleGenerator. An empty providerName, an unknown
// provider, or a construction failure all yield a no-op Generator rather
// than an error — title generation is a nicety, never load-bearing.
func New(ctx context.Context, providerName, model string) *Generator {
	if providerName == "" {
		return &Generator{}
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for title generation", "provider", providerName)
		return &Generator{}
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create LLM provider for title generation", "provider", providerName, "err", err)
		return &Generator{}
	}
	slog.Info("title generation enabled", "provider", providerName, "model", p.ModelID())
	return &Generator{provider: p}
}

// Generate asks the configured LLM for a short title summarizing run's
// prompt and final output. Returns "" if unconfigured or on any failure;
// callers should treat the empty string as "leave the title unset", not
// as an error worth surfacing to the operator.
func (g *Generator) Generate(ctx context.Context, run *store.Run) string {
	if g.provider == nil {
		return ""
	}
	input := "Prompt: " + run.Prompt
	if strings.TrimSpace(run.FinalOutput) != "" {
		input += "\nResult: " + run.FinalOutput
	}
	if len(input) > maxInputChars {
		input = input[:maxInputChars]
	}

	res, err := g.provider.GenSync(ctx,
		genai.Messages{genai.NewTextMessage(input)},
		&genai.GenOptionText{
			SystemPrompt: systemPrompt,
			MaxTokens:    64,
			Temperature:  0.3,
		},
	)
	if err != nil {
		slog.Warn("title generation LLM call failed", "run_id", run.ID, "err", err)
		return ""
	}
	title := strings.TrimSpace(res.String())
	title = strings.Trim(title, "\"'`")
	return title
}

// GenerateAndStore generates a title for run and persists it via st,
// matching the fire-and-forget pattern the Session Manager uses after a
// run completes: a failure here is logged, never returned, since a
// missing title never invalidates the run itself.
func (g *Generator) GenerateAndStore(ctx context.Context, st *store.Store, run *store.Run) {
	if g.provider == nil {
		return
	}
	title := g.Generate(ctx, run)
	if title == "" {
		return
	}
	if err := st.Runs.UpdateTitle(ctx, run.ID, title); err != nil {
		slog.Warn("failed to persist generated run title", "run_id", run.ID, "err", err)
	}
}
