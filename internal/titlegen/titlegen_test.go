package titlegen

import (
	"context"
	"testing"

	"github.com/caic-xyz/agentling/internal/store"
)

func TestNewWithEmptyProviderIsNoop(t *testing.T) {
	g := New(context.Background(), "", "")
	if g.provider != nil {
		t.Fatal("expected a no-op generator for an empty provider name")
	}
}

func TestNewWithUnknownProviderIsNoop(t *testing.T) {
	g := New(context.Background(), "not-a-real-provider", "")
	if g.provider != nil {
		t.Fatal("expected a no-op generator for an unknown provider name")
	}
}

func TestGenerateNoopReturnsEmptyString(t *testing.T) {
	g := &Generator{}
	run := &store.Run{ID: "run-1", Prompt: "fix the bug"}
	if got := g.Generate(context.Background(), run); got != "" {
		t.Fatalf("Generate = %q, want empty string for a no-op generator", got)
	}
}

func TestGenerateAndStoreNoopDoesNotPanic(t *testing.T) {
	g := &Generator{}
	run := &store.Run{ID: "run-1", Prompt: "fix the bug"}
	g.GenerateAndStore(context.Background(), nil, run)
}
