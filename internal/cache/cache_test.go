package cache

import (
	"path/filepath"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	c, err := New(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Set("prompt:fix bug", "the fix"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get("prompt:fix bug")
	if !ok || got != "the fix" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c, err := New(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Get("never-set"); ok {
		t.Fatal("expected a miss")
	}
}

func TestSetOverwritesExistingEntry(t *testing.T) {
	c, err := New(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Set("key", "first"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set("key", "second"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, ok := c.Get("key")
	if !ok || got != "second" {
		t.Fatalf("Get = %q, %v, want second", got, ok)
	}
}

func TestDefaultRoot(t *testing.T) {
	if DefaultRoot != ".agentling-cache" {
		t.Fatalf("DefaultRoot = %q", DefaultRoot)
	}
}
