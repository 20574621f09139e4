package gittrack

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/caic-xyz/agentling/internal/events"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	run("add", "a.go")
	run("commit", "-q", "-m", "init")
	return dir
}

func TestSnapshotCleanRepo(t *testing.T) {
	dir := initRepo(t)
	tr := New(dir, "sess-1", "run-1")
	ctx := context.Background()

	if !tr.IsGitRepo(ctx) {
		t.Fatal("expected IsGitRepo to be true")
	}

	snap, evt := tr.Snapshot(ctx)
	if !snap.IsGitRepo {
		t.Fatal("expected IsGitRepo true in snapshot")
	}
	if snap.CommitHash == "" {
		t.Fatal("expected non-empty commit hash")
	}
	if len(snap.DirtyFiles) != 0 {
		t.Fatalf("expected no dirty files on a clean repo, got %v", snap.DirtyFiles)
	}
	if evt.Type != events.GitSnapshot {
		t.Fatalf("event type = %s, want %s", evt.Type, events.GitSnapshot)
	}
}

func TestSnapshotDirtyAndUntracked(t *testing.T) {
	dir := initRepo(t)
	tr := New(dir, "sess-1", "run-1")
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n\nvar x = 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "new.go"), []byte("package a\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	snap, _ := tr.Snapshot(ctx)
	if len(snap.DirtyFiles) != 2 {
		t.Fatalf("expected dirty+untracked merged (2 entries), got %v", snap.DirtyFiles)
	}
	if len(snap.UntrackedFiles) != 1 || snap.UntrackedFiles[0] != "new.go" {
		t.Fatalf("untracked files = %v", snap.UntrackedFiles)
	}

	changes, err := tr.FileChanges(ctx)
	if err != nil {
		t.Fatalf("FileChanges: %v", err)
	}
	var sawModified, sawAdded bool
	for _, c := range changes {
		if c.Path == "a.go" && c.ChangeType == "modified" && c.LinesAdded > 0 {
			sawModified = true
		}
		if c.Path == "new.go" && c.ChangeType == "added" {
			sawAdded = true
		}
	}
	if !sawModified || !sawAdded {
		t.Fatalf("FileChanges missing expected entries: %+v", changes)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := initRepo(t)
	tr := New(dir, "sess-1", "run-1")
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n\nvar y = 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	stash, err := tr.CreateCheckpoint(ctx, "checkpoint")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if stash == "" {
		t.Fatal("expected non-empty stash result")
	}

	content, err := os.ReadFile(filepath.Join(dir, "a.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "package a\n" {
		t.Fatalf("expected working tree reverted after stash, got %q", content)
	}

	if err := tr.RestoreCheckpoint(ctx); err != nil {
		t.Fatalf("RestoreCheckpoint: %v", err)
	}
	content, err = os.ReadFile(filepath.Join(dir, "a.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "package a\n\nvar y = 2\n" {
		t.Fatalf("expected stash restored, got %q", content)
	}
}

func TestNotGitRepo(t *testing.T) {
	dir := t.TempDir()
	tr := New(dir, "sess-1", "run-1")
	ctx := context.Background()

	if tr.IsGitRepo(ctx) {
		t.Fatal("expected IsGitRepo false outside a repo")
	}
	snap, _ := tr.Snapshot(ctx)
	if snap.IsGitRepo {
		t.Fatal("expected snapshot.IsGitRepo false")
	}

	if _, err := tr.CreateCheckpoint(ctx, "x"); err == nil {
		t.Fatal("expected error creating checkpoint outside a repo")
	}
}
