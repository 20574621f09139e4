package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/caic-xyz/agentling/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentling.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sess, err := s.Sessions.Create(ctx, "/work/repo", "demo", map[string]any{"model": "sonnet"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Status != "active" {
		t.Fatalf("status = %q, want active", sess.Status)
	}

	got, err := s.Sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.WorkingDir != "/work/repo" || got.Config["model"] != "sonnet" {
		t.Fatalf("Get roundtrip = %+v", got)
	}

	byDir, err := s.Sessions.GetByWorkingDir(ctx, "/work/repo")
	if err != nil {
		t.Fatalf("GetByWorkingDir: %v", err)
	}
	if byDir == nil || byDir.ID != sess.ID {
		t.Fatalf("GetByWorkingDir = %+v", byDir)
	}

	newName := "renamed"
	if err := s.Sessions.Update(ctx, sess.ID, SessionUpdate{Name: &newName}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = s.Sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Name != "renamed" {
		t.Fatalf("Name = %q, want renamed", got.Name)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sess, err := s.Sessions.Create(ctx, "/work/repo", "", nil)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	run, err := s.Runs.Create(ctx, sess.ID, "fix the bug", "sonnet", "", "")
	if err != nil {
		t.Fatalf("Create run: %v", err)
	}
	if run.Status != "pending" {
		t.Fatalf("status = %q, want pending", run.Status)
	}

	if err := s.Runs.UpdateStatus(ctx, run.ID, "running", ""); err != nil {
		t.Fatalf("UpdateStatus running: %v", err)
	}
	if err := s.Runs.UpdateMetrics(ctx, run.ID, 100, 200, 0.05, 1500); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}
	if err := s.Runs.UpdateMetrics(ctx, run.ID, 10, 20, 0.01, 1600); err != nil {
		t.Fatalf("UpdateMetrics second: %v", err)
	}
	if err := s.Runs.UpdateStatus(ctx, run.ID, "completed", ""); err != nil {
		t.Fatalf("UpdateStatus completed: %v", err)
	}

	got, err := s.Runs.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get run: %v", err)
	}
	if got.TokensIn != 110 || got.TokensOut != 220 {
		t.Fatalf("metrics not additive: tokens_in=%d tokens_out=%d", got.TokensIn, got.TokensOut)
	}
	if got.DurationMs != 1600 {
		t.Fatalf("duration_ms = %d, want overwritten to 1600", got.DurationMs)
	}
	if got.Status != "completed" || got.CompletedAt.IsZero() {
		t.Fatalf("run not completed: %+v", got)
	}

	runs, err := s.Runs.ListForSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListForSession: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("ListForSession = %+v", runs)
	}
}

func TestEventSaveAndReplay(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	bus := events.NewBus(s.Events)

	runID := "run-1"
	for i := 0; i < 3; i++ {
		evt := events.New(events.StreamAssistant, "sess-1", runID)
		evt.Content = "step"
		if err := bus.Publish(ctx, evt); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got, err := s.Events.EventsForRun(ctx, runID, 0, 0)
	if err != nil {
		t.Fatalf("EventsForRun: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 events, got %d", len(got))
	}
	for i, e := range got {
		if e.Sequence != i {
			t.Errorf("event %d has sequence %d, want %d", i, e.Sequence, i)
		}
	}

	bounded, err := s.Events.EventsForRun(ctx, runID, 1, 2)
	if err != nil {
		t.Fatalf("EventsForRun bounded: %v", err)
	}
	if len(bounded) != 1 || bounded[0].Sequence != 1 {
		t.Fatalf("bounded replay = %+v", bounded)
	}

	byID, err := s.Events.Get(ctx, got[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if byID.Content != "step" {
		t.Fatalf("Get roundtrip = %+v", byID)
	}
}

func TestGitSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	snap, err := s.GitSnapshots.Create(ctx, &GitSnapshot{
		RunID:      "run-1",
		SessionID:  "sess-1",
		CommitHash: "abc123",
		Branch:     "main",
		DirtyFiles: []string{"a.go"},
		IsGitRepo:  true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap.ID == "" {
		t.Fatal("expected generated id")
	}

	list, err := s.GitSnapshots.ListForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListForRun: %v", err)
	}
	if len(list) != 1 || len(list[0].DirtyFiles) != 1 || list[0].DirtyFiles[0] != "a.go" {
		t.Fatalf("ListForRun = %+v", list)
	}
}

func TestRunMemoryUpsertReplacesEntry(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.RunMemory.Upsert(ctx, "run-1", "sess-1", "fix bug", "did X", map[string]any{"files_touched": []any{"a.go"}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	second, err := s.RunMemory.Upsert(ctx, "run-1", "sess-1", "fix bug", "did X and Y", map[string]any{"files_touched": []any{"a.go", "b.go"}})
	if err != nil {
		t.Fatalf("Upsert second: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same entry id on re-upsert, got %s vs %s", first.ID, second.ID)
	}

	got, err := s.RunMemory.GetForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetForRun: %v", err)
	}
	if got.ShortSummary != "did X and Y" {
		t.Fatalf("ShortSummary = %q", got.ShortSummary)
	}
}
