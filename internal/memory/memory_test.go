package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentling.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedRunWithEvents(t *testing.T, st *store.Store, sessionID string) *store.Run {
	t.Helper()
	ctx := context.Background()
	run, err := st.Runs.Create(ctx, sessionID, "fix the flaky test", "sonnet", "", "")
	if err != nil {
		t.Fatalf("Runs.Create: %v", err)
	}
	if err := st.Runs.UpdateStatus(ctx, run.ID, "completed", ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	user := events.New(events.StreamUser, sessionID, run.ID)
	user.Role = "user"
	user.Content = "fix the flaky integration test in auth"
	mustSave(t, st, user)

	readEvt := events.New(events.StreamToolUse, sessionID, run.ID)
	readEvt.ToolName = "Read"
	readEvt.ToolInput = map[string]any{"file_path": "internal/auth/login_test.go"}
	mustSave(t, st, readEvt)

	editEvt := events.New(events.StreamToolUse, sessionID, run.ID)
	editEvt.ToolName = "Edit"
	editEvt.ToolInput = map[string]any{"file_path": "internal/auth/login.go"}
	mustSave(t, st, editEvt)

	bashEvt := events.New(events.StreamToolUse, sessionID, run.ID)
	bashEvt.ToolName = "Bash"
	bashEvt.ToolInput = map[string]any{"command": "go test ./internal/auth/..."}
	mustSave(t, st, bashEvt)

	asst := events.New(events.StreamAssistant, sessionID, run.ID)
	asst.Content = "Fixed the race in the token refresh path. Let me know if you'd like more tests."
	mustSave(t, st, asst)

	result := events.New(events.StreamResult, sessionID, run.ID)
	mustSave(t, st, result)

	return run
}

func mustSave(t *testing.T, st *store.Store, evt *events.Event) {
	t.Helper()
	// Give each event the next free sequence: (run_id, sequence) is UNIQUE.
	existing, err := st.Events.EventsForRun(context.Background(), evt.RunID, 0, 0)
	if err != nil {
		t.Fatalf("EventsForRun: %v", err)
	}
	evt.Sequence = len(existing)
	if err := st.Events.SaveEvent(context.Background(), evt); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
}

func TestExtractCapturesFilesCommandsAndOpenLoop(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	sess, err := st.Sessions.Create(ctx, "/work/repo", "demo", nil)
	if err != nil {
		t.Fatalf("Sessions.Create: %v", err)
	}
	run := seedRunWithEvents(t, st, sess.ID)

	mem, err := Extract(ctx, st, run.ID)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if mem == nil {
		t.Fatal("expected non-nil memory")
	}

	if mem["objective"] != "fix the flaky integration test in auth" {
		t.Fatalf("objective = %v", mem["objective"])
	}
	files := mem["files_touched"].([]string)
	if len(files) != 2 || files[0] != "internal/auth/login_test.go" || files[1] != "internal/auth/login.go" {
		t.Fatalf("files_touched = %v", files)
	}
	testCmds := mem["test_commands"].([]string)
	if len(testCmds) != 1 || testCmds[0] != "go test ./internal/auth/..." {
		t.Fatalf("test_commands = %v", testCmds)
	}
	loops := mem["open_loops"].([]string)
	if len(loops) != 1 {
		t.Fatalf("open_loops = %v, expected one cued loop", loops)
	}
	phases := mem["phases"].([]string)
	wantPhases := map[string]bool{"exploration": true, "implementation": true, "validation": true}
	for _, p := range phases {
		if !wantPhases[p] {
			t.Fatalf("unexpected phase %q in %v", p, phases)
		}
	}
}

func TestExtractUnknownRun(t *testing.T) {
	st := openTestStore(t)
	mem, err := Extract(context.Background(), st, "does-not-exist")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if mem != nil {
		t.Fatalf("expected nil memory for unknown run, got %v", mem)
	}
}

func TestPersistUpsertsRunMemory(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	sess, _ := st.Sessions.Create(ctx, "/work/repo", "demo", nil)
	run := seedRunWithEvents(t, st, sess.ID)

	if err := Persist(ctx, st, run.ID); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	entry, err := st.RunMemory.GetForRun(ctx, run.ID)
	if err != nil || entry == nil {
		t.Fatalf("GetForRun: entry=%v err=%v", entry, err)
	}
	if entry.Objective == "" {
		t.Fatal("expected a non-empty objective")
	}

	// Re-persisting must overwrite rather than duplicate.
	if err := Persist(ctx, st, run.ID); err != nil {
		t.Fatalf("Persist (second call): %v", err)
	}
	entries, err := st.RunMemory.ListForSession(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("ListForSession: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one memory entry, got %d", len(entries))
	}
}

func TestBuildContextPackEmpty(t *testing.T) {
	pack := BuildContextPack(nil, "", 5)
	if pack["goal"] != "" {
		t.Fatalf("expected empty goal, got %v", pack["goal"])
	}
	summary := pack["summary"].(map[string]any)
	if summary["entries_used"] != 0 {
		t.Fatalf("entries_used = %v, want 0", summary["entries_used"])
	}
}

func TestBuildContextPackRanksSourceRunFirst(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	sess, _ := st.Sessions.Create(ctx, "/work/repo", "demo", nil)

	older, err := st.RunMemory.Upsert(ctx, "run-old", sess.ID, "old objective", "old summary", map[string]any{
		"status":        "completed",
		"objective":     "old objective",
		"short_summary": "old summary",
		"files_touched": []string{"a.go"},
	})
	if err != nil {
		t.Fatalf("Upsert old: %v", err)
	}
	newer, err := st.RunMemory.Upsert(ctx, "run-new", sess.ID, "new objective", "new summary", map[string]any{
		"status":        "failed",
		"objective":     "new objective",
		"short_summary": "new summary",
		"open_loops":    []string{"needs a follow-up"},
	})
	if err != nil {
		t.Fatalf("Upsert new: %v", err)
	}

	pack := BuildContextPack([]*store.RunMemoryEntry{older, newer}, "run-old", 5)
	if pack["goal"] != "old objective" {
		t.Fatalf("expected the source run's objective to win, got %v", pack["goal"])
	}
	summary := pack["summary"].(map[string]any)
	runIDs := summary["run_ids"].([]string)
	if len(runIDs) == 0 || runIDs[0] != "run-old" {
		t.Fatalf("expected run-old ranked first, got %v", runIDs)
	}
}
