// Package gittrack captures git repository state around a run so the UI
// can show what changed: current commit/branch, dirty/staged/untracked
// files, and a diff-stat summary, published as git.snapshot events.
//
// Grounded on original_source/agentling/session/git_tracker.py's GitTracker,
// translated to the teacher's exec.CommandContext + cmd.Dir idiom
// (backend/internal/task/safety.go's gitCatFileSize/scanDiffForSecrets) in
// place of asyncio subprocess calls.
package gittrack

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/caic-xyz/agentling/internal/events"
	"github.com/caic-xyz/agentling/internal/store"
)

// Tracker watches one working directory across the lifetime of a run. It
// remembers whether it has taken a snapshot before: the first snapshot has
// an empty diff-stat, and every later one carries `git diff --stat`.
type Tracker struct {
	workingDir string
	sessionID  string
	runID      string

	isRepo    *bool // cached after first check, nil until known
	lastState *state
}

type state struct {
	commitHash     string
	branch         string
	dirtyFiles     []string
	stagedFiles    []string
	untrackedFiles []string
	diffStat       string
	isGitRepo      bool
}

// FileChange is one entry in the list returned by FileChanges.
type FileChange struct {
	Path         string
	ChangeType   string // "added", "modified", "deleted"
	LinesAdded   int
	LinesRemoved int
}

// New constructs a Tracker rooted at workingDir.
func New(workingDir, sessionID, runID string) *Tracker {
	return &Tracker{workingDir: filepath.Clean(workingDir), sessionID: sessionID, runID: runID}
}

// IsGitRepo reports whether the working directory is inside a git repo,
// caching the result for the lifetime of the Tracker.
func (t *Tracker) IsGitRepo(ctx context.Context) bool {
	if t.isRepo != nil {
		return *t.isRepo
	}
	_, err := t.runGit(ctx, "rev-parse", "--git-dir")
	ok := err == nil
	t.isRepo = &ok
	return ok
}

// Snapshot captures the current git state and returns it both as a
// store.GitSnapshot (ready for persistence) and the events.Event that
// wraps it for the Event Bus.
func (t *Tracker) Snapshot(ctx context.Context) (*store.GitSnapshot, *events.Event) {
	st := t.getState(ctx)

	diffStat := ""
	if t.lastState != nil && st.isGitRepo {
		diffStat, _ = t.runGit(ctx, "diff", "--stat")
	}
	t.lastState = st

	snap := &store.GitSnapshot{
		RunID:          t.runID,
		SessionID:      t.sessionID,
		CommitHash:     st.commitHash,
		Branch:         st.branch,
		DirtyFiles:     append(append([]string{}, st.dirtyFiles...), st.untrackedFiles...),
		StagedFiles:    st.stagedFiles,
		UntrackedFiles: st.untrackedFiles,
		DiffStat:       diffStat,
		IsGitRepo:      st.isGitRepo,
	}

	evt := events.New(events.GitSnapshot, t.sessionID, t.runID)
	evt.Payload["commit_hash"] = snap.CommitHash
	evt.Payload["branch"] = snap.Branch
	evt.Payload["dirty_files"] = snap.DirtyFiles
	evt.Payload["staged_files"] = snap.StagedFiles
	evt.Payload["untracked_files"] = snap.UntrackedFiles
	evt.Payload["diff_stat"] = snap.DiffStat
	evt.Payload["is_git_repo"] = snap.IsGitRepo
	if st.isGitRepo {
		if issues, err := t.ScanForIssues(ctx); err == nil && len(issues) > 0 {
			evt.Payload["safety_issues"] = issues
		}
	}
	return snap, evt
}

// getState runs the four state-gathering git commands in parallel,
// mirroring the Python tracker's asyncio.gather over rev-parse/status/diff.
func (t *Tracker) getState(ctx context.Context) *state {
	if !t.IsGitRepo(ctx) {
		return &state{isGitRepo: false}
	}

	var commitHash, branch, status, diffStat string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { commitHash, _ = t.runGit(gctx, "rev-parse", "HEAD"); return nil })
	g.Go(func() error { branch, _ = t.runGit(gctx, "rev-parse", "--abbrev-ref", "HEAD"); return nil })
	g.Go(func() error { status, _ = t.runGit(gctx, "status", "--porcelain"); return nil })
	g.Go(func() error { diffStat, _ = t.runGit(gctx, "diff", "--stat"); return nil })
	_ = g.Wait() // each goroutine swallows its own error; a failed command just yields "".

	dirty, staged, untracked := parsePorcelain(status)
	return &state{
		commitHash:     strings.TrimSpace(commitHash),
		branch:         strings.TrimSpace(branch),
		dirtyFiles:     dirty,
		stagedFiles:    staged,
		untrackedFiles: untracked,
		diffStat:       strings.TrimSpace(diffStat),
		isGitRepo:      true,
	}
}

// parsePorcelain parses `git status --porcelain` output into dirty, staged,
// and untracked file lists, following the two-character status-code
// convention: column 0 is the index (staged) status, column 1 is the
// working-tree (dirty) status, and "??" marks an untracked file.
func parsePorcelain(output string) (dirty, staged, untracked []string) {
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line == "" || len(line) < 4 {
			continue
		}
		code := line[:2]
		path := line[3:]
		if code == "??" {
			untracked = append(untracked, path)
			continue
		}
		if code[0] != ' ' {
			staged = append(staged, path)
		}
		if code[1] != ' ' {
			dirty = append(dirty, path)
		}
	}
	return dirty, staged, untracked
}

// FileChanges returns the detailed per-file diff (added/removed line
// counts) plus any untracked files, for the run's working directory.
func (t *Tracker) FileChanges(ctx context.Context) ([]FileChange, error) {
	if !t.IsGitRepo(ctx) {
		return nil, nil
	}
	numstat, err := t.runGit(ctx, "diff", "--numstat")
	if err != nil {
		return nil, err
	}
	var changes []FileChange
	for _, line := range strings.Split(strings.TrimSpace(numstat), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		added, _ := strconv.Atoi(parts[0])
		removed, _ := strconv.Atoi(parts[1])
		changes = append(changes, FileChange{
			Path:         parts[2],
			ChangeType:   "modified",
			LinesAdded:   added,
			LinesRemoved: removed,
		})
	}

	untracked, err := t.runGit(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return changes, err
	}
	for _, path := range strings.Split(strings.TrimSpace(untracked), "\n") {
		if path == "" {
			continue
		}
		changes = append(changes, FileChange{Path: path, ChangeType: "added"})
	}
	return changes, nil
}

// FileDiff returns the unified diff for a single file.
func (t *Tracker) FileDiff(ctx context.Context, path string) (string, error) {
	if !t.IsGitRepo(ctx) {
		return "", nil
	}
	return t.runGit(ctx, "diff", "--", path)
}

// CreateCheckpoint stashes the working tree's current changes under
// message, returning the empty string if there was nothing to stash.
func (t *Tracker) CreateCheckpoint(ctx context.Context, message string) (string, error) {
	if !t.IsGitRepo(ctx) {
		return "", errors.New("not a git repository")
	}
	out, err := t.runGit(ctx, "stash", "push", "-m", message)
	if err != nil {
		return "", err
	}
	if strings.Contains(out, "No local changes") {
		return "", nil
	}
	return out, nil
}

// RestoreCheckpoint pops the most recent stash.
func (t *Tracker) RestoreCheckpoint(ctx context.Context) error {
	if !t.IsGitRepo(ctx) {
		return errors.New("not a git repository")
	}
	out, err := t.runGit(ctx, "stash", "pop")
	if err != nil {
		return err
	}
	if strings.Contains(strings.ToLower(out), "error") {
		return errors.New(out)
	}
	return nil
}

// runGit runs a git subcommand rooted at the tracker's working directory
// and returns its stdout as is; callers trim it where they need to.
func (t *Tracker) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = t.workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.New(strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
