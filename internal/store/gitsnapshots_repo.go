package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/ksid"
)

// GitSnapshotRepository persists point-in-time git status captures emitted
// by the Git Tracker. Grounded on repositories.py's GitSnapshotRepository,
// extended with untracked_files/is_git_repo per the Git Tracker's fuller
// snapshot shape.
type GitSnapshotRepository struct {
	db *sql.DB
}

// Create inserts a snapshot and returns it with its generated id.
func (r *GitSnapshotRepository) Create(ctx context.Context, snap *GitSnapshot) (*GitSnapshot, error) {
	snap.ID = ksid.New().String()
	snap.CreatedAt = time.Now().UTC()

	dirty, err := json.Marshal(nonNilStrings(snap.DirtyFiles))
	if err != nil {
		return nil, err
	}
	staged, err := json.Marshal(nonNilStrings(snap.StagedFiles))
	if err != nil {
		return nil, err
	}
	untracked, err := json.Marshal(nonNilStrings(snap.UntrackedFiles))
	if err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO git_snapshots
		(id, run_id, session_id, commit_hash, branch, dirty_files_json, staged_files_json,
		 untracked_files_json, diff_stat, is_git_repo, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.RunID, snap.SessionID, nullString(snap.CommitHash), nullString(snap.Branch),
		string(dirty), string(staged), string(untracked), nullString(snap.DiffStat),
		snap.IsGitRepo, formatTime(snap.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert git snapshot: %w", err)
	}
	return snap, nil
}

// ListForRun returns every snapshot for runID in creation order.
func (r *GitSnapshotRepository) ListForRun(ctx context.Context, runID string) ([]*GitSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, run_id, session_id, commit_hash, branch,
		dirty_files_json, staged_files_json, untracked_files_json, diff_stat, is_git_repo, created_at
		FROM git_snapshots WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("query git snapshots: %w", err)
	}
	defer rows.Close()

	var out []*GitSnapshot
	for rows.Next() {
		var (
			s                                  GitSnapshot
			commitHash, branch, diffStat       sql.NullString
			dirty, staged, untracked           string
			createdAt                          string
		)
		if err := rows.Scan(&s.ID, &s.RunID, &s.SessionID, &commitHash, &branch,
			&dirty, &staged, &untracked, &diffStat, &s.IsGitRepo, &createdAt); err != nil {
			return nil, fmt.Errorf("scan git snapshot: %w", err)
		}
		s.CommitHash = commitHash.String
		s.Branch = branch.String
		s.DiffStat = diffStat.String
		_ = json.Unmarshal([]byte(dirty), &s.DirtyFiles)
		_ = json.Unmarshal([]byte(staged), &s.StagedFiles)
		_ = json.Unmarshal([]byte(untracked), &s.UntrackedFiles)
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		s.CreatedAt = t
		out = append(out, &s)
	}
	return out, rows.Err()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
