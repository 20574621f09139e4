package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/ksid"
)

// SessionSnapshotRepository persists resume-point summaries for ended
// interactive runs (spec.md §4.C's end_interactive_session flow). Grounded
// on repositories.py's SessionSnapshotRepository.
type SessionSnapshotRepository struct {
	db *sql.DB
}

// Create inserts a snapshot. summary may be nil, treated as empty.
func (r *SessionSnapshotRepository) Create(ctx context.Context, runID, sessionID, goal string, summary map[string]any, resumePrompt string) (*SessionSnapshot, error) {
	if summary == nil {
		summary = map[string]any{}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &SessionSnapshot{
		ID:           ksid.New().String(),
		RunID:        runID,
		SessionID:    sessionID,
		Goal:         goal,
		Summary:      summary,
		ResumePrompt: resumePrompt,
		CreatedAt:    now,
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO session_snapshots
		(id, run_id, session_id, goal, summary_json, resume_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RunID, s.SessionID, nullString(s.Goal), string(summaryJSON), s.ResumePrompt, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert session snapshot: %w", err)
	}
	return s, nil
}

// GetForRun returns the snapshot created for runID, or (nil, nil) if none
// exists (run_id is UNIQUE, so at most one ever exists).
func (r *SessionSnapshotRepository) GetForRun(ctx context.Context, runID string) (*SessionSnapshot, error) {
	row := r.db.QueryRowContext(ctx, snapshotSelectColumns+" FROM session_snapshots WHERE run_id = ? LIMIT 1", runID)
	return scanSnapshot(row)
}

// GetLatestForSession returns the most recently created snapshot across
// every run in sessionID, used to seed a fresh interactive session's resume
// prompt.
func (r *SessionSnapshotRepository) GetLatestForSession(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	row := r.db.QueryRowContext(ctx, snapshotSelectColumns+
		" FROM session_snapshots WHERE session_id = ? ORDER BY created_at DESC LIMIT 1", sessionID)
	return scanSnapshot(row)
}

const snapshotSelectColumns = `SELECT id, run_id, session_id, goal, summary_json, resume_prompt, created_at`

func scanSnapshot(row rowScanner) (*SessionSnapshot, error) {
	var (
		s            SessionSnapshot
		goal         sql.NullString
		summaryJSON  string
		createdAt    string
	)
	if err := row.Scan(&s.ID, &s.RunID, &s.SessionID, &goal, &summaryJSON, &s.ResumePrompt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session snapshot: %w", err)
	}
	s.Goal = goal.String
	s.Summary = map[string]any{}
	_ = json.Unmarshal([]byte(summaryJSON), &s.Summary)
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = t
	return &s, nil
}
