package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/ksid"
)

// RunMemoryRepository persists the structured memory the Memory/Context
// Packer extracts from each completed run (spec.md §4.J). Grounded on
// repositories.py's RunMemoryRepository.
type RunMemoryRepository struct {
	db *sql.DB
}

// Upsert inserts a new memory entry for runID, or overwrites the existing
// one (run_id is UNIQUE): re-extracting memory for a run replaces its prior
// entry rather than accumulating duplicates.
func (r *RunMemoryRepository) Upsert(ctx context.Context, runID, sessionID, objective, shortSummary string, memory map[string]any) (*RunMemoryEntry, error) {
	if memory == nil {
		memory = map[string]any{}
	}
	memJSON, err := json.Marshal(memory)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	existing, err := r.GetForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		_, err := r.db.ExecContext(ctx, `UPDATE run_memory_entries
			SET objective = ?, short_summary = ?, memory_json = ?, updated_at = ?
			WHERE run_id = ?`, nullString(objective), shortSummary, string(memJSON), formatTime(now), runID)
		if err != nil {
			return nil, fmt.Errorf("update run memory: %w", err)
		}
		return r.GetForRun(ctx, runID)
	}

	entry := &RunMemoryEntry{
		ID:           ksid.New().String(),
		RunID:        runID,
		SessionID:    sessionID,
		Objective:    objective,
		ShortSummary: shortSummary,
		Memory:       memory,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO run_memory_entries
		(id, run_id, session_id, objective, short_summary, memory_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, entry.SessionID, nullString(entry.Objective), entry.ShortSummary,
		string(memJSON), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert run memory: %w", err)
	}
	return entry, nil
}

// GetForRun returns the memory entry for runID, or (nil, nil) if none
// exists.
func (r *RunMemoryRepository) GetForRun(ctx context.Context, runID string) (*RunMemoryEntry, error) {
	row := r.db.QueryRowContext(ctx, memorySelectColumns+" FROM run_memory_entries WHERE run_id = ? LIMIT 1", runID)
	return scanMemory(row)
}

// ListForSession returns up to limit memory entries for sessionID, newest
// first, the pool the Context Packer ranks and merges from.
func (r *RunMemoryRepository) ListForSession(ctx context.Context, sessionID string, limit int) ([]*RunMemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, memorySelectColumns+
		" FROM run_memory_entries WHERE session_id = ? ORDER BY created_at DESC LIMIT ?", sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query run memory: %w", err)
	}
	defer rows.Close()
	var out []*RunMemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const memorySelectColumns = `SELECT id, run_id, session_id, objective, short_summary, memory_json, created_at, updated_at`

func scanMemory(row rowScanner) (*RunMemoryEntry, error) {
	var (
		e                     RunMemoryEntry
		objective             sql.NullString
		memJSON               string
		createdAt, updatedAt  string
	)
	if err := row.Scan(&e.ID, &e.RunID, &e.SessionID, &objective, &e.ShortSummary, &memJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run memory: %w", err)
	}
	e.Objective = objective.String
	e.Memory = map[string]any{}
	_ = json.Unmarshal([]byte(memJSON), &e.Memory)

	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
