package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/ksid"
)

// AgentRunRepository tracks one row per agent invocation within a pattern
// execution. Grounded on repositories.py's AgentRunRepository.
type AgentRunRepository struct {
	db *sql.DB
}

// AgentRunSpec carries the creatable fields of an AgentRun.
type AgentRunSpec struct {
	AgentID          string
	RunID            string
	ParentAgentRunID string
	Pattern          string
	RoleInPattern    string
	Sequence         int
	Iteration        int
	InputText        string
	Metadata         map[string]any
}

// Create inserts a new agent run in "pending" status.
func (r *AgentRunRepository) Create(ctx context.Context, spec AgentRunSpec) (*AgentRun, error) {
	pattern := spec.Pattern
	if pattern == "" {
		pattern = "solo"
	}
	meta := spec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	ar := &AgentRun{
		ID:               ksid.New().String(),
		AgentID:          spec.AgentID,
		RunID:            spec.RunID,
		ParentAgentRunID: spec.ParentAgentRunID,
		Pattern:          pattern,
		RoleInPattern:    spec.RoleInPattern,
		Sequence:         spec.Sequence,
		Iteration:        spec.Iteration,
		Status:           "pending",
		InputText:        spec.InputText,
		Metadata:         meta,
		CreatedAt:        now,
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO agent_runs
		(id, agent_id, run_id, parent_agent_run_id, pattern, role_in_pattern,
		 sequence, iteration, status, input_text, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ar.ID, ar.AgentID, ar.RunID, nullString(ar.ParentAgentRunID), ar.Pattern,
		nullString(ar.RoleInPattern), ar.Sequence, ar.Iteration, ar.Status,
		nullString(ar.InputText), string(metaJSON), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert agent run: %w", err)
	}
	return ar, nil
}

// Get loads an agent run by id, returning (nil, nil) if absent.
func (r *AgentRunRepository) Get(ctx context.Context, id string) (*AgentRun, error) {
	row := r.db.QueryRowContext(ctx, agentRunSelectColumns+" FROM agent_runs WHERE id = ?", id)
	return scanAgentRun(row)
}

// ListForRun returns every agent run for runID, ordered by sequence then
// iteration (the order a pattern actually executed agents in).
func (r *AgentRunRepository) ListForRun(ctx context.Context, runID string) ([]*AgentRun, error) {
	rows, err := r.db.QueryContext(ctx, agentRunSelectColumns+
		" FROM agent_runs WHERE run_id = ? ORDER BY sequence, iteration", runID)
	if err != nil {
		return nil, fmt.Errorf("query agent runs: %w", err)
	}
	defer rows.Close()
	var out []*AgentRun
	for rows.Next() {
		ar, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ar)
	}
	return out, rows.Err()
}

// ListForAgent returns every agent run for agentID, newest first.
func (r *AgentRunRepository) ListForAgent(ctx context.Context, agentID string) ([]*AgentRun, error) {
	rows, err := r.db.QueryContext(ctx, agentRunSelectColumns+
		" FROM agent_runs WHERE agent_id = ? ORDER BY created_at DESC", agentID)
	if err != nil {
		return nil, fmt.Errorf("query agent runs: %w", err)
	}
	defer rows.Close()
	var out []*AgentRun
	for rows.Next() {
		ar, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ar)
	}
	return out, rows.Err()
}

// UpdateStatus transitions an agent run's status, stamping started_at on
// "running" and output_text/completed_at on terminal statuses.
func (r *AgentRunRepository) UpdateStatus(ctx context.Context, id, status, outputText string) error {
	now := formatTime(time.Now())
	var err error
	switch status {
	case "running":
		_, err = r.db.ExecContext(ctx, "UPDATE agent_runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case "completed", "failed":
		_, err = r.db.ExecContext(ctx, "UPDATE agent_runs SET status = ?, output_text = ?, completed_at = ? WHERE id = ?",
			status, nullString(outputText), now, id)
	default:
		_, err = r.db.ExecContext(ctx, "UPDATE agent_runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update agent run status: %w", err)
	}
	return nil
}

const agentRunSelectColumns = `SELECT id, agent_id, run_id, parent_agent_run_id, pattern, role_in_pattern,
	sequence, iteration, status, input_text, output_text, metadata_json, started_at, completed_at, created_at`

func scanAgentRun(row rowScanner) (*AgentRun, error) {
	var (
		ar                                            AgentRun
		parentAgentRunID, roleInPattern               sql.NullString
		inputText, outputText                         sql.NullString
		metaJSON                                       string
		startedAt, completedAt, createdAt              sql.NullString
	)
	if err := row.Scan(&ar.ID, &ar.AgentID, &ar.RunID, &parentAgentRunID, &ar.Pattern, &roleInPattern,
		&ar.Sequence, &ar.Iteration, &ar.Status, &inputText, &outputText, &metaJSON,
		&startedAt, &completedAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan agent run: %w", err)
	}
	ar.ParentAgentRunID = parentAgentRunID.String
	ar.RoleInPattern = roleInPattern.String
	ar.InputText = inputText.String
	ar.OutputText = outputText.String
	ar.Metadata = map[string]any{}
	_ = json.Unmarshal([]byte(metaJSON), &ar.Metadata)

	var err error
	if ar.StartedAt, err = scanTime(startedAt); err != nil {
		return nil, err
	}
	if ar.CompletedAt, err = scanTime(completedAt); err != nil {
		return nil, err
	}
	if createdAt.Valid {
		if ar.CreatedAt, err = parseTime(createdAt.String); err != nil {
			return nil, err
		}
	}
	return &ar, nil
}
