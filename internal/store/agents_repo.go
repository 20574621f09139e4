package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/ksid"
)

// AgentRepository implements agent-template CRUD for the Pattern Executor.
// Grounded on repositories.py's AgentRepository.
type AgentRepository struct {
	db *sql.DB
}

// AgentSpec carries the creatable/updatable fields of an Agent.
type AgentSpec struct {
	Name         string
	Description  string
	Role         string
	Personality  string
	SystemPrompt string
	Model        string
	Tools        []string
	Constraints  map[string]any
}

// Create inserts a new agent template.
func (r *AgentRepository) Create(ctx context.Context, spec AgentSpec) (*Agent, error) {
	model := spec.Model
	if model == "" {
		model = "sonnet"
	}
	tools := spec.Tools
	if tools == nil {
		tools = []string{}
	}
	constraints := spec.Constraints
	if constraints == nil {
		constraints = map[string]any{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return nil, err
	}
	constraintsJSON, err := json.Marshal(constraints)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	a := &Agent{
		ID:           ksid.New().String(),
		Name:         spec.Name,
		Description:  spec.Description,
		Role:         spec.Role,
		Personality:  spec.Personality,
		SystemPrompt: spec.SystemPrompt,
		Model:        model,
		Tools:        tools,
		Constraints:  constraints,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO agents
		(id, name, description, role, personality, system_prompt, model, tools_json, constraints_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, nullString(a.Description), nullString(a.Role), nullString(a.Personality),
		nullString(a.SystemPrompt), a.Model, string(toolsJSON), string(constraintsJSON),
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return a, nil
}

// Get loads an agent by id, returning (nil, nil) if absent.
func (r *AgentRepository) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, agentSelectColumns+" FROM agents WHERE id = ?", id)
	return scanAgent(row)
}

// ListAll returns every agent template, most recently updated first.
func (r *AgentRepository) ListAll(ctx context.Context) ([]*Agent, error) {
	rows, err := r.db.QueryContext(ctx, agentSelectColumns+" FROM agents ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Delete removes an agent template, reporting whether a row was removed.
func (r *AgentRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const agentSelectColumns = `SELECT id, name, description, role, personality, system_prompt, model,
	tools_json, constraints_json, created_at, updated_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a                                                  Agent
		description, role, personality, systemPrompt       sql.NullString
		toolsJSON, constraintsJSON                          string
		createdAt, updatedAt                                string
	)
	if err := row.Scan(&a.ID, &a.Name, &description, &role, &personality, &systemPrompt,
		&a.Model, &toolsJSON, &constraintsJSON, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Description = description.String
	a.Role = role.String
	a.Personality = personality.String
	a.SystemPrompt = systemPrompt.String
	a.Tools = []string{}
	_ = json.Unmarshal([]byte(toolsJSON), &a.Tools)
	a.Constraints = map[string]any{}
	_ = json.Unmarshal([]byte(constraintsJSON), &a.Constraints)

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
