package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/ksid"
)

// AgentPatternRepository persists saved multi-agent workflow configurations
// (Solo/Loop/Panel/Debate). Grounded on repositories.py's
// AgentPatternRepository.
type AgentPatternRepository struct {
	db *sql.DB
}

// AgentPatternSpec carries the creatable/updatable fields of an
// AgentPattern.
type AgentPatternSpec struct {
	Name             string
	Description      string
	PatternType      string
	Config           map[string]any
	HumanInvolvement string
	MaxIterations    int
}

// Create inserts a new saved pattern.
func (r *AgentPatternRepository) Create(ctx context.Context, spec AgentPatternSpec) (*AgentPattern, error) {
	involvement := spec.HumanInvolvement
	if involvement == "" {
		involvement = "checkpoints"
	}
	maxIter := spec.MaxIterations
	if maxIter == 0 {
		maxIter = 3
	}
	cfg := spec.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p := &AgentPattern{
		ID:               ksid.New().String(),
		Name:             spec.Name,
		Description:      spec.Description,
		PatternType:      spec.PatternType,
		Config:           cfg,
		HumanInvolvement: involvement,
		MaxIterations:    maxIter,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO agent_patterns
		(id, name, description, pattern_type, config_json, human_involvement, max_iterations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullString(p.Description), p.PatternType, string(cfgJSON),
		p.HumanInvolvement, p.MaxIterations, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert agent pattern: %w", err)
	}
	return p, nil
}

// Get loads a saved pattern by id, returning (nil, nil) if absent.
func (r *AgentPatternRepository) Get(ctx context.Context, id string) (*AgentPattern, error) {
	row := r.db.QueryRowContext(ctx, patternSelectColumns+" FROM agent_patterns WHERE id = ?", id)
	return scanPattern(row)
}

// ListAll returns every saved pattern, most recently updated first.
func (r *AgentPatternRepository) ListAll(ctx context.Context) ([]*AgentPattern, error) {
	rows, err := r.db.QueryContext(ctx, patternSelectColumns+" FROM agent_patterns ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("query agent patterns: %w", err)
	}
	defer rows.Close()
	var out []*AgentPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a saved pattern, reporting whether a row was removed.
func (r *AgentPatternRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM agent_patterns WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete agent pattern: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const patternSelectColumns = `SELECT id, name, description, pattern_type, config_json,
	human_involvement, max_iterations, created_at, updated_at`

func scanPattern(row rowScanner) (*AgentPattern, error) {
	var (
		p                     AgentPattern
		description           sql.NullString
		cfgJSON               string
		createdAt, updatedAt  string
	)
	if err := row.Scan(&p.ID, &p.Name, &description, &p.PatternType, &cfgJSON,
		&p.HumanInvolvement, &p.MaxIterations, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan agent pattern: %w", err)
	}
	p.Description = description.String
	p.Config = map[string]any{}
	_ = json.Unmarshal([]byte(cfgJSON), &p.Config)

	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
