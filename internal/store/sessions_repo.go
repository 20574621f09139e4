package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maruel/ksid"
)

// SessionRepository implements session CRUD. Grounded on repositories.py's
// SessionRepository.
type SessionRepository struct {
	db *sql.DB
}

// Create inserts a new session. config may be nil, treated as empty.
func (r *SessionRepository) Create(ctx context.Context, workingDir, name string, config map[string]any) (*Session, error) {
	if config == nil {
		config = map[string]any{}
	}
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	now := time.Now().UTC()
	s := &Session{
		ID:         ksid.New().String(),
		Name:       name,
		WorkingDir: workingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
		Config:     config,
		Status:     "active",
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO sessions
		(id, name, working_dir, created_at, updated_at, config_json, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, nullString(s.Name), s.WorkingDir, formatTime(now), formatTime(now), string(cfgJSON), s.Status)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// Get loads a session by id, returning (nil, nil) if absent.
func (r *SessionRepository) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, working_dir, created_at, updated_at, config_json, status
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetByWorkingDir returns the most recently updated active session rooted
// at workingDir, or (nil, nil) if none exists.
func (r *SessionRepository) GetByWorkingDir(ctx context.Context, workingDir string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, working_dir, created_at, updated_at, config_json, status
		FROM sessions WHERE working_dir = ? AND status = 'active' ORDER BY updated_at DESC LIMIT 1`, workingDir)
	return scanSession(row)
}

// ListAll returns every session, most recently updated first. An empty
// status lists all statuses.
func (r *SessionRepository) ListAll(ctx context.Context, status string) ([]*Session, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = r.db.QueryContext(ctx, `SELECT id, name, working_dir, created_at, updated_at, config_json, status
			FROM sessions WHERE status = ? ORDER BY updated_at DESC`, status)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT id, name, working_dir, created_at, updated_at, config_json, status
			FROM sessions ORDER BY updated_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionUpdate carries the optional fields Update may change; a nil
// pointer means "leave unchanged", mirroring the **kwargs allow-list in
// repositories.py's SessionRepository.update.
type SessionUpdate struct {
	Name   *string
	Config map[string]any
	Status *string
}

// Update applies a partial update to session id and bumps updated_at.
func (r *SessionRepository) Update(ctx context.Context, id string, u SessionUpdate) error {
	sets := []string{}
	args := []any{}
	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, nullString(*u.Name))
	}
	if u.Config != nil {
		b, err := json.Marshal(u.Config)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		sets = append(sets, "config_json = ?")
		args = append(args, string(b))
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()))
	args = append(args, id)

	query := "UPDATE sessions SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += " WHERE id = ?"

	_, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s                       Session
		createdAt, updatedAt    string
		cfgJSON                 string
		name                    sql.NullString
	)
	if err := row.Scan(&s.ID, &name, &s.WorkingDir, &createdAt, &updatedAt, &cfgJSON, &s.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Name = name.String
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = t
	t, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	s.UpdatedAt = t
	s.Config = map[string]any{}
	if cfgJSON != "" {
		_ = json.Unmarshal([]byte(cfgJSON), &s.Config)
	}
	return &s, nil
}
