package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/maruel/ksid"
)

// RunRepository implements run CRUD and the metrics/status transitions the
// Session/Run Manager drives a run through. Grounded on repositories.py's
// RunRepository.
type RunRepository struct {
	db *sql.DB
}

// Create inserts a new run in "pending" status.
func (r *RunRepository) Create(ctx context.Context, sessionID, prompt, model, parentRunID, branchPointEventID string) (*Run, error) {
	now := time.Now().UTC()
	run := &Run{
		ID:                 ksid.New().String(),
		SessionID:          sessionID,
		Prompt:             prompt,
		Status:             "pending",
		Model:              model,
		ParentRunID:        parentRunID,
		BranchPointEventID: branchPointEventID,
		CreatedAt:          now,
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO runs
		(id, session_id, prompt, model, parent_run_id, branch_point_event_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Prompt, nullString(run.Model),
		nullString(run.ParentRunID), nullString(run.BranchPointEventID), run.Status, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Get loads a run by id, returning (nil, nil) if absent.
func (r *RunRepository) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, runSelectColumns+" FROM runs WHERE id = ?", id)
	return scanRun(row)
}

// ListForSession returns every run for sessionID, newest first.
func (r *RunRepository) ListForSession(ctx context.Context, sessionID string) ([]*Run, error) {
	rows, err := r.db.QueryContext(ctx, runSelectColumns+" FROM runs WHERE session_id = ? ORDER BY created_at DESC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a run's status, stamping started_at on
// "running" and completed_at (+ optional error_message) on terminal
// statuses, matching repositories.py's branching update_status.
func (r *RunRepository) UpdateStatus(ctx context.Context, id, status, errorMessage string) error {
	now := formatTime(time.Now())
	var err error
	switch status {
	case "running":
		_, err = r.db.ExecContext(ctx, "UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case "completed", "failed":
		_, err = r.db.ExecContext(ctx, "UPDATE runs SET status = ?, completed_at = ?, error_message = ? WHERE id = ?",
			status, now, nullString(errorMessage), id)
	default:
		_, err = r.db.ExecContext(ctx, "UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// UpdateMetrics adds tokensIn/tokensOut/costUSD to the run's running totals
// and overwrites durationMs, matching repositories.py's update_metrics
// (additive tokens/cost, overwritten duration).
func (r *RunRepository) UpdateMetrics(ctx context.Context, id string, tokensIn, tokensOut int, costUSD float64, durationMs int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET
		tokens_in = tokens_in + ?,
		tokens_out = tokens_out + ?,
		cost_usd = cost_usd + ?,
		duration_ms = ?
		WHERE id = ?`, tokensIn, tokensOut, costUSD, durationMs, id)
	if err != nil {
		return fmt.Errorf("update run metrics: %w", err)
	}
	return nil
}

// UpdateTitle sets the run's display title (set asynchronously by the
// titlegen package after a run completes, or from the first message of an
// interactive session).
func (r *RunRepository) UpdateTitle(ctx context.Context, id, title string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE runs SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return fmt.Errorf("update run title: %w", err)
	}
	return nil
}

// SetOutput records the run's final assistant output text.
func (r *RunRepository) SetOutput(ctx context.Context, id, output string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE runs SET final_output = ? WHERE id = ?", output, id)
	if err != nil {
		return fmt.Errorf("set run output: %w", err)
	}
	return nil
}

// UpdatePrompt rewrites a run's stored prompt, used by interactive sessions
// where each turn extends the logical prompt.
func (r *RunRepository) UpdatePrompt(ctx context.Context, id, prompt string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE runs SET prompt = ? WHERE id = ?", prompt, id)
	if err != nil {
		return fmt.Errorf("update run prompt: %w", err)
	}
	return nil
}

const runSelectColumns = `SELECT id, session_id, prompt, status, model, parent_run_id,
	branch_point_event_id, tokens_in, tokens_out, cost_usd, duration_ms,
	final_output, error_message, title, created_at, started_at, completed_at`

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                                              Run
		model, parentRunID, branchPointEventID           sql.NullString
		finalOutput, errorMessage, title                 sql.NullString
		createdAt, startedAt, completedAt                sql.NullString
	)
	if err := row.Scan(
		&run.ID, &run.SessionID, &run.Prompt, &run.Status, &model, &parentRunID,
		&branchPointEventID, &run.TokensIn, &run.TokensOut, &run.CostUSD, &run.DurationMs,
		&finalOutput, &errorMessage, &title, &createdAt, &startedAt, &completedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Model = model.String
	run.ParentRunID = parentRunID.String
	run.BranchPointEventID = branchPointEventID.String
	run.FinalOutput = finalOutput.String
	run.ErrorMessage = errorMessage.String
	run.Title = title.String

	var err error
	if run.CreatedAt, err = scanTime(createdAt); err != nil {
		return nil, err
	}
	if run.StartedAt, err = scanTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = scanTime(completedAt); err != nil {
		return nil, err
	}
	return &run, nil
}
