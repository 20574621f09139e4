package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/caic-xyz/agentling/internal/events"
)

// EventRepository implements events.Store: SaveEvent persists the event row
// before Publish fans it out, and EventsForRun replays it back in sequence
// order. Grounded on repositories.py's EventRepository.save/list_for_run.
type EventRepository struct {
	db *sql.DB
}

// SaveEvent persists evt. The (run_id, sequence) UNIQUE constraint makes a
// double-publish for the same sequence number a hard failure rather than a
// silent duplicate.
func (r *EventRepository) SaveEvent(ctx context.Context, evt *events.Event) error {
	payload, err := evt.MarshalPayload()
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var toolInput []byte
	if evt.ToolInput != nil {
		toolInput, err = json.Marshal(evt.ToolInput)
		if err != nil {
			return fmt.Errorf("marshal tool input: %w", err)
		}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO events (
			id, run_id, session_id, type, sequence, timestamp, payload_json,
			parent_event_id, role, content, content_type, tool_name, tool_id,
			tool_input_json, tool_output, is_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.RunID, evt.SessionID, string(evt.Type), evt.Sequence,
		evt.Timestamp.Format(timeLayout), string(payload), nullString(evt.ParentEventID),
		nullString(evt.Role), nullString(evt.Content), nullString(evt.ContentType),
		nullString(evt.ToolName), nullString(evt.ToolID), nullBytes(toolInput),
		nullString(evt.ToolOutput), evt.IsError,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsForRun returns events for runID with sequence in [fromSeq, toSeq),
// ordered ascending. toSeq of 0 means unbounded.
func (r *EventRepository) EventsForRun(ctx context.Context, runID string, fromSeq, toSeq int) ([]*events.Event, error) {
	query := `SELECT id, run_id, session_id, type, sequence, timestamp, payload_json,
			parent_event_id, role, content, content_type, tool_name, tool_id,
			tool_input_json, tool_output, is_error
		FROM events WHERE run_id = ? AND sequence >= ?`
	args := []any{runID, fromSeq}
	if toSeq > 0 {
		query += " AND sequence < ?"
		args = append(args, toSeq)
	}
	query += " ORDER BY sequence ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Get loads a single event by id, used by the Session/Run Manager to
// validate a branch point before re-entering start_run.
func (r *EventRepository) Get(ctx context.Context, eventID string) (*events.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, run_id, session_id, type, sequence, timestamp, payload_json,
			parent_event_id, role, content, content_type, tool_name, tool_id,
			tool_input_json, tool_output, is_error
		FROM events WHERE id = ?`, eventID)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*events.Event, error) {
	var (
		evt                                                      events.Event
		typ                                                      string
		ts                                                       string
		payload                                                  string
		parentEventID, role, content, contentType                sql.NullString
		toolName, toolID, toolOutput                             sql.NullString
		toolInput                                                sql.NullString
	)
	if err := row.Scan(
		&evt.ID, &evt.RunID, &evt.SessionID, &typ, &evt.Sequence, &ts, &payload,
		&parentEventID, &role, &content, &contentType, &toolName, &toolID,
		&toolInput, &toolOutput, &evt.IsError,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	evt.Type = events.Type(typ)
	t, err := parseTime(ts)
	if err != nil {
		return nil, err
	}
	evt.Timestamp = t
	evt.ParentEventID = parentEventID.String
	evt.Role = role.String
	evt.Content = content.String
	evt.ContentType = contentType.String
	evt.ToolName = toolName.String
	evt.ToolID = toolID.String
	evt.ToolOutput = toolOutput.String
	if toolInput.Valid && toolInput.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(toolInput.String), &m); err == nil {
			evt.ToolInput = m
		}
	}
	if payload != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(payload), &m); err == nil {
			evt.Payload = m
		}
	}
	return &evt, nil
}
