// Package stream parses the child CLI's stream-json wire protocol: the
// outer envelope types (assistant, user, system, result, error; tool_use
// and tool_result arrive as content blocks inside assistant and user
// envelopes) and the nested stream_event wrapper used for incremental
// assistant-message streaming (message_start, message_delta, message_stop,
// content_block_start/delta/stop).
//
// New fields may appear in any envelope at any CLI version, so every
// envelope type preserves unknown fields in an Overflow map and logs a
// warning when it sees one, exactly as the teacher's claude package does
// for Claude Code JSONL records.
package stream

import (
	"encoding/json"
	"log/slog"
	"sort"
)

// Overflow holds JSON fields that were not mapped to a struct field. It is
// embedded in every envelope type to ensure forward compatibility.
type Overflow struct {
	Extra map[string]json.RawMessage `json:"-"`
}

// makeSet builds a map[string]struct{} from keys for O(1) lookup.
func makeSet(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// collectUnknown returns entries from raw whose keys are not in known.
func collectUnknown(raw map[string]json.RawMessage, known map[string]struct{}) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if _, ok := known[k]; !ok {
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[k] = v
		}
	}
	return extra
}

// warnUnknown logs a warning for each key in extra, identified by context.
func warnUnknown(context string, extra map[string]json.RawMessage) {
	if len(extra) == 0 {
		return
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	slog.Warn("unknown fields in stream-json envelope", "context", context, "fields", keys)
}
