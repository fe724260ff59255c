package schema

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event is a server-originated change notification delivered to clients
// through the remote event log and the live push channel.
type Event struct {
	// ID is the log-assigned, monotonically advancing identifier within a
	// tenant stream. It doubles as the resumption cursor.
	ID string `json:"id"`

	// Type is the domain event name, e.g. "equipment.updated".
	Type string `json:"type"`

	TenantID string `json:"tenant_id"`

	// Payload is opaque to the engine.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Timestamp is the server-side occurrence time. Backfill delivery is
	// ordered by this field even if the transport reordered events.
	Timestamp time.Time `json:"timestamp"`
}

// Cursor marks the last event a tenant's client has seen. One row per
// tenant; owned exclusively by the event delivery channel.
type Cursor struct {
	TenantID    string    `json:"tenant_id"`
	LastEventID string    `json:"last_event_id"`
	LastSyncAt  time.Time `json:"last_sync_at"`
	Version     int64     `json:"version"`
}

// CursorStart is the cursor value meaning "from the beginning".
const CursorStart = "0"

// IsStart reports whether the cursor string means "from the beginning".
func IsStartCursor(cursor string) bool {
	return cursor == "" || cursor == CursorStart
}

// CompareEventIDs orders two log event IDs of the form "<millis>-<seq>".
// Returns -1, 0, or 1, and whether both IDs were parseable; callers must
// not assume an order when ok is false.
func CompareEventIDs(a, b string) (int, bool) {
	ams, aseq, ok := splitEventID(a)
	if !ok {
		return 0, false
	}
	bms, bseq, ok := splitEventID(b)
	if !ok {
		return 0, false
	}
	if ams != bms {
		if ams < bms {
			return -1, true
		}
		return 1, true
	}
	if aseq != bseq {
		if aseq < bseq {
			return -1, true
		}
		return 1, true
	}
	return 0, true
}

func splitEventID(id string) (int64, int64, bool) {
	ms, seq, found := strings.Cut(id, "-")
	if !found {
		return 0, 0, false
	}
	m, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	s, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return m, s, true
}
