package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
)

const (
	backfillLimitDefault = 100
	backfillLimitMax     = 1000

	// livePageSize bounds each event-log read on the live stream, both
	// the initial catch-up and the poll loop.
	livePageSize = 100
)

// backfillRequest is the catch-up replay contract.
type backfillRequest struct {
	TenantID       string `json:"tenantId"`
	Cursor         string `json:"cursor"`
	Limit          int    `json:"limit"`
	IncludeDeleted bool   `json:"includeDeleted"`
}

type backfillResponse struct {
	Events     []*schema.Event `json:"events"`
	NextCursor string          `json:"nextCursor"`
	HasMore    bool            `json:"hasMore"`
	TotalCount int64           `json:"totalCount"`
	Cursor     string          `json:"cursor"`
	Timestamp  time.Time       `json:"timestamp"`
	Warning    string          `json:"warning,omitempty"`
}

// handleBackfill replays events from the requested cursor. An
// unrecognized cursor fails open by default: the full set is returned
// with a warning. StrictCursors flips that to a 400.
func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		http.Error(w, `{"error":"event log unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		http.Error(w, `{"error":"tenantId is required"}`, http.StatusBadRequest)
		return
	}
	if req.Limit <= 0 {
		req.Limit = backfillLimitDefault
	}
	if req.Limit > backfillLimitMax {
		req.Limit = backfillLimitMax
	}

	ctx := r.Context()
	cursor := req.Cursor
	warning := ""

	if !schema.IsStartCursor(cursor) {
		known, err := s.source.HasCursor(ctx, req.TenantID, cursor)
		if err != nil {
			http.Error(w, `{"error":"event log unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if !known {
			if s.config.StrictCursors {
				http.Error(w, `{"error":"unrecognized cursor"}`, http.StatusBadRequest)
				return
			}
			warning = fmt.Sprintf("cursor %q not found, replaying from the beginning", cursor)
			s.logger.Printf("Backfill for tenant %s: %s", req.TenantID, warning)
			cursor = schema.CursorStart
		}
	}

	// Read one past the limit to learn whether more remain.
	events, next, err := s.source.ReadFrom(ctx, req.TenantID, cursor, req.Limit+1)
	if err != nil {
		http.Error(w, `{"error":"event log unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	hasMore := false
	if len(events) > req.Limit {
		events = events[:req.Limit]
		next = events[len(events)-1].ID
		hasMore = true
	}

	total, err := s.source.Count(ctx, req.TenantID)
	if err != nil {
		// Count is advisory; the page itself already succeeded.
		total = 0
	}

	writeJSON(w, http.StatusOK, &backfillResponse{
		Events:     events,
		NextCursor: next,
		HasMore:    hasMore,
		TotalCount: total,
		Cursor:     req.Cursor,
		Timestamp:  time.Now().UTC(),
		Warning:    warning,
	})
}

// handleLive is the long-lived text-event stream. Named events:
// connected, backfill, backfill.complete, heartbeat, error, and the
// domain events themselves under their own type names.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, `{"error":"tenant_id is required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	cursor := r.URL.Query().Get("cursor")
	if cursor == "" {
		cursor = r.Header.Get("Last-Event-ID")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", `{}`)
	flusher.Flush()

	ctx := r.Context()

	// Catch up from the supplied cursor before going live. Replayed
	// events are tagged backfill so clients can tell replay from
	// current traffic; the boundary event marks where live begins.
	if s.source != nil {
		for {
			events, next, err := s.source.ReadFrom(ctx, tenantID, cursor, livePageSize)
			if err != nil {
				writeSSE(w, "error", `{"error":"event log unavailable"}`)
				break
			}
			if len(events) == 0 {
				break
			}
			for _, event := range events {
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				writeSSE(w, "backfill", string(data))
			}
			cursor = next
			flusher.Flush()
		}
	}
	writeSSE(w, "backfill.complete", `{}`)
	flusher.Flush()

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(s.config.LivePollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			writeSSE(w, "heartbeat", fmt.Sprintf(`{"ts":%q}`, time.Now().UTC().Format(time.RFC3339)))
			flusher.Flush()

		case <-poll.C:
			if s.source == nil {
				continue
			}
			events, next, err := s.source.ReadFrom(ctx, tenantID, cursor, livePageSize)
			if err != nil {
				writeSSE(w, "error", `{"error":"event log unavailable"}`)
				flusher.Flush()
				continue
			}
			for _, event := range events {
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				writeSSE(w, event.Type, string(data))
			}
			if len(events) > 0 {
				cursor = next
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
