package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
)

// idempotencyWindow is how long an applied result is replayed for a
// repeated key.
const idempotencyWindow = 24 * time.Hour

// mutationRequest mirrors the client transport's wire shape.
type mutationRequest struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	BaseVersion int64           `json:"baseVersion"`
	TenantID    string          `json:"tenantId"`
	UserID      string          `json:"userId"`
}

// conflictResponse is the 409 body carrying both sides of a conflict.
type conflictResponse struct {
	ServerData map[string]any `json:"serverData"`
	ClientData map[string]any `json:"clientData"`
}

// handleMutation is the server-of-record apply endpoint. Verdicts:
// 2xx applied (body is the stored record), 409 version conflict with
// both data sets, 4xx malformed input. A repeated Idempotency-Key
// within the window replays the original response verbatim.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		http.Error(w, `{"error":"missing Idempotency-Key header"}`, http.StatusBadRequest)
		return
	}

	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}
	if req.Kind == "" || req.TenantID == "" || len(req.Payload) == 0 {
		http.Error(w, `{"error":"kind, tenantId, and payload are required"}`, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		http.Error(w, `{"error":"payload is not a JSON object"}`, http.StatusBadRequest)
		return
	}

	idemKey := req.TenantID + "/" + req.UserID + "/" + key

	s.mu.Lock()
	if prior, ok := s.applied[idemKey]; ok && time.Now().Before(prior.expiresAt) {
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotency-Replay", "true")
		w.WriteHeader(prior.status)
		w.Write(prior.body)
		return
	}

	recordKey := recordKeyFor(req.TenantID, req.Kind, payload)
	rec, exists := s.records[recordKey]

	if exists && req.BaseVersion > 0 && rec.Version > req.BaseVersion {
		serverData := cloneData(rec.Data)
		serverData["version"] = rec.Version
		serverData["updatedAt"] = rec.UpdatedAt.Format(time.RFC3339Nano)
		s.mu.Unlock()

		clientData := cloneData(payload)
		clientData["version"] = req.BaseVersion

		writeJSON(w, http.StatusConflict, &conflictResponse{
			ServerData: serverData,
			ClientData: clientData,
		})
		return
	}

	if rec == nil {
		rec = &record{Data: make(map[string]any)}
		s.records[recordKey] = rec
	}
	for k, v := range payload {
		rec.Data[k] = v
	}
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()

	applied := cloneData(rec.Data)
	applied["version"] = rec.Version
	applied["updatedAt"] = rec.UpdatedAt.Format(time.RFC3339Nano)

	body, err := json.Marshal(applied)
	if err != nil {
		s.mu.Unlock()
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	s.applied[idemKey] = &appliedResult{
		status:    http.StatusOK,
		body:      body,
		expiresAt: time.Now().Add(idempotencyWindow),
	}
	s.mu.Unlock()

	s.publishApplied(r, &req, body)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// publishApplied appends the applied mutation to the event log so
// connected clients observe it. Log unavailability does not fail the
// apply; the mutation is durable server-side regardless.
func (s *Server) publishApplied(r *http.Request, req *mutationRequest, body []byte) {
	if s.sink == nil {
		return
	}
	event := &schema.Event{
		Type:      req.Kind,
		TenantID:  req.TenantID,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}
	if _, err := s.sink.Append(r.Context(), event); err != nil {
		s.logger.Printf("Failed to publish event for mutation %s: %v", req.ID, err)
	}
}

// recordKeyFor identifies the server-of-record row a mutation targets:
// the payload's record id when present, otherwise the kind itself acts
// as a singleton key.
func recordKeyFor(tenantID, kind string, payload map[string]any) string {
	if id, ok := payload["id"].(string); ok && id != "" {
		return tenantID + "/" + id
	}
	return tenantID + "/" + kind
}

func cloneData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":"encoding failed"}`)
	}
}
