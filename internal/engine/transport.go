package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
)

// Transport sends mutations to the server of record.
type Transport interface {
	// Transmit applies one mutation. The error return covers transport
	// and server failures, all treated as transient; conflicts are not
	// errors, they come back inside the result.
	Transmit(ctx context.Context, m *schema.Mutation) (*TransmitResult, error)
}

// TransmitResult is the server's verdict on one mutation.
type TransmitResult struct {
	// Applied is true when the server accepted the mutation.
	Applied bool

	// Data is the applied record as the server stored it.
	Data json.RawMessage

	// Conflict carries both sides when the server rejected the
	// mutation with a version or data conflict.
	Conflict *ConflictPayload
}

// ConflictPayload is the body of a conflict rejection.
type ConflictPayload struct {
	ServerData map[string]any `json:"serverData"`
	ClientData map[string]any `json:"clientData"`
}

// mutationRequest is the wire shape of a transmit call.
type mutationRequest struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	BaseVersion int64           `json:"baseVersion,omitempty"`
	TenantID    string          `json:"tenantId"`
	UserID      string          `json:"userId"`
}

// HTTPTransport talks to the server-of-record mutation endpoint.
type HTTPTransport struct {
	BaseURL   string
	AuthToken string
	Client    *http.Client
}

// NewHTTPTransport creates a transport with a bounded per-request
// timeout.
func NewHTTPTransport(baseURL, authToken string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		BaseURL:   baseURL,
		AuthToken: authToken,
		Client:    &http.Client{Timeout: timeout},
	}
}

// Transmit posts the mutation with its idempotency key as a request
// header. Responses: 2xx applied, 409 conflict with both data sets, any
// other status a transient failure.
func (t *HTTPTransport) Transmit(ctx context.Context, m *schema.Mutation) (*TransmitResult, error) {
	body, err := json.Marshal(&mutationRequest{
		ID:          m.ID,
		Kind:        m.Kind,
		Payload:     m.Payload,
		BaseVersion: m.BaseVersion,
		TenantID:    m.TenantID,
		UserID:      m.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation %s: %w", m.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.BaseURL+"/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build transmit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.IdempotencyKey)
	if t.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.AuthToken)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to transmit mutation %s: %w", m.ID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read transmit response: %w", err)
		}
		return &TransmitResult{Applied: true, Data: data}, nil

	case resp.StatusCode == http.StatusConflict:
		var payload ConflictPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return nil, fmt.Errorf("failed to decode conflict response for %s: %w", m.ID, err)
		}
		return &TransmitResult{Conflict: &payload}, nil

	default:
		return nil, fmt.Errorf("server returned status %d for mutation %s", resp.StatusCode, m.ID)
	}
}
