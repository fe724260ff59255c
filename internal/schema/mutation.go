// Package schema provides the data structures shared across the sync engine:
// mutations, conflicts, cursors, idempotency records, and events.
package schema

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MutationStatus is the durable lifecycle state of a mutation.
type MutationStatus string

const (
	// StatusPending means the mutation is queued and visible to dequeue.
	StatusPending MutationStatus = "pending"

	// StatusProcessing means a sync pass has claimed the mutation.
	StatusProcessing MutationStatus = "processing"

	// StatusCompleted means the server of record applied the mutation.
	StatusCompleted MutationStatus = "completed"

	// StatusFailed means the last transmission attempt failed. Failed
	// mutations are retried until retry_count reaches the configured
	// maximum, after which they stay failed and are surfaced via stats.
	StatusFailed MutationStatus = "failed"

	// StatusConflict means the mutation is awaiting conflict resolution
	// (manual or pending approval).
	StatusConflict MutationStatus = "conflict"
)

// Terminal reports whether the status is a resting state no sync pass
// picks up again on its own: completed, or parked in conflict awaiting
// an operator. Failed is terminal only once the retry budget is spent,
// which the status alone cannot know; see Mutation.Terminal.
func (s MutationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusConflict
}

// Valid reports whether s is a known status value.
func (s MutationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusConflict:
		return true
	}
	return false
}

const (
	// PriorityHighest is the most urgent mutation priority.
	PriorityHighest = 1

	// PriorityLowest is the least urgent mutation priority.
	PriorityLowest = 10

	// PriorityDefault is used when the caller does not care.
	PriorityDefault = 5
)

// Mutation is a pending unit of client-originated change.
//
// The payload is opaque to the engine; only the envelope fields are
// interpreted for ordering, idempotency, and conflict detection.
type Mutation struct {
	// ID is globally unique and monotonically sortable (time-prefixed).
	ID string `json:"id"`

	// Kind is the operation discriminator, e.g. "inventory.item.created".
	Kind string `json:"kind"`

	// Payload is the opaque business data.
	Payload json.RawMessage `json:"payload"`

	// IdempotencyKey is unique per logical operation. The server applies
	// at most one mutation per key within the idempotency TTL.
	IdempotencyKey string `json:"idempotency_key"`

	// BaseVersion is the server record version the client believed to be
	// current when it formed the mutation. Zero means unknown.
	BaseVersion int64 `json:"base_version,omitempty"`

	// Priority orders transmission: 1 = highest, 10 = lowest.
	Priority int `json:"priority"`

	RetryCount  int        `json:"retry_count"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`

	Status MutationStatus `json:"status"`

	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ProcessingAt is set when a sync pass claims the mutation. It is the
	// basis for dead-consumer reclaim: processing rows older than the
	// reclaim timeout are flipped back to pending.
	ProcessingAt *time.Time `json:"processing_at,omitempty"`

	// LastError records the most recent transmission failure, if any.
	LastError string `json:"last_error,omitempty"`
}

// Terminal reports whether the mutation has stopped occupying queue
// capacity: a terminal status, or failed with the retry budget spent.
func (m *Mutation) Terminal(maxRetries int) bool {
	if m.Status == StatusFailed {
		return m.RetryCount >= maxRetries
	}
	return m.Status.Terminal()
}

// ValidationError aggregates every violation found in a mutation so the
// caller can fix all of them at once rather than one per round trip.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mutation validation failed: %s", strings.Join(e.Violations, "; "))
}

// Validate checks all required envelope fields and reports every violation.
func (m *Mutation) Validate() error {
	var violations []string

	if m.ID == "" {
		violations = append(violations, "id is required")
	}
	if m.Kind == "" {
		violations = append(violations, "kind is required")
	}
	if len(m.Payload) == 0 {
		violations = append(violations, "payload is required")
	}
	if m.IdempotencyKey == "" {
		violations = append(violations, "idempotency_key is required")
	}
	if m.TenantID == "" {
		violations = append(violations, "tenant_id is required")
	}
	if m.UserID == "" {
		violations = append(violations, "user_id is required")
	}
	if m.Priority < PriorityHighest || m.Priority > PriorityLowest {
		violations = append(violations, fmt.Sprintf("priority must be between %d and %d (got %d)",
			PriorityHighest, PriorityLowest, m.Priority))
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// NewMutationID generates a globally unique, monotonically sortable ID.
// Format: mut-{unix-nanos-hex}-{random-hex}. Lexicographic order matches
// creation order at nanosecond granularity.
func NewMutationID() string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("mut-%016x-%s", time.Now().UnixNano(), hex.EncodeToString(suffix[:]))
}

// IdempotencyRecord is the authoritative "already applied" marker for a
// logical operation. It outlives the mutation row that produced it.
type IdempotencyRecord struct {
	Key      string `json:"key"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`

	// Result is the stored apply result, returned unchanged on replay.
	Result json.RawMessage `json:"result,omitempty"`

	CommittedAt time.Time `json:"committed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record's TTL has elapsed at the given time.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
