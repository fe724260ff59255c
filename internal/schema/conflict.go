package schema

import (
	"time"
)

// ConflictType classifies how a mutation's assumptions about server state
// were invalidated. A single mutation can trigger more than one type.
type ConflictType string

const (
	// ConflictVersionMismatch means the server version moved past the
	// client's base version.
	ConflictVersionMismatch ConflictType = "version_mismatch"

	// ConflictData means field-level divergence between server and client
	// data, independent of versions.
	ConflictData ConflictType = "data_conflict"

	// ConflictServerOverride means the server record was modified after the
	// client formed its intent.
	ConflictServerOverride ConflictType = "server_override"
)

// Severity grades a conflict for strategy selection and operator triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities so detection can keep the maximum of several
// independent signals.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Resolution names the strategy applied to a conflict.
type Resolution string

const (
	// ResolutionServerWins discards the conflicting client intent.
	ResolutionServerWins Resolution = "server_wins"

	// ResolutionClientOverride is never auto-selected. It is only reachable
	// via explicit operator action and is recorded as pending approval.
	ResolutionClientOverride Resolution = "client_override"

	// ResolutionFieldMerge combines server and client data per configured
	// field rules.
	ResolutionFieldMerge Resolution = "field_merge"

	// ResolutionManual parks the mutation in conflict status for a human.
	ResolutionManual Resolution = "manual"

	// ResolutionAdjustment records the discrepancy as a side record and
	// leaves both data sets intact. Used for critical severity and for
	// financial/inventory mutations.
	ResolutionAdjustment Resolution = "adjustment"
)

// Conflict is the durable record produced when a mutation collides with
// server state. Immutable once ResolvedAt is set, except audit metadata.
type Conflict struct {
	ID         string `json:"id"`
	MutationID string `json:"mutation_id"`

	Type     ConflictType `json:"conflict_type"`
	Severity Severity     `json:"severity"`

	// ServerData and ClientData are retained verbatim for audit and for
	// adjustment records.
	ServerData map[string]any `json:"server_data,omitempty"`
	ClientData map[string]any `json:"client_data,omitempty"`

	ConflictingFields []string `json:"conflicting_fields,omitempty"`

	Resolution Resolution `json:"resolution,omitempty"`

	// MergedData is populated for field_merge resolutions.
	MergedData map[string]any `json:"merged_data,omitempty"`

	// PendingApproval is set for client_override resolutions: the override
	// is recorded but not committed until an operator approves it.
	PendingApproval bool `json:"pending_approval,omitempty"`

	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
