package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
)

// InsertConflict persists a conflict record produced by the resolution
// engine. Conflicts are immutable once resolved_at is set, so the row is
// written fully formed.
func (s *Store) InsertConflict(ctx context.Context, c *schema.Conflict) error {
	serverData, err := marshalNullableMap(c.ServerData)
	if err != nil {
		return fmt.Errorf("failed to marshal server data: %w", err)
	}
	clientData, err := marshalNullableMap(c.ClientData)
	if err != nil {
		return fmt.Errorf("failed to marshal client data: %w", err)
	}
	mergedData, err := marshalNullableMap(c.MergedData)
	if err != nil {
		return fmt.Errorf("failed to marshal merged data: %w", err)
	}

	fieldsJSON, err := json.Marshal(c.ConflictingFields)
	if err != nil {
		return fmt.Errorf("failed to marshal conflicting fields: %w", err)
	}

	query := `
	INSERT INTO conflicts (
		id, mutation_id, conflict_type, severity, server_data, client_data,
		conflicting_fields, resolution, merged_data, pending_approval,
		resolved_at, resolved_by, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		c.ID,
		c.MutationID,
		string(c.Type),
		string(c.Severity),
		serverData,
		clientData,
		string(fieldsJSON),
		string(c.Resolution),
		mergedData,
		boolToInt(c.PendingApproval),
		timeToNullString(c.ResolvedAt),
		c.ResolvedBy,
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert conflict %s: %w", c.ID, err)
	}
	return nil
}

// GetConflict retrieves a conflict by ID.
// Returns ErrNotFound if the conflict does not exist.
func (s *Store) GetConflict(ctx context.Context, id string) (*schema.Conflict, error) {
	row := s.conn.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return c, nil
}

// ListConflictsForMutation returns all conflict records for a mutation,
// oldest first.
func (s *Store) ListConflictsForMutation(ctx context.Context, mutationID string) ([]*schema.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx,
		conflictSelect+` WHERE mutation_id = ? ORDER BY created_at ASC`, mutationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts for mutation %s: %w", mutationID, err)
	}
	return scanConflicts(rows)
}

// ListPendingApprovalConflicts returns conflicts recorded as client
// overrides awaiting operator approval, oldest first.
func (s *Store) ListPendingApprovalConflicts(ctx context.Context) ([]*schema.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx,
		conflictSelect+` WHERE pending_approval = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approval conflicts: %w", err)
	}
	return scanConflicts(rows)
}

// MarkConflictApproved clears the pending-approval flag, records who
// approved it, and stamps the resolution time. The guard on
// pending_approval makes a second approval report ErrNotFound rather
// than rewriting the audit trail.
func (s *Store) MarkConflictApproved(ctx context.Context, id, approvedBy string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE conflicts SET pending_approval = 0, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND pending_approval = 1`,
		approvedBy, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to approve conflict %s: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountConflictsBySeverity returns conflict counts keyed by severity.
func (s *Store) CountConflictsBySeverity(ctx context.Context) (map[string]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT severity, COUNT(*) FROM conflicts GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan conflict count: %w", err)
		}
		counts[severity] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflict counts: %w", err)
	}
	return counts, nil
}

const conflictSelect = `
	SELECT id, mutation_id, conflict_type, severity, server_data, client_data,
	       conflicting_fields, resolution, merged_data, pending_approval,
	       resolved_at, resolved_by, created_at
	FROM conflicts`

func scanConflict(row rowScanner) (*schema.Conflict, error) {
	var c schema.Conflict
	var typ, severity, resolution, createdAt string
	var serverData, clientData, mergedData, fieldsJSON, resolvedAt sql.NullString
	var pendingApproval int

	err := row.Scan(
		&c.ID,
		&c.MutationID,
		&typ,
		&severity,
		&serverData,
		&clientData,
		&fieldsJSON,
		&resolution,
		&mergedData,
		&pendingApproval,
		&resolvedAt,
		&c.ResolvedBy,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	c.Type = schema.ConflictType(typ)
	c.Severity = schema.Severity(severity)
	c.Resolution = schema.Resolution(resolution)
	c.PendingApproval = pendingApproval != 0
	c.ResolvedAt = nullStringToTime(resolvedAt)

	if serverData.Valid {
		if err := json.Unmarshal([]byte(serverData.String), &c.ServerData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal server data: %w", err)
		}
	}
	if clientData.Valid {
		if err := json.Unmarshal([]byte(clientData.String), &c.ClientData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client data: %w", err)
		}
	}
	if mergedData.Valid {
		if err := json.Unmarshal([]byte(mergedData.String), &c.MergedData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal merged data: %w", err)
		}
	}
	if fieldsJSON.Valid && fieldsJSON.String != "null" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &c.ConflictingFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conflicting fields: %w", err)
		}
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		c.CreatedAt = t
	}

	return &c, nil
}

func scanConflicts(rows *sql.Rows) ([]*schema.Conflict, error) {
	defer rows.Close()

	var conflicts []*schema.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

func marshalNullableMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
