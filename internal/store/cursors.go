package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
)

// GetCursor returns the sync cursor for a tenant.
// Returns ErrNotFound if no cursor has been persisted yet.
func (s *Store) GetCursor(ctx context.Context, tenantID string) (*schema.Cursor, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT tenant_id, last_event_id, last_sync_at, version FROM cursors WHERE tenant_id = ?`,
		tenantID)

	var c schema.Cursor
	var lastSyncAt string
	err := row.Scan(&c.TenantID, &c.LastEventID, &lastSyncAt, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor for tenant %s: %w", tenantID, err)
	}

	if t, err := time.Parse(time.RFC3339Nano, lastSyncAt); err == nil {
		c.LastSyncAt = t
	}
	return &c, nil
}

// SaveCursor upserts the tenant's cursor, bumping its version. The cursor
// is the single source of truth for "what has this client already seen".
func (s *Store) SaveCursor(ctx context.Context, tenantID, lastEventID string) error {
	query := `
	INSERT INTO cursors (tenant_id, last_event_id, last_sync_at, version)
	VALUES (?, ?, ?, 1)
	ON CONFLICT(tenant_id) DO UPDATE SET
		last_event_id = excluded.last_event_id,
		last_sync_at = excluded.last_sync_at,
		version = cursors.version + 1
	`

	_, err := s.conn.ExecContext(ctx, query,
		tenantID, lastEventID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save cursor for tenant %s: %w", tenantID, err)
	}
	return nil
}
