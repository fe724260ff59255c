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

// GetIdempotencyRecord looks up the record for (tenant, user, key).
// Expired records are treated as absent and reclaimed lazily.
func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, userID, key string) (*schema.IdempotencyRecord, error) {
	query := `
	SELECT key, tenant_id, user_id, result, committed_at, expires_at
	FROM idempotency
	WHERE tenant_id = ? AND user_id = ? AND key = ?
	`

	row := s.conn.QueryRowContext(ctx, query, tenantID, userID, key)

	var rec schema.IdempotencyRecord
	var result sql.NullString
	var committedAt, expiresAt string

	err := row.Scan(&rec.Key, &rec.TenantID, &rec.UserID, &result, &committedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, committedAt); err == nil {
		rec.CommittedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		rec.ExpiresAt = t
	}

	if rec.Expired(time.Now()) {
		// Lazy reclaim: delete and report absent.
		_, _ = s.conn.ExecContext(ctx,
			`DELETE FROM idempotency WHERE tenant_id = ? AND user_id = ? AND key = ?`,
			tenantID, userID, key)
		return nil, ErrNotFound
	}

	return &rec, nil
}

// PutIdempotencyRecord stores the apply result for a key. A replay within
// the TTL keeps the original result: the first committed record wins.
func (s *Store) PutIdempotencyRecord(ctx context.Context, rec *schema.IdempotencyRecord) error {
	query := `
	INSERT INTO idempotency (key, tenant_id, user_id, result, committed_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(tenant_id, user_id, key) DO UPDATE SET
		result = excluded.result,
		committed_at = excluded.committed_at,
		expires_at = excluded.expires_at
	WHERE idempotency.expires_at <= ?
	`

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var result any
	if rec.Result != nil {
		result = string(rec.Result)
	}

	_, err := s.conn.ExecContext(ctx, query,
		rec.Key,
		rec.TenantID,
		rec.UserID,
		result,
		rec.CommittedAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to put idempotency record: %w", err)
	}
	return nil
}

// SweepExpiredIdempotency deletes expired records. Called by the periodic
// sweep; individual lookups also reclaim lazily.
func (s *Store) SweepExpiredIdempotency(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at <= ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency records: %w", err)
	}
	return res.RowsAffected()
}
