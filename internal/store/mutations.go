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

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

const mutationColumns = `id, kind, payload, idempotency_key, base_version,
	priority, retry_count, last_retry_at, status, tenant_id, user_id,
	created_at, updated_at, processing_at, last_error`

// InsertMutation persists a new mutation row.
//
// The UNIQUE constraint on idempotency_key is the last line of defense
// against double enqueue; callers should check the idempotency table first
// for the friendlier duplicate error.
func (s *Store) InsertMutation(ctx context.Context, m *schema.Mutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	query := `
	INSERT INTO mutations (
		id, kind, payload, idempotency_key, base_version, priority,
		retry_count, last_retry_at, status, tenant_id, user_id,
		created_at, updated_at, processing_at, last_error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		m.ID,
		m.Kind,
		string(m.Payload),
		m.IdempotencyKey,
		m.BaseVersion,
		m.Priority,
		m.RetryCount,
		timeToNullString(m.LastRetryAt),
		string(m.Status),
		m.TenantID,
		m.UserID,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		m.UpdatedAt.UTC().Format(time.RFC3339Nano),
		timeToNullString(m.ProcessingAt),
		m.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to insert mutation %s: %w", m.ID, err)
	}

	return nil
}

// GetMutation retrieves a single mutation by ID.
// Returns ErrNotFound if the mutation does not exist.
func (s *Store) GetMutation(ctx context.Context, id string) (*schema.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutations WHERE id = ?`

	row := s.conn.QueryRowContext(ctx, query, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation %s: %w", id, err)
	}
	return m, nil
}

// ClaimPendingBatch atomically selects up to n pending mutations in
// priority-then-age order and flips them to processing in one transaction,
// so two concurrent consumers never claim the same mutation.
//
// Age contributes a bounded bonus to the ordering score: every agingStep a
// pending mutation waits lowers its effective priority by one, up to
// maxAgeBonus. Priority remains the primary key; the bonus only prevents
// indefinite starvation of old low-priority work.
func (s *Store) ClaimPendingBatch(ctx context.Context, n int, agingStep time.Duration, maxAgeBonus int) ([]*schema.Mutation, error) {
	if n <= 0 {
		return nil, nil
	}
	if agingStep <= 0 {
		agingStep = time.Hour
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	SELECT ` + mutationColumns + `
	FROM mutations
	WHERE status = 'pending'
	ORDER BY
		MAX(priority - MIN(
			CAST((strftime('%s','now') - strftime('%s', created_at)) / ? AS INTEGER),
			?), 1) ASC,
		priority ASC,
		created_at ASC
	LIMIT ?
	`

	rows, err := tx.QueryContext(ctx, query, int64(agingStep.Seconds()), maxAgeBonus, n)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending batch: %w", err)
	}

	mutations, err := scanMutations(rows)
	if err != nil {
		return nil, err
	}
	if len(mutations) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)
	for _, m := range mutations {
		res, err := tx.ExecContext(ctx,
			`UPDATE mutations SET status = 'processing', processing_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'pending'`,
			nowStr, nowStr, m.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim mutation %s: %w", m.ID, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil, fmt.Errorf("mutation %s claimed concurrently", m.ID)
		}
		m.Status = schema.StatusProcessing
		t := now
		m.ProcessingAt = &t
		m.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch claim: %w", err)
	}

	return mutations, nil
}

// UpdateMutationStatus sets the status of a mutation. Idempotent: returns
// nil if the mutation no longer exists (already purged).
func (s *Store) UpdateMutationStatus(ctx context.Context, id string, status schema.MutationStatus, lastError string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	query := `
	UPDATE mutations SET
		status = ?,
		last_error = ?,
		processing_at = CASE WHEN ? = 'processing' THEN processing_at ELSE NULL END,
		updated_at = ?
	WHERE id = ?
	`

	_, err := s.conn.ExecContext(ctx, query,
		string(status), lastError, string(status),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("failed to update mutation %s status: %w", id, err)
	}
	return nil
}

// ReclaimStuckProcessing flips processing mutations whose claim is older
// than the cutoff back to pending. This is the crash-recovery path for
// consumers that died between claiming and completing a batch.
// Returns the number of reclaimed mutations.
func (s *Store) ReclaimStuckProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
	UPDATE mutations SET
		status = 'pending',
		processing_at = NULL,
		updated_at = ?
	WHERE status = 'processing' AND processing_at <= ?
	`

	res, err := s.conn.ExecContext(ctx, query,
		time.Now().UTC().Format(time.RFC3339Nano),
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stuck mutations: %w", err)
	}
	return res.RowsAffected()
}

// ListFailedForRetry returns failed mutations with retry_count below the
// given maximum, oldest first.
func (s *Store) ListFailedForRetry(ctx context.Context, maxRetries int) ([]*schema.Mutation, error) {
	query := `
	SELECT ` + mutationColumns + `
	FROM mutations
	WHERE status = 'failed' AND retry_count < ?
	ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed mutations: %w", err)
	}
	return scanMutations(rows)
}

// RescheduleForRetry flips a failed mutation back to pending with an
// incremented retry count, reporting whether the row actually flipped.
// The guard on status keeps the scheduler from racing a concurrent
// manual update.
func (s *Store) RescheduleForRetry(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
	UPDATE mutations SET
		status = 'pending',
		retry_count = retry_count + 1,
		last_retry_at = ?,
		processing_at = NULL,
		updated_at = ?
	WHERE id = ? AND status = 'failed'
	`

	res, err := s.conn.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule mutation %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to reschedule mutation %s: %w", id, err)
	}
	return affected > 0, nil
}

// CountActiveMutations returns the number of mutations still occupying
// queue capacity: pending, processing, and failed rows with retry budget
// left. Completed and conflict rows are terminal; so are failed rows
// whose budget is spent, which no retry scan revives.
func (s *Store) CountActiveMutations(ctx context.Context, maxRetries int) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations
		 WHERE status IN ('pending', 'processing')
		    OR (status = 'failed' AND retry_count < ?)`, maxRetries).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active mutations: %w", err)
	}
	return count, nil
}

// MutationStats aggregates queue state for observers.
type MutationStats struct {
	// ByStatus maps status name to row count.
	ByStatus map[string]int `json:"by_status"`

	// OldestPendingAge is how long the oldest pending mutation has waited.
	OldestPendingAge time.Duration `json:"oldest_pending_age"`

	// RetriedCount is the number of non-completed mutations that have been
	// retried at least once.
	RetriedCount int `json:"retried_count"`
}

// GetMutationStats computes queue statistics in read-only queries; it never
// takes a write lock so it cannot block enqueue or dequeue.
func (s *Store) GetMutationStats(ctx context.Context) (*MutationStats, error) {
	stats := &MutationStats{ByStatus: make(map[string]int)}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	var oldest sql.NullString
	err = s.conn.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM mutations WHERE status = 'pending'`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to find oldest pending mutation: %w", err)
	}
	if t := nullStringToTime(oldest); t != nil {
		stats.OldestPendingAge = time.Since(*t)
	}

	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE retry_count > 0 AND status != 'completed'`).
		Scan(&stats.RetriedCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count retried mutations: %w", err)
	}

	return stats, nil
}

// PurgeTerminalBefore deletes resting mutations older than the cutoff:
// completed rows past their audit window and failed rows whose retry
// budget is spent. The idempotency table, not the mutation row, is
// authoritative for "already applied". Conflict rows are never purged
// here; they are waiting on an operator, not on retention.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time, maxRetries int) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM mutations
		 WHERE updated_at <= ?
		   AND (status = 'completed' OR (status = 'failed' AND retry_count >= ?))`,
		cutoff.UTC().Format(time.RFC3339Nano), maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal mutations: %w", err)
	}
	return res.RowsAffected()
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helper.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*schema.Mutation, error) {
	var m schema.Mutation
	var payload string
	var lastRetryAt, processingAt sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(
		&m.ID,
		&m.Kind,
		&payload,
		&m.IdempotencyKey,
		&m.BaseVersion,
		&m.Priority,
		&m.RetryCount,
		&lastRetryAt,
		&status,
		&m.TenantID,
		&m.UserID,
		&createdAt,
		&updatedAt,
		&processingAt,
		&m.LastError,
	)
	if err != nil {
		return nil, err
	}

	m.Payload = json.RawMessage(payload)
	m.Status = schema.MutationStatus(status)
	m.LastRetryAt = nullStringToTime(lastRetryAt)
	m.ProcessingAt = nullStringToTime(processingAt)

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		m.UpdatedAt = t
	}

	return &m, nil
}

func scanMutations(rows *sql.Rows) ([]*schema.Mutation, error) {
	defer rows.Close()

	var mutations []*schema.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return mutations, nil
}
