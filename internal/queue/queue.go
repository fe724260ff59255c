// Package queue owns the durable mutation queue: enqueue with idempotency
// and capacity enforcement, atomic batch dequeue in priority order, status
// transitions, and background retry scheduling.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
	"github.com/tidesync/tidesync/internal/store"
)

// ErrQueueFull is returned by Enqueue when the store already holds the
// configured maximum of non-terminal mutations. The caller must shed load
// or wait; nothing is persisted.
var ErrQueueFull = errors.New("mutation queue is full")

// DuplicateOperationError is returned by Enqueue when an unexpired
// idempotency record already exists for the key. It carries the stored
// result so callers can treat the duplicate as success-with-existing-result.
type DuplicateOperationError struct {
	Key    string
	Result json.RawMessage
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("operation %s already applied", e.Key)
}

// RetryStrategy names how retry delays grow with the attempt count.
type RetryStrategy string

const (
	// RetryExponential delays base * 2^retryCount.
	RetryExponential RetryStrategy = "exponential"

	// RetryLinear delays base * (retryCount + 1).
	RetryLinear RetryStrategy = "linear"

	// RetryFixed always delays base.
	RetryFixed RetryStrategy = "fixed"
)

// Config holds queue tuning. Zero values are replaced by DefaultConfig
// values field by field in New.
type Config struct {
	// MaxQueueSize caps non-terminal mutations in the store.
	MaxQueueSize int

	// MaxRetries is the retry budget per mutation; after it is spent the
	// mutation stays failed and is only surfaced via stats.
	MaxRetries int

	// RetryStrategy selects the delay curve.
	RetryStrategy RetryStrategy

	// RetryBase is the base delay fed into the strategy.
	RetryBase time.Duration

	// RetryScanInterval is how often the scheduler scans failed mutations.
	RetryScanInterval time.Duration

	// ReclaimTimeout is how long a mutation may sit in processing before
	// it is considered abandoned by a dead consumer and reclaimed.
	ReclaimTimeout time.Duration

	// AgingStep and MaxAgeBonus bound the anti-starvation bonus: every
	// AgingStep of waiting improves a pending mutation's effective
	// priority by one, at most MaxAgeBonus in total.
	AgingStep   time.Duration
	MaxAgeBonus int

	// CompletedRetention is how long completed mutations are kept before
	// the purge sweep removes them.
	CompletedRetention time.Duration

	// IdempotencyTTL is how long applied-operation records are honored.
	IdempotencyTTL time.Duration

	// Logger for queue activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxQueueSize:       1000,
		MaxRetries:         5,
		RetryStrategy:      RetryExponential,
		RetryBase:          2 * time.Second,
		RetryScanInterval:  5 * time.Second,
		ReclaimTimeout:     2 * time.Minute,
		AgingStep:          10 * time.Minute,
		MaxAgeBonus:        2,
		CompletedRetention: 24 * time.Hour,
		IdempotencyTTL:     24 * time.Hour,
		Logger:             log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable mutation queue. All state lives in the store;
// Queue itself is safe for concurrent use.
type Queue struct {
	store  *store.Store
	config *Config
	logger *log.Logger
}

// New creates a Queue over an opened store. The store must have its schema
// initialized before use.
func New(st *store.Store, config *Config) *Queue {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = defaults.MaxQueueSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryStrategy == "" {
		config.RetryStrategy = defaults.RetryStrategy
	}
	if config.RetryBase <= 0 {
		config.RetryBase = defaults.RetryBase
	}
	if config.RetryScanInterval <= 0 {
		config.RetryScanInterval = defaults.RetryScanInterval
	}
	if config.ReclaimTimeout <= 0 {
		config.ReclaimTimeout = defaults.ReclaimTimeout
	}
	if config.AgingStep <= 0 {
		config.AgingStep = defaults.AgingStep
	}
	if config.MaxAgeBonus <= 0 {
		config.MaxAgeBonus = defaults.MaxAgeBonus
	}
	if config.CompletedRetention <= 0 {
		config.CompletedRetention = defaults.CompletedRetention
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = defaults.IdempotencyTTL
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Queue{
		store:  st,
		config: config,
		logger: config.Logger,
	}
}

// Enqueue persists a new pending mutation and returns its ID.
//
// Rejections, all resolved at the call boundary and never persisted:
//   - *schema.ValidationError for structurally invalid mutations
//   - *DuplicateOperationError when an unexpired idempotency record exists
//   - ErrQueueFull when capacity is exceeded
//
// Missing ID, status, and timestamps are filled in; a zero priority
// becomes the default.
func (q *Queue) Enqueue(ctx context.Context, m *schema.Mutation) (string, error) {
	if m.ID == "" {
		m.ID = schema.NewMutationID()
	}
	if m.Priority == 0 {
		m.Priority = schema.PriorityDefault
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Status = schema.StatusPending
	m.RetryCount = 0

	if err := m.Validate(); err != nil {
		return "", err
	}

	rec, err := q.store.GetIdempotencyRecord(ctx, m.TenantID, m.UserID, m.IdempotencyKey)
	if err == nil {
		return "", &DuplicateOperationError{Key: m.IdempotencyKey, Result: rec.Result}
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("failed to check idempotency: %w", err)
	}

	active, err := q.store.CountActiveMutations(ctx, q.config.MaxRetries)
	if err != nil {
		return "", fmt.Errorf("failed to check queue capacity: %w", err)
	}
	if active >= q.config.MaxQueueSize {
		return "", fmt.Errorf("%w: %d active mutations (max %d)", ErrQueueFull, active, q.config.MaxQueueSize)
	}

	if err := q.store.InsertMutation(ctx, m); err != nil {
		return "", err
	}

	q.logger.Printf("Enqueued mutation %s (kind=%s, priority=%d)", m.ID, m.Kind, m.Priority)
	return m.ID, nil
}

// DequeueBatch atomically claims up to n pending mutations in
// priority-then-age order and flips them to processing.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]*schema.Mutation, error) {
	batch, err := q.store.ClaimPendingBatch(ctx, n, q.config.AgingStep, q.config.MaxAgeBonus)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	if len(batch) > 0 {
		q.logger.Printf("Dequeued %d mutations", len(batch))
	}
	return batch, nil
}

// UpdateStatus sets a mutation's status. Idempotent; a no-op if the
// mutation was already purged.
func (q *Queue) UpdateStatus(ctx context.Context, id string, status schema.MutationStatus, lastError string) error {
	return q.store.UpdateMutationStatus(ctx, id, status, lastError)
}

// MarkApplied records a successful server apply: the mutation becomes
// completed and an idempotency record pins the result for the TTL window.
// The idempotency record, not the mutation row, is what blocks replays.
func (q *Queue) MarkApplied(ctx context.Context, m *schema.Mutation, result json.RawMessage) error {
	now := time.Now().UTC()
	rec := &schema.IdempotencyRecord{
		Key:         m.IdempotencyKey,
		TenantID:    m.TenantID,
		UserID:      m.UserID,
		Result:      result,
		CommittedAt: now,
		ExpiresAt:   now.Add(q.config.IdempotencyTTL),
	}
	if err := q.store.PutIdempotencyRecord(ctx, rec); err != nil {
		return err
	}
	return q.store.UpdateMutationStatus(ctx, m.ID, schema.StatusCompleted, "")
}

// ApproveOverride commits an approved client override: the conflict's
// client data becomes the stored apply result and the parked mutation
// completes. Returns the mutation ID, or store.ErrNotFound when the
// conflict does not exist or is not awaiting approval.
func (q *Queue) ApproveOverride(ctx context.Context, conflictID, approvedBy string) (string, error) {
	c, err := q.store.GetConflict(ctx, conflictID)
	if err != nil {
		return "", err
	}
	m, err := q.store.GetMutation(ctx, c.MutationID)
	if err != nil {
		return "", fmt.Errorf("failed to load mutation %s for conflict %s: %w", c.MutationID, conflictID, err)
	}

	if err := q.store.MarkConflictApproved(ctx, conflictID, approvedBy); err != nil {
		return "", err
	}

	result, err := json.Marshal(c.ClientData)
	if err != nil {
		result = nil
	}
	if err := q.MarkApplied(ctx, m, result); err != nil {
		return "", err
	}

	q.logger.Printf("Approved client override %s, mutation %s completed", conflictID, m.ID)
	return m.ID, nil
}

// Stats is the queue snapshot exposed to observers.
type Stats struct {
	ByStatus         map[string]int `json:"by_status"`
	OldestPendingAge time.Duration  `json:"oldest_pending_age"`

	// RetryRate is the fraction of active mutations that have been
	// retried at least once.
	RetryRate float64 `json:"retry_rate"`
}

// GetStats computes a read-only aggregate; it never blocks enqueue or
// dequeue.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	ms, err := q.store.GetMutationStats(ctx)
	if err != nil {
		return nil, err
	}

	active := 0
	for status, count := range ms.ByStatus {
		if !schema.MutationStatus(status).Terminal() {
			active += count
		}
	}

	stats := &Stats{
		ByStatus:         ms.ByStatus,
		OldestPendingAge: ms.OldestPendingAge,
	}
	if active > 0 {
		stats.RetryRate = float64(ms.RetriedCount) / float64(active)
	}
	return stats, nil
}

// retryDelay computes the wait before a failed mutation's next attempt.
func (q *Queue) retryDelay(retryCount int) time.Duration {
	base := q.config.RetryBase
	switch q.config.RetryStrategy {
	case RetryLinear:
		return base * time.Duration(retryCount+1)
	case RetryFixed:
		return base
	default: // exponential
		return base * time.Duration(1<<uint(retryCount))
	}
}
