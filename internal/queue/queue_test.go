package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
	"github.com/tidesync/tidesync/internal/store"
)

func setupTestQueue(t *testing.T, config *Config) (*Queue, *store.Store) {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	if config == nil {
		config = DefaultConfig()
	}
	config.Logger = log.New(io.Discard, "", 0)
	return New(st, config), st
}

func testMutation(key string, priority int) *schema.Mutation {
	return &schema.Mutation{
		Kind:           "order.update",
		Payload:        json.RawMessage(`{"qty":3}`),
		IdempotencyKey: key,
		BaseVersion:    1,
		Priority:       priority,
		TenantID:       "tenant-1",
		UserID:         "user-1",
	}
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q, st := setupTestQueue(t, nil)
	ctx := context.Background()

	m := testMutation("op-1", 0)
	id, err := q.Enqueue(ctx, m)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated ID")
	}

	got, err := st.GetMutation(ctx, id)
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Status != schema.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Priority != schema.PriorityDefault {
		t.Errorf("Priority = %d, want default %d", got.Priority, schema.PriorityDefault)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestEnqueueRejectsInvalidMutation(t *testing.T) {
	q, st := setupTestQueue(t, nil)
	ctx := context.Background()

	m := &schema.Mutation{Priority: 99}
	if _, err := q.Enqueue(ctx, m); err == nil {
		t.Fatal("expected validation error")
	} else {
		var verr *schema.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("error type = %T, want *schema.ValidationError", err)
		}
		if len(verr.Violations) < 2 {
			t.Errorf("expected every violation reported, got %v", verr.Violations)
		}
	}

	// Nothing persisted on rejection.
	active, err := st.CountActiveMutations(ctx, q.config.MaxRetries)
	if err != nil {
		t.Fatalf("CountActiveMutations failed: %v", err)
	}
	if active != 0 {
		t.Errorf("active = %d, want 0", active)
	}
}

func TestEnqueueDuplicateReturnsStoredResult(t *testing.T) {
	q, _ := setupTestQueue(t, nil)
	ctx := context.Background()

	m := testMutation("op-dup", 5)
	if _, err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkApplied(ctx, m, json.RawMessage(`{"version":2}`)); err != nil {
		t.Fatalf("MarkApplied failed: %v", err)
	}

	replay := testMutation("op-dup", 5)
	_, err := q.Enqueue(ctx, replay)
	var dup *DuplicateOperationError
	if !errors.As(err, &dup) {
		t.Fatalf("error = %v, want *DuplicateOperationError", err)
	}
	if string(dup.Result) != `{"version":2}` {
		t.Errorf("Result = %s, want stored result", dup.Result)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	q, _ := setupTestQueue(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		m := testMutation("op-full-"+string(rune('a'+i)), 5)
		if _, err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	_, err := q.Enqueue(ctx, testMutation("op-full-overflow", 5))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("error = %v, want ErrQueueFull", err)
	}
}

func TestEnqueueCapacityFreedByExhaustedRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	cfg.MaxRetries = 1
	q, st := setupTestQueue(t, cfg)
	ctx := context.Background()

	a := testMutation("op-exhaust-a", 5)
	b := testMutation("op-exhaust-b", 5)
	for _, m := range []*schema.Mutation{a, b} {
		if _, err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if err := q.UpdateStatus(ctx, m.ID, schema.StatusFailed, "net down"); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
	}

	// Failed with retry budget left still occupies capacity.
	if _, err := q.Enqueue(ctx, testMutation("op-exhaust-over", 5)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("error = %v, want ErrQueueFull while retries remain", err)
	}

	// Spend the budget: one retry each, then a final failure.
	for _, m := range []*schema.Mutation{a, b} {
		if _, err := st.RescheduleForRetry(ctx, m.ID); err != nil {
			t.Fatalf("RescheduleForRetry failed: %v", err)
		}
		if err := q.UpdateStatus(ctx, m.ID, schema.StatusFailed, "net down"); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
	}

	if _, err := q.Enqueue(ctx, testMutation("op-exhaust-after", 5)); err != nil {
		t.Fatalf("Enqueue after retry exhaustion failed: %v", err)
	}
}

func TestDequeueBatchPriorityOrder(t *testing.T) {
	q, _ := setupTestQueue(t, nil)
	ctx := context.Background()

	for i, p := range []int{3, 1, 2} {
		m := testMutation("op-prio-"+string(rune('a'+i)), p)
		if _, err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	batch, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	for i, want := range []int{1, 2, 3} {
		if batch[i].Priority != want {
			t.Errorf("batch[%d].Priority = %d, want %d", i, batch[i].Priority, want)
		}
		if batch[i].Status != schema.StatusProcessing {
			t.Errorf("batch[%d].Status = %q, want processing", i, batch[i].Status)
		}
	}
}

func TestDequeueBatchClaimsOnce(t *testing.T) {
	q, _ := setupTestQueue(t, nil)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testMutation("op-once", 5)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("first DequeueBatch failed: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first batch size = %d, want 1", len(first))
	}

	second, err := q.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("second DequeueBatch failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second batch size = %d, want 0", len(second))
	}
}

func TestMarkAppliedWritesIdempotencyRecord(t *testing.T) {
	q, st := setupTestQueue(t, nil)
	ctx := context.Background()

	m := testMutation("op-applied", 5)
	id, err := q.Enqueue(ctx, m)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkApplied(ctx, m, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("MarkApplied failed: %v", err)
	}

	got, err := st.GetMutation(ctx, id)
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Status != schema.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}

	rec, err := st.GetIdempotencyRecord(ctx, m.TenantID, m.UserID, m.IdempotencyKey)
	if err != nil {
		t.Fatalf("GetIdempotencyRecord failed: %v", err)
	}
	if string(rec.Result) != `{"ok":true}` {
		t.Errorf("Result = %s, want {\"ok\":true}", rec.Result)
	}
}

func TestApproveOverrideCompletesMutation(t *testing.T) {
	q, st := setupTestQueue(t, nil)
	ctx := context.Background()

	m := testMutation("op-override", 5)
	id, err := q.Enqueue(ctx, m)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, id, schema.StatusConflict, "awaiting manual resolution"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	conflict := &schema.Conflict{
		ID:              "conf-override-1",
		MutationID:      id,
		Type:            schema.ConflictData,
		Severity:        schema.SeverityHigh,
		ServerData:      map[string]any{"name": "Drill", "version": float64(3)},
		ClientData:      map[string]any{"name": "Hammer", "version": float64(3)},
		Resolution:      schema.ResolutionClientOverride,
		PendingApproval: true,
		ResolvedBy:      "ops@example.com",
		CreatedAt:       time.Now().UTC(),
	}
	if err := st.InsertConflict(ctx, conflict); err != nil {
		t.Fatalf("InsertConflict failed: %v", err)
	}

	mutationID, err := q.ApproveOverride(ctx, conflict.ID, "lead@example.com")
	if err != nil {
		t.Fatalf("ApproveOverride failed: %v", err)
	}
	if mutationID != id {
		t.Errorf("mutation ID = %q, want %q", mutationID, id)
	}

	got, err := st.GetMutation(ctx, id)
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Status != schema.StatusCompleted {
		t.Errorf("Status = %q, want completed after approval", got.Status)
	}

	// The client's data is the stored apply result for replays.
	rec, err := st.GetIdempotencyRecord(ctx, m.TenantID, m.UserID, m.IdempotencyKey)
	if err != nil {
		t.Fatalf("GetIdempotencyRecord failed: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(rec.Result, &result); err != nil {
		t.Fatalf("stored result is not JSON: %v", err)
	}
	if result["name"] != "Hammer" {
		t.Errorf("result.name = %v, want the client's value", result["name"])
	}

	approved, err := st.GetConflict(ctx, conflict.ID)
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if approved.PendingApproval {
		t.Error("PendingApproval still set after approval")
	}
	if approved.ResolvedAt == nil {
		t.Error("ResolvedAt not stamped on approval")
	}
	if approved.ResolvedBy != "lead@example.com" {
		t.Errorf("ResolvedBy = %q, want the approver", approved.ResolvedBy)
	}

	// A second approval finds nothing awaiting approval.
	if _, err := q.ApproveOverride(ctx, conflict.ID, "lead@example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second approval error = %v, want store.ErrNotFound", err)
	}
}

func TestGetStats(t *testing.T) {
	q, _ := setupTestQueue(t, nil)
	ctx := context.Background()

	a := testMutation("op-stats-a", 5)
	if _, err := q.Enqueue(ctx, a); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	b := testMutation("op-stats-b", 5)
	if _, err := q.Enqueue(ctx, b); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.UpdateStatus(ctx, b.ID, schema.StatusFailed, "net down"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.ByStatus["pending"] != 1 {
		t.Errorf("pending = %d, want 1", stats.ByStatus["pending"])
	}
	if stats.ByStatus["failed"] != 1 {
		t.Errorf("failed = %d, want 1", stats.ByStatus["failed"])
	}
	if stats.OldestPendingAge < 0 {
		t.Errorf("OldestPendingAge = %v, want >= 0", stats.OldestPendingAge)
	}
}

func TestRetryDelayStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy RetryStrategy
		retries  int
		want     time.Duration
	}{
		{"exponential first", RetryExponential, 0, 2 * time.Second},
		{"exponential third", RetryExponential, 2, 8 * time.Second},
		{"linear first", RetryLinear, 0, 2 * time.Second},
		{"linear third", RetryLinear, 2, 6 * time.Second},
		{"fixed third", RetryFixed, 2, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.RetryStrategy = tt.strategy
			cfg.RetryBase = 2 * time.Second
			q, _ := setupTestQueue(t, cfg)

			if got := q.retryDelay(tt.retries); got != tt.want {
				t.Errorf("retryDelay(%d) = %v, want %v", tt.retries, got, tt.want)
			}
		})
	}
}
