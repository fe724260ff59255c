package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/tidesync/tidesync/internal/conflict"
	"github.com/tidesync/tidesync/internal/queue"
	"github.com/tidesync/tidesync/internal/schema"
	"github.com/tidesync/tidesync/internal/store"
)

// fakeTransport scripts server verdicts per idempotency key.
type fakeTransport struct {
	mu       sync.Mutex
	results  map[string]*TransmitResult
	errs     map[string]error
	attempts map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results:  make(map[string]*TransmitResult),
		errs:     make(map[string]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeTransport) Transmit(_ context.Context, m *schema.Mutation) (*TransmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[m.IdempotencyKey]++
	if err, ok := f.errs[m.IdempotencyKey]; ok {
		return nil, err
	}
	if r, ok := f.results[m.IdempotencyKey]; ok {
		return r, nil
	}
	return &TransmitResult{Applied: true, Data: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeTransport) attemptCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[key]
}

func setupOrchestrator(t *testing.T, transport Transport) (*Orchestrator, *store.Store) {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)

	qcfg := queue.DefaultConfig()
	qcfg.Logger = quiet
	q := queue.New(st, qcfg)

	cfg := DefaultConfig()
	cfg.SyncInterval = 0 // no background passes in tests
	cfg.Logger = quiet

	o := New(cfg, st, q, conflict.NewEngine(nil), nil, transport, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o, st
}

func testMutation(kind, key string) *schema.Mutation {
	return &schema.Mutation{
		Kind:           kind,
		Payload:        json.RawMessage(`{"name":"Drill"}`),
		IdempotencyKey: key,
		BaseVersion:    1,
		Priority:       5,
		TenantID:       "tenant-1",
		UserID:         "user-1",
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	o, _ := setupOrchestrator(t, newFakeTransport())
	ctx := context.Background()

	if _, err := o.EnqueueMutation(ctx, testMutation("order.update", "k1")); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("EnqueueMutation error = %v, want ErrNotInitialized", err)
	}
	if _, err := o.StartSync(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("StartSync error = %v, want ErrNotInitialized", err)
	}
	if _, err := o.GetStats(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("GetStats error = %v, want ErrNotInitialized", err)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	o, _ := setupOrchestrator(t, newFakeTransport())
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}
}

func TestSyncPassSuccess(t *testing.T) {
	transport := newFakeTransport()
	o, st := setupOrchestrator(t, transport)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	id, err := o.EnqueueMutation(ctx, testMutation("order.update", "k-success"))
	if err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	pass, err := o.StartSync(ctx)
	if err != nil {
		t.Fatalf("StartSync failed: %v", err)
	}
	if pass.Completed != 1 {
		t.Errorf("completed = %d, want 1", pass.Completed)
	}

	m, err := st.GetMutation(ctx, id)
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if m.Status != schema.StatusCompleted {
		t.Errorf("status = %q, want completed", m.Status)
	}

	// Idempotency record exists: a replay returns the original result.
	rec, err := st.GetIdempotencyRecord(ctx, "tenant-1", "user-1", "k-success")
	if err != nil {
		t.Fatalf("GetIdempotencyRecord failed: %v", err)
	}
	if string(rec.Result) != `{"ok":true}` {
		t.Errorf("stored result = %s", rec.Result)
	}
}

func TestSyncPassTransientFailureContinuesBatch(t *testing.T) {
	transport := newFakeTransport()
	transport.errs["k-bad"] = errors.New("connection reset")
	o, st := setupOrchestrator(t, transport)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	badID, err := o.EnqueueMutation(ctx, testMutation("order.update", "k-bad"))
	if err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	goodID, err := o.EnqueueMutation(ctx, testMutation("order.update", "k-good"))
	if err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	pass, err := o.StartSync(ctx)
	if err != nil {
		t.Fatalf("StartSync failed: %v", err)
	}
	if pass.Failed != 1 || pass.Completed != 1 {
		t.Errorf("pass = %+v, want 1 failed and 1 completed", pass)
	}

	bad, _ := st.GetMutation(ctx, badID)
	if bad.Status != schema.StatusFailed {
		t.Errorf("bad status = %q, want failed", bad.Status)
	}
	good, _ := st.GetMutation(ctx, goodID)
	if good.Status != schema.StatusCompleted {
		t.Errorf("good status = %q, want completed", good.Status)
	}
}

// Offline enqueue, online sync, server conflict at version 3 against
// base 1: classified version_mismatch, low severity, resolved
// server_wins, mutation completed with the server's data retained.
func TestEndToEndVersionConflictServerWins(t *testing.T) {
	transport := newFakeTransport()
	transport.results["k-e2e"] = &TransmitResult{
		Conflict: &ConflictPayload{
			ServerData: map[string]any{"version": float64(3), "name": "Drill"},
			ClientData: map[string]any{"version": float64(1), "name": "Drill"},
		},
	}
	o, st := setupOrchestrator(t, transport)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	m := testMutation("inventory.item.created", "k-e2e")
	id, err := o.EnqueueMutation(ctx, m)
	if err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	// Offline: the mutation waits in the queue.
	held, err := st.GetMutation(ctx, id)
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if held.Status != schema.StatusPending {
		t.Fatalf("status before sync = %q, want pending", held.Status)
	}

	pass, err := o.StartSync(ctx)
	if err != nil {
		t.Fatalf("StartSync failed: %v", err)
	}
	if pass.Completed != 1 {
		t.Fatalf("pass = %+v, want 1 completed", pass)
	}

	final, err := st.GetMutation(ctx, id)
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if final.Status != schema.StatusCompleted {
		t.Errorf("final status = %q, want completed", final.Status)
	}

	conflicts, err := st.ListConflictsForMutation(ctx, id)
	if err != nil {
		t.Fatalf("ListConflictsForMutation failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.Type != schema.ConflictVersionMismatch {
		t.Errorf("type = %q, want version_mismatch", c.Type)
	}
	if c.Severity != schema.SeverityLow {
		t.Errorf("severity = %q, want low for gap 2", c.Severity)
	}
	if c.Resolution != schema.ResolutionServerWins {
		t.Errorf("resolution = %q, want server_wins", c.Resolution)
	}

	// Server data, not client data, is the recorded result.
	rec, err := st.GetIdempotencyRecord(ctx, "tenant-1", "user-1", "k-e2e")
	if err != nil {
		t.Fatalf("GetIdempotencyRecord failed: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal(rec.Result, &result); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if result["version"] != float64(3) {
		t.Errorf("result version = %v, want server's 3", result["version"])
	}
}

func TestSyncPassManualConflictParksMutation(t *testing.T) {
	transport := newFakeTransport()
	transport.results["k-manual"] = &TransmitResult{
		Conflict: &ConflictPayload{
			ServerData: map[string]any{"name": "Widget A"},
			ClientData: map[string]any{"name": "Widget B"},
		},
	}
	o, st := setupOrchestrator(t, transport)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	id, err := o.EnqueueMutation(ctx, testMutation("catalog.item.update", "k-manual"))
	if err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	pass, err := o.StartSync(ctx)
	if err != nil {
		t.Fatalf("StartSync failed: %v", err)
	}
	if pass.Conflicts != 1 {
		t.Fatalf("pass = %+v, want 1 conflict", pass)
	}

	m, _ := st.GetMutation(ctx, id)
	if m.Status != schema.StatusConflict {
		t.Errorf("status = %q, want conflict awaiting manual action", m.Status)
	}
}

func TestSetOnlineTriggersSyncPass(t *testing.T) {
	transport := newFakeTransport()
	o, _ := setupOrchestrator(t, transport)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := o.EnqueueMutation(ctx, testMutation("order.update", "k-online")); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}

	// Offline is a pure no-op.
	o.SetOnline(false)
	if n := transport.attemptCount("k-online"); n != 0 {
		t.Fatalf("attempts while offline = %d, want 0", n)
	}

	o.SetOnline(true)

	deadline := time.Now().Add(5 * time.Second)
	for transport.attemptCount("k-online") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for online-triggered sync pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserversSeeMutationOutcome(t *testing.T) {
	transport := newFakeTransport()
	o, _ := setupOrchestrator(t, transport)
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var mu sync.Mutex
	var finished []schema.MutationStatus
	subID := o.Broker().Subscribe(func(n Notification) {
		if n.Kind == NotifyMutationFinished {
			mu.Lock()
			finished = append(finished, n.Status)
			mu.Unlock()
		}
	})
	defer o.Broker().Unsubscribe(subID)

	if _, err := o.EnqueueMutation(ctx, testMutation("order.update", "k-observe")); err != nil {
		t.Fatalf("EnqueueMutation failed: %v", err)
	}
	if _, err := o.StartSync(ctx); err != nil {
		t.Fatalf("StartSync failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 || finished[0] != schema.StatusCompleted {
		t.Errorf("observer saw %v, want [completed]", finished)
	}
}

func TestGetStatsPartialOnMissingChannel(t *testing.T) {
	o, _ := setupOrchestrator(t, newFakeTransport())
	ctx := context.Background()

	if err := o.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	stats, err := o.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Queue == nil {
		t.Error("expected queue stats")
	}
	// No channel configured: section absent, not an error.
	if stats.Channel != nil {
		t.Error("expected no channel section")
	}
	if len(stats.Errors) != 0 {
		t.Errorf("errors = %v, want none", stats.Errors)
	}
}
