// Package engine holds the sync orchestrator: the top-level coordinator
// that owns component lifecycle, reacts to connectivity and visibility
// transitions, and drives the enqueue, dequeue, transmit, resolve
// pipeline.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/channel"
	"github.com/tidesync/tidesync/internal/conflict"
	"github.com/tidesync/tidesync/internal/metrics"
	"github.com/tidesync/tidesync/internal/queue"
	"github.com/tidesync/tidesync/internal/schema"
	"github.com/tidesync/tidesync/internal/store"
)

// ErrNotInitialized is returned when an operation runs before
// Initialize. A lifecycle bug in the caller, never retried.
var ErrNotInitialized = errors.New("sync engine not initialized")

// Config holds orchestrator tuning.
type Config struct {
	// BatchSize is how many mutations one sync pass claims.
	BatchSize int

	// SyncInterval drives the periodic background sync pass. Zero
	// disables periodic sync; passes then run only on connectivity,
	// visibility, or manual triggers.
	SyncInterval time.Duration

	Logger *log.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:    50,
		SyncInterval: 30 * time.Second,
		Logger:       log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Orchestrator coordinates the queue, the conflict engine, the event
// channel, and the transport. Construct with New, then Initialize.
type Orchestrator struct {
	config    *Config
	store     *store.Store
	queue     *queue.Queue
	scheduler *queue.Scheduler
	resolver  *conflict.Engine
	channel   *channel.Channel
	transport Transport
	metrics   *metrics.Set
	broker    *Broker
	logger    *log.Logger

	mu          sync.Mutex
	initialized bool
	online      bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// syncMu serializes sync passes: batches are processed one at a
	// time so per-idempotency-key ordering holds.
	syncMu sync.Mutex
}

// New wires an orchestrator. The channel may be nil for
// mutation-only deployments; metrics may be nil to skip
// instrumentation.
func New(config *Config, st *store.Store, q *queue.Queue, resolver *conflict.Engine, ch *channel.Channel, transport Transport, m *metrics.Set) *Orchestrator {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &Orchestrator{
		config:    config,
		store:     st,
		queue:     q,
		scheduler: queue.NewScheduler(q, st),
		resolver:  resolver,
		channel:   ch,
		transport: transport,
		metrics:   m,
		broker:    NewBroker(),
		logger:    config.Logger,
	}
}

// Broker exposes the observer fan-out for subscribers.
func (o *Orchestrator) Broker() *Broker {
	return o.broker
}

// SetResolver swaps the conflict policy, used by configuration hot
// reload. Safe while sync passes run; the next pass sees the new
// policy.
func (o *Orchestrator) SetResolver(resolver *conflict.Engine) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()
	o.resolver = resolver
}

// Initialize starts the background machinery: the retry scheduler, the
// live event channel, and the periodic sync loop. Idempotent; a second
// call is a no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel

	o.scheduler.Start(runCtx)

	if o.channel != nil {
		o.channel.Subscribe(o.relayChannelSignal)
		o.channel.Open(runCtx)
	}

	if o.config.SyncInterval > 0 {
		o.wg.Add(1)
		go o.periodicSync(runCtx)
	}

	o.initialized = true
	o.logger.Printf("Sync engine initialized")
	return nil
}

// Shutdown stops cooperatively: no new sync triggers, in-flight work
// finishes or times out, the live connection closes, timers cancel.
// Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.scheduler.Stop()
	if o.channel != nil {
		o.channel.Close()
	}

	// Let an in-flight sync pass drain before declaring shutdown done.
	done := make(chan struct{})
	go func() {
		o.syncMu.Lock()
		defer o.syncMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out waiting for sync pass: %w", ctx.Err())
	}

	o.logger.Printf("Sync engine shut down")
	return nil
}

func (o *Orchestrator) isInitialized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialized
}

// EnqueueMutation validates and enqueues. The caller sees validation,
// capacity, and duplicate outcomes synchronously; everything downstream
// arrives via the observer interface.
func (o *Orchestrator) EnqueueMutation(ctx context.Context, m *schema.Mutation) (string, error) {
	if !o.isInitialized() {
		return "", ErrNotInitialized
	}

	id, err := o.queue.Enqueue(ctx, m)
	if err != nil {
		return "", err
	}
	o.metrics.MutationsEnqueued.WithLabelValues(m.Kind).Inc()
	return id, nil
}

// SetOnline records a connectivity transition. Going online triggers a
// sync pass; going offline is a pure no-op, the queue keeps accepting
// work.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	was := o.online
	o.online = online
	o.mu.Unlock()

	if online && !was && o.isInitialized() {
		go func() {
			if _, err := o.StartSync(context.Background()); err != nil {
				o.logger.Printf("Online sync pass failed: %v", err)
			}
		}()
	}
}

// NotifyVisible records a foreground transition: if online, trigger a
// sync pass.
func (o *Orchestrator) NotifyVisible() {
	o.mu.Lock()
	online := o.online
	o.mu.Unlock()

	if online && o.isInitialized() {
		go func() {
			if _, err := o.StartSync(context.Background()); err != nil {
				o.logger.Printf("Visibility sync pass failed: %v", err)
			}
		}()
	}
}

// SyncPassResult tallies one pass.
type SyncPassResult struct {
	Dequeued  int `json:"dequeued"`
	Completed int `json:"completed"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// StartSync runs one sync pass: dequeue a batch and transmit each
// mutation sequentially. Three outcomes per mutation: applied, conflict
// (resolved by the conflict engine), or failure (marked failed for the
// retry scheduler). A transport error never aborts the pass; the loop
// continues with the rest of the batch.
func (o *Orchestrator) StartSync(ctx context.Context) (*SyncPassResult, error) {
	if !o.isInitialized() {
		return nil, ErrNotInitialized
	}

	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	batch, err := o.queue.DequeueBatch(ctx, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue sync batch: %w", err)
	}

	result := &SyncPassResult{Dequeued: len(batch)}
	for _, m := range batch {
		o.processMutation(ctx, m, result)
	}

	o.metrics.SyncPasses.Inc()
	o.broker.Publish(Notification{Kind: NotifySyncPass, Pass: result})
	if result.Dequeued > 0 {
		o.logger.Printf("Sync pass: %d dequeued, %d completed, %d conflicts, %d failed",
			result.Dequeued, result.Completed, result.Conflicts, result.Failed)
	}
	return result, nil
}

func (o *Orchestrator) processMutation(ctx context.Context, m *schema.Mutation, result *SyncPassResult) {
	started := time.Now()
	tr, err := o.transport.Transmit(ctx, m)
	o.metrics.TransmitDuration.Observe(time.Since(started).Seconds())

	switch {
	case err != nil:
		o.finishMutation(ctx, m, schema.StatusFailed, err.Error())
		result.Failed++

	case tr.Conflict != nil:
		status, err := o.resolveConflict(ctx, m, tr.Conflict)
		if err != nil {
			o.logger.Printf("Failed to resolve conflict for %s: %v", m.ID, err)
			o.finishMutation(ctx, m, schema.StatusFailed, err.Error())
			result.Failed++
			return
		}
		if status == schema.StatusConflict {
			result.Conflicts++
		} else {
			result.Completed++
		}

	default:
		if err := o.queue.MarkApplied(ctx, m, tr.Data); err != nil {
			o.logger.Printf("Failed to record apply for %s: %v", m.ID, err)
			result.Failed++
			return
		}
		o.metrics.MutationsFinished.WithLabelValues("completed").Inc()
		o.broker.Publish(Notification{
			Kind:       NotifyMutationFinished,
			MutationID: m.ID,
			Status:     schema.StatusCompleted,
		})
		result.Completed++
	}
}

// resolveConflict hands a server-reported conflict to the resolution
// engine, records the outcome, and finalizes the mutation status. A
// conflict always ends in a terminal queue status, never ambiguity.
func (o *Orchestrator) resolveConflict(ctx context.Context, m *schema.Mutation, payload *ConflictPayload) (schema.MutationStatus, error) {
	detection := o.resolver.Detect(m, payload.ServerData, payload.ClientData)
	resolved := o.resolver.Resolve(detection, m, payload.ServerData, payload.ClientData)

	if err := o.store.InsertConflict(ctx, resolved); err != nil {
		return "", fmt.Errorf("failed to record conflict: %w", err)
	}

	status := conflict.StatusFor(resolved)
	if status == schema.StatusCompleted {
		// Resolved outcomes retain the server's view; record the
		// idempotency result so replays return it.
		data, err := json.Marshal(payload.ServerData)
		if err != nil {
			data = nil
		}
		if resolved.Resolution == schema.ResolutionFieldMerge && resolved.MergedData != nil {
			if merged, err := json.Marshal(resolved.MergedData); err == nil {
				data = merged
			}
		}
		if err := o.queue.MarkApplied(ctx, m, data); err != nil {
			return "", err
		}
	} else {
		o.finishMutation(ctx, m, status, "awaiting manual resolution")
	}

	o.metrics.ConflictsResolved.WithLabelValues(string(resolved.Resolution)).Inc()
	o.broker.Publish(Notification{
		Kind:       NotifyMutationFinished,
		MutationID: m.ID,
		Status:     status,
	})
	return status, nil
}

func (o *Orchestrator) finishMutation(ctx context.Context, m *schema.Mutation, status schema.MutationStatus, reason string) {
	if err := o.queue.UpdateStatus(ctx, m.ID, status, reason); err != nil {
		o.logger.Printf("Failed to update status of %s: %v", m.ID, err)
		return
	}
	o.metrics.MutationsFinished.WithLabelValues(string(status)).Inc()
	if status == schema.StatusFailed {
		o.broker.Publish(Notification{
			Kind:       NotifyMutationFinished,
			MutationID: m.ID,
			Status:     status,
			Err:        errors.New(reason),
		})
	}
}

// periodicSync drives background passes while online.
func (o *Orchestrator) periodicSync(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			online := o.online
			o.mu.Unlock()
			if !online {
				continue
			}
			if _, err := o.StartSync(ctx); err != nil && !errors.Is(err, ErrNotInitialized) {
				o.logger.Printf("Periodic sync pass failed: %v", err)
			}
		}
	}
}

// relayChannelSignal republishes channel signals on the engine broker
// and keeps metrics current.
func (o *Orchestrator) relayChannelSignal(sig channel.Signal) {
	switch sig.Kind {
	case channel.SignalEvent:
		mode := "live"
		if sig.Backfill {
			mode = "backfill"
		}
		o.metrics.EventsDelivered.WithLabelValues(mode).Inc()
		o.broker.Publish(Notification{Kind: NotifyEvent, Event: sig.Event})
	case channel.SignalStateChange:
		if sig.State == channel.StateReconnecting {
			o.metrics.ChannelReconnects.Inc()
		}
	case channel.SignalConnectionFailed:
		o.broker.Publish(Notification{Kind: NotifyConnectionFailed, Err: sig.Err})
	}
}

// Stats is the aggregate snapshot for observers.
type Stats struct {
	Queue   *queue.Stats    `json:"queue,omitempty"`
	Channel *channel.Status `json:"channel,omitempty"`

	// Errors lists the sections that could not be collected. Partial
	// data is returned rather than an overall failure.
	Errors []string `json:"errors,omitempty"`
}

// GetStats aggregates queue counts and channel status. Any section
// failing to collect is reported in Errors, zeroed, and does not fail
// the call.
func (o *Orchestrator) GetStats(ctx context.Context) (*Stats, error) {
	if !o.isInitialized() {
		return nil, ErrNotInitialized
	}

	stats := &Stats{}

	qs, err := o.queue.GetStats(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("queue: %v", err))
	} else {
		stats.Queue = qs
		for status, count := range qs.ByStatus {
			o.metrics.QueueDepth.WithLabelValues(status).Set(float64(count))
		}
	}

	if o.channel != nil {
		cs := o.channel.GetStatus()
		stats.Channel = &cs
	}

	return stats, nil
}
