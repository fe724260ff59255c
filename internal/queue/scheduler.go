package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
	"github.com/tidesync/tidesync/internal/store"
)

// Scheduler runs the queue's background maintenance loops:
//
//   - retry scan: failed mutations whose backoff has elapsed go back to
//     pending with their retry count bumped
//   - reclaim: processing mutations abandoned past the reclaim timeout
//     return to pending so another consumer can pick them up
//   - purge: completed and retry-exhausted mutations older than the
//     retention window are deleted, along with expired idempotency
//     records
//
// Start and Stop are idempotent.
type Scheduler struct {
	queue *Queue
	store *store.Store

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over the queue's store.
func NewScheduler(q *Queue, st *store.Store) *Scheduler {
	return &Scheduler{
		queue: q,
		store: st,
	}
}

// Start launches the maintenance loops. A second call while running is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.retryLoop(ctx)
	go s.maintenanceLoop(ctx)

	s.queue.logger.Printf("Scheduler started (retry scan every %v)", s.queue.config.RetryScanInterval)
}

// Stop cancels the loops and waits for them to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.queue.logger.Printf("Scheduler stopped")
}

// retryLoop periodically reschedules failed mutations whose backoff has
// elapsed and reclaims abandoned processing claims.
func (s *Scheduler) retryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queue.config.RetryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.RunRetryScan(ctx); err != nil {
				s.queue.logger.Printf("Retry scan failed: %v", err)
			} else if n > 0 {
				s.queue.logger.Printf("Rescheduled %d failed mutations", n)
			}

			if n, err := s.ReclaimAbandoned(ctx); err != nil {
				s.queue.logger.Printf("Reclaim failed: %v", err)
			} else if n > 0 {
				s.queue.logger.Printf("Reclaimed %d abandoned mutations", n)
			}
		}
	}
}

// maintenanceLoop runs the slower housekeeping sweeps. Interval is tied
// to the retention windows rather than the retry cadence.
func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.queue.config.CompletedRetention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunMaintenance(ctx); err != nil {
				s.queue.logger.Printf("Maintenance sweep failed: %v", err)
			}
		}
	}
}

// RunRetryScan performs one retry pass and returns how many failed
// mutations were rescheduled. Exposed for on-demand sync triggers.
func (s *Scheduler) RunRetryScan(ctx context.Context) (int, error) {
	candidates, err := s.store.ListFailedForRetry(ctx, s.queue.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to list retry candidates: %w", err)
	}

	now := time.Now().UTC()
	rescheduled := 0
	for _, m := range candidates {
		if !s.retryDue(m, now) {
			continue
		}
		ok, err := s.store.RescheduleForRetry(ctx, m.ID)
		if err != nil {
			return rescheduled, fmt.Errorf("failed to reschedule %s: %w", m.ID, err)
		}
		if ok {
			rescheduled++
		}
	}
	return rescheduled, nil
}

// retryDue reports whether a failed mutation's backoff has elapsed. The
// clock starts at the last retry, or the failure itself for the first
// attempt.
func (s *Scheduler) retryDue(m *schema.Mutation, now time.Time) bool {
	since := m.UpdatedAt
	if m.LastRetryAt != nil {
		since = *m.LastRetryAt
	}
	return now.Sub(since) >= s.queue.retryDelay(m.RetryCount)
}

// ReclaimAbandoned returns processing mutations older than the reclaim
// timeout to pending. Reports how many were reclaimed.
func (s *Scheduler) ReclaimAbandoned(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.queue.config.ReclaimTimeout)
	return s.store.ReclaimStuckProcessing(ctx, cutoff)
}

// RunMaintenance purges resting mutations past retention (completed,
// and failed with the retry budget spent) and sweeps expired
// idempotency records.
func (s *Scheduler) RunMaintenance(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.queue.config.CompletedRetention)
	purged, err := s.store.PurgeTerminalBefore(ctx, cutoff, s.queue.config.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to purge terminal mutations: %w", err)
	}
	if purged > 0 {
		s.queue.logger.Printf("Purged %d terminal mutations", purged)
	}

	swept, err := s.store.SweepExpiredIdempotency(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep idempotency records: %w", err)
	}
	if swept > 0 {
		s.queue.logger.Printf("Swept %d expired idempotency records", swept)
	}
	return nil
}
