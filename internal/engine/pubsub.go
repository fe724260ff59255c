package engine

import (
	"sync"

	"github.com/tidesync/tidesync/internal/schema"
)

// NotificationKind discriminates orchestrator notifications.
type NotificationKind string

const (
	// NotifyMutationFinished fires when a mutation reaches a sync
	// outcome: completed, failed, or conflict.
	NotifyMutationFinished NotificationKind = "mutation_finished"

	// NotifySyncPass fires after each sync pass with its tallies.
	NotifySyncPass NotificationKind = "sync_pass"

	// NotifyEvent relays a delivered channel event.
	NotifyEvent NotificationKind = "event"

	// NotifyConnectionFailed relays the channel's terminal failure.
	NotifyConnectionFailed NotificationKind = "connection_failed"
)

// Notification is one observer message. Fields beyond Kind are set per
// kind.
type Notification struct {
	Kind       NotificationKind
	MutationID string
	Status     schema.MutationStatus
	Event      *schema.Event
	Pass       *SyncPassResult
	Err        error
}

// Broker fans orchestrator notifications out to any number of
// observers. Unsubscribe is idempotent.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]func(Notification)
	nextID int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]func(Notification))}
}

// Subscribe registers an observer and returns its unsubscribe token.
func (b *Broker) Subscribe(fn func(Notification)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	return id
}

// Unsubscribe removes an observer. Removing an unknown token is a
// no-op.
func (b *Broker) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers a notification to every observer. Observers run on
// the caller's goroutine; they must not block.
func (b *Broker) Publish(n Notification) {
	b.mu.Lock()
	fns := make([]func(Notification), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
