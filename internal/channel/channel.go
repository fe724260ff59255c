// Package channel maintains the live event delivery connection for a
// tenant: a long-lived text-event stream with ordered backfill of
// missed events, heartbeat liveness detection, and capped
// exponential-backoff reconnection.
package channel

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
)

// State is the connection lifecycle position. Transitions:
// connecting -> open -> backfilling -> live, with open/live dropping to
// reconnecting on error and reconnecting feeding back into connecting.
// closed is terminal.
type State string

const (
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateBackfilling  State = "backfilling"
	StateLive         State = "live"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// SignalKind discriminates channel notifications.
type SignalKind string

const (
	// SignalStateChange fires on every state transition.
	SignalStateChange SignalKind = "state_change"

	// SignalEvent carries one delivered domain event, backfill or live.
	SignalEvent SignalKind = "event"

	// SignalBackfillComplete marks the catch-up boundary: everything
	// before it was replay, everything after is current.
	SignalBackfillComplete SignalKind = "backfill_complete"

	// SignalConnectionFailed is the terminal signal after the reconnect
	// budget is spent. Emitted exactly once per channel.
	SignalConnectionFailed SignalKind = "connection_failed"
)

// Signal is a channel notification delivered to subscribers.
type Signal struct {
	Kind     SignalKind
	State    State
	Event    *schema.Event
	Backfill bool
	Err      error
}

// CursorStore persists the per-tenant resumption cursor.
type CursorStore interface {
	GetCursor(ctx context.Context, tenantID string) (*schema.Cursor, error)
	SaveCursor(ctx context.Context, tenantID, lastEventID string) error
}

// Config holds channel tuning.
type Config struct {
	// BaseURL of the sync server, e.g. "http://localhost:8094".
	BaseURL string

	// HeartbeatInterval is the expected server heartbeat cadence. The
	// connection is declared dead when no heartbeat arrives within
	// twice this interval.
	HeartbeatInterval time.Duration

	// ReconnectBaseDelay seeds the exponential backoff:
	// delay = base * 2^(attempt-1).
	ReconnectBaseDelay time.Duration

	// MaxReconnectAttempts caps consecutive reconnects before the
	// terminal connection-failed signal.
	MaxReconnectAttempts int

	// BackfillLimit is the per-request batch size during catch-up.
	BackfillLimit int

	// BackfillTimeout bounds each backfill request.
	BackfillTimeout time.Duration

	// CursorMaxAge forces a backfill when the persisted cursor is older
	// than this, even if one exists.
	CursorMaxAge time.Duration

	// HTTPClient, if nil, uses a client with no overall timeout so the
	// stream can live indefinitely.
	HTTPClient *http.Client

	Logger *log.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:    15 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
		BackfillLimit:        100,
		BackfillTimeout:      30 * time.Second,
		CursorMaxAge:         time.Hour,
		Logger:               log.New(os.Stderr, "[channel] ", log.LstdFlags),
	}
}

// Channel is one tenant's event delivery connection. Construct with
// New, start with Open, stop with Close. Not reusable after Close.
type Channel struct {
	config    *Config
	cursors   CursorStore
	tenantID  string
	userID    string
	authToken string
	client    *http.Client
	logger    *log.Logger

	mu            sync.Mutex
	state         State
	cursor        string
	lastHeartbeat time.Time
	lastEventAt   time.Time
	attempts      int
	subscribers   map[int]func(Signal)
	nextSubID     int
	opened        bool

	failOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a channel for one tenant/user session.
func New(config *Config, cursors CursorStore, tenantID, userID, authToken string) *Channel {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if config.BackfillLimit <= 0 {
		config.BackfillLimit = defaults.BackfillLimit
	}
	if config.BackfillTimeout <= 0 {
		config.BackfillTimeout = defaults.BackfillTimeout
	}
	if config.CursorMaxAge <= 0 {
		config.CursorMaxAge = defaults.CursorMaxAge
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Channel{
		config:      config,
		cursors:     cursors,
		tenantID:    tenantID,
		userID:      userID,
		authToken:   authToken,
		client:      client,
		logger:      config.Logger,
		state:       StateClosed,
		subscribers: make(map[int]func(Signal)),
	}
}

// Subscribe registers an observer for channel signals and returns an
// unsubscribe token. Any number of observers is supported.
func (c *Channel) Subscribe(fn func(Signal)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[id] = fn
	return id
}

// Unsubscribe removes an observer. Idempotent.
func (c *Channel) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, id)
}

func (c *Channel) notify(sig Signal) {
	c.mu.Lock()
	fns := make([]func(Signal), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(sig)
	}
}

// Open starts the connection loop. Calling Open on an already open
// channel is a no-op.
func (c *Channel) Open(ctx context.Context) {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return
	}
	c.opened = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.loadCursor(ctx)

	c.wg.Add(1)
	go c.run(ctx)
}

// Close stops the connection loop and waits for it to drain. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.setState(StateClosed)
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is the channel snapshot reported to the orchestrator.
type Status struct {
	State         State     `json:"state"`
	Cursor        string    `json:"cursor"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastEventAt   time.Time `json:"last_event_at"`
	Attempts      int       `json:"reconnect_attempts"`
}

// GetStatus returns a consistent snapshot.
func (c *Channel) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:         c.state,
		Cursor:        c.cursor,
		LastHeartbeat: c.lastHeartbeat,
		LastEventAt:   c.lastEventAt,
		Attempts:      c.attempts,
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notify(Signal{Kind: SignalStateChange, State: s})
}

// loadCursor seeds the in-memory cursor from the durable store. A
// missing or unreadable cursor means "start from the beginning".
func (c *Channel) loadCursor(ctx context.Context) {
	cur, err := c.cursors.GetCursor(ctx, c.tenantID)
	if err != nil {
		c.mu.Lock()
		c.cursor = schema.CursorStart
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.cursor = cur.LastEventID
	c.mu.Unlock()
}

// advanceCursor records a delivered event in memory and persists it.
// Persistence failure must not block delivery; it is logged and the
// in-memory cursor still advances.
func (c *Channel) advanceCursor(ctx context.Context, eventID string) {
	c.mu.Lock()
	c.cursor = eventID
	c.lastEventAt = time.Now().UTC()
	c.mu.Unlock()

	if err := c.cursors.SaveCursor(ctx, c.tenantID, eventID); err != nil {
		c.logger.Printf("Failed to persist cursor %s for tenant %s: %v", eventID, c.tenantID, err)
	}
}

// deliver hands one event to subscribers and advances the cursor.
func (c *Channel) deliver(ctx context.Context, event *schema.Event, backfill bool) {
	c.notify(Signal{Kind: SignalEvent, Event: event, Backfill: backfill})
	c.advanceCursor(ctx, event.ID)
}

// alreadyDelivered reports whether a stream event sits at or behind the
// cursor. The REST catch-up and the stream's own replay cover
// overlapping windows; whichever ran first advanced the cursor, and the
// other side's copy is dropped here so subscribers see each event once.
func (c *Channel) alreadyDelivered(eventID string) bool {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	if schema.IsStartCursor(cursor) {
		return false
	}
	cmp, ok := schema.CompareEventIDs(eventID, cursor)
	return ok && cmp <= 0
}

// backfillNeeded reports whether a catch-up replay must run before the
// connection counts as current: no cursor yet, or the persisted cursor
// is stale.
func (c *Channel) backfillNeeded(ctx context.Context) bool {
	cur, err := c.cursors.GetCursor(ctx, c.tenantID)
	if err != nil {
		return true
	}
	if schema.IsStartCursor(cur.LastEventID) {
		return true
	}
	return time.Since(cur.LastSyncAt) > c.config.CursorMaxAge
}

// reconnectDelay computes the backoff before reconnect attempt n
// (1-based): base * 2^(n-1).
func (c *Channel) reconnectDelay(attempt int) time.Duration {
	return c.config.ReconnectBaseDelay * time.Duration(1<<uint(attempt-1))
}

// heartbeatStale reports whether the connection should be declared
// dead: no heartbeat within twice the expected interval. This is the
// sole liveness detector; transport error callbacks are not trusted to
// fire promptly on silent network loss.
func (c *Channel) heartbeatStale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(c.lastHeartbeat) > 2*c.config.HeartbeatInterval
}

func (c *Channel) markHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now().UTC()
	c.mu.Unlock()
}

// emitConnectionFailed fires the terminal failure signal. The once
// guard guarantees observers see it a single time no matter how the
// loop unwinds.
func (c *Channel) emitConnectionFailed(err error) {
	c.failOnce.Do(func() {
		c.logger.Printf("Connection failed for tenant %s after %d attempts: %v",
			c.tenantID, c.config.MaxReconnectAttempts, err)
		c.notify(Signal{Kind: SignalConnectionFailed, Err: err})
	})
}
