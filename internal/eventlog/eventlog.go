// Package eventlog is the thin client for the remote event log: an
// append-only, per-tenant ordered stream backed by Redis Streams.
// Stream entry IDs double as resumption cursors.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidesync/tidesync/internal/schema"
)

const (
	streamPrefix = "tidesync:events:"

	// DefaultGroup is the consumer group used by sync instances so
	// multiple engine processes for one tenant never duplicate work.
	DefaultGroup = "tidesync-sync"
)

// Config holds connection and consumption tuning.
type Config struct {
	// Addr is the Redis host:port.
	Addr     string
	Password string
	DB       int

	// ReadTimeout bounds blocking reads.
	ReadTimeout time.Duration

	// StaleIdle is how long an entry may sit unacknowledged with a dead
	// consumer before another consumer may claim it.
	StaleIdle time.Duration

	Logger *log.Logger
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:        "localhost:6379",
		ReadTimeout: 5 * time.Second,
		StaleIdle:   time.Minute,
		Logger:      log.New(os.Stderr, "[eventlog] ", log.LstdFlags),
	}
}

// Log talks to the per-tenant event streams. Safe for concurrent use.
type Log struct {
	client *redis.Client
	config *Config
	logger *log.Logger
}

// New connects a Log client. The connection is lazy; use Ping to verify
// reachability.
func New(config *Config) *Log {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[eventlog] ", log.LstdFlags)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return &Log{client: client, config: config, logger: config.Logger}
}

// NewWithClient wraps an existing Redis client. Used by tests and by
// callers that manage the connection pool themselves.
func NewWithClient(client *redis.Client, config *Config) *Log {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[eventlog] ", log.LstdFlags)
	}
	return &Log{client: client, config: config, logger: config.Logger}
}

// Ping verifies the connection.
func (l *Log) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping event log: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	return l.client.Close()
}

func streamKey(tenantID string) string {
	return streamPrefix + tenantID
}

// Append writes an event to the tenant's stream and returns the
// log-assigned ID. The ID is monotonically increasing within the stream
// and serves as the cursor for readers.
func (l *Log) Append(ctx context.Context, event *schema.Event) (string, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	values := map[string]any{
		"type":      event.Type,
		"tenant_id": event.TenantID,
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if event.Payload != nil {
		values["payload"] = string(event.Payload)
	}

	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(event.TenantID),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append event for tenant %s: %w", event.TenantID, err)
	}
	event.ID = id
	return id, nil
}

// ReadFrom fetches up to limit events after the cursor, oldest first,
// and returns them with the cursor for the next call. A start cursor
// ("0" or empty) reads from the beginning. nextCursor equals the input
// cursor when no events were returned.
func (l *Log) ReadFrom(ctx context.Context, tenantID, cursor string, limit int) ([]*schema.Event, string, error) {
	start := "-"
	if !schema.IsStartCursor(cursor) {
		// Exclusive range start: resume strictly after the cursor.
		start = "(" + cursor
	}

	msgs, err := l.client.XRangeN(ctx, streamKey(tenantID), start, "+", int64(limit)).Result()
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to read events for tenant %s: %w", tenantID, err)
	}

	events := make([]*schema.Event, 0, len(msgs))
	next := cursor
	for _, msg := range msgs {
		events = append(events, messageToEvent(tenantID, msg))
		next = msg.ID
	}
	return events, next, nil
}

// Count returns the total number of retained events in the tenant's
// stream.
func (l *Log) Count(ctx context.Context, tenantID string) (int64, error) {
	n, err := l.client.XLen(ctx, streamKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count events for tenant %s: %w", tenantID, err)
	}
	return n, nil
}

// HasCursor reports whether the cursor still refers to a retained entry
// in the tenant's stream. Start cursors are always valid.
func (l *Log) HasCursor(ctx context.Context, tenantID, cursor string) (bool, error) {
	if schema.IsStartCursor(cursor) {
		return true, nil
	}
	msgs, err := l.client.XRangeN(ctx, streamKey(tenantID), cursor, cursor, 1).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cursor for tenant %s: %w", tenantID, err)
	}
	return len(msgs) > 0, nil
}

// EnsureGroup creates the consumer group for a tenant stream if it does
// not exist yet. Creating an existing group is a no-op.
func (l *Log) EnsureGroup(ctx context.Context, tenantID, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, streamKey(tenantID), group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return nil
}

// Consume reads up to count undelivered entries for this consumer,
// blocking up to the configured read timeout. Entries stay pending
// until acknowledged with Ack.
func (l *Log) Consume(ctx context.Context, tenantID, group, consumer string, count int) ([]*schema.Event, error) {
	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey(tenantID), ">"},
		Count:    int64(count),
		Block:    l.config.ReadTimeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume events for tenant %s: %w", tenantID, err)
	}

	var events []*schema.Event
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			events = append(events, messageToEvent(tenantID, msg))
		}
	}
	return events, nil
}

// Ack acknowledges consumed entries so they leave the group's pending
// list.
func (l *Log) Ack(ctx context.Context, tenantID, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.client.XAck(ctx, streamKey(tenantID), group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack events for tenant %s: %w", tenantID, err)
	}
	return nil
}

// ClaimStale transfers entries stuck with a dead consumer for longer
// than the configured idle threshold to the given consumer and returns
// them for reprocessing.
func (l *Log) ClaimStale(ctx context.Context, tenantID, group, consumer string, count int) ([]*schema.Event, error) {
	msgs, _, err := l.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(tenantID),
		Group:    group,
		Consumer: consumer,
		MinIdle:  l.config.StaleIdle,
		Start:    "0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale events for tenant %s: %w", tenantID, err)
	}

	events := make([]*schema.Event, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, messageToEvent(tenantID, msg))
	}
	return events, nil
}

// TrimByAge drops entries older than the retention window. Stream IDs
// begin with a millisecond timestamp, so age maps directly to a minimum
// ID.
func (l *Log) TrimByAge(ctx context.Context, tenantID string, retention time.Duration) (int64, error) {
	minID := strconv.FormatInt(time.Now().Add(-retention).UnixMilli(), 10)
	n, err := l.client.XTrimMinID(ctx, streamKey(tenantID), minID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to trim events for tenant %s: %w", tenantID, err)
	}
	return n, nil
}

// messageToEvent decodes a stream entry. Malformed timestamps fall back
// to the entry ID's millisecond prefix so ordering stays intact.
func messageToEvent(tenantID string, msg redis.XMessage) *schema.Event {
	event := &schema.Event{
		ID:       msg.ID,
		TenantID: tenantID,
	}
	if v, ok := msg.Values["type"].(string); ok {
		event.Type = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		event.Payload = json.RawMessage(v)
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			event.Timestamp = t
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = timestampFromID(msg.ID)
	}
	return event
}

// timestampFromID extracts the millisecond prefix of a stream entry ID.
func timestampFromID(id string) time.Time {
	ms, _, found := strings.Cut(id, "-")
	if !found {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
