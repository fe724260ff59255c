package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
)

// run is the connection loop: connect, stream until the connection
// breaks, back off, repeat. The reconnect budget counts consecutive
// failures; a healthy connection resets it.
func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()

	var lastErr error
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			lastErr = err
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if attempts > c.config.MaxReconnectAttempts {
			c.emitConnectionFailed(lastErr)
			c.setState(StateClosed)
			return
		}

		delay := c.reconnectDelay(attempts)
		c.logger.Printf("Connection lost for tenant %s (attempt %d/%d), reconnecting in %v: %v",
			c.tenantID, attempts, c.config.MaxReconnectAttempts, delay, err)
		c.setState(StateReconnecting)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// streamOnce opens the live endpoint and consumes it until it breaks.
// Returns nil only on a clean server-side close.
func (c *Channel) streamOnce(ctx context.Context) error {
	// The watchdog cancels this context when heartbeats stop arriving.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.liveURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to build live request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	c.mu.Lock()
	if !schema.IsStartCursor(c.cursor) {
		req.Header.Set("Last-Event-ID", c.cursor)
	}
	c.mu.Unlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open live connection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("live endpoint returned status %d", resp.StatusCode)
	}

	c.mu.Lock()
	c.lastHeartbeat = time.Now().UTC()
	c.mu.Unlock()

	watchdogDone := make(chan struct{})
	go c.heartbeatWatchdog(streamCtx, cancelStream, watchdogDone)
	defer func() { <-watchdogDone }()

	return c.readStream(streamCtx, resp)
}

// heartbeatWatchdog cancels the stream when the heartbeat goes stale.
func (c *Channel) heartbeatWatchdog(ctx context.Context, cancelStream context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	interval := c.config.HeartbeatInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if c.heartbeatStale(now.UTC()) {
				c.logger.Printf("Heartbeat stale for tenant %s, dropping connection", c.tenantID)
				cancelStream()
				return
			}
		}
	}
}

// readStream parses the text-event stream and dispatches named events.
func (c *Channel) readStream(ctx context.Context, resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if eventName != "" || data.Len() > 0 {
				c.dispatch(ctx, eventName, data.String())
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// Comment line, keepalive noise.
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("live stream broke: %w", err)
	}
	return nil
}

// dispatch routes one parsed stream event.
func (c *Channel) dispatch(ctx context.Context, name, data string) {
	switch name {
	case "connected":
		c.onConnected(ctx)
	case "heartbeat":
		c.markHeartbeat()
	case "backfill":
		if event := c.parseEvent(data); event != nil && !c.alreadyDelivered(event.ID) {
			c.deliver(ctx, event, true)
		}
	case "backfill.complete":
		c.notify(Signal{Kind: SignalBackfillComplete})
		c.setState(StateLive)
	case "error":
		c.logger.Printf("Server error event for tenant %s: %s", c.tenantID, data)
	default:
		// Live domain event.
		if event := c.parseEvent(data); event != nil && !c.alreadyDelivered(event.ID) {
			c.deliver(ctx, event, false)
		}
	}
}

// onConnected runs once per established connection: the handshake
// proves the server is reachable, so the reconnect budget resets. If
// the cursor is missing or stale a backfill runs before the connection
// counts as current.
func (c *Channel) onConnected(ctx context.Context) {
	c.mu.Lock()
	c.attempts = 0
	c.lastHeartbeat = time.Now().UTC()
	c.mu.Unlock()
	c.setState(StateOpen)

	if c.backfillNeeded(ctx) {
		c.setState(StateBackfilling)
		if err := c.runBackfill(ctx); err != nil {
			c.logger.Printf("Backfill failed for tenant %s: %v", c.tenantID, err)
			// Stay connected; live events keep flowing and the next
			// reconnect retries the backfill.
		} else {
			c.notify(Signal{Kind: SignalBackfillComplete})
		}
	}
	c.setState(StateLive)
}

func (c *Channel) parseEvent(data string) *schema.Event {
	var event schema.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		c.logger.Printf("Dropping malformed event for tenant %s: %v", c.tenantID, err)
		return nil
	}
	return &event
}

func (c *Channel) liveURL() string {
	q := url.Values{}
	q.Set("tenant_id", c.tenantID)
	q.Set("user_id", c.userID)
	c.mu.Lock()
	if !schema.IsStartCursor(c.cursor) {
		q.Set("cursor", c.cursor)
	}
	c.mu.Unlock()
	return c.config.BaseURL + "/v1/live?" + q.Encode()
}
