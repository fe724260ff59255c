package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
)

// BackfillRequest is the catch-up replay request.
type BackfillRequest struct {
	TenantID       string `json:"tenantId"`
	Cursor         string `json:"cursor"`
	Limit          int    `json:"limit"`
	IncludeDeleted bool   `json:"includeDeleted"`
}

// BackfillResponse is one page of replayed events.
type BackfillResponse struct {
	Events     []*schema.Event `json:"events"`
	NextCursor string          `json:"nextCursor"`
	HasMore    bool            `json:"hasMore"`
	TotalCount int64           `json:"totalCount"`
	Cursor     string          `json:"cursor"`
	Timestamp  time.Time       `json:"timestamp"`

	// Warning is set when the server failed open on an unrecognized
	// cursor and replayed from the beginning.
	Warning string `json:"warning,omitempty"`
}

// runBackfill replays missed events page by page from the persisted
// cursor until the server reports no more. Each page is sorted by
// timestamp before delivery so application order holds even if the
// transport reordered events. Every delivered event advances the
// cursor, so an interrupted backfill resumes where it stopped.
func (c *Channel) runBackfill(ctx context.Context) error {
	for {
		c.mu.Lock()
		cursor := c.cursor
		c.mu.Unlock()

		resp, err := c.fetchBackfillPage(ctx, cursor)
		if err != nil {
			return err
		}
		if resp.Warning != "" {
			c.logger.Printf("Backfill warning for tenant %s: %s", c.tenantID, resp.Warning)
		}

		events := resp.Events
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp.Before(events[j].Timestamp)
		})
		for _, event := range events {
			c.deliver(ctx, event, true)
		}

		if resp.NextCursor != "" && resp.NextCursor != cursor {
			c.advanceCursor(ctx, resp.NextCursor)
		}
		if !resp.HasMore {
			return nil
		}
	}
}

func (c *Channel) fetchBackfillPage(ctx context.Context, cursor string) (*BackfillResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.BackfillTimeout)
	defer cancel()

	body, err := json.Marshal(&BackfillRequest{
		TenantID: c.tenantID,
		Cursor:   cursor,
		Limit:    c.config.BackfillLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backfill request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/v1/backfill", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build backfill request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backfill request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backfill returned status %d", resp.StatusCode)
	}

	var page BackfillResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode backfill response: %w", err)
	}
	return &page, nil
}
