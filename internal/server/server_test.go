package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidesync/tidesync/internal/schema"
)

// fakeLog is an in-memory stand-in for the remote event log.
type fakeLog struct {
	mu     sync.Mutex
	events []*schema.Event
	nextID int
}

func (f *fakeLog) Append(_ context.Context, event *schema.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	event.ID = fmt.Sprintf("%d-0", f.nextID)
	f.events = append(f.events, event)
	return event.ID, nil
}

func (f *fakeLog) ReadFrom(_ context.Context, tenantID, cursor string, limit int) ([]*schema.Event, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*schema.Event
	next := cursor
	passed := schema.IsStartCursor(cursor)
	for _, e := range f.events {
		if e.TenantID != tenantID {
			continue
		}
		if !passed {
			if e.ID == cursor {
				passed = true
			}
			continue
		}
		out = append(out, e)
		next = e.ID
		if len(out) >= limit {
			break
		}
	}
	return out, next, nil
}

func (f *fakeLog) HasCursor(_ context.Context, tenantID, cursor string) (bool, error) {
	if schema.IsStartCursor(cursor) {
		return true, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.TenantID == tenantID && e.ID == cursor {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLog) Count(_ context.Context, tenantID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.events {
		if e.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func setupTestServer(t *testing.T, strict bool) (*Server, *httptest.Server, *fakeLog) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.StrictCursors = strict
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.LivePollInterval = 10 * time.Millisecond
	cfg.Logger = log.New(io.Discard, "", 0)

	flog := &fakeLog{}
	s := New(cfg, flog, flog)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts, flog
}

func postMutation(t *testing.T, url, key string, req *mutationRequest) *http.Response {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest(http.MethodPost, url+"/v1/mutations", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("mutation request failed: %v", err)
	}
	return resp
}

func TestMutationApplyAndVersionBump(t *testing.T) {
	_, ts, flog := setupTestServer(t, false)

	resp := postMutation(t, ts.URL, "k1", &mutationRequest{
		Kind:     "equipment.updated",
		Payload:  json.RawMessage(`{"id":"eq-1","name":"Drill"}`),
		TenantID: "t1",
		UserID:   "u1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var applied map[string]any
	json.NewDecoder(resp.Body).Decode(&applied)
	if applied["version"] != float64(1) {
		t.Errorf("version = %v, want 1", applied["version"])
	}

	// The apply was published to the event log.
	events, _, _ := flog.ReadFrom(context.Background(), "t1", "0", 10)
	if len(events) != 1 {
		t.Fatalf("published events = %d, want 1", len(events))
	}
	if events[0].Type != "equipment.updated" {
		t.Errorf("event type = %q", events[0].Type)
	}
}

func TestMutationIdempotencyReplay(t *testing.T) {
	_, ts, flog := setupTestServer(t, false)

	req := &mutationRequest{
		Kind:     "equipment.updated",
		Payload:  json.RawMessage(`{"id":"eq-1","name":"Drill"}`),
		TenantID: "t1",
		UserID:   "u1",
	}

	first := postMutation(t, ts.URL, "k-replay", req)
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()

	second := postMutation(t, ts.URL, "k-replay", req)
	secondBody, _ := io.ReadAll(second.Body)
	second.Body.Close()

	if second.Header.Get("Idempotency-Replay") != "true" {
		t.Error("expected replay marker on repeated key")
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Errorf("replayed body differs: %s vs %s", firstBody, secondBody)
	}

	// Exactly one apply, exactly one published event.
	events, _, _ := flog.ReadFrom(context.Background(), "t1", "0", 10)
	if len(events) != 1 {
		t.Errorf("published events = %d, want 1", len(events))
	}
}

func TestMutationVersionConflict(t *testing.T) {
	_, ts, _ := setupTestServer(t, false)

	// Three applies push the record to version 3.
	for i := 1; i <= 3; i++ {
		resp := postMutation(t, ts.URL, fmt.Sprintf("k-%d", i), &mutationRequest{
			Kind:     "equipment.updated",
			Payload:  json.RawMessage(`{"id":"eq-1","name":"Drill"}`),
			TenantID: "t1",
			UserID:   "u1",
		})
		resp.Body.Close()
	}

	// A mutation formed against version 1 now conflicts.
	resp := postMutation(t, ts.URL, "k-stale", &mutationRequest{
		Kind:        "equipment.updated",
		Payload:     json.RawMessage(`{"id":"eq-1","name":"Hammer"}`),
		BaseVersion: 1,
		TenantID:    "t1",
		UserID:      "u1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	var conflict conflictResponse
	json.NewDecoder(resp.Body).Decode(&conflict)
	if conflict.ServerData["version"] != float64(3) {
		t.Errorf("serverData.version = %v, want 3", conflict.ServerData["version"])
	}
	if conflict.ClientData["name"] != "Hammer" {
		t.Errorf("clientData.name = %v, want client payload", conflict.ClientData["name"])
	}
}

func TestMutationRequiresIdempotencyKey(t *testing.T) {
	_, ts, _ := setupTestServer(t, false)

	body, _ := json.Marshal(&mutationRequest{
		Kind: "x", Payload: json.RawMessage(`{}`), TenantID: "t1",
	})
	resp, err := http.Post(ts.URL+"/v1/mutations", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func postBackfill(t *testing.T, url string, req *backfillRequest) (*http.Response, *backfillResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(url+"/v1/backfill", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("backfill request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	var page backfillResponse
	json.NewDecoder(resp.Body).Decode(&page)
	resp.Body.Close()
	return resp, &page
}

func seedEvents(t *testing.T, flog *fakeLog, tenantID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := flog.Append(context.Background(), &schema.Event{
			Type:      "item.updated",
			TenantID:  tenantID,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
}

func TestBackfillPagination(t *testing.T) {
	_, ts, flog := setupTestServer(t, false)
	seedEvents(t, flog, "t1", 5)

	resp, page := postBackfill(t, ts.URL, &backfillRequest{TenantID: "t1", Cursor: "0", Limit: 3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(page.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(page.Events))
	}
	if !page.HasMore {
		t.Error("expected hasMore")
	}
	if page.TotalCount != 5 {
		t.Errorf("totalCount = %d, want 5", page.TotalCount)
	}

	_, rest := postBackfill(t, ts.URL, &backfillRequest{TenantID: "t1", Cursor: page.NextCursor, Limit: 3})
	if len(rest.Events) != 2 {
		t.Fatalf("second page events = %d, want 2", len(rest.Events))
	}
	if rest.HasMore {
		t.Error("expected final page")
	}
}

func TestBackfillUnknownCursorFailsOpen(t *testing.T) {
	_, ts, flog := setupTestServer(t, false)
	seedEvents(t, flog, "t1", 2)

	resp, page := postBackfill(t, ts.URL, &backfillRequest{TenantID: "t1", Cursor: "999-0"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 fail-open", resp.StatusCode)
	}
	if len(page.Events) != 2 {
		t.Errorf("events = %d, want full replay of 2", len(page.Events))
	}
	if page.Warning == "" {
		t.Error("expected a warning on unknown cursor")
	}
}

func TestBackfillUnknownCursorStrictMode(t *testing.T) {
	_, ts, flog := setupTestServer(t, true)
	seedEvents(t, flog, "t1", 2)

	resp, _ := postBackfill(t, ts.URL, &backfillRequest{TenantID: "t1", Cursor: "999-0"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 in strict mode", resp.StatusCode)
	}
}

func TestBackfillLimitClamped(t *testing.T) {
	_, ts, flog := setupTestServer(t, false)
	seedEvents(t, flog, "t1", 1)

	resp, page := postBackfill(t, ts.URL, &backfillRequest{TenantID: "t1", Limit: 5000})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(page.Events) != 1 {
		t.Errorf("events = %d, want 1", len(page.Events))
	}
}

func TestLiveStreamEmitsConnectedAndEvents(t *testing.T) {
	_, ts, flog := setupTestServer(t, false)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/live?tenant_id=t1&user_id=u1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("live request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.HasPrefix(line, "event: connected") {
		t.Fatalf("first line = %q, want connected event", line)
	}

	// Publish an event and expect it on the stream.
	flog.Append(context.Background(), &schema.Event{
		Type:     "equipment.updated",
		TenantID: "t1",
		Payload:  json.RawMessage(`{"id":"eq-1"}`),
	})

	deadline := time.After(5 * time.Second)
	found := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event: equipment.updated") {
				found <- line
				return
			}
		}
	}()

	select {
	case <-found:
	case <-deadline:
		t.Fatal("timed out waiting for domain event on live stream")
	}
}

func TestLiveStreamCatchesUpBeforeLive(t *testing.T) {
	_, ts, flog := setupTestServer(t, false)
	seedEvents(t, flog, "t1", 3)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/live?tenant_id=t1&user_id=u1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("live request failed: %v", err)
	}
	defer resp.Body.Close()

	// Missed events are replayed under the backfill name, then the
	// boundary event, and only then does live traffic use domain names.
	reader := bufio.NewReader(resp.Body)
	var names []string
	for len(names) == 0 || names[len(names)-1] != "backfill.complete" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read failed after %v: %v", names, err)
		}
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}
	want := []string{"connected", "backfill", "backfill", "backfill", "backfill.complete"}
	if len(names) != len(want) {
		t.Fatalf("event names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event names = %v, want %v", names, want)
		}
	}

	// A fresh event arrives as live traffic, not as backfill.
	flog.Append(context.Background(), &schema.Event{
		Type:     "item.updated",
		TenantID: "t1",
	})

	deadline := time.After(5 * time.Second)
	found := make(chan struct{}, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "event: backfill") {
				t.Errorf("unexpected backfill line after catch-up: %q", line)
			}
			if strings.HasPrefix(line, "event: item.updated") {
				found <- struct{}{}
				return
			}
		}
	}()

	select {
	case <-found:
	case <-deadline:
		t.Fatal("timed out waiting for live event after catch-up")
	}
}

func TestHealthz(t *testing.T) {
	_, ts, _ := setupTestServer(t, false)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
