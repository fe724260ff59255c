package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tidesync/tidesync/internal/schema"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	config := &Config{
		Port:   0, // Use random available port
		Logger: log.New(io.Discard, "", 0),
	}
	server := NewServer(config)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func dialClient(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestServerStartStop(t *testing.T) {
	server := testServer(t)
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
}

func TestWebSocketWelcome(t *testing.T) {
	server := testServer(t)
	conn := dialClient(t, server)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}
}

func TestBroadcastMutationOutcome(t *testing.T) {
	server := testServer(t)
	conn := dialClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Drain the welcome message.
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}

	server.BroadcastMutation("mut-42", schema.StatusCompleted, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeMutation {
		t.Fatalf("Message type = %s, want %s", msg.Type, MessageTypeMutation)
	}

	var payload MutationData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("Failed to unmarshal payload: %v", err)
	}
	if payload.MutationID != "mut-42" || payload.Status != "completed" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	server := testServer(t)

	conns := []*websocket.Conn{
		dialClient(t, server),
		dialClient(t, server),
		dialClient(t, server),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i, conn := range conns {
		if _, _, err := conn.Read(ctx); err != nil {
			t.Fatalf("Client %d failed to read welcome: %v", i, err)
		}
	}

	server.BroadcastData(MessageTypeSyncPass, SyncPassData{Dequeued: 4, Completed: 4})

	for i, conn := range conns {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Client %d failed to read broadcast: %v", i, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Client %d unmarshal failed: %v", i, err)
		}
		if msg.Type != MessageTypeSyncPass {
			t.Errorf("Client %d message type = %s", i, msg.Type)
		}
	}
}
