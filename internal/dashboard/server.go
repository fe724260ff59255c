// Package dashboard provides a real-time WebSocket observer for the
// sync engine. It broadcasts mutation outcomes, sync pass results,
// conflict activity, and channel state changes to connected clients.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tidesync/tidesync/internal/engine"
	"github.com/tidesync/tidesync/internal/schema"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeMutation indicates a mutation reached a sync outcome
	MessageTypeMutation MessageType = "mutation_update"

	// MessageTypeSyncPass indicates a sync pass finished
	MessageTypeSyncPass MessageType = "sync_pass"

	// MessageTypeEvent relays a delivered server event
	MessageTypeEvent MessageType = "event"

	// MessageTypeChannel indicates a live-connection state change
	MessageTypeChannel MessageType = "channel_state"

	// MessageTypeStats carries a queue statistics snapshot
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MutationData contains one mutation outcome
type MutationData struct {
	MutationID string `json:"mutation_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// SyncPassData contains one sync pass tally
type SyncPassData struct {
	Dequeued  int `json:"dequeued"`
	Completed int `json:"completed"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// EventData contains a relayed server event
type EventData struct {
	EventID  string `json:"event_id"`
	Type     string `json:"event_type"`
	TenantID string `json:"tenant_id"`
}

// Server manages WebSocket connections and broadcasts sync activity
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8095)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8095,
		Logger: log.Default(),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Bind subscribes the dashboard to the engine's observer interface and
// returns the unsubscribe token.
func (s *Server) Bind(broker *engine.Broker) int {
	return broker.Subscribe(func(n engine.Notification) {
		switch n.Kind {
		case engine.NotifyMutationFinished:
			data := MutationData{
				MutationID: n.MutationID,
				Status:     string(n.Status),
			}
			if n.Err != nil {
				data.Error = n.Err.Error()
			}
			s.BroadcastData(MessageTypeMutation, data)

		case engine.NotifySyncPass:
			if n.Pass != nil {
				s.BroadcastData(MessageTypeSyncPass, SyncPassData{
					Dequeued:  n.Pass.Dequeued,
					Completed: n.Pass.Completed,
					Conflicts: n.Pass.Conflicts,
					Failed:    n.Pass.Failed,
				})
			}

		case engine.NotifyEvent:
			if n.Event != nil {
				s.BroadcastData(MessageTypeEvent, EventData{
					EventID:  n.Event.ID,
					Type:     n.Event.Type,
					TenantID: n.Event.TenantID,
				})
			}

		case engine.NotifyConnectionFailed:
			s.BroadcastData(MessageTypeChannel, map[string]string{
				"state": "connection_failed",
			})
		}
	})
}

// BroadcastData marshals a payload and broadcasts it under the given
// message type.
func (s *Server) BroadcastData(msgType MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s data: %v", msgType, err)
		return
	}
	s.Broadcast(Message{Type: msgType, Data: raw})
}

// BroadcastMutation reports one mutation outcome to connected clients.
func (s *Server) BroadcastMutation(mutationID string, status schema.MutationStatus, errText string) {
	s.BroadcastData(MessageTypeMutation, MutationData{
		MutationID: mutationID,
		Status:     string(status),
		Error:      errText,
	})
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Send outside the read lock to avoid blocking broadcasts
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // Allow all origins for development
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	welcome := Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
	}
	welcomeData, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcomeData)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are not processed, the stream is one-way
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Tidesync Dashboard</title>
</head>
<body>
    <h1>Tidesync Dashboard Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive real-time sync activity.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
