// Package monitor streams sync activity to WebSocket clients.
//
// A UI or debugging tool connects to /ws and receives engine state
// transitions, cycle summaries, and note events as they happen, without
// polling the vault.
package monitor

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
)

// writeTimeout bounds a single frame write to one client. A stalled
// client is dropped rather than stalling the fan-out.
const writeTimeout = 5 * time.Second

// MessageType discriminates monitor event payloads.
type MessageType string

const (
	// MessageTypeSyncState carries an engine state transition.
	MessageTypeSyncState MessageType = "sync_state"

	// MessageTypeSyncComplete carries a finished cycle summary.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeNoteUpdate carries a note create/update/delete event.
	MessageTypeNoteUpdate MessageType = "note_update"

	// MessageTypeStats carries vault counters.
	MessageTypeStats MessageType = "stats"
)

// Message is the envelope written to every client.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncStateData mirrors the engine's status snapshot.
type SyncStateData struct {
	State     string `json:"state"`
	ErrorKind string `json:"error_kind,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

// SyncCompleteData summarizes one push/pull/reconcile cycle.
type SyncCompleteData struct {
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}

// NoteUpdateData describes a single note mutation.
type NoteUpdateData struct {
	NoteID string `json:"note_id"`
	Action string `json:"action"` // created, updated, deleted
	Title  string `json:"title,omitempty"`
}

// StatsData carries vault counters for the welcome frame and periodic
// stats broadcasts.
type StatsData struct {
	Notes          int `json:"notes"`
	PendingChanges int `json:"pending_changes"`
	PendingUploads int `json:"pending_uploads"`
}

// Config holds monitor server settings.
type Config struct {
	// Port to listen on. Zero picks an ephemeral port; the daemon passes
	// its configured monitor port (8217 by default).
	Port int

	// Logger for connection and fan-out activity.
	Logger *log.Logger
}

// Server accepts WebSocket clients and fans broadcast messages out to
// all of them. Slow or dead clients are evicted on write failure.
type Server struct {
	addr     string
	listener net.Listener
	httpSrv  *http.Server

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}

	events chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a monitor server. It does not listen until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   fmt.Sprintf(":%d", config.Port),
		conns:  make(map[*websocket.Conn]struct{}),
		events: make(chan Message, 100),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start binds the listener and begins serving /ws, /health and /.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("monitor: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOutLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Monitor listening on %s", s.addr)
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Monitor serve error: %v", err)
		}
	}()

	return nil
}

// Stop closes all client connections and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(s.conns, conn)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("monitor: shutdown: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Monitor stopped")
	return nil
}

// Broadcast queues a message for delivery to every connected client.
// Non-blocking: if the queue is full the message is dropped, since
// monitor traffic must never slow the sync path down.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.events <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: monitor queue full, dropping message")
	}
}

// BroadcastSyncState publishes an engine state transition.
func (s *Server) BroadcastSyncState(data SyncStateData) {
	s.broadcastJSON(MessageTypeSyncState, data)
}

// BroadcastSyncComplete publishes a cycle summary.
func (s *Server) BroadcastSyncComplete(data SyncCompleteData) {
	s.broadcastJSON(MessageTypeSyncComplete, data)
}

// BroadcastNoteUpdate publishes a note mutation.
func (s *Server) BroadcastNoteUpdate(data NoteUpdateData) {
	s.broadcastJSON(MessageTypeNoteUpdate, data)
}

// BroadcastStats publishes vault counters.
func (s *Server) BroadcastStats(data StatsData) {
	s.broadcastJSON(MessageTypeStats, data)
}

func (s *Server) broadcastJSON(t MessageType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.Broadcast(Message{Type: t, Data: payload})
}

func (s *Server) fanOutLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.events:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Monitor marshal error: %v", err)
				continue
			}
			s.fanOut(data)
		}
	}
}

// fanOut writes one frame to every client. The connection set is
// snapshotted first so a slow write never holds the lock.
func (s *Server) fanOut(data []byte) {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.evict(conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local monitor, any origin may watch
	})
	if err != nil {
		s.logger.Printf("WebSocket accept failed: %v", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	total := len(s.conns)
	s.mu.Unlock()
	s.logger.Printf("Monitor client connected (total: %d)", total)

	// Welcome frame so the client knows the stream is live.
	welcome, _ := json.Marshal(Message{Type: MessageTypeStats, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	_ = conn.Write(ctx, websocket.MessageText, welcome)
	cancel()

	go s.readLoop(conn)
}

// readLoop drains inbound frames until the client goes away. Client
// messages carry no meaning; the stream is one-directional.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.evict(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) evict(conn *websocket.Conn) {
	s.mu.Lock()
	_, present := s.conns[conn]
	if present {
		delete(s.conns, conn)
	}
	total := len(s.conns)
	s.mu.Unlock()

	if present {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Monitor client disconnected (total: %d)", total)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>notesync monitor</title></head>
<body>
  <h1>notesync monitor</h1>
  <p>Event stream: <code>ws://%s/ws</code></p>
  <p>Health: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the bound listen address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
