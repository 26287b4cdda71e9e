// Package dashboard serves the calendar sync HTTP API and a WebSocket stream
// of sync events.
//
// JSON routes live under /api/v1/calendar. Clients connected to /ws receive
// a message for every sync result, conflict, finished sweep and statistics
// refresh.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskcal/taskcal/internal/calsync"
)

// MessageType names a stream message.
type MessageType string

const (
	// MessageTypeSyncResult reports a completed enable, push, pull,
	// resolution or disable.
	MessageTypeSyncResult MessageType = "sync_result"

	// MessageTypeConflict reports a newly detected conflict.
	MessageTypeConflict MessageType = "conflict"

	// MessageTypeSyncFailed reports a failed remote call.
	MessageTypeSyncFailed MessageType = "sync_failed"

	// MessageTypeSweepComplete reports a finished daemon sweep.
	MessageTypeSweepComplete MessageType = "sweep_complete"

	// MessageTypeStats carries link statistics.
	MessageTypeStats MessageType = "stats"
)

// Message is the envelope of every stream frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	writeTimeout = 5 * time.Second

	// defaultClientBuffer is how many frames a client may fall behind
	// before it is disconnected.
	defaultClientBuffer = 64
)

// Config controls where the server listens.
type Config struct {
	// Host to bind. Empty means all interfaces.
	Host string

	// Port to listen on. 0 picks a free port.
	Port int

	// ClientBuffer bounds each client's outbox (default 64).
	ClientBuffer int

	Logger *log.Logger
}

// DefaultConfig listens on 127.0.0.1:8080 and logs to stderr.
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         8080,
		ClientBuffer: defaultClientBuffer,
		Logger:       log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server serves the API and streams sync events to WebSocket clients.
type Server struct {
	addr   string
	mux    *http.ServeMux
	coord  *calsync.Coordinator
	hub    *hub
	buffer int
	logger *log.Logger

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server

	// conns tracks WebSocket handlers, which outlive http.Server.Shutdown.
	conns sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server. With a nil coordinator only /ws and /health
// are served.
func NewServer(coord *calsync.Coordinator, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	buffer := config.ClientBuffer
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:   net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		mux:    http.NewServeMux(),
		coord:  coord,
		hub:    newHub(),
		buffer: buffer,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	s.mux.HandleFunc("GET /ws", s.handleStream)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if coord != nil {
		s.registerAPI()
	}
	return s
}

// Handler returns the server's routes, for use without Start.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.listener, s.http = ln, srv
	s.mu.Unlock()

	s.logger.Printf("Listening on %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Serve failed: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every stream client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down: %w", serr)
		}
	}
	s.conns.Wait()
	s.logger.Println("Stopped")
	return err
}

// Broadcast sends msg to every connected client. It never blocks: a client
// whose outbox is full is disconnected instead.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}
	if n := s.hub.publish(data); n > 0 {
		s.logger.Printf("Dropped %d slow client(s)", n)
	}
}

// handleStream upgrades to a WebSocket and writes queued frames until the
// client leaves or the server stops. Client frames are discarded.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.CloseNow()

	sub := &subscriber{
		msgs: make(chan []byte, s.buffer),
		evict: func() {
			_ = conn.Close(websocket.StatusPolicyViolation, "too slow to keep up")
		},
	}
	// Queued ahead of registration so it is always the first frame.
	sub.msgs <- s.welcome(r.Context())

	n := s.hub.add(sub)
	s.logger.Printf("Client connected (total: %d)", n)
	defer func() {
		if ok, n := s.hub.remove(sub); ok {
			s.logger.Printf("Client disconnected (total: %d)", n)
		}
	}()

	ctx := conn.CloseRead(s.ctx)
	for {
		select {
		case data := <-sub.msgs:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			return
		}
	}
}

// welcome encodes the current statistics so new clients start from a
// known state.
func (s *Server) welcome(ctx context.Context) []byte {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.coord != nil {
		if stats, err := s.coord.Statistics(ctx); err == nil {
			msg.Data, _ = json.Marshal(stats)
		}
	}
	data, _ := json.Marshal(msg)
	return data
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	return s.hub.count()
}
