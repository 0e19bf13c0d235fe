// Package dashboard provides the status server: REST endpoints for run
// history and a WebSocket stream of live run events.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/fieldline/calsync/internal/history"
	"github.com/fieldline/calsync/internal/model"
)

// MessageType defines the type of a broadcast message.
type MessageType string

const (
	// MessageTypeRunStarted announces a reconciliation run beginning.
	MessageTypeRunStarted MessageType = "run_started"

	// MessageTypeRunFinished carries the outcome of a completed run.
	MessageTypeRunFinished MessageType = "run_finished"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RunStartedData announces a run.
type RunStartedData struct {
	CalendarKey string `json:"calendar_key"`
	Mode        string `json:"mode"`
}

// RunFinishedData carries a completed run's counts.
type RunFinishedData struct {
	CalendarKey string `json:"calendar_key"`
	Mode        string `json:"mode"`
	Added       int    `json:"added"`
	Updated     int    `json:"updated"`
	Unchanged   int    `json:"unchanged"`
	Failed      int    `json:"failed"`
	Duplicates  int    `json:"duplicates"`
	Error       string `json:"error,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default ":8080").
	Addr string

	// History backs the /api/runs endpoint; nil disables it.
	History *history.Store

	// Logger for server activity.
	Logger *log.Logger
}

// Server serves status endpoints and broadcasts run events to connected
// WebSocket clients. It implements daemon.Notifier.
type Server struct {
	addr     string
	hist     *history.Store
	logger   *log.Logger
	listener net.Listener
	server   *http.Server

	trigger func(key string) bool

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a dashboard server.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      cfg.Addr,
		hist:      cfg.History,
		logger:    cfg.Logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetTrigger installs the manual-run hook behind POST /api/trigger/:key.
// Must be called before Start; a nil hook leaves the endpoint disabled.
func (s *Server) SetTrigger(fn func(key string) bool) {
	s.trigger = fn
}

// Start begins serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()

	return nil
}

// router wires the REST endpoints.
func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.ClientCount()})
	})

	r.GET("/api/runs", func(c *gin.Context) {
		if s.hist == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "run history disabled"})
			return
		}
		runs, err := s.hist.RecentRuns(c.Request.Context(), c.Query("calendar"), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if runs == nil {
			runs = []*history.Run{}
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	})

	r.POST("/api/trigger/:key", func(c *gin.Context) {
		if s.trigger == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "manual trigger disabled"})
			return
		}
		key := c.Param("key")
		if !s.trigger(key) {
			c.JSON(http.StatusConflict, gin.H{"error": "unknown calendar or run already in progress"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "started", "calendar": key})
	})

	r.GET("/ws", func(c *gin.Context) {
		s.handleWebSocket(c.Writer, c.Request)
	})

	return r
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("stopping dashboard")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown dashboard: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// RunStarted implements daemon.Notifier.
func (s *Server) RunStarted(calendarKey, mode string) {
	data, _ := json.Marshal(RunStartedData{CalendarKey: calendarKey, Mode: mode})
	s.Broadcast(Message{Type: MessageTypeRunStarted, Data: data})
}

// RunFinished implements daemon.Notifier.
func (s *Server) RunFinished(out *model.Outcome, runErr error) {
	d := RunFinishedData{
		CalendarKey: out.CalendarKey,
		Mode:        out.Mode,
		Added:       len(out.Added),
		Updated:     len(out.Updated),
		Unchanged:   len(out.Unchanged),
		Failed:      len(out.Failed),
		Duplicates:  len(out.Duplicates),
	}
	if runErr != nil {
		d.Error = runErr.Error()
	}
	data, _ := json.Marshal(d)
	s.Broadcast(Message{Type: MessageTypeRunFinished, Data: data})
}

// Broadcast queues a message for all connected clients. Messages are
// dropped rather than blocking a run when the channel is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("broadcast channel full, dropping message")
	}
}

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
				s.logger.Printf("marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("client connected (total: %d)", count)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects disconnects. Client
// messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

// Addr returns the live listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
