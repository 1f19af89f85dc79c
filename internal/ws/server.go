// Package ws is the realtime edge of the chat server: it upgrades HTTP
// connections with gobwas/ws, multiplexes reads through epoll and a bounded
// worker pool, and indexes live connections by participant so the gateway can
// deliver events to every socket a participant holds.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// SessionTracker records live sessions outside the process so other server
// instances can tell whether a participant is online.
type SessionTracker interface {
	Create(ctx context.Context, sessionID string, p chat.Participant) error
	Delete(ctx context.Context, sessionID string) error
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     SessionTracker // may be nil
	workerPool   chan struct{}
	mux          *http.ServeMux
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame received from a client.
func NewServer(config ServerConfig, sessions SessionTracker, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle mounts an additional HTTP handler (metrics, history API) on the
// server's listener. It must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetOnConnect registers a callback invoked once a connection is registered,
// before the session_created handshake frame is written.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close), after its session has
// been deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes epoll and serves HTTP until Shutdown.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.mux,
	}

	go s.eventLoop()
	go s.runHeartbeat()

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the participant, upgrades the connection and
// completes the handshake by sending session_created.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	participant, err := chat.ParticipantFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Participant: participant,
		Conn:        conn,
		Fd:          socketFD(conn),
		CreatedAt:   time.Now(),
	}
	c.Touch()

	s.conns.Add(c)

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, participant); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	// Subscriptions are in place before the client learns it is connected, so
	// nothing published after the handshake can be missed.
	if s.onConnect != nil {
		s.onConnect(c)
	}

	hello, _ := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID:   c.ID,
		Participant: participant,
	})
	if err := c.WriteMessage(hello); err != nil {
		log.Printf("ws: failed to send session_created for session %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection session=%s participant=%s role=%s fd=%d (total=%d)",
		c.ID, participant.ID, participant.Role, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status       string `json:"status"`
		Connections  int    `json:"connections"`
		Participants int    `json:"participants"`
		Uptime       string `json:"uptime"`
	}{
		Status:       "ok",
		Connections:  s.conns.Count(),
		Participants: s.conns.ParticipantCount(),
		Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop hands every readable socket to a worker, blocking while all
// WorkerPoolSize workers are busy.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("ws: epoll wait: %v", err)
			}
			continue
		}

		for _, conn := range ready {
			s.workerPool <- struct{}{}
			go func(conn net.Conn) {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}(conn)
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames are
// handled in place; read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same fd twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	// Deferred calls run in reverse: the flag is cleared before rearming.
	defer s.epoll.Rearm(netConn)
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout here is a stale epoll dispatch; the heartbeat handles
		// genuinely dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(nil))
			c.writeMu.Unlock()
		}
		return
	}

	if header.Length > int64(chat.MaxMessageBytes)*2 {
		log.Printf("ws: frame too large session=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. Concurrent calls for the same connection run the
// disconnect callback only once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed session=%s participant=%s (total=%d)",
		c.ID, c.Participant.ID, s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return s.write(c, data)
}

// SendToParticipant writes a text frame to every connection the participant
// holds on this instance and returns how many succeeded.
func (s *Server) SendToParticipant(participantID string, data []byte) int {
	sent := 0
	for _, c := range s.conns.ForParticipant(participantID) {
		if err := s.write(c, data); err != nil {
			log.Printf("ws: send to participant=%s session=%s failed: %v", participantID, c.ID, err)
			continue
		}
		sent++
	}
	return sent
}

// SendToStaff writes a text frame to every operator and admin connection on
// this instance.
func (s *Server) SendToStaff(data []byte) int {
	sent := 0
	for _, c := range s.conns.All() {
		if !c.Participant.Role.IsStaff() {
			continue
		}
		if err := s.write(c, data); err != nil {
			log.Printf("ws: send to staff session=%s failed: %v", c.ID, err)
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) write(c *Connection, data []byte) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or the gateway).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes all
// active connections, and releases the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
