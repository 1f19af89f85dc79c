// Package transport keeps one live WebSocket link to the chat server per
// participant session. It performs the session_created handshake, keeps the
// link alive with pings and read deadlines, and reconnects with capped
// exponential backoff after unexpected closures. Inbound frames and state
// changes are delivered on a single event channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send when the link is not OPEN. Nothing
	// is queued.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrReconnectExhausted is the terminal failure reported after the last
	// reconnection attempt fails.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")

	// ErrHandshake is returned when the server's first frame is not
	// session_created.
	ErrHandshake = errors.New("transport: handshake failed")

	errForced = errors.New("transport: forced reconnect")
)

// State is the connection state of a Manager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// DialFunc opens the WebSocket link. The returned reader must be used for all
// reads; it may buffer bytes received right after the upgrade.
type DialFunc func(ctx context.Context, url string, header http.Header) (net.Conn, io.Reader, error)

// Config holds transport settings.
type Config struct {
	URL              string
	ReconnectBase    time.Duration // delay before the first retry
	ReconnectCap     time.Duration // upper bound on any retry delay
	MaxAttempts      int           // retries before giving up
	PingInterval     time.Duration // protocol ping period; 0 disables
	ReadTimeout      time.Duration // a link silent this long is considered dead
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int
	Dial             DialFunc // nil uses gobwas/ws
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8080/ws",
		ReconnectBase:    500 * time.Millisecond,
		ReconnectCap:     30 * time.Second,
		MaxAttempts:      5,
		PingInterval:     20 * time.Second,
		ReadTimeout:      45 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		EventBuffer:      256,
	}
}

// newBackOff returns a deterministic backoff yielding
// min(base * 2^attempt, cap).
func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.ReconnectBase
	b.MaxInterval = c.ReconnectCap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// EventKind discriminates Event.
type EventKind int

const (
	EventState   EventKind = iota // State changed
	EventFrame                    // a server frame arrived
	EventFailure                  // terminal failure; Err is set
)

// Event is one notification from the Manager.
type Event struct {
	Kind  EventKind
	State State       // EventState
	Type  string      // EventFrame: protocol message type
	Msg   interface{} // EventFrame: decoded protocol struct
	Err   error       // EventFailure
}

// Manager owns the connection task for one participant.
type Manager struct {
	cfg    Config
	events chan Event
	kick   chan struct{}

	mu          sync.Mutex
	state       State
	participant chat.Participant
	sessionID   string
	conn        net.Conn
	attempts    int
	forced      bool
	base        context.Context
	cancel      context.CancelFunc
	done        chan struct{}

	writeMu sync.Mutex
}

// NewManager creates an idle Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = dialWebSocket
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Manager{
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
		kick:   make(chan struct{}, 1),
	}
}

// Events returns the channel on which frames, state changes and terminal
// failures are delivered.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of failed reconnection attempts since the link
// was last OPEN.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// SessionID returns the id from the last session_created handshake.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Connect starts the connection task for p. It returns immediately; progress
// is reported on Events. Calling Connect while a task is running is a no-op.
// ctx bounds the lifetime of the task.
func (m *Manager) Connect(ctx context.Context, p chat.Participant) error {
	if p.ID == "" || !p.Role.Valid() {
		return fmt.Errorf("transport: invalid participant %q/%q", p.ID, p.Role)
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.participant = p
	m.base = ctx
	taskCtx := m.startLocked()
	m.mu.Unlock()

	m.emit(taskCtx, Event{Kind: EventState, State: StateConnecting})
	return nil
}

func (m *Manager) startLocked() context.Context {
	ctx, cancel := context.WithCancel(m.base)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.attempts = 0
	m.state = StateConnecting
	go m.run(ctx, done)
	return ctx
}

// Send encodes and writes a client frame. It fails fast with ErrNotConnected
// unless the link is OPEN.
func (m *Manager) Send(msgType string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		// The read side notices the closed link and starts reconnecting.
		conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Disconnect closes the link and stops reconnecting. It blocks until the
// connection task has exited.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	if cancel == nil {
		m.mu.Unlock()
		return
	}
	m.cancel = nil
	m.state = StateDisconnected
	cancel()
	m.mu.Unlock()

	<-done
	select {
	case m.events <- Event{Kind: EventState, State: StateDisconnected}:
	default:
		log.Printf("[transport] event buffer full, dropped disconnect notice")
	}
}

// ForceReconnect drops the current link and reconnects at once. While
// waiting to retry it cancels the wait and resets the attempt count; from
// DISCONNECTED it restarts the connection task.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		m.forced = true
		conn := m.conn
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return

	case StateReconnecting:
		m.mu.Unlock()
		select {
		case m.kick <- struct{}{}:
		default:
		}
		return

	case StateDisconnected:
		if m.base == nil {
			m.mu.Unlock()
			return
		}
		done := m.done
		m.mu.Unlock()
		if done != nil {
			<-done
		}

		m.mu.Lock()
		if m.state != StateDisconnected || m.base.Err() != nil {
			m.mu.Unlock()
			return
		}
		taskCtx := m.startLocked()
		m.mu.Unlock()
		m.emit(taskCtx, Event{Kind: EventState, State: StateConnecting})
		return
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	bo := m.cfg.newBackOff()

	for {
		opened, err := m.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if opened {
			bo.Reset()
		}
		if errors.Is(err, errForced) {
			m.transition(ctx, StateConnecting)
			continue
		}
		if err != nil {
			log.Printf("[transport] link lost: %v", err)
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.cfg.MaxAttempts {
			m.state = StateDisconnected
			cancel := m.cancel
			m.cancel = nil
			m.mu.Unlock()

			log.Printf("[transport] giving up after %d attempts", m.cfg.MaxAttempts)
			m.emit(ctx, Event{Kind: EventState, State: StateDisconnected})
			m.emit(ctx, Event{Kind: EventFailure, Err: ErrReconnectExhausted})
			if cancel != nil {
				cancel()
			}
			return
		}
		m.attempts++
		m.state = StateReconnecting
		attempt := m.attempts
		m.mu.Unlock()
		m.emit(ctx, Event{Kind: EventState, State: StateReconnecting})

		delay := bo.NextBackOff()
		log.Printf("[transport] reconnect attempt %d in %s", attempt, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.kick:
			timer.Stop()
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
			bo.Reset()
		case <-timer.C:
		}
		m.transition(ctx, StateConnecting)
	}
}

// connectOnce dials, completes the handshake and serves the link until it
// closes. opened reports whether the link reached OPEN.
func (m *Manager) connectOnce(ctx context.Context) (opened bool, err error) {
	m.mu.Lock()
	p := m.participant
	m.mu.Unlock()

	header := http.Header{}
	header.Set(chat.HeaderParticipantID, p.ID)
	header.Set(chat.HeaderParticipantRole, string(p.Role))

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	conn, rd, err := m.cfg.Dial(dialCtx, m.cfg.URL, header)
	cancel()
	if err != nil {
		return false, fmt.Errorf("transport: dial: %w", err)
	}
	if rd == nil {
		rd = conn
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	msgType, msg, err := m.readFrame(conn, rd)
	if err != nil {
		return false, fmt.Errorf("transport: handshake: %w", err)
	}
	created, ok := msg.(protocol.SessionCreatedMsg)
	if msgType != protocol.TypeSessionCreated || !ok {
		return false, fmt.Errorf("%w: first frame %q", ErrHandshake, msgType)
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false, ctx.Err()
	}
	m.conn = conn
	m.sessionID = created.SessionID
	m.attempts = 0
	m.forced = false
	m.state = StateOpen
	m.mu.Unlock()
	select {
	case <-m.kick:
	default:
	}

	log.Printf("[transport] connected session=%s participant=%s", created.SessionID, p.ID)
	m.emit(ctx, Event{Kind: EventState, State: StateOpen})
	m.emit(ctx, Event{Kind: EventFrame, Type: msgType, Msg: msg})

	pingCtx, stopPing := context.WithCancel(ctx)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(pingCtx)
	}
	err = m.serve(ctx, conn, rd)
	stopPing()

	m.mu.Lock()
	m.conn = nil
	forced := m.forced
	m.forced = false
	m.mu.Unlock()

	if forced {
		return true, errForced
	}
	return true, err
}

func (m *Manager) serve(ctx context.Context, conn net.Conn, rd io.Reader) error {
	for {
		if m.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		}
		msgType, msg, err := m.readFrame(conn, rd)
		if err != nil {
			return err
		}
		m.emit(ctx, Event{Kind: EventFrame, Type: msgType, Msg: msg})
	}
}

// readFrame returns the next decodable text frame. Pings are answered and
// a close frame ends the link.
func (m *Manager) readFrame(conn net.Conn, rd io.Reader) (string, interface{}, error) {
	for {
		header, r, err := wsutil.NextReader(rd, ws.StateClientSide)
		if err != nil {
			return "", nil, err
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return "", nil, err
		}

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return "", nil, io.EOF
			case ws.OpPing:
				m.writeMu.Lock()
				err := ws.WriteFrame(conn, ws.MaskFrameInPlace(ws.NewPongFrame(data)))
				m.writeMu.Unlock()
				if err != nil {
					return "", nil, err
				}
			}
			continue
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("[transport] dropping frame: %v", err)
			continue
		}
		return msgType, msg, nil
	}
}

func (m *Manager) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Send(protocol.TypePing, nil); err != nil {
				return
			}
		}
	}
}

// transition sets the state unless the task has been cancelled.
func (m *Manager) transition(ctx context.Context, s State) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.emit(ctx, Event{Kind: EventState, State: s})
}

func (m *Manager) emit(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func dialWebSocket(ctx context.Context, url string, header http.Header) (net.Conn, io.Reader, error) {
	d := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if br != nil {
		return conn, br, nil
	}
	return conn, conn, nil
}
