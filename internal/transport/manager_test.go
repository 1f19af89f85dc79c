package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/protocol"
)

// fakeServer hands out net.Pipe links that complete the handshake and then
// record every text frame the client sends.
type fakeServer struct {
	mu       sync.Mutex
	dials    int
	conns    []net.Conn
	fail     func(n int) bool
	silent   bool // skip the handshake frame
	received chan []byte
}

func newFakeServer() *fakeServer {
	return &fakeServer{received: make(chan []byte, 64)}
}

func (f *fakeServer) dial(_ context.Context, _ string, h http.Header) (net.Conn, io.Reader, error) {
	f.mu.Lock()
	f.dials++
	n := f.dials
	fail := f.fail != nil && f.fail(n)
	f.mu.Unlock()
	if fail {
		return nil, nil, errors.New("connection refused")
	}

	client, server := net.Pipe()
	f.mu.Lock()
	f.conns = append(f.conns, server)
	f.mu.Unlock()
	go f.serve(server, n, h.Get(chat.HeaderParticipantID))
	return client, client, nil
}

func (f *fakeServer) serve(conn net.Conn, n int, pid string) {
	if !f.silent {
		hello, _ := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
			SessionID:   fmt.Sprintf("s%d", n),
			Participant: chat.Participant{ID: pid, Role: chat.RoleEndUser},
		})
		if err := wsutil.WriteServerMessage(conn, ws.OpText, hello); err != nil {
			return
		}
	}
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op == ws.OpText {
			select {
			case f.received <- data:
			default:
			}
		}
	}
}

func (f *fakeServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeServer) dropCurrent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) > 0 {
		f.conns[len(f.conns)-1].Close()
	}
}

func (f *fakeServer) push(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	data, _ := protocol.NewServerMessage(msgType, payload)
	if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func testConfig(f *fakeServer) Config {
	cfg := DefaultConfig()
	cfg.ReconnectBase = time.Millisecond
	cfg.ReconnectCap = 4 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.PingInterval = 0
	cfg.ReadTimeout = 2 * time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.Dial = f.dial
	return cfg
}

var alice = chat.Participant{ID: "alice", Role: chat.RoleEndUser}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, state is %s", want, m.State())
}

func nextFrame(t *testing.T, m *Manager, msgType string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Kind == EventFrame && ev.Type == msgType {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s frame", msgType)
		}
	}
}

func TestConnect_Handshake(t *testing.T) {
	srv := newFakeServer()
	m := NewManager(testConfig(srv))
	defer m.Disconnect()

	if err := m.Connect(context.Background(), alice); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ev := nextFrame(t, m, protocol.TypeSessionCreated)
	if ev.Msg.(protocol.SessionCreatedMsg).SessionID != "s1" {
		t.Errorf("unexpected handshake frame: %+v", ev.Msg)
	}
	waitState(t, m, StateOpen)
	if m.SessionID() != "s1" {
		t.Errorf("expected session s1, got %q", m.SessionID())
	}

	if err := m.Connect(context.Background(), alice); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if srv.dialCount() != 1 {
		t.Errorf("connect while open must be a no-op, dialed %d times", srv.dialCount())
	}
}

func TestConnect_RejectsInvalidParticipant(t *testing.T) {
	m := NewManager(testConfig(newFakeServer()))
	if err := m.Connect(context.Background(), chat.Participant{ID: "x", Role: "GUEST"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestSend(t *testing.T) {
	srv := newFakeServer()
	m := NewManager(testConfig(srv))
	defer m.Disconnect()

	if err := m.Send(protocol.TypeStartConversation, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	m.Connect(context.Background(), alice)
	waitState(t, m, StateOpen)

	if err := m.Send(protocol.TypeSendMessage, protocol.SendMessageMsg{ConversationID: "c1", Body: "hi", ClientNonce: "n1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case data := <-srv.received:
		msgType, msg, err := protocol.ParseClientMessage(data)
		if err != nil || msgType != protocol.TypeSendMessage {
			t.Fatalf("unexpected frame %s: %v", data, err)
		}
		if msg.(protocol.SendMessageMsg).ClientNonce != "n1" {
			t.Errorf("nonce not sent: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the frame")
	}
}

func TestFrames_AreDelivered(t *testing.T) {
	srv := newFakeServer()
	m := NewManager(testConfig(srv))
	defer m.Disconnect()
	m.Connect(context.Background(), alice)
	waitState(t, m, StateOpen)

	srv.push(t, protocol.TypeWaitingForOperator, protocol.WaitingForOperatorMsg{
		Conversation: chat.Conversation{ID: "c1", EndUserID: "alice", Status: chat.StatusPending},
	})
	ev := nextFrame(t, m, protocol.TypeWaitingForOperator)
	if ev.Msg.(protocol.WaitingForOperatorMsg).Conversation.ID != "c1" {
		t.Errorf("unexpected frame: %+v", ev.Msg)
	}
}

func TestReconnect_ResetsAttempts(t *testing.T) {
	srv := newFakeServer()
	// Dials 2 and 3 fail, dial 4 succeeds.
	srv.fail = func(n int) bool { return n == 2 || n == 3 }
	m := NewManager(testConfig(srv))
	defer m.Disconnect()

	m.Connect(context.Background(), alice)
	waitState(t, m, StateOpen)

	srv.dropCurrent()
	deadline := time.Now().Add(3 * time.Second)
	for srv.dialCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	waitState(t, m, StateOpen)
	if m.Attempts() != 0 {
		t.Errorf("attempts must reset on OPEN, got %d", m.Attempts())
	}
	if m.SessionID() != "s4" {
		t.Errorf("expected new session s4, got %q", m.SessionID())
	}
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	srv := newFakeServer()
	srv.fail = func(n int) bool { return n > 1 }
	cfg := testConfig(srv)
	m := NewManager(cfg)

	m.Connect(context.Background(), alice)
	waitState(t, m, StateOpen)
	srv.dropCurrent()

	timeout := time.After(3 * time.Second)
	var failure error
	maxSeen := 0
	for failure == nil {
		select {
		case ev := <-m.Events():
			if a := m.Attempts(); a > maxSeen {
				maxSeen = a
			}
			if ev.Kind == EventFailure {
				failure = ev.Err
			}
		case <-timeout:
			t.Fatal("timed out waiting for terminal failure")
		}
	}

	if !errors.Is(failure, ErrReconnectExhausted) {
		t.Errorf("expected ErrReconnectExhausted, got %v", failure)
	}
	if maxSeen > cfg.MaxAttempts {
		t.Errorf("attempts exceeded max: %d > %d", maxSeen, cfg.MaxAttempts)
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED, got %s", m.State())
	}
	// One initial dial plus MaxAttempts retries.
	if got := srv.dialCount(); got != 1+cfg.MaxAttempts {
		t.Errorf("expected %d dials, got %d", 1+cfg.MaxAttempts, got)
	}
	if err := m.Send(protocol.TypePing, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after giving up, got %v", err)
	}
}

func TestForceReconnect_FromDisconnected(t *testing.T) {
	srv := newFakeServer()
	failing := true
	var mu sync.Mutex
	srv.fail = func(n int) bool {
		mu.Lock()
		defer mu.Unlock()
		return n > 1 && failing
	}
	m := NewManager(testConfig(srv))
	defer m.Disconnect()

	m.Connect(context.Background(), alice)
	waitState(t, m, StateOpen)
	srv.dropCurrent()
	waitState(t, m, StateDisconnected)

	mu.Lock()
	failing = false
	mu.Unlock()
	m.ForceReconnect()
	waitState(t, m, StateOpen)
}

func TestForceReconnect_WhileOpen(t *testing.T) {
	srv := newFakeServer()
	m := NewManager(testConfig(srv))
	defer m.Disconnect()

	m.Connect(context.Background(), alice)
	waitState(t, m, StateOpen)

	m.ForceReconnect()
	deadline := time.Now().Add(3 * time.Second)
	for srv.dialCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	waitState(t, m, StateOpen)
	if srv.dialCount() != 2 {
		t.Errorf("expected exactly one redial, got %d dials", srv.dialCount())
	}
	if m.Attempts() != 0 {
		t.Errorf("forced reconnect is not a failed attempt, got %d", m.Attempts())
	}
}

func TestDisconnect_StopsReconnecting(t *testing.T) {
	srv := newFakeServer()
	m := NewManager(testConfig(srv))

	m.Connect(context.Background(), alice)
	waitState(t, m, StateOpen)
	m.Disconnect()

	if m.State() != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", m.State())
	}
	dials := srv.dialCount()
	time.Sleep(30 * time.Millisecond)
	if srv.dialCount() != dials {
		t.Error("no reconnection may follow an explicit disconnect")
	}
	m.Disconnect()
}

func TestStalledLink_TriggersReconnect(t *testing.T) {
	srv := newFakeServer()
	cfg := testConfig(srv)
	cfg.ReadTimeout = 50 * time.Millisecond
	m := NewManager(cfg)
	defer m.Disconnect()

	m.Connect(context.Background(), alice)
	waitState(t, m, StateOpen)

	deadline := time.Now().Add(3 * time.Second)
	for srv.dialCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.dialCount() < 2 {
		t.Error("a silent link should be treated as closed and redialed")
	}
}

func TestHandshake_RequiresSessionCreated(t *testing.T) {
	srv := newFakeServer()
	srv.silent = true
	cfg := testConfig(srv)
	cfg.HandshakeTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	m := NewManager(cfg)

	m.Connect(context.Background(), alice)
	waitState(t, m, StateDisconnected)
	if m.SessionID() != "" {
		t.Error("no session without a handshake")
	}
}

func TestBackOff_Schedule(t *testing.T) {
	cfg := Config{ReconnectBase: 100 * time.Millisecond, ReconnectCap: time.Second}
	b := cfg.newBackOff()
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Millisecond {
			t.Errorf("attempt %d: expected %s, got %s", i, w*time.Millisecond, got)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != 100*time.Millisecond {
		t.Errorf("after reset expected 100ms, got %s", got)
	}
}
