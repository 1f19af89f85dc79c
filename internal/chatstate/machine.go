// Package chatstate tracks the client's view of conversation lifecycles: a
// single-conversation Machine for end users and a multi-conversation Board
// for operators. Both are driven by server frames and re-derived from the
// History API after reconnects.
package chatstate

import (
	"errors"
	"sync"

	"github.com/whisper/support-chat/internal/chat"
)

var (
	ErrNotAuthenticated      = errors.New("chatstate: not authenticated")
	ErrNotConnected          = errors.New("chatstate: not connected")
	ErrNoConversation        = errors.New("chatstate: no conversation")
	ErrConversationNotActive = errors.New("chatstate: conversation not active")
)

// SessionState is the end user's conversation lifecycle as seen locally.
type SessionState int

const (
	StateIdle SessionState = iota
	StatePending
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "IDLE"
	}
}

// Machine is the end user's session state.
type Machine struct {
	mu    sync.Mutex
	state SessionState
	conv  chat.Conversation
}

// NewMachine returns a Machine in IDLE.
func NewMachine() *Machine {
	return &Machine{}
}

// State returns the current state.
func (m *Machine) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Conversation returns the tracked conversation. ok is false while no
// conversation id is known.
func (m *Machine) Conversation() (conv chat.Conversation, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv, m.conv.ID != ""
}

// Start moves IDLE or CLOSED to PENDING. It is a no-op while a conversation
// is already pending or active, since the server reuses it.
func (m *Machine) Start(authenticated, connected bool) error {
	if !authenticated {
		return ErrNotAuthenticated
	}
	if !connected {
		return ErrNotConnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdle, StateClosed:
		m.state = StatePending
		m.conv = chat.Conversation{}
	}
	return nil
}

// Waiting records the pending conversation announced by the server.
func (m *Machine) Waiting(conv chat.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateActive && m.conv.ID == conv.ID {
		return
	}
	m.state = StatePending
	m.conv = conv
}

// Accepted moves the conversation to ACTIVE with its operator. It returns
// false for a frame about a conversation other than the tracked one.
func (m *Machine) Accepted(conv chat.Conversation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv.ID != "" && m.conv.ID != conv.ID {
		return false
	}
	if m.state == StateClosed {
		return false
	}
	m.state = StateActive
	m.conv = conv
	return true
}

// Assigned follows a reassignment to another operator.
func (m *Machine) Assigned(conv chat.Conversation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv.ID != conv.ID || m.state != StateActive {
		return false
	}
	m.conv = conv
	return true
}

// Closed moves the tracked conversation to CLOSED.
func (m *Machine) Closed(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv.ID != conversationID || m.state == StateClosed {
		return false
	}
	m.state = StateClosed
	m.conv.Status = chat.StatusClosed
	return true
}

// Reconcile re-derives the state from the server's current conversation.
// nil or a closed conversation leaves the machine IDLE.
func (m *Machine) Reconcile(conv *chat.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv == nil {
		m.state = StateIdle
		m.conv = chat.Conversation{}
		return
	}
	switch conv.Status {
	case chat.StatusPending:
		m.state = StatePending
		m.conv = *conv
	case chat.StatusActive:
		m.state = StateActive
		m.conv = *conv
	default:
		m.state = StateIdle
		m.conv = chat.Conversation{}
	}
}

// CanSend reports why a message may not be sent right now.
func (m *Machine) CanSend(authenticated, connected bool) error {
	if !authenticated {
		return ErrNotAuthenticated
	}
	if !connected {
		return ErrNotConnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv.ID == "" {
		return ErrNoConversation
	}
	if m.state != StateActive {
		return ErrConversationNotActive
	}
	return nil
}
