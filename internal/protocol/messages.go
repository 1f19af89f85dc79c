// Package protocol defines the WebSocket message types and structures used for
// communication between support clients and the chat server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/support-chat/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeStartConversation  = "start_conversation"
	TypeSendMessage        = "send_message"
	TypeAcceptConversation = "accept_conversation"
	TypeMarkMessagesRead   = "mark_messages_read"
	TypeCloseConversation  = "close_conversation"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated       = "session_created"
	TypeWaitingForOperator   = "waiting_for_operator"
	TypeConversationAccepted = "conversation_accepted"
	TypeConversationAssigned = "conversation_assigned"
	TypeNewMessage           = "new_message"
	TypeNewConversation      = "new_conversation"
	TypeConversationClosed   = "conversation_closed"
	TypeRateLimited          = "rate_limited"
	TypeError                = "error"
	TypePong                 = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidMessage = "invalid_message"
	CodeNotActive      = "not_active"
	CodeAlreadyTaken   = "already_taken"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// StartConversationMsg asks the server to open (or resume) the end user's
// support conversation.
type StartConversationMsg struct {
	Type string `json:"type"`
}

// SendMessageMsg carries a chat line. ClientNonce is echoed back on the
// confirmed new_message so the sender can replace its optimistic copy.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	ClientNonce    string `json:"client_nonce,omitempty"`
}

// AcceptConversationMsg is sent by an operator to claim a pending
// conversation. RequestID correlates the accepted or rejected reply.
type AcceptConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	RequestID      string `json:"request_id,omitempty"`
}

// MarkMessagesReadMsg tells the server the sender has read the conversation.
type MarkMessagesReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// CloseConversationMsg ends a conversation. Either member may send it.
type CloseConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg completes the connection handshake.
type SessionCreatedMsg struct {
	Type        string           `json:"type"`
	SessionID   string           `json:"session_id"`
	Participant chat.Participant `json:"participant"`
}

// WaitingForOperatorMsg tells the end user the conversation is queued.
type WaitingForOperatorMsg struct {
	Type         string            `json:"type"`
	Conversation chat.Conversation `json:"conversation"`
}

// ConversationAcceptedMsg is sent to the end user and the winning operator.
type ConversationAcceptedMsg struct {
	Type         string            `json:"type"`
	Conversation chat.Conversation `json:"conversation"`
	RequestID    string            `json:"request_id,omitempty"`
}

// ConversationAssignedMsg is sent to the end user and both operators when an
// active conversation changes hands.
type ConversationAssignedMsg struct {
	Type               string            `json:"type"`
	Conversation       chat.Conversation `json:"conversation"`
	PreviousOperatorID string            `json:"previous_operator_id,omitempty"`
}

// NewMessageMsg delivers a confirmed message to both members.
type NewMessageMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// NewConversationMsg is broadcast to operators while a conversation waits.
type NewConversationMsg struct {
	Type         string            `json:"type"`
	Conversation chat.Conversation `json:"conversation"`
}

// ConversationClosedMsg is sent to both members when a conversation ends.
type ConversationClosedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ClosedBy       string `json:"closed_by,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type           string `json:"type"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartConversation:
		var m StartConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAcceptConversation:
		var m AcceptConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkMessagesRead:
		var m MarkMessagesReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseConversation:
		var m CloseConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSessionCreated:
		var m SessionCreatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWaitingForOperator:
		var m WaitingForOperatorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConversationAccepted:
		var m ConversationAcceptedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConversationAssigned:
		var m ConversationAssignedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewConversation:
		var m NewConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConversationClosed:
		var m ConversationClosedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRateLimited:
		var m RateLimitedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key, so callers
// may leave the struct's Type field empty.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage is the client-side counterpart of NewServerMessage. A nil
// payload produces a bare {"type": ...} frame.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	m := map[string]interface{}{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
		if m == nil {
			m = map[string]interface{}{}
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

// NewError builds an error frame. It never fails for these plain fields.
func NewError(code, message, requestID, conversationID string) []byte {
	data, _ := NewServerMessage(TypeError, ErrorMsg{
		Code:           code,
		Message:        message,
		RequestID:      requestID,
		ConversationID: conversationID,
	})
	return data
}
