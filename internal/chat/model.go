// Package chat holds the support-conversation domain model shared by the
// realtime server and the client library: participants, conversations,
// messages, and the Redis-backed live conversation store used to coordinate
// assignment across server instances.
package chat

import (
	"errors"
	"time"
)

// Role is the kind of participant on either end of a support conversation.
type Role string

const (
	RoleEndUser  Role = "END_USER"
	RoleOperator Role = "OPERATOR"
	RoleAdmin    Role = "ADMIN"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleEndUser, RoleOperator, RoleAdmin:
		return true
	}
	return false
}

// IsStaff reports whether the role may accept and answer conversations.
// Admins are operators that additionally see every open conversation.
func (r Role) IsStaff() bool {
	return r == RoleOperator || r == RoleAdmin
}

// Participant is an authenticated identity bound to a role.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusClosed  Status = "CLOSED"
)

// Conversation is one support thread between an end user and at most one
// operator at a time.
type Conversation struct {
	ID         string    `json:"id"`
	EndUserID  string    `json:"end_user_id"`
	OperatorID string    `json:"operator_id,omitempty"` // empty while unassigned
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsOpen reports whether the conversation has not been closed.
func (c *Conversation) IsOpen() bool {
	return c.Status == StatusPending || c.Status == StatusActive
}

// IsMember reports whether the participant is the end user or the assigned
// operator of the conversation.
func (c *Conversation) IsMember(participantID string) bool {
	return participantID != "" && (participantID == c.EndUserID || participantID == c.OperatorID)
}

// DeliveryState tracks whether a message has been confirmed by the server.
type DeliveryState string

const (
	DeliveryPendingLocal DeliveryState = "PENDING_LOCAL"
	DeliveryConfirmed    DeliveryState = "CONFIRMED"
)

// Message is a single chat line. ID is assigned by the server and is
// monotonic per conversation; it is zero until the server confirms the send.
// ClientNonce is generated by the sender and echoed back by the server so the
// optimistic copy can be replaced by the confirmed one.
type Message struct {
	ID             int64         `json:"id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	FromEndUser    bool          `json:"from_end_user"`
	Body           string        `json:"body"`
	CreatedAt      time.Time     `json:"created_at"`
	ClientNonce    string        `json:"client_nonce,omitempty"`
	State          DeliveryState `json:"-"`
	TempID         string        `json:"-"`
}

// IsPending reports whether the message is a local optimistic copy.
func (m *Message) IsPending() bool {
	return m.State == DeliveryPendingLocal
}

// DefaultPageSize is the number of messages in one history page.
const DefaultPageSize = 50

// Page is one backward page of a conversation's history in ascending id
// order. HasMore reports whether messages older than the first one exist.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("chat: conversation not found")

	// ErrAlreadyTaken is the typed rejection for a late acceptor: the
	// conversation was no longer pending when the accept arrived.
	ErrAlreadyTaken = errors.New("chat: conversation already taken")

	// ErrNotActive is returned when an operation requires an ACTIVE
	// conversation.
	ErrNotActive = errors.New("chat: conversation not active")

	// ErrForbidden is returned when the participant's role or membership does
	// not allow the operation.
	ErrForbidden = errors.New("chat: operation not permitted")

	// ErrInvalidMessage wraps ValidateMessage failures.
	ErrInvalidMessage = errors.New("chat: invalid message")
)
