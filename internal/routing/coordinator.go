// Package routing assigns support conversations to operators. It owns the
// server side of the conversation lifecycle: starting or resuming a
// conversation, first-accept-wins assignment, reassignment, message delivery
// and closing, and it fans the resulting events out to the participants
// involved.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/metrics"
	"github.com/whisper/support-chat/internal/protocol"
)

// Store is the live conversation state. Accept and ClosePending must be
// compare-and-swaps on the PENDING status.
type Store interface {
	StartOrReuse(ctx context.Context, endUserID string) (*chat.Conversation, bool, error)
	Get(ctx context.Context, conversationID string) (*chat.Conversation, error)
	Accept(ctx context.Context, conversationID, operatorID string) (*chat.Conversation, error)
	Reassign(ctx context.Context, conversationID, operatorID string) (*chat.Conversation, string, error)
	Close(ctx context.Context, conversationID string) (*chat.Conversation, error)
	ClosePending(ctx context.Context, conversationID string) (*chat.Conversation, error)
	ForEndUser(ctx context.Context, endUserID string) (*chat.Conversation, error)
	NextMessageID(ctx context.Context, conversationID string) (int64, error)
	ListPending(ctx context.Context) ([]chat.Conversation, error)
}

// Notifier publishes frames to participants and to every connected operator.
type Notifier interface {
	PublishToParticipant(participantID string, data []byte) error
	PublishToOperators(data []byte) error
}

// Recorder persists conversation history.
type Recorder interface {
	SaveConversation(ctx context.Context, conv chat.Conversation) error
	SaveMessage(ctx context.Context, msg chat.Message) error
	MarkRead(ctx context.Context, conversationID, participantID string) error
}

// Presence reports whether a participant has a live session anywhere.
type Presence interface {
	IsOnline(ctx context.Context, participantID string) (bool, error)
}

// Config holds coordinator settings.
type Config struct {
	// PendingGrace is how long a PENDING conversation may sit untouched while
	// its end user is offline before the cleanup loop closes it.
	PendingGrace    time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PendingGrace:    5 * time.Minute,
		CleanupInterval: 30 * time.Second,
	}
}

// Coordinator routes conversations between end users and operators.
type Coordinator struct {
	config   Config
	store    Store
	notifier Notifier
	recorder Recorder
	presence Presence
	now      func() time.Time
}

// NewCoordinator creates a coordinator. presence may be nil, in which case
// the cleanup loop never closes anything.
func NewCoordinator(config Config, store Store, notifier Notifier, recorder Recorder, presence Presence) *Coordinator {
	return &Coordinator{
		config:   config,
		store:    store,
		notifier: notifier,
		recorder: recorder,
		presence: presence,
		now:      time.Now,
	}
}

// RequestStart creates or resumes the end user's conversation. While it is
// PENDING the end user is told to wait and every operator is notified; a
// resumed ACTIVE conversation is re-announced to the end user as accepted.
func (c *Coordinator) RequestStart(ctx context.Context, endUser chat.Participant) (*chat.Conversation, error) {
	if endUser.Role != chat.RoleEndUser {
		return nil, chat.ErrForbidden
	}

	conv, created, err := c.store.StartOrReuse(ctx, endUser.ID)
	if err != nil {
		return nil, fmt.Errorf("routing: start for %s: %w", endUser.ID, err)
	}
	if created {
		c.record(ctx, conv)
		log.Printf("[routing] conversation=%s started by end_user=%s", conv.ID, endUser.ID)
	}

	switch conv.Status {
	case chat.StatusPending:
		c.toParticipant(endUser.ID, protocol.TypeWaitingForOperator, protocol.WaitingForOperatorMsg{Conversation: *conv})
		if err := c.BroadcastNewConversation(ctx, conv); err != nil {
			log.Printf("[routing] %v", err)
		}
	case chat.StatusActive:
		c.toParticipant(endUser.ID, protocol.TypeConversationAccepted, protocol.ConversationAcceptedMsg{Conversation: *conv})
	}
	return conv, nil
}

// BroadcastNewConversation tells every connected operator that conv is
// waiting. Delivery is best-effort; operators that are offline catch up
// through the conversation listing.
func (c *Coordinator) BroadcastNewConversation(_ context.Context, conv *chat.Conversation) error {
	data, err := protocol.NewServerMessage(protocol.TypeNewConversation, protocol.NewConversationMsg{Conversation: *conv})
	if err != nil {
		return fmt.Errorf("routing: broadcast %s: %w", conv.ID, err)
	}
	if err := c.notifier.PublishToOperators(data); err != nil {
		return fmt.Errorf("routing: broadcast %s: %w", conv.ID, err)
	}
	return nil
}

// Accept assigns a PENDING conversation to the operator. Only the first
// accept succeeds; later ones, including an accept that arrives after the
// conversation was reassigned, get chat.ErrAlreadyTaken.
//
// The end user and the winning operator receive conversation_accepted, and
// the same event goes out on the operator broadcast so other operators drop
// the conversation from their queue.
func (c *Coordinator) Accept(ctx context.Context, conversationID string, operator chat.Participant, requestID string) (*chat.Conversation, error) {
	if !operator.Role.IsStaff() {
		return nil, chat.ErrForbidden
	}

	conv, err := c.store.Accept(ctx, conversationID, operator.ID)
	if errors.Is(err, chat.ErrAlreadyTaken) {
		metrics.AcceptsTotal.WithLabelValues("rejected").Inc()
		log.Printf("[routing] accept rejected conversation=%s operator=%s", conversationID, operator.ID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	metrics.AcceptsTotal.WithLabelValues("won").Inc()
	metrics.AssignmentWait.Observe(c.now().Sub(conv.CreatedAt).Seconds())
	c.record(ctx, conv)
	log.Printf("[routing] conversation=%s accepted by operator=%s", conv.ID, operator.ID)

	c.toParticipant(conv.EndUserID, protocol.TypeConversationAccepted, protocol.ConversationAcceptedMsg{Conversation: *conv})
	c.toParticipant(operator.ID, protocol.TypeConversationAccepted, protocol.ConversationAcceptedMsg{Conversation: *conv, RequestID: requestID})
	c.toOperators(protocol.TypeConversationAccepted, protocol.ConversationAcceptedMsg{Conversation: *conv})
	return conv, nil
}

// Current returns the end user's open conversation as the live state sees
// it, or chat.ErrNotFound.
func (c *Coordinator) Current(ctx context.Context, endUserID string) (*chat.Conversation, error) {
	return c.store.ForEndUser(ctx, endUserID)
}

// Reassign moves an ACTIVE conversation to another operator. The previous
// operator, the new operator and the end user receive conversation_assigned.
func (c *Coordinator) Reassign(ctx context.Context, conversationID, newOperatorID string) (*chat.Conversation, error) {
	if newOperatorID == "" {
		return nil, fmt.Errorf("routing: reassign %s: empty operator", conversationID)
	}

	conv, previous, err := c.store.Reassign(ctx, conversationID, newOperatorID)
	if err != nil {
		return nil, err
	}
	if previous == newOperatorID {
		return conv, nil
	}
	c.record(ctx, conv)
	log.Printf("[routing] conversation=%s reassigned from=%s to=%s", conv.ID, previous, newOperatorID)

	msg := protocol.ConversationAssignedMsg{Conversation: *conv, PreviousOperatorID: previous}
	c.toParticipant(conv.EndUserID, protocol.TypeConversationAssigned, msg)
	c.toParticipant(newOperatorID, protocol.TypeConversationAssigned, msg)
	if previous != "" {
		c.toParticipant(previous, protocol.TypeConversationAssigned, msg)
	}
	return conv, nil
}

// Deliver validates and stores a message from a member of an ACTIVE
// conversation, assigns its id and sends it to both members. The client
// nonce is echoed on the confirmed message.
func (c *Coordinator) Deliver(ctx context.Context, sender chat.Participant, conversationID, body, nonce string) (*chat.Message, error) {
	if err := chat.ValidateMessage(body); err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrInvalidMessage, err)
	}

	conv, err := c.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsMember(sender.ID) {
		return nil, chat.ErrForbidden
	}
	if conv.Status != chat.StatusActive {
		return nil, chat.ErrNotActive
	}

	id, err := c.store.NextMessageID(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	msg := chat.Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		FromEndUser:    sender.ID == conv.EndUserID,
		Body:           body,
		CreatedAt:      c.now().UTC(),
		ClientNonce:    nonce,
		State:          chat.DeliveryConfirmed,
	}
	if err := c.recorder.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("routing: deliver %s: %w", conv.ID, err)
	}

	frame := protocol.NewMessageMsg{Message: msg}
	c.toParticipant(conv.EndUserID, protocol.TypeNewMessage, frame)
	c.toParticipant(conv.OperatorID, protocol.TypeNewMessage, frame)
	return &msg, nil
}

// MarkRead records that reader has read the conversation up to its newest
// message.
func (c *Coordinator) MarkRead(ctx context.Context, reader chat.Participant, conversationID string) error {
	conv, err := c.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsMember(reader.ID) && reader.Role != chat.RoleAdmin {
		return chat.ErrForbidden
	}
	if err := c.recorder.MarkRead(ctx, conv.ID, reader.ID); err != nil {
		return fmt.Errorf("routing: mark read %s: %w", conv.ID, err)
	}
	return nil
}

// Close ends the conversation. Either member or an admin may close it;
// closing twice is not an error.
func (c *Coordinator) Close(ctx context.Context, by chat.Participant, conversationID string) (*chat.Conversation, error) {
	conv, err := c.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsMember(by.ID) && by.Role != chat.RoleAdmin {
		return nil, chat.ErrForbidden
	}
	return c.close(ctx, conv, by.ID)
}

func (c *Coordinator) close(ctx context.Context, conv *chat.Conversation, closedBy string) (*chat.Conversation, error) {
	if conv.Status == chat.StatusClosed {
		return conv, nil
	}
	closed, err := c.store.Close(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	c.announceClosed(ctx, closed, conv.Status == chat.StatusPending, closedBy)
	return closed, nil
}

// announceClosed records the closed conversation and tells both parties, and
// every operator when it was still waiting for one.
func (c *Coordinator) announceClosed(ctx context.Context, closed *chat.Conversation, wasPending bool, closedBy string) {
	c.record(ctx, closed)
	log.Printf("[routing] conversation=%s closed by=%q", closed.ID, closedBy)

	msg := protocol.ConversationClosedMsg{ConversationID: closed.ID, ClosedBy: closedBy}
	c.toParticipant(closed.EndUserID, protocol.TypeConversationClosed, msg)
	c.toParticipant(closed.OperatorID, protocol.TypeConversationClosed, msg)
	if wasPending {
		c.toOperators(protocol.TypeConversationClosed, msg)
	}
}

func (c *Coordinator) record(ctx context.Context, conv *chat.Conversation) {
	if err := c.recorder.SaveConversation(ctx, *conv); err != nil {
		log.Printf("[routing] save conversation=%s: %v", conv.ID, err)
	}
}

func (c *Coordinator) toParticipant(participantID, msgType string, payload interface{}) {
	if participantID == "" {
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[routing] encode %s: %v", msgType, err)
		return
	}
	if err := c.notifier.PublishToParticipant(participantID, data); err != nil {
		log.Printf("[routing] publish %s to %s: %v", msgType, participantID, err)
	}
}

func (c *Coordinator) toOperators(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[routing] encode %s: %v", msgType, err)
		return
	}
	if err := c.notifier.PublishToOperators(data); err != nil {
		log.Printf("[routing] publish %s to operators: %v", msgType, err)
	}
}
