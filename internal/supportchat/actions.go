package supportchat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/chatstate"
	"github.com/whisper/support-chat/internal/msgstore"
	"github.com/whisper/support-chat/internal/protocol"
	"github.com/whisper/support-chat/internal/transport"
)

// connErr marks a not-connected rejection as transient while the link is
// still being re-established.
func (c *Client) connErr(err error) error {
	if !errors.Is(err, chatstate.ErrNotConnected) && !errors.Is(err, transport.ErrNotConnected) {
		return err
	}
	switch c.tr.State() {
	case transport.StateConnecting, transport.StateReconnecting:
		return fmt.Errorf("%w: %w", ErrReconnecting, err)
	}
	return err
}

// StartChat asks for a support conversation. The server answers with
// waiting_for_operator, or conversation_accepted when one is already active.
func (c *Client) StartChat() error {
	if c.machine == nil {
		return fmt.Errorf("supportchat: start chat: %w", chat.ErrForbidden)
	}
	prev := c.machine.State()
	if err := c.machine.Start(c.authenticated(), c.connected()); err != nil {
		return c.connErr(err)
	}
	if err := c.tr.Send(protocol.TypeStartConversation, nil); err != nil {
		if prev != c.machine.State() {
			c.machine.Reconcile(nil)
		}
		return c.connErr(err)
	}
	c.notify(Update{Kind: UpdateSession})
	return nil
}

// SendMessage sends body into conversationID, or into the active
// conversation when conversationID is empty. The message appears at once as
// an optimistic entry and is replaced when the server echoes it. Nothing is
// recorded when the send is not allowed.
func (c *Client) SendMessage(conversationID, body string) error {
	if conversationID == "" {
		conversationID = c.activeConversationID()
	}

	var err error
	if c.machine != nil {
		err = c.machine.CanSend(c.authenticated(), c.connected())
		if err == nil {
			if conv, _ := c.machine.Conversation(); conv.ID != conversationID {
				err = chatstate.ErrNoConversation
			}
		}
	} else {
		err = c.board.CanSend(conversationID, c.authenticated(), c.connected())
	}
	if err != nil {
		return c.connErr(err)
	}
	if err := chat.ValidateMessage(body); err != nil {
		return fmt.Errorf("supportchat: %w: %v", chat.ErrInvalidMessage, err)
	}

	temp := c.store.AddPending(conversationID, c.participant.ID, body, c.machine != nil)
	err = c.tr.Send(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ConversationID: conversationID,
		Body:           body,
		ClientNonce:    temp.ClientNonce,
	})
	if err != nil {
		c.store.DropPending(conversationID, temp.ClientNonce)
		return c.connErr(err)
	}
	c.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})
	return nil
}

// AcceptChat claims a pending conversation. The outcome arrives later as a
// conversation_accepted frame or as an UpdateRejected whose error matches
// chat.ErrAlreadyTaken. The returned request id correlates the two.
func (c *Client) AcceptChat(conversationID string) (string, error) {
	if c.board == nil {
		return "", fmt.Errorf("supportchat: accept chat: %w", chat.ErrForbidden)
	}
	if !c.authenticated() {
		return "", chatstate.ErrNotAuthenticated
	}
	if !c.connected() {
		return "", c.connErr(chatstate.ErrNotConnected)
	}
	requestID := uuid.New().String()
	err := c.tr.Send(protocol.TypeAcceptConversation, protocol.AcceptConversationMsg{
		ConversationID: conversationID,
		RequestID:      requestID,
	})
	if err != nil {
		return "", c.connErr(err)
	}
	return requestID, nil
}

// MarkMessagesAsRead zeroes the unread counter of the conversation (the
// active one when empty) and tells the server.
func (c *Client) MarkMessagesAsRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		conversationID = c.activeConversationID()
	}
	if conversationID == "" {
		return chatstate.ErrNoConversation
	}
	err := c.reads.MarkRead(ctx, conversationID)
	c.notify(Update{Kind: UpdateUnread, ConversationID: conversationID})
	return c.connErr(err)
}

// ReassignManager moves an active conversation to another operator.
func (c *Client) ReassignManager(ctx context.Context, conversationID, operatorID string) error {
	if c.board == nil {
		return fmt.Errorf("supportchat: reassign: %w", chat.ErrForbidden)
	}
	conv, err := c.history.Reassign(ctx, conversationID, operatorID)
	if err != nil {
		return fmt.Errorf("supportchat: reassign %s: %w", conversationID, err)
	}
	c.board.Update(*conv)
	c.notify(Update{Kind: UpdateConversations, ConversationID: conversationID})
	return nil
}

// ClearConversation purges the conversation's messages on the server and
// empties the local log and unread counter.
func (c *Client) ClearConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		conversationID = c.activeConversationID()
	}
	if _, err := c.history.Purge(ctx, conversationID); err != nil {
		return fmt.Errorf("supportchat: clear %s: %w", conversationID, err)
	}
	c.store.Clear(conversationID)
	c.reads.Clear(conversationID)
	c.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})
	c.notify(Update{Kind: UpdateUnread, ConversationID: conversationID})
	return nil
}

// OpenConversation focuses a conversation and loads its newest page. An
// empty id focuses the end user's own conversation. Staff may focus any
// conversation on their board, including pending ones they are previewing.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) error {
	if c.board != nil {
		if _, ok := c.board.Get(conversationID); !ok {
			return chatstate.ErrNoConversation
		}
		c.board.Focus(conversationID)
	} else {
		conv, ok := c.machine.Conversation()
		if !ok || (conversationID != "" && conversationID != conv.ID) {
			return chatstate.ErrNoConversation
		}
		conversationID = conv.ID
	}
	c.reads.Focus(conversationID)

	err := c.store.LoadInitial(ctx, conversationID)
	c.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})
	return err
}

// LoadOlder loads the page before the oldest loaded message of the active
// conversation. It returns msgstore.ErrLoadInFlight when a load is running
// and false when there is nothing older.
func (c *Client) LoadOlder(ctx context.Context) (bool, error) {
	id := c.activeConversationID()
	if id == "" {
		return false, chatstate.ErrNoConversation
	}
	if c.store.Loading(id) {
		return false, msgstore.ErrLoadInFlight
	}
	loaded, err := c.store.LoadOlder(ctx, id)
	if loaded {
		c.notify(Update{Kind: UpdateMessages, ConversationID: id})
	}
	return loaded, err
}

// CloseChat ends the conversation (the active one when empty).
func (c *Client) CloseChat(conversationID string) error {
	if conversationID == "" {
		conversationID = c.activeConversationID()
	}
	if conversationID == "" {
		return chatstate.ErrNoConversation
	}
	if !c.authenticated() {
		return chatstate.ErrNotAuthenticated
	}
	if !c.connected() {
		return c.connErr(chatstate.ErrNotConnected)
	}
	err := c.tr.Send(protocol.TypeCloseConversation, protocol.CloseConversationMsg{ConversationID: conversationID})
	return c.connErr(err)
}
