package chatstate

import (
	"sort"
	"sync"

	"github.com/whisper/support-chat/internal/chat"
)

// Board is an operator's view of the conversations they can see: pending
// ones waiting for anyone and active ones assigned to them. Admins also keep
// conversations assigned to others. Each entry moves independently; the
// focused id only marks what the UI shows.
type Board struct {
	viewer chat.Participant

	mu    sync.Mutex
	convs map[string]chat.Conversation
	focus string
}

// NewBoard creates an empty board for viewer.
func NewBoard(viewer chat.Participant) *Board {
	return &Board{viewer: viewer, convs: make(map[string]chat.Conversation)}
}

func (b *Board) visible(conv chat.Conversation) bool {
	switch conv.Status {
	case chat.StatusPending:
		return true
	case chat.StatusActive:
		return conv.OperatorID == b.viewer.ID || b.viewer.Role == chat.RoleAdmin
	}
	return false
}

// Update applies a new_conversation, conversation_accepted or
// conversation_assigned frame. A conversation taken by another operator
// leaves the board.
func (b *Board) Update(conv chat.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyLocked(conv)
}

func (b *Board) applyLocked(conv chat.Conversation) {
	if b.visible(conv) {
		b.convs[conv.ID] = conv
		return
	}
	delete(b.convs, conv.ID)
	if b.focus == conv.ID {
		b.focus = ""
	}
}

// Closed removes a conversation that has ended.
func (b *Board) Closed(conversationID string) {
	b.Remove(conversationID)
}

// Remove drops a conversation the viewer can no longer act on, such as one
// whose accept was rejected.
func (b *Board) Remove(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.convs, conversationID)
	if b.focus == conversationID {
		b.focus = ""
	}
}

// Reconcile replaces the board with the server's listing. The focus is kept
// when the focused conversation is still listed.
func (b *Board) Reconcile(convs []chat.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs = make(map[string]chat.Conversation, len(convs))
	for _, c := range convs {
		if b.visible(c) {
			b.convs[c.ID] = c
		}
	}
	if _, ok := b.convs[b.focus]; !ok {
		b.focus = ""
	}
}

// Get returns one conversation.
func (b *Board) Get(conversationID string) (chat.Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[conversationID]
	return c, ok
}

// List returns the board ordered by creation time.
func (b *Board) List() []chat.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]chat.Conversation, 0, len(b.convs))
	for _, c := range b.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Focus sets the conversation the UI is showing. An unknown id clears it.
func (b *Board) Focus(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.convs[conversationID]; ok {
		b.focus = conversationID
		return
	}
	b.focus = ""
}

// Focused returns the focused conversation id, or "".
func (b *Board) Focused() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.focus
}

// CanSend reports why the viewer may not send into the conversation.
func (b *Board) CanSend(conversationID string, authenticated, connected bool) error {
	if !authenticated {
		return ErrNotAuthenticated
	}
	if !connected {
		return ErrNotConnected
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[conversationID]
	if !ok {
		return ErrNoConversation
	}
	if c.Status != chat.StatusActive || c.OperatorID != b.viewer.ID {
		return ErrConversationNotActive
	}
	return nil
}
