// Package supportchat is the single entry point for presentation code. It
// composes the transport, message store, session state and read-state
// tracker, applies server events on one loop goroutine, and exposes the
// result as a read-only Snapshot plus an Updates notification channel.
package supportchat

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/chatstate"
	"github.com/whisper/support-chat/internal/historyapi"
	"github.com/whisper/support-chat/internal/msgstore"
	"github.com/whisper/support-chat/internal/protocol"
	"github.com/whisper/support-chat/internal/readstate"
	"github.com/whisper/support-chat/internal/transport"
)

// Transport is the realtime link the client drives.
type Transport interface {
	Connect(ctx context.Context, p chat.Participant) error
	Send(msgType string, payload interface{}) error
	Events() <-chan transport.Event
	Disconnect()
	ForceReconnect()
	State() transport.State
}

// History is the History API surface the client uses.
type History interface {
	Page(ctx context.Context, conversationID string, beforeID int64, limit int) (chat.Page, error)
	CurrentConversation(ctx context.Context, endUserID string) (*chat.Conversation, error)
	OperatorConversations(ctx context.Context, operatorID string) ([]chat.Conversation, error)
	UnreadCounts(ctx context.Context) (map[string]int, error)
	Purge(ctx context.Context, conversationID string) (int64, error)
	Reassign(ctx context.Context, conversationID, operatorID string) (*chat.Conversation, error)
}

// Config configures a Client.
type Config struct {
	Participant    chat.Participant
	Transport      transport.Config
	HistoryURL     string
	PageSize       int
	ReadState      readstate.Config
	RequestTimeout time.Duration
	HTTPClient     *http.Client // nil uses historyapi's default
}

// DefaultConfig returns sensible defaults for p.
func DefaultConfig(p chat.Participant) Config {
	return Config{
		Participant:    p,
		Transport:      transport.DefaultConfig(),
		HistoryURL:     "http://localhost:8080",
		PageSize:       chat.DefaultPageSize,
		ReadState:      readstate.DefaultConfig(),
		RequestTimeout: 10 * time.Second,
	}
}

// UpdateKind says which part of the Snapshot changed.
type UpdateKind int

const (
	UpdateConnection UpdateKind = iota
	UpdateSession
	UpdateMessages
	UpdateConversations
	UpdateUnread
	UpdateRejected // Err is a *RejectedError or *RateLimitedError
	UpdateFailure  // Err is terminal
)

// Update notifies presentation code that the Snapshot changed.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	Err            error
}

// Snapshot is a read-only view of the client state.
type Snapshot struct {
	Participant        chat.Participant
	ConnectionState    transport.State
	SessionState       chatstate.SessionState // end users only
	ActiveConversation *chat.Conversation
	Messages           []chat.Message // of the active conversation
	HasMore            bool
	Loading            bool
	Unread             map[string]int
	Conversations      []chat.Conversation // staff only
	Failure            error
}

// Client is one participant's support chat session.
type Client struct {
	cfg         Config
	participant chat.Participant
	tr          Transport
	history     History
	store       *msgstore.Store
	machine     *chatstate.Machine
	board       *chatstate.Board
	reads       *readstate.Tracker
	updates     chan Update

	mu      sync.Mutex
	open    bool
	failure error
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Client backed by the real transport and History API.
func New(cfg Config) *Client {
	tr := transport.NewManager(cfg.Transport)
	api := historyapi.New(cfg.HistoryURL, cfg.Participant, cfg.HTTPClient)
	return newClient(cfg, tr, api)
}

func newClient(cfg Config, tr Transport, history History) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:         cfg,
		participant: cfg.Participant,
		tr:          tr,
		history:     history,
		store:       msgstore.New(history, cfg.PageSize),
		updates:     make(chan Update, 64),
	}
	if cfg.Participant.Role.IsStaff() {
		c.board = chatstate.NewBoard(cfg.Participant)
	} else {
		c.machine = chatstate.NewMachine()
	}
	c.reads = readstate.New(cfg.ReadState, tr, history)
	return c
}

// Updates returns the notification channel. Notifications are dropped when
// the channel is full; Snapshot always reflects the latest state.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// Open connects and starts applying server events.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return nil
	}
	if err := c.tr.Connect(ctx, c.participant); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("supportchat: open: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.open = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(loopCtx, done)
	return nil
}

// Close disconnects and stops the event loop.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	c.tr.Disconnect()
	cancel()
	<-done
	c.reads.Reset()
}

// Retry restarts a link that gave up reconnecting, or cuts a pending
// backoff wait short.
func (c *Client) Retry() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return ErrNotOpen
	}
	c.failure = nil
	c.mu.Unlock()
	c.tr.ForceReconnect()
	return nil
}

// Snapshot returns the current state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	failure := c.failure
	c.mu.Unlock()
	focus := c.activeConversationID()

	s := Snapshot{
		Participant:     c.participant,
		ConnectionState: c.tr.State(),
		Unread:          c.reads.All(),
		Failure:         failure,
	}
	if c.machine != nil {
		s.SessionState = c.machine.State()
		if conv, ok := c.machine.Conversation(); ok {
			s.ActiveConversation = &conv
		}
	} else {
		s.Conversations = c.board.List()
		if conv, ok := c.board.Get(focus); ok {
			s.ActiveConversation = &conv
		}
	}
	if s.ActiveConversation != nil {
		s.Messages = c.store.Messages(focus)
		s.HasMore = c.store.HasMore(focus)
		s.Loading = c.store.Loading(focus)
	}
	return s
}

func (c *Client) notify(u Update) {
	select {
	case c.updates <- u:
	default:
	}
}

func (c *Client) connected() bool {
	return c.tr.State() == transport.StateOpen
}

func (c *Client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// activeConversationID is the end user's conversation or the operator's
// focused one.
func (c *Client) activeConversationID() string {
	if c.machine != nil {
		conv, _ := c.machine.Conversation()
		return conv.ID
	}
	return c.board.Focused()
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.tr.Events():
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventState:
		if ev.State == transport.StateOpen {
			c.mu.Lock()
			c.failure = nil
			c.mu.Unlock()
			c.resync(ctx)
		}
		c.notify(Update{Kind: UpdateConnection})
	case transport.EventFailure:
		c.mu.Lock()
		c.failure = ev.Err
		c.mu.Unlock()
		c.notify(Update{Kind: UpdateFailure, Err: ev.Err})
	case transport.EventFrame:
		c.handleFrame(ctx, ev.Type, ev.Msg)
	}
}

// resync re-derives session state, history and unread counters from the
// History API after every (re)connect.
func (c *Client) resync(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if c.machine != nil {
		conv, err := c.history.CurrentConversation(rctx, c.participant.ID)
		if err != nil {
			log.Printf("[supportchat] resync conversation participant=%s: %v", c.participant.ID, err)
		} else {
			c.machine.Reconcile(conv)
			if conv != nil {
				c.load(rctx, conv.ID)
			}
			c.notify(Update{Kind: UpdateSession})
		}
	} else {
		convs, err := c.history.OperatorConversations(rctx, c.participant.ID)
		if err != nil {
			log.Printf("[supportchat] resync conversations participant=%s: %v", c.participant.ID, err)
		} else {
			c.board.Reconcile(convs)
			if focus := c.board.Focused(); focus != "" {
				c.load(rctx, focus)
			}
			c.notify(Update{Kind: UpdateConversations})
		}
	}

	if err := c.reads.Reconcile(rctx); err != nil {
		log.Printf("[supportchat] resync unread participant=%s: %v", c.participant.ID, err)
		return
	}
	c.notify(Update{Kind: UpdateUnread})
}

func (c *Client) load(ctx context.Context, conversationID string) {
	if err := c.store.LoadInitial(ctx, conversationID); err != nil {
		log.Printf("[supportchat] load conversation=%s: %v", conversationID, err)
		return
	}
	c.notify(Update{Kind: UpdateMessages, ConversationID: conversationID})
}

func (c *Client) handleFrame(ctx context.Context, msgType string, msg interface{}) {
	switch m := msg.(type) {
	case protocol.WaitingForOperatorMsg:
		if c.machine != nil {
			c.machine.Waiting(m.Conversation)
			c.notify(Update{Kind: UpdateSession, ConversationID: m.Conversation.ID})
		}

	case protocol.ConversationAcceptedMsg:
		c.applyConversation(ctx, m.Conversation)

	case protocol.ConversationAssignedMsg:
		c.applyConversation(ctx, m.Conversation)

	case protocol.NewConversationMsg:
		if c.board != nil {
			c.board.Update(m.Conversation)
			c.notify(Update{Kind: UpdateConversations, ConversationID: m.Conversation.ID})
		}

	case protocol.NewMessageMsg:
		if c.store.Append(m.Message) {
			c.notify(Update{Kind: UpdateMessages, ConversationID: m.Message.ConversationID})
			c.reads.OnMessageArrived(m.Message.ConversationID, m.Message.SenderID == c.participant.ID)
			c.notify(Update{Kind: UpdateUnread, ConversationID: m.Message.ConversationID})
		}

	case protocol.ConversationClosedMsg:
		if c.machine != nil {
			if c.machine.Closed(m.ConversationID) {
				c.notify(Update{Kind: UpdateSession, ConversationID: m.ConversationID})
			}
		} else {
			c.board.Closed(m.ConversationID)
			c.notify(Update{Kind: UpdateConversations, ConversationID: m.ConversationID})
		}

	case protocol.ErrorMsg:
		err := &RejectedError{Code: m.Code, Message: m.Message, RequestID: m.RequestID, ConversationID: m.ConversationID}
		if m.Code == protocol.CodeAlreadyTaken && c.board != nil {
			c.board.Remove(m.ConversationID)
			c.notify(Update{Kind: UpdateConversations, ConversationID: m.ConversationID})
		}
		c.notify(Update{Kind: UpdateRejected, ConversationID: m.ConversationID, Err: err})

	case protocol.RateLimitedMsg:
		c.notify(Update{Kind: UpdateRejected, Err: &RateLimitedError{RetryAfter: m.RetryAfter}})

	case protocol.SessionCreatedMsg, protocol.PongMsg:
	default:
		log.Printf("[supportchat] unhandled frame type=%s", msgType)
	}
}

// applyConversation handles accepted and assigned frames.
func (c *Client) applyConversation(ctx context.Context, conv chat.Conversation) {
	if c.machine != nil {
		changed := c.machine.Accepted(conv)
		if !changed {
			changed = c.machine.Assigned(conv)
		}
		if changed {
			if !c.store.Loaded(conv.ID) {
				c.loadWithTimeout(ctx, conv.ID)
			}
			c.notify(Update{Kind: UpdateSession, ConversationID: conv.ID})
		}
		return
	}

	c.board.Update(conv)
	if conv.OperatorID == c.participant.ID && c.board.Focused() == "" {
		c.board.Focus(conv.ID)
		c.reads.Focus(conv.ID)
		if !c.store.Loaded(conv.ID) {
			c.loadWithTimeout(ctx, conv.ID)
		}
	}
	c.notify(Update{Kind: UpdateConversations, ConversationID: conv.ID})
}

func (c *Client) loadWithTimeout(ctx context.Context, conversationID string) {
	lctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	c.load(lctx, conversationID)
}
