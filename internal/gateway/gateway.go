// Package gateway binds the realtime socket server to conversation routing.
// It handles client frames, rate limits them, and relays NATS fan-out to the
// sockets held on this instance.
package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/metrics"
	"github.com/whisper/support-chat/internal/protocol"
	"github.com/whisper/support-chat/internal/ratelimit"
	"github.com/whisper/support-chat/internal/ws"
)

// Coordinator is the conversation routing the handlers drive.
type Coordinator interface {
	RequestStart(ctx context.Context, endUser chat.Participant) (*chat.Conversation, error)
	Accept(ctx context.Context, conversationID string, operator chat.Participant, requestID string) (*chat.Conversation, error)
	Deliver(ctx context.Context, sender chat.Participant, conversationID, body, nonce string) (*chat.Message, error)
	MarkRead(ctx context.Context, reader chat.Participant, conversationID string) error
	Close(ctx context.Context, by chat.Participant, conversationID string) (*chat.Conversation, error)
}

// Limiter is a sliding-window rate limiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Fanout is the cross-instance pub/sub the gateway listens on.
type Fanout interface {
	SubscribeParticipant(participantID string, handler func(data []byte)) error
	UnsubscribeParticipant(participantID string) error
	SubscribeOperators(handler func(data []byte)) error
}

// Delivery writes frames to sockets held by this instance.
type Delivery interface {
	SendToParticipant(participantID string, data []byte) int
	SendToStaff(data []byte) int
}

// Presence refreshes session liveness and reports connected staff.
type Presence interface {
	Touch(ctx context.Context, sessionID, participantID string) error
	OnlineStaff(ctx context.Context) ([]string, error)
}

const requestTimeout = 5 * time.Second

// Gateway holds the handler state for one server instance.
type Gateway struct {
	coord    Coordinator
	limiter  Limiter  // may be nil
	fanout   Fanout
	delivery Delivery
	presence Presence // may be nil

	mu   sync.Mutex
	refs map[string]int // participant id -> local connection count
}

// New creates a Gateway.
func New(coord Coordinator, limiter Limiter, fanout Fanout, delivery Delivery, presence Presence) *Gateway {
	return &Gateway{
		coord:    coord,
		limiter:  limiter,
		fanout:   fanout,
		delivery: delivery,
		presence: presence,
		refs:     make(map[string]int),
	}
}

// Start subscribes to the operator broadcast subject and relays it to local
// staff sockets.
func (g *Gateway) Start() error {
	return g.fanout.SubscribeOperators(func(data []byte) {
		g.delivery.SendToStaff(data)
	})
}

// Register installs the client message handlers on the dispatcher.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeStartConversation, g.handleStart)
	d.Register(protocol.TypeSendMessage, g.handleSend)
	d.Register(protocol.TypeAcceptConversation, g.handleAccept)
	d.Register(protocol.TypeMarkMessagesRead, g.handleMarkRead)
	d.Register(protocol.TypeCloseConversation, g.handleClose)
}

// OnConnect subscribes to the participant's subject when their first socket
// on this instance connects.
func (g *Gateway) OnConnect(conn *ws.Connection) {
	metrics.ConnectionsTotal.Inc()
	pid := conn.Participant.ID

	g.mu.Lock()
	g.refs[pid]++
	first := g.refs[pid] == 1
	if first {
		err := g.fanout.SubscribeParticipant(pid, func(data []byte) {
			g.delivery.SendToParticipant(pid, data)
		})
		if err != nil {
			log.Printf("[gateway] subscribe participant=%s: %v", pid, err)
		}
	}
	g.mu.Unlock()

	if conn.Participant.Role.IsStaff() {
		g.refreshOperatorsOnline()
	}
}

// OnDisconnect drops the participant's subscription once their last local
// socket is gone.
func (g *Gateway) OnDisconnect(conn *ws.Connection) {
	metrics.ConnectionsTotal.Dec()
	pid := conn.Participant.ID

	g.mu.Lock()
	g.refs[pid]--
	if g.refs[pid] <= 0 {
		delete(g.refs, pid)
		if err := g.fanout.UnsubscribeParticipant(pid); err != nil {
			log.Printf("[gateway] unsubscribe participant=%s: %v", pid, err)
		}
	}
	g.mu.Unlock()

	if conn.Participant.Role.IsStaff() {
		g.refreshOperatorsOnline()
	}
}

func (g *Gateway) refreshOperatorsOnline() {
	if g.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	ids, err := g.presence.OnlineStaff(ctx)
	if err != nil {
		log.Printf("[gateway] online staff: %v", err)
		return
	}
	metrics.OperatorsOnline.Set(float64(len(ids)))
}

func (g *Gateway) handleStart(conn *ws.Connection, msg interface{}) {
	if _, ok := msg.(protocol.StartConversationMsg); !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if !g.allow(ctx, conn, ratelimit.RuleStart) {
		return
	}
	if _, err := g.coord.RequestStart(ctx, conn.Participant); err != nil {
		g.replyError(conn, err, "", "")
	}
}

func (g *Gateway) handleSend(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	g.touch(ctx, conn)
	if !g.allow(ctx, conn, ratelimit.RuleMessage) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	if _, err := g.coord.Deliver(ctx, conn.Participant, m.ConversationID, m.Body, m.ClientNonce); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		g.replyError(conn, err, "", m.ConversationID)
		return
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

func (g *Gateway) handleAccept(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.AcceptConversationMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if _, err := g.coord.Accept(ctx, m.ConversationID, conn.Participant, m.RequestID); err != nil {
		g.replyError(conn, err, m.RequestID, m.ConversationID)
	}
}

func (g *Gateway) handleMarkRead(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.MarkMessagesReadMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	g.touch(ctx, conn)
	if err := g.coord.MarkRead(ctx, conn.Participant, m.ConversationID); err != nil {
		g.replyError(conn, err, "", m.ConversationID)
	}
}

func (g *Gateway) handleClose(conn *ws.Connection, msg interface{}) {
	m, ok := msg.(protocol.CloseConversationMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if _, err := g.coord.Close(ctx, conn.Participant, m.ConversationID); err != nil {
		g.replyError(conn, err, "", m.ConversationID)
	}
}

// allow applies the rule to the participant and answers rate_limited when
// the window is exhausted. Limiter errors fail open.
func (g *Gateway) allow(ctx context.Context, conn *ws.Connection, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(ctx, conn.Participant.ID, rule)
	if err != nil {
		log.Printf("[gateway] rate limit check participant=%s: %v", conn.Participant.ID, err)
		return true
	}
	if ok {
		return true
	}

	resp, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: g.limiter.RetryAfter(ctx, conn.Participant.ID, rule),
	})
	g.reply(conn, resp)
	return false
}

func (g *Gateway) touch(ctx context.Context, conn *ws.Connection) {
	if g.presence == nil {
		return
	}
	if err := g.presence.Touch(ctx, conn.ID, conn.Participant.ID); err != nil {
		log.Printf("[gateway] touch session=%s: %v", conn.ID, err)
	}
}

func (g *Gateway) replyError(conn *ws.Connection, err error, requestID, conversationID string) {
	code := ErrorCode(err)
	message := err.Error()
	if code == protocol.CodeInternal {
		log.Printf("[gateway] participant=%s conversation=%s: %v", conn.Participant.ID, conversationID, err)
		message = "internal error"
	}
	g.reply(conn, protocol.NewError(code, message, requestID, conversationID))
}

func (g *Gateway) reply(conn *ws.Connection, data []byte) {
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[gateway] reply session=%s: %v", conn.ID, err)
	}
}

// ErrorCode maps a routing error to its wire error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		return protocol.CodeInvalidMessage
	case errors.Is(err, chat.ErrNotActive):
		return protocol.CodeNotActive
	case errors.Is(err, chat.ErrAlreadyTaken):
		return protocol.CodeAlreadyTaken
	case errors.Is(err, chat.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, chat.ErrNotFound):
		return protocol.CodeNotFound
	}
	return protocol.CodeInternal
}
