package ws

import (
	"log"

	"github.com/whisper/support-chat/internal/metrics"
	"github.com/whisper/support-chat/internal/protocol"
)

// MessageHandler receives the typed value protocol.ParseClientMessage
// produced for a frame, e.g. protocol.SendMessageMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames by their type field. Handlers are
// registered before the server starts and never change afterwards.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: map[string]MessageHandler{}}
}

// Register sets the handler for msgType, replacing any earlier one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback. The application-level ping is
// answered here. Frames that fail to parse or have no handler get an
// invalid_message error and leave the connection open.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	switch {
	case err != nil:
		metrics.FramesTotal.WithLabelValues("invalid").Inc()
		log.Printf("ws: bad frame session=%s participant=%s: %v", conn.ID, conn.Participant.ID, err)
		d.reply(conn, protocol.NewError(protocol.CodeInvalidMessage, "invalid message format", "", ""))
		return
	case msgType == protocol.TypePing:
		metrics.FramesTotal.WithLabelValues(msgType).Inc()
		pong, _ := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
		d.reply(conn, pong)
		return
	}

	handler := d.handlers[msgType]
	if handler == nil {
		metrics.FramesTotal.WithLabelValues("unsupported").Inc()
		log.Printf("ws: no handler for %q session=%s", msgType, conn.ID)
		d.reply(conn, protocol.NewError(protocol.CodeInvalidMessage, "unsupported message type", "", ""))
		return
	}
	metrics.FramesTotal.WithLabelValues(msgType).Inc()
	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, frame []byte) {
	if err := conn.WriteMessage(frame); err != nil {
		log.Printf("ws: reply session=%s: %v", conn.ID, err)
	}
}
