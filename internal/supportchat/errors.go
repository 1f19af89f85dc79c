package supportchat

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/historyapi"
	"github.com/whisper/support-chat/internal/msgstore"
	"github.com/whisper/support-chat/internal/protocol"
	"github.com/whisper/support-chat/internal/transport"
)

var (
	// ErrReconnecting marks a not-connected rejection while the link is still
	// being re-established.
	ErrReconnecting = errors.New("supportchat: reconnecting")

	// ErrNotOpen is returned by Retry before Open or after Close.
	ErrNotOpen = errors.New("supportchat: client not open")
)

// RejectedError is a server error frame answering one of the client's
// actions. It unwraps to the matching chat sentinel where one exists.
type RejectedError struct {
	Code           string
	Message        string
	RequestID      string
	ConversationID string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("supportchat: rejected (%s): %s", e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error {
	switch e.Code {
	case protocol.CodeAlreadyTaken:
		return chat.ErrAlreadyTaken
	case protocol.CodeNotActive:
		return chat.ErrNotActive
	case protocol.CodeForbidden:
		return chat.ErrForbidden
	case protocol.CodeNotFound:
		return chat.ErrNotFound
	case protocol.CodeInvalidMessage:
		return chat.ErrInvalidMessage
	}
	return nil
}

// RateLimitedError reports a server rate_limited frame.
type RateLimitedError struct {
	RetryAfter int // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("supportchat: rate limited, retry after %ds", e.RetryAfter)
}

// IsTransient reports whether err describes a condition that resolves on its
// own, such as reconnecting, a load already in flight, rate limiting, or a
// failed history fetch that may be retried. Terminal conditions such as
// exhausted reconnection or a rejected action report false.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitedError
	switch {
	case errors.Is(err, transport.ErrReconnectExhausted):
		return false
	case errors.Is(err, ErrReconnecting),
		errors.Is(err, msgstore.ErrLoadInFlight),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &rl):
		return true
	}
	var se *historyapi.StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == 429
	}
	var ne net.Error
	return errors.As(err, &ne)
}
