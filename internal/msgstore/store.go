// Package msgstore is the client-side message log: one ordered log per
// conversation with backward pagination from the History API, realtime
// appends, and optimistic entries that are replaced by their confirmed copy.
//
// Confirmed messages are kept in ascending server id order and are never
// reordered; optimistic entries follow them in send order.
package msgstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/support-chat/internal/chat"
)

// ErrLoadInFlight is returned by LoadInitial when a load for the same
// conversation is already running.
var ErrLoadInFlight = errors.New("msgstore: load already in flight")

// correlationWindow bounds how far apart an optimistic entry and an echo
// without a nonce may be timestamped and still be treated as the same send.
const correlationWindow = 2 * time.Minute

// Fetcher loads one backward page of history.
type Fetcher interface {
	Page(ctx context.Context, conversationID string, beforeID int64, limit int) (chat.Page, error)
}

type convLog struct {
	confirmed []chat.Message
	pending   []chat.Message
	hasMore   bool
	loaded    bool
	loading   bool

	// gen is bumped by Clear. A load that finds it changed drops its page.
	gen uint64
	// arrived collects realtime messages appended while the newest page is
	// being fetched; only those survive the page replacing the log.
	arrived  []chat.Message
	tracking bool
}

// Store holds the message logs of every conversation the client has opened.
type Store struct {
	fetcher  Fetcher
	pageSize int
	now      func() time.Time

	mu   sync.Mutex
	logs map[string]*convLog
}

// New creates a Store. pageSize <= 0 uses chat.DefaultPageSize.
func New(fetcher Fetcher, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = chat.DefaultPageSize
	}
	return &Store{
		fetcher:  fetcher,
		pageSize: pageSize,
		now:      time.Now,
		logs:     make(map[string]*convLog),
	}
}

func (s *Store) logLocked(conversationID string) *convLog {
	l, ok := s.logs[conversationID]
	if !ok {
		l = &convLog{hasMore: true}
		s.logs[conversationID] = l
	}
	return l
}

// LoadInitial replaces the conversation's log with the newest page.
// Realtime messages that arrived while the page was in flight and
// unconfirmed optimistic entries are kept. On error the existing log is left
// untouched. A load overtaken by Clear returns nil and leaves the log empty.
func (s *Store) LoadInitial(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	l := s.logLocked(conversationID)
	if l.loading {
		s.mu.Unlock()
		return ErrLoadInFlight
	}
	l.loading = true
	l.tracking = true
	l.arrived = nil
	gen := l.gen
	s.mu.Unlock()

	page, err := s.fetcher.Page(ctx, conversationID, 0, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if l.gen != gen {
		return nil
	}
	arrived := l.arrived
	l.loading = false
	l.tracking = false
	l.arrived = nil
	if err != nil {
		return fmt.Errorf("msgstore: load %s: %w", conversationID, err)
	}

	l.confirmed = mergeByID(confirm(page.Messages), confirm(arrived))
	l.pending = withoutConfirmed(l.pending, l.confirmed)
	l.hasMore = page.HasMore
	l.loaded = true
	return nil
}

// LoadOlder fetches the page before the oldest loaded message and merges it
// in. It returns false without fetching when a load is already in flight,
// when no older page exists, or when nothing has been loaded yet. A page that
// lands after Clear is dropped.
func (s *Store) LoadOlder(ctx context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok || l.loading || !l.hasMore || len(l.confirmed) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	before := l.confirmed[0].ID
	l.loading = true
	gen := l.gen
	s.mu.Unlock()

	page, err := s.fetcher.Page(ctx, conversationID, before, s.pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if l.gen != gen {
		return false, nil
	}
	l.loading = false
	if err != nil {
		return false, fmt.Errorf("msgstore: load older %s: %w", conversationID, err)
	}
	l.confirmed = mergeByID(confirm(page.Messages), l.confirmed)
	l.pending = withoutConfirmed(l.pending, l.confirmed)
	l.hasMore = page.HasMore
	return true, nil
}

// Append inserts a confirmed realtime message in id order. A message already
// present is ignored. An optimistic entry for the same send is removed first:
// by client nonce when the echo carries one, otherwise by sender, body and
// timestamp. It returns whether the message was new.
func (s *Store) Append(msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logLocked(msg.ConversationID)
	return l.appendConfirmed(msg)
}

// AddPending records an optimistic message and returns it. The returned
// message carries the client nonce to send with it.
func (s *Store) AddPending(conversationID, senderID, body string, fromEndUser bool) chat.Message {
	msg := chat.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		FromEndUser:    fromEndUser,
		Body:           body,
		CreatedAt:      s.now().UTC(),
		ClientNonce:    uuid.New().String(),
		TempID:         uuid.New().String(),
		State:          chat.DeliveryPendingLocal,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logLocked(conversationID)
	l.pending = append(l.pending, msg)
	return msg
}

// ReplaceOptimistic swaps the optimistic entry temp for its confirmed copy.
// The entry is located by temp's client nonce.
func (s *Store) ReplaceOptimistic(temp, confirmed chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logLocked(confirmed.ConversationID)
	l.pending = removeNonce(l.pending, temp.ClientNonce)
	if confirmed.ClientNonce == "" {
		confirmed.ClientNonce = temp.ClientNonce
	}
	l.appendConfirmed(confirmed)
}

// DropPending removes an optimistic entry whose send failed.
func (s *Store) DropPending(conversationID, nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[conversationID]; ok {
		l.pending = removeNonce(l.pending, nonce)
	}
}

// Clear empties the conversation's log after a purge. The next load starts
// from the newest page again; loads still in flight are released and their
// pages discarded.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logLocked(conversationID)
	l.gen++
	l.confirmed = nil
	l.pending = nil
	l.arrived = nil
	l.hasMore = true
	l.loaded = false
	l.loading = false
	l.tracking = false
}

// Messages returns a copy of the visible log: confirmed messages in id order
// followed by optimistic entries.
func (s *Store) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	out := make([]chat.Message, 0, len(l.confirmed)+len(l.pending))
	out = append(out, l.confirmed...)
	return append(out, l.pending...)
}

// HasMore reports whether older messages may exist. It is true for a
// conversation that has never been loaded.
func (s *Store) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	return !ok || l.hasMore
}

// Loading reports whether a history load is in flight.
func (s *Store) Loading(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	return ok && l.loading
}

// Loaded reports whether the newest page has been loaded since the last
// Clear.
func (s *Store) Loaded(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[conversationID]
	return ok && l.loaded
}

func (l *convLog) appendConfirmed(msg chat.Message) bool {
	msg.State = chat.DeliveryConfirmed
	msg.TempID = ""

	if msg.ClientNonce != "" {
		l.pending = removeNonce(l.pending, msg.ClientNonce)
	} else {
		l.pending = removeCorrelated(l.pending, msg)
	}

	i := sort.Search(len(l.confirmed), func(i int) bool { return l.confirmed[i].ID >= msg.ID })
	if i < len(l.confirmed) && l.confirmed[i].ID == msg.ID {
		return false
	}
	l.confirmed = append(l.confirmed, chat.Message{})
	copy(l.confirmed[i+1:], l.confirmed[i:])
	l.confirmed[i] = msg
	if l.tracking {
		l.arrived = append(l.arrived, msg)
	}
	return true
}

// mergeByID merges two ascending slices into one without duplicate ids.
func mergeByID(a, b []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var next chat.Message
		switch {
		case j >= len(b) || (i < len(a) && a[i].ID < b[j].ID):
			next = a[i]
			i++
		case i >= len(a) || b[j].ID < a[i].ID:
			next = b[j]
			j++
		default:
			next = b[j]
			i++
			j++
		}
		if n := len(out); n > 0 && out[n-1].ID == next.ID {
			continue
		}
		out = append(out, next)
	}
	return out
}

func confirm(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		m.State = chat.DeliveryConfirmed
		out[i] = m
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func removeNonce(pending []chat.Message, nonce string) []chat.Message {
	if nonce == "" {
		return pending
	}
	for i, m := range pending {
		if m.ClientNonce == nonce {
			return append(pending[:i:i], pending[i+1:]...)
		}
	}
	return pending
}

// removeCorrelated drops the oldest optimistic entry that matches msg by
// sender and body within correlationWindow.
func removeCorrelated(pending []chat.Message, msg chat.Message) []chat.Message {
	for i, m := range pending {
		if m.SenderID != msg.SenderID || m.Body != msg.Body {
			continue
		}
		d := msg.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= correlationWindow {
			return append(pending[:i:i], pending[i+1:]...)
		}
	}
	return pending
}

// withoutConfirmed drops optimistic entries whose nonce already appears on a
// confirmed message.
func withoutConfirmed(pending, confirmed []chat.Message) []chat.Message {
	if len(pending) == 0 {
		return pending
	}
	seen := make(map[string]bool)
	for _, m := range confirmed {
		if m.ClientNonce != "" {
			seen[m.ClientNonce] = true
		}
	}
	out := pending[:0:0]
	for _, m := range pending {
		if !seen[m.ClientNonce] {
			out = append(out, m)
		}
	}
	return out
}
