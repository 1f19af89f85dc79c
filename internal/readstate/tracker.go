// Package readstate keeps the viewer's unread counters per conversation.
// Counters change locally right away and are reconciled with the History
// API shortly after each mark-read.
package readstate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whisper/support-chat/internal/protocol"
)

// Sender delivers a client frame to the server.
type Sender interface {
	Send(msgType string, payload interface{}) error
}

// CountsFetcher returns the authoritative unread counters of the viewer.
type CountsFetcher interface {
	UnreadCounts(ctx context.Context) (map[string]int, error)
}

// Config holds tracker settings.
type Config struct {
	ReconcileDelay time.Duration
	FetchTimeout   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileDelay: time.Second,
		FetchTimeout:   5 * time.Second,
	}
}

// Tracker holds the unread counters of one viewer.
type Tracker struct {
	cfg     Config
	sender  Sender
	fetcher CountsFetcher

	mu     sync.Mutex
	counts map[string]int
	gen    map[string]uint64 // bumped on every local change
	focus  string
	timers map[string]*time.Timer

	reconciled func(conversationID string) // test hook
}

// New creates a Tracker. Zero durations in cfg use the defaults.
func New(cfg Config, sender Sender, fetcher CountsFetcher) *Tracker {
	def := DefaultConfig()
	if cfg.ReconcileDelay <= 0 {
		cfg.ReconcileDelay = def.ReconcileDelay
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return &Tracker{
		cfg:     cfg,
		sender:  sender,
		fetcher: fetcher,
		counts:  make(map[string]int),
		gen:     make(map[string]uint64),
		timers:  make(map[string]*time.Timer),
	}
}

// MarkRead zeroes the counter, tells the server, and schedules a
// reconciliation. The reconciliation runs even when the notification cannot
// be sent, so the counter falls back to the server's figure.
func (t *Tracker) MarkRead(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	t.counts[conversationID] = 0
	t.gen[conversationID]++
	gen := t.gen[conversationID]
	t.mu.Unlock()

	err := t.sender.Send(protocol.TypeMarkMessagesRead, protocol.MarkMessagesReadMsg{ConversationID: conversationID})
	t.scheduleReconcile(conversationID, gen)
	if err != nil {
		return fmt.Errorf("readstate: mark read %s: %w", conversationID, err)
	}
	return nil
}

func (t *Tracker) scheduleReconcile(conversationID string, gen uint64) {
	if t.fetcher == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[conversationID]; ok {
		old.Stop()
	}
	t.timers[conversationID] = time.AfterFunc(t.cfg.ReconcileDelay, func() {
		t.reconcileOne(conversationID, gen)
	})
}

func (t *Tracker) reconcileOne(conversationID string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FetchTimeout)
	defer cancel()

	counts, err := t.fetcher.UnreadCounts(ctx)
	t.mu.Lock()
	if err != nil {
		log.Printf("[readstate] reconcile conversation=%s: %v", conversationID, err)
	} else if t.gen[conversationID] == gen {
		t.counts[conversationID] = counts[conversationID]
	}
	delete(t.timers, conversationID)
	t.mu.Unlock()
	if t.reconciled != nil {
		t.reconciled(conversationID)
	}
}

// OnMessageArrived counts a message unless the viewer wrote it or is looking
// at the conversation. It returns the new counter.
func (t *Tracker) OnMessageArrived(conversationID string, isOwn bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isOwn || conversationID == t.focus {
		return t.counts[conversationID]
	}
	t.counts[conversationID]++
	t.gen[conversationID]++
	return t.counts[conversationID]
}

// Get returns one counter.
func (t *Tracker) Get(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[conversationID]
}

// All returns a copy of the non-zero counters.
func (t *Tracker) All() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for id, n := range t.counts {
		if n > 0 {
			out[id] = n
		}
	}
	return out
}

// Focus sets the conversation the viewer is looking at; "" clears it.
func (t *Tracker) Focus(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.focus = conversationID
}

// Reconcile replaces every counter with the server's values. Used after a
// reconnect, when locally counted arrivals may have been missed.
func (t *Tracker) Reconcile(ctx context.Context) error {
	if t.fetcher == nil {
		return nil
	}
	counts, err := t.fetcher.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("readstate: reconcile: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.counts {
		if _, ok := counts[id]; !ok {
			t.counts[id] = 0
			t.gen[id]++
		}
	}
	for id, n := range counts {
		t.counts[id] = n
		t.gen[id]++
	}
	return nil
}

// Clear drops the counter of a purged conversation.
func (t *Tracker) Clear(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[conversationID]; ok {
		tm.Stop()
		delete(t.timers, conversationID)
	}
	delete(t.counts, conversationID)
	t.gen[conversationID]++
}

// Reset drops every counter and pending reconciliation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tm := range t.timers {
		tm.Stop()
	}
	t.timers = make(map[string]*time.Timer)
	t.counts = make(map[string]int)
	for id := range t.gen {
		t.gen[id]++
	}
	t.focus = ""
}
