package readstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/support-chat/internal/protocol"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) Send(msgType string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if m, ok := payload.(protocol.MarkMessagesReadMsg); ok {
		s.sent = append(s.sent, msgType+":"+m.ConversationID)
	}
	return nil
}

type staticCounts map[string]int

func (c staticCounts) UnreadCounts(context.Context) (map[string]int, error) {
	return c, nil
}

func newTracker(fetcher CountsFetcher) (*Tracker, *recordingSender, chan string) {
	sender := &recordingSender{}
	tr := New(Config{ReconcileDelay: 5 * time.Millisecond, FetchTimeout: time.Second}, sender, fetcher)
	done := make(chan string, 8)
	tr.reconciled = func(id string) { done <- id }
	return tr, sender, done
}

func waitReconciled(t *testing.T, done chan string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciliation never ran")
	}
}

func TestTracker_CountsOthersOutsideFocus(t *testing.T) {
	tr, _, _ := newTracker(nil)
	tr.OnMessageArrived("c1", false)
	tr.OnMessageArrived("c1", false)
	tr.OnMessageArrived("c1", true)
	tr.Focus("c2")
	tr.OnMessageArrived("c2", false)

	if n := tr.Get("c1"); n != 2 {
		t.Errorf("expected 2 unread on c1, got %d", n)
	}
	if n := tr.Get("c2"); n != 0 {
		t.Errorf("focused conversation must not count, got %d", n)
	}
	if all := tr.All(); len(all) != 1 {
		t.Errorf("expected only c1 in All, got %v", all)
	}
}

func TestTracker_MarkReadThenArrival(t *testing.T) {
	tr, sender, done := newTracker(staticCounts{"c1": 0})
	tr.OnMessageArrived("c1", false)
	tr.OnMessageArrived("c1", false)

	if err := tr.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n := tr.Get("c1"); n != 0 {
		t.Fatalf("expected 0 after mark read, got %d", n)
	}
	tr.OnMessageArrived("c1", false)

	waitReconciled(t, done)
	if n := tr.Get("c1"); n != 1 {
		t.Errorf("arrival after mark read must survive reconciliation, got %d", n)
	}
	if len(sender.sent) != 1 || sender.sent[0] != protocol.TypeMarkMessagesRead+":c1" {
		t.Errorf("unexpected frames %v", sender.sent)
	}
}

func TestTracker_ReconcileAppliesServerCount(t *testing.T) {
	tr, _, done := newTracker(staticCounts{"c1": 4})
	if err := tr.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	waitReconciled(t, done)
	if n := tr.Get("c1"); n != 4 {
		t.Errorf("expected server count 4, got %d", n)
	}
}

func TestTracker_MarkReadSendFailure(t *testing.T) {
	tr, sender, done := newTracker(staticCounts{"c1": 3})
	sender.mu.Lock()
	sender.err = errors.New("transport: not connected")
	sender.mu.Unlock()
	tr.OnMessageArrived("c1", false)
	if err := tr.MarkRead(context.Background(), "c1"); err == nil {
		t.Fatal("expected error")
	}
	if n := tr.Get("c1"); n != 0 {
		t.Errorf("local counter should be zero until reconciled, got %d", n)
	}

	// The server never heard about the read, so its count wins.
	waitReconciled(t, done)
	if n := tr.Get("c1"); n != 3 {
		t.Errorf("expected the server count 3 after reconcile, got %d", n)
	}
}

func TestTracker_FullReconcile(t *testing.T) {
	tr, _, _ := newTracker(staticCounts{"c2": 3})
	tr.OnMessageArrived("c1", false)
	if err := tr.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if tr.Get("c1") != 0 || tr.Get("c2") != 3 {
		t.Errorf("unexpected counters %v", tr.All())
	}
	tr.Reset()
	if len(tr.All()) != 0 {
		t.Error("reset should clear counters")
	}
}
