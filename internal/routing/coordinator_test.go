package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/protocol"
)

// memStore is an in-memory Store with the same transition rules as the Redis
// scripts.
type memStore struct {
	mu     sync.Mutex
	convs  map[string]*chat.Conversation
	byUser map[string]string
	seq    map[string]int64
	nextID int
	now    time.Time
}

func newMemStore() *memStore {
	return &memStore{
		convs:  make(map[string]*chat.Conversation),
		byUser: make(map[string]string),
		seq:    make(map[string]int64),
		now:    time.Now(),
	}
}

func (m *memStore) StartOrReuse(_ context.Context, endUserID string) (*chat.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byUser[endUserID]; ok {
		c := *m.convs[id]
		return &c, false, nil
	}
	m.nextID++
	c := &chat.Conversation{
		ID: fmt.Sprintf("conv-%d", m.nextID), EndUserID: endUserID,
		Status: chat.StatusPending, CreatedAt: m.now, UpdatedAt: m.now,
	}
	m.convs[c.ID] = c
	m.byUser[endUserID] = c.ID
	cp := *c
	return &cp, true, nil
}

func (m *memStore) Get(_ context.Context, id string) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) Accept(_ context.Context, id, operatorID string) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	if c.Status != chat.StatusPending {
		return nil, chat.ErrAlreadyTaken
	}
	c.Status, c.OperatorID = chat.StatusActive, operatorID
	cp := *c
	return &cp, nil
}

func (m *memStore) Reassign(_ context.Context, id, operatorID string) (*chat.Conversation, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, "", chat.ErrNotFound
	}
	if c.Status != chat.StatusActive {
		return nil, "", chat.ErrNotActive
	}
	if operatorID == c.EndUserID {
		return nil, "", chat.ErrForbidden
	}
	prev := c.OperatorID
	c.OperatorID = operatorID
	cp := *c
	return &cp, prev, nil
}

func (m *memStore) Close(_ context.Context, id string) (*chat.Conversation, error) {
	return m.closeIf(id, "")
}

func (m *memStore) ClosePending(_ context.Context, id string) (*chat.Conversation, error) {
	return m.closeIf(id, chat.StatusPending)
}

func (m *memStore) closeIf(id string, expect chat.Status) (*chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	if expect != "" && c.Status != expect {
		return nil, chat.ErrAlreadyTaken
	}
	c.Status = chat.StatusClosed
	delete(m.byUser, c.EndUserID)
	cp := *c
	return &cp, nil
}

func (m *memStore) ForEndUser(ctx context.Context, endUserID string) (*chat.Conversation, error) {
	m.mu.Lock()
	id, ok := m.byUser[endUserID]
	m.mu.Unlock()
	if !ok {
		return nil, chat.ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *memStore) NextMessageID(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[id]++
	return m.seq[id], nil
}

func (m *memStore) ListPending(context.Context) ([]chat.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Conversation
	for _, c := range m.convs {
		if c.Status == chat.StatusPending {
			out = append(out, *c)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	direct    map[string][]string
	operators []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{direct: make(map[string][]string)}
}

func (n *recordingNotifier) PublishToParticipant(id string, data []byte) error {
	typ, _, err := protocol.ParseServerMessage(data)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.direct[id] = append(n.direct[id], typ)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) PublishToOperators(data []byte) error {
	typ, _, err := protocol.ParseServerMessage(data)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.operators = append(n.operators, typ)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) received(id string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.direct[id]...)
}

func contains(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

type memRecorder struct {
	mu       sync.Mutex
	convs    map[string]chat.Conversation
	messages []chat.Message
	reads    map[string]int
	failSave bool
}

func newMemRecorder() *memRecorder {
	return &memRecorder{convs: make(map[string]chat.Conversation), reads: make(map[string]int)}
}

func (r *memRecorder) SaveConversation(_ context.Context, c chat.Conversation) error {
	r.mu.Lock()
	r.convs[c.ID] = c
	r.mu.Unlock()
	return nil
}

func (r *memRecorder) SaveMessage(_ context.Context, m chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave {
		return errors.New("db down")
	}
	r.messages = append(r.messages, m)
	return nil
}

func (r *memRecorder) MarkRead(_ context.Context, convID, pid string) error {
	r.mu.Lock()
	r.reads[convID+"/"+pid]++
	r.mu.Unlock()
	return nil
}

type staticPresence map[string]bool

func (p staticPresence) IsOnline(_ context.Context, id string) (bool, error) {
	return p[id], nil
}

var (
	alice = chat.Participant{ID: "alice", Role: chat.RoleEndUser}
	opA   = chat.Participant{ID: "opA", Role: chat.RoleOperator}
	opB   = chat.Participant{ID: "opB", Role: chat.RoleOperator}
	admin = chat.Participant{ID: "root", Role: chat.RoleAdmin}
)

func newTestCoordinator() (*Coordinator, *memStore, *recordingNotifier, *memRecorder) {
	store := newMemStore()
	notifier := newRecordingNotifier()
	recorder := newMemRecorder()
	return NewCoordinator(DefaultConfig(), store, notifier, recorder, staticPresence{}), store, notifier, recorder
}

func TestRequestStart_NotifiesUserAndOperators(t *testing.T) {
	c, _, notifier, recorder := newTestCoordinator()
	ctx := context.Background()

	conv, err := c.RequestStart(ctx, alice)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if conv.Status != chat.StatusPending {
		t.Errorf("expected PENDING, got %s", conv.Status)
	}
	if !contains(notifier.received("alice"), protocol.TypeWaitingForOperator) {
		t.Errorf("end user not told to wait: %v", notifier.received("alice"))
	}
	if !contains(notifier.operators, protocol.TypeNewConversation) {
		t.Errorf("operators not notified: %v", notifier.operators)
	}
	if _, ok := recorder.convs[conv.ID]; !ok {
		t.Error("new conversation not recorded")
	}

	again, _ := c.RequestStart(ctx, alice)
	if again.ID != conv.ID {
		t.Errorf("expected reuse of %s, got %s", conv.ID, again.ID)
	}
}

func TestRequestStart_RejectsStaff(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	if _, err := c.RequestStart(context.Background(), opA); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestAccept_FirstWinsSecondRejected(t *testing.T) {
	c, _, notifier, _ := newTestCoordinator()
	ctx := context.Background()

	conv, _ := c.RequestStart(ctx, alice)

	accepted, err := c.Accept(ctx, conv.ID, opA, "req-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != chat.StatusActive || accepted.OperatorID != "opA" {
		t.Errorf("unexpected conversation after accept: %+v", accepted)
	}
	if !contains(notifier.received("alice"), protocol.TypeConversationAccepted) {
		t.Error("end user not told about the accept")
	}
	if !contains(notifier.received("opA"), protocol.TypeConversationAccepted) {
		t.Error("winning operator not told about the accept")
	}

	if _, err := c.Accept(ctx, conv.ID, opB, "req-2"); !errors.Is(err, chat.ErrAlreadyTaken) {
		t.Errorf("expected ErrAlreadyTaken for late acceptor, got %v", err)
	}
	if contains(notifier.received("opB"), protocol.TypeConversationAccepted) {
		t.Error("late acceptor must not receive a success")
	}
}

func TestAccept_Concurrent(t *testing.T) {
	c, store, _, _ := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)

	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := chat.Participant{ID: fmt.Sprintf("op%d", i), Role: chat.RoleOperator}
			if _, err := c.Accept(ctx, conv.ID, op, ""); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, chat.ErrAlreadyTaken) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	final, _ := store.Get(ctx, conv.ID)
	if final.Status != chat.StatusActive || final.OperatorID == "" {
		t.Errorf("expected ACTIVE with one operator, got %+v", final)
	}
}

func TestAccept_AfterReassignRejected(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)
	c.Accept(ctx, conv.ID, opA, "")
	if _, err := c.Reassign(ctx, conv.ID, "opC"); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	if _, err := c.Accept(ctx, conv.ID, opB, ""); !errors.Is(err, chat.ErrAlreadyTaken) {
		t.Errorf("expected late acceptor rejected, got %v", err)
	}
}

func TestAccept_EndUserForbidden(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)
	if _, err := c.Accept(ctx, conv.ID, alice, ""); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestReassign_NotifiesAllThree(t *testing.T) {
	c, _, notifier, _ := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)
	c.Accept(ctx, conv.ID, opA, "")

	updated, err := c.Reassign(ctx, conv.ID, "opB")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if updated.Status != chat.StatusActive || updated.OperatorID != "opB" {
		t.Errorf("unexpected conversation after reassign: %+v", updated)
	}
	for _, id := range []string{"alice", "opA", "opB"} {
		if !contains(notifier.received(id), protocol.TypeConversationAssigned) {
			t.Errorf("%s did not receive conversation_assigned", id)
		}
	}
}

func TestReassign_PendingRejected(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)
	if _, err := c.Reassign(ctx, conv.ID, "opB"); !errors.Is(err, chat.ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
}

func TestDeliver(t *testing.T) {
	c, _, notifier, recorder := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)

	if _, err := c.Deliver(ctx, alice, conv.ID, "hello?", "n1"); !errors.Is(err, chat.ErrNotActive) {
		t.Errorf("expected ErrNotActive while pending, got %v", err)
	}

	c.Accept(ctx, conv.ID, opA, "")

	first, err := c.Deliver(ctx, alice, conv.ID, "hello", "n1")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	second, _ := c.Deliver(ctx, opA, conv.ID, "hi, how can I help?", "n2")
	if first.ID != 1 || second.ID != 2 {
		t.Errorf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	if first.ClientNonce != "n1" || !first.FromEndUser || second.FromEndUser {
		t.Errorf("unexpected message fields: %+v %+v", first, second)
	}
	if len(recorder.messages) != 2 {
		t.Errorf("expected 2 saved messages, got %d", len(recorder.messages))
	}
	if n := len(notifier.received("opA")); n < 2 {
		t.Errorf("operator should receive both messages, got %v", notifier.received("opA"))
	}

	if _, err := c.Deliver(ctx, opB, conv.ID, "intrude", ""); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-member, got %v", err)
	}
	if _, err := c.Deliver(ctx, alice, conv.ID, "   ", ""); !errors.Is(err, chat.ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestDeliver_SaveFailure(t *testing.T) {
	c, _, notifier, recorder := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)
	c.Accept(ctx, conv.ID, opA, "")
	recorder.failSave = true

	before := len(notifier.received("opA"))
	if _, err := c.Deliver(ctx, alice, conv.ID, "hello", ""); err == nil {
		t.Fatal("expected error when history is unavailable")
	}
	if len(notifier.received("opA")) != before {
		t.Error("unsaved message must not be delivered")
	}
}

func TestMarkRead(t *testing.T) {
	c, _, _, recorder := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)

	if err := c.MarkRead(ctx, alice, conv.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := c.MarkRead(ctx, opB, conv.ID); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := c.MarkRead(ctx, admin, conv.ID); err != nil {
		t.Errorf("admin mark read: %v", err)
	}
	if recorder.reads[conv.ID+"/alice"] != 1 {
		t.Errorf("read mark not recorded: %v", recorder.reads)
	}
}

func TestClose(t *testing.T) {
	c, _, notifier, _ := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)
	c.Accept(ctx, conv.ID, opA, "")

	if _, err := c.Close(ctx, opB, conv.ID); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	closed, err := c.Close(ctx, alice, conv.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != chat.StatusClosed {
		t.Errorf("expected CLOSED, got %s", closed.Status)
	}
	for _, id := range []string{"alice", "opA"} {
		if !contains(notifier.received(id), protocol.TypeConversationClosed) {
			t.Errorf("%s did not receive conversation_closed", id)
		}
	}

	if _, err := c.Close(ctx, alice, conv.ID); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	next, _ := c.RequestStart(ctx, alice)
	if next.ID == conv.ID || next.Status != chat.StatusPending {
		t.Errorf("expected a fresh PENDING conversation, got %+v", next)
	}
}

func TestCleanup_ClosesAbandonedPending(t *testing.T) {
	store := newMemStore()
	notifier := newRecordingNotifier()
	presence := staticPresence{"bob": true}
	c := NewCoordinator(Config{PendingGrace: time.Minute, CleanupInterval: time.Second},
		store, notifier, newMemRecorder(), presence)
	ctx := context.Background()

	gone, _ := c.RequestStart(ctx, alice)
	online, _ := c.RequestStart(ctx, chat.Participant{ID: "bob", Role: chat.RoleEndUser})
	c.now = func() time.Time { return store.now.Add(2 * time.Minute) }

	if n := c.cleanAbandonedPending(ctx); n != 1 {
		t.Fatalf("expected 1 closed, got %d", n)
	}
	if conv, _ := store.Get(ctx, gone.ID); conv.Status != chat.StatusClosed {
		t.Errorf("offline end user's conversation should be closed, got %s", conv.Status)
	}
	if conv, _ := store.Get(ctx, online.ID); conv.Status != chat.StatusPending {
		t.Errorf("online end user's conversation should stay pending, got %s", conv.Status)
	}
	if !contains(notifier.operators, protocol.TypeConversationClosed) {
		t.Error("operators should be told the pending conversation is gone")
	}
}

func TestCleanup_RespectsGrace(t *testing.T) {
	store := newMemStore()
	c := NewCoordinator(Config{PendingGrace: time.Hour, CleanupInterval: time.Second},
		store, newRecordingNotifier(), newMemRecorder(), staticPresence{})
	ctx := context.Background()
	c.RequestStart(ctx, alice)

	if n := c.cleanAbandonedPending(ctx); n != 0 {
		t.Errorf("expected nothing closed inside the grace period, got %d", n)
	}
}

// acceptAfterList lets an operator win a conversation between the cleanup
// loop's listing and its close.
type acceptAfterList struct {
	*memStore
	operatorID string
}

func (s acceptAfterList) ListPending(ctx context.Context) ([]chat.Conversation, error) {
	pending, err := s.memStore.ListPending(ctx)
	for _, conv := range pending {
		s.memStore.Accept(ctx, conv.ID, s.operatorID)
	}
	return pending, err
}

func TestCleanup_LeavesConversationAcceptedMeanwhile(t *testing.T) {
	store := newMemStore()
	notifier := newRecordingNotifier()
	c := NewCoordinator(Config{PendingGrace: time.Minute, CleanupInterval: time.Second},
		acceptAfterList{memStore: store, operatorID: "opA"}, notifier, newMemRecorder(), staticPresence{})
	ctx := context.Background()

	conv, _ := c.RequestStart(ctx, alice)
	c.now = func() time.Time { return store.now.Add(2 * time.Minute) }

	if n := c.cleanAbandonedPending(ctx); n != 0 {
		t.Errorf("expected nothing closed, got %d", n)
	}
	got, _ := store.Get(ctx, conv.ID)
	if got.Status != chat.StatusActive || got.OperatorID != "opA" {
		t.Errorf("accepted conversation must survive cleanup, got %s operator=%s", got.Status, got.OperatorID)
	}
	if contains(notifier.received("alice"), protocol.TypeConversationClosed) {
		t.Error("end user was told a won conversation closed")
	}
}

func TestReassign_SameOperatorIsSilent(t *testing.T) {
	c, _, notifier, _ := newTestCoordinator()
	ctx := context.Background()
	conv, _ := c.RequestStart(ctx, alice)
	c.Accept(ctx, conv.ID, opA, "")
	before := len(notifier.received("alice"))

	got, err := c.Reassign(ctx, conv.ID, opA.ID)
	if err != nil || got.OperatorID != opA.ID {
		t.Fatalf("expected no-op reassign, got %+v err=%v", got, err)
	}
	if n := len(notifier.received("alice")); n != before {
		t.Errorf("no-op reassign sent %d frames to the end user", n-before)
	}
	if _, err := c.Reassign(ctx, conv.ID, alice.ID); !errors.Is(err, chat.ErrForbidden) {
		t.Errorf("expected ErrForbidden for the end user, got %v", err)
	}
}

func TestCurrent(t *testing.T) {
	c, _, _, _ := newTestCoordinator()
	ctx := context.Background()
	if _, err := c.Current(ctx, alice.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	conv, _ := c.RequestStart(ctx, alice)
	got, err := c.Current(ctx, alice.ID)
	if err != nil || got.ID != conv.ID {
		t.Fatalf("expected %s, got %+v err=%v", conv.ID, got, err)
	}
	c.Close(ctx, alice, conv.ID)
	if _, err := c.Current(ctx, alice.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("closed conversation is not current, got %v", err)
	}
}

func TestStartCleanup_ZeroIntervalReturns(t *testing.T) {
	c := NewCoordinator(Config{}, newMemStore(), newRecordingNotifier(), newMemRecorder(), nil)
	done := make(chan struct{})
	go func() {
		c.StartCleanup(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup loop with a zero interval should return at once")
	}
}
