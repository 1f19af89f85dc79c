package historyapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/whisper/support-chat/internal/chat"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", chat.Participant{ID: "alice", Role: chat.RoleEndUser}, nil)
}

func TestClient_PageSendsCursorAndIdentity(t *testing.T) {
	var got *http.Request
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_ = json.NewEncoder(w).Encode(chat.Page{
			Messages: []chat.Message{{ID: 51, ConversationID: "c1", Body: "hi"}},
			HasMore:  true,
		})
	})

	page, err := c.Page(context.Background(), "c1", 52, 50)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != 51 || !page.HasMore {
		t.Errorf("unexpected page: %+v", page)
	}
	if got.URL.Path != "/api/conversations/c1/messages" {
		t.Errorf("unexpected path %s", got.URL.Path)
	}
	if got.URL.Query().Get("before_id") != "52" || got.URL.Query().Get("limit") != "50" {
		t.Errorf("unexpected query %s", got.URL.RawQuery)
	}
	if got.Header.Get(chat.HeaderParticipantID) != "alice" || got.Header.Get(chat.HeaderParticipantRole) != "END_USER" {
		t.Errorf("identity headers missing: %v", got.Header)
	}
}

func TestClient_FirstPageOmitsCursor(t *testing.T) {
	var query string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"messages":[],"has_more":false}`))
	})
	if _, err := c.Page(context.Background(), "c1", 0, 0); err != nil {
		t.Fatalf("page: %v", err)
	}
	if query != "" {
		t.Errorf("expected no query, got %q", query)
	}
}

func TestClient_StatusError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"chat: operation not permitted"}`))
	})
	_, err := c.Page(context.Background(), "c1", 0, 50)
	if !IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
	if se := err.(*StatusError); se.Message != "chat: operation not permitted" {
		t.Errorf("unexpected message %q", se.Message)
	}
}

func TestClient_CurrentConversationNotFound(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
	conv, err := c.CurrentConversation(context.Background(), "alice")
	if err != nil || conv != nil {
		t.Errorf("expected nil, nil for 404, got %v %v", conv, err)
	}
}

func TestClient_UnreadAndListing(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/participants/alice/unread":
			_, _ = w.Write([]byte(`{"counts":{"c1":2}}`))
		case "/api/operators/op1/conversations":
			_, _ = w.Write([]byte(`{"conversations":[{"id":"c2","status":"PENDING"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	counts, err := c.UnreadCounts(context.Background())
	if err != nil || counts["c1"] != 2 {
		t.Errorf("unexpected counts %v %v", counts, err)
	}
	convs, err := c.OperatorConversations(context.Background(), "op1")
	if err != nil || len(convs) != 1 || convs[0].Status != chat.StatusPending {
		t.Errorf("unexpected listing %v %v", convs, err)
	}
}

func TestClient_ReassignAndPurge(t *testing.T) {
	var method, operator string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		switch r.Method {
		case http.MethodPost:
			var body struct {
				OperatorID string `json:"operator_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			operator = body.OperatorID
			_, _ = w.Write([]byte(`{"id":"c1","operator_id":"` + body.OperatorID + `","status":"ACTIVE"}`))
		case http.MethodDelete:
			_, _ = w.Write([]byte(`{"deleted":12}`))
		}
	})

	conv, err := c.Reassign(context.Background(), "c1", "op2")
	if err != nil || conv.OperatorID != "op2" || operator != "op2" {
		t.Errorf("unexpected reassign result %v %v", conv, err)
	}
	n, err := c.Purge(context.Background(), "c1")
	if err != nil || n != 12 || method != http.MethodDelete {
		t.Errorf("unexpected purge result %d %v", n, err)
	}
}
