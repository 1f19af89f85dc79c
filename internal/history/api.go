package history

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/whisper/support-chat/internal/chat"
)

// Reader is the storage the API serves from.
type Reader interface {
	Conversation(ctx context.Context, id string) (*chat.Conversation, error)
	Page(ctx context.Context, conversationID string, beforeID int64, limit int) (chat.Page, error)
	CurrentForEndUser(ctx context.Context, endUserID string) (*chat.Conversation, error)
	ForOperator(ctx context.Context, operatorID string, all bool) ([]chat.Conversation, error)
	UnreadCounts(ctx context.Context, participantID string) (map[string]int, error)
	Purge(ctx context.Context, conversationID string) (int64, error)
}

// Assignments is the live routing state: it moves active conversations
// between operators (notifying everyone involved) and knows each end user's
// open conversation ahead of the recorded history.
type Assignments interface {
	Reassign(ctx context.Context, conversationID, newOperatorID string) (*chat.Conversation, error)
	Current(ctx context.Context, endUserID string) (*chat.Conversation, error)
}

// APIConfig configures the History API router.
type APIConfig struct {
	AllowedOrigins []string
}

// API serves the History REST endpoints.
type API struct {
	reader Reader
	live   Assignments
}

// NewRouter builds the History API handler. Identity comes from the
// X-Participant-ID and X-Participant-Role headers set by the upstream gateway.
func NewRouter(cfg APIConfig, reader Reader, live Assignments) http.Handler {
	a := &API{reader: reader, live: live}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", chat.HeaderParticipantID, chat.HeaderParticipantRole},
		MaxAge:         300,
	}))
	r.Use(authenticate)

	r.Get("/api/conversations/{id}/messages", a.getMessages)
	r.Delete("/api/conversations/{id}/messages", a.purgeMessages)
	r.Post("/api/conversations/{id}/reassign", a.reassign)
	r.Get("/api/users/{id}/conversation", a.getCurrentConversation)
	r.Get("/api/operators/{id}/conversations", a.listOperatorConversations)
	r.Get("/api/participants/{id}/unread", a.getUnread)
	return r
}

type participantKey struct{}

func authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := chat.ParticipantFromRequest(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), participantKey{}, p)))
	})
}

func caller(r *http.Request) chat.Participant {
	p, _ := r.Context().Value(participantKey{}).(chat.Participant)
	return p
}

// canRead reports whether p may read the conversation's messages. Operators
// may preview pending conversations before accepting them.
func canRead(p chat.Participant, conv *chat.Conversation) bool {
	switch p.Role {
	case chat.RoleAdmin:
		return true
	case chat.RoleOperator:
		return conv.OperatorID == p.ID || conv.Status == chat.StatusPending
	default:
		return conv.EndUserID == p.ID
	}
}

// canManage reports whether p may purge or reassign the conversation.
func canManage(p chat.Participant, conv *chat.Conversation) bool {
	return p.Role == chat.RoleAdmin || (p.Role == chat.RoleOperator && conv.OperatorID == p.ID)
}

func (a *API) loadConversation(w http.ResponseWriter, r *http.Request, check func(chat.Participant, *chat.Conversation) bool) (*chat.Conversation, bool) {
	conv, err := a.reader.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return nil, false
	}
	if !check(caller(r), conv) {
		writeStoreError(w, chat.ErrForbidden)
		return nil, false
	}
	return conv, true
}

func (a *API) getMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.loadConversation(w, r, canRead)
	if !ok {
		return
	}

	var beforeID int64
	if v := r.URL.Query().Get("before_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid before_id")
			return
		}
		beforeID = n
	}
	limit := chat.DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	page, err := a.reader.Page(r.Context(), conv.ID, beforeID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) purgeMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.loadConversation(w, r, canManage)
	if !ok {
		return
	}
	n, err := a.reader.Purge(r.Context(), conv.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	log.Printf("[history] purged %d messages from conversation=%s by=%s", n, conv.ID, caller(r).ID)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (a *API) reassign(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.loadConversation(w, r, canManage)
	if !ok {
		return
	}

	var body struct {
		OperatorID string `json:"operator_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OperatorID == "" {
		writeJSONError(w, http.StatusBadRequest, "operator_id is required")
		return
	}
	switch body.OperatorID {
	case conv.EndUserID:
		writeJSONError(w, http.StatusBadRequest, "operator_id is the conversation's end user")
		return
	case conv.OperatorID:
		writeJSON(w, http.StatusOK, conv)
		return
	}

	updated, err := a.live.Reassign(r.Context(), conv.ID, body.OperatorID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) getCurrentConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if p := caller(r); p.ID != id && !p.Role.IsStaff() {
		writeStoreError(w, chat.ErrForbidden)
		return
	}
	conv, err := a.live.Current(r.Context(), id)
	if err != nil {
		if !errors.Is(err, chat.ErrNotFound) {
			log.Printf("[history] live lookup for %s: %v", id, err)
		}
		// Live state lapses after a Redis restart; the record still knows.
		conv, err = a.reader.CurrentForEndUser(r.Context(), id)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) listOperatorConversations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p := caller(r)
	if !p.Role.IsStaff() || (p.ID != id && p.Role != chat.RoleAdmin) {
		writeStoreError(w, chat.ErrForbidden)
		return
	}
	convs, err := a.reader.ForOperator(r.Context(), id, p.Role == chat.RoleAdmin)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

func (a *API) getUnread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if caller(r).ID != id {
		writeStoreError(w, chat.ErrForbidden)
		return
	}
	counts, err := a.reader.UnreadCounts(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"counts": counts})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrNotActive):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[history] request failed: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
