// Package historyapi is the HTTP client for the History REST API used by the
// support client: paging, current conversation lookup, operator listings,
// unread counts, purge and reassignment.
package historyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/support-chat/internal/chat"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("historyapi: status %d", e.Code)
	}
	return fmt.Sprintf("historyapi: status %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client calls the History API on behalf of one participant.
type Client struct {
	baseURL     string
	participant chat.Participant
	http        *http.Client
}

// DefaultTimeout bounds every request made with a nil http.Client.
const DefaultTimeout = 10 * time.Second

// New creates a Client. A nil httpClient uses one with DefaultTimeout.
func New(baseURL string, p chat.Participant, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		participant: p,
		http:        httpClient,
	}
}

// Page fetches messages older than beforeID; beforeID 0 returns the newest
// page.
func (c *Client) Page(ctx context.Context, conversationID string, beforeID int64, limit int) (chat.Page, error) {
	q := url.Values{}
	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page chat.Page
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", q, nil, &page)
	return page, err
}

// CurrentConversation returns the end user's open conversation, or nil when
// there is none.
func (c *Client) CurrentConversation(ctx context.Context, endUserID string) (*chat.Conversation, error) {
	var conv chat.Conversation
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(endUserID)+"/conversation", nil, nil, &conv)
	if IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// OperatorConversations lists pending conversations plus those assigned to
// the operator.
func (c *Client) OperatorConversations(ctx context.Context, operatorID string) ([]chat.Conversation, error) {
	var resp struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/api/operators/"+url.PathEscape(operatorID)+"/conversations", nil, nil, &resp)
	return resp.Conversations, err
}

// UnreadCounts returns the caller's unread counter per conversation.
func (c *Client) UnreadCounts(ctx context.Context) (map[string]int, error) {
	var resp struct {
		Counts map[string]int `json:"counts"`
	}
	err := c.do(ctx, http.MethodGet, "/api/participants/"+url.PathEscape(c.participant.ID)+"/unread", nil, nil, &resp)
	if resp.Counts == nil {
		resp.Counts = map[string]int{}
	}
	return resp.Counts, err
}

// Purge deletes every message of the conversation.
func (c *Client) Purge(ctx context.Context, conversationID string) (int64, error) {
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil, &resp)
	return resp.Deleted, err
}

// Reassign moves an active conversation to another operator.
func (c *Client) Reassign(ctx context.Context, conversationID, operatorID string) (*chat.Conversation, error) {
	body := map[string]string{"operator_id": operatorID}
	var conv chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/reassign", nil, body, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("historyapi: encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("historyapi: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(chat.HeaderParticipantID, c.participant.ID)
	req.Header.Set(chat.HeaderParticipantRole, string(c.participant.Role))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("historyapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("historyapi: decode %s %s: %w", method, path, err)
	}
	return nil
}
