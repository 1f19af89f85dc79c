// Package history provides PostgreSQL-backed storage for conversations,
// confirmed messages and read marks, and serves it over the History REST API
// that clients use for pagination, catch-up listing and unread counts.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/whisper/support-chat/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MaxPageSize caps the limit a caller may request.
const MaxPageSize = 200

// Open connects to PostgreSQL and applies pending migrations.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate brings the schema up to date. An already current schema is not an
// error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("history: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// Store manages conversation history in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new history store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveConversation upserts the conversation's current state.
func (s *Store) SaveConversation(ctx context.Context, conv chat.Conversation) error {
	const query = `
		INSERT INTO conversations (id, end_user_id, operator_id, status, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET operator_id = EXCLUDED.operator_id,
		    status      = EXCLUDED.status,
		    updated_at  = EXCLUDED.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.EndUserID, conv.OperatorID, string(conv.Status), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("history: save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// SaveMessage stores a confirmed message. Replays of the same id are ignored.
func (s *Store) SaveMessage(ctx context.Context, msg chat.Message) error {
	const query = `
		INSERT INTO messages (conversation_id, id, sender_id, from_end_user, body, client_nonce, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (conversation_id, id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		msg.ConversationID, msg.ID, msg.SenderID, msg.FromEndUser, msg.Body, msg.ClientNonce, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("history: save message %s/%d: %w", msg.ConversationID, msg.ID, err)
	}
	return nil
}

// Page returns up to limit messages older than beforeID (or the newest ones
// when beforeID is 0), in ascending id order.
func (s *Store) Page(ctx context.Context, conversationID string, beforeID int64, limit int) (chat.Page, error) {
	if limit <= 0 {
		limit = chat.DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	const query = `
		SELECT id, sender_id, from_end_user, body, COALESCE(client_nonce, ''), created_at
		FROM messages
		WHERE conversation_id = $1
		  AND ($2::bigint = 0 OR id < $2::bigint)
		ORDER BY id DESC
		LIMIT $3`

	// One extra row tells us whether an older page exists.
	rows, err := s.db.QueryContext(ctx, query, conversationID, beforeID, limit+1)
	if err != nil {
		return chat.Page{}, fmt.Errorf("history: page %s: %w", conversationID, err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		m := chat.Message{ConversationID: conversationID, State: chat.DeliveryConfirmed}
		if err := rows.Scan(&m.ID, &m.SenderID, &m.FromEndUser, &m.Body, &m.ClientNonce, &m.CreatedAt); err != nil {
			return chat.Page{}, fmt.Errorf("history: page %s: %w", conversationID, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return chat.Page{}, fmt.Errorf("history: page %s: %w", conversationID, err)
	}

	page := chat.Page{HasMore: len(msgs) > limit, Messages: []chat.Message{}}
	if page.HasMore {
		msgs = msgs[:limit]
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, msgs[i])
	}
	return page, nil
}

const conversationColumns = `id, end_user_id, COALESCE(operator_id, ''), status, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (chat.Conversation, error) {
	var c chat.Conversation
	var status string
	err := row.Scan(&c.ID, &c.EndUserID, &c.OperatorID, &status, &c.CreatedAt, &c.UpdatedAt)
	c.Status = chat.Status(status)
	return c, err
}

// Conversation returns one conversation or chat.ErrNotFound.
func (s *Store) Conversation(ctx context.Context, id string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: conversation %s: %w", id, err)
	}
	return &c, nil
}

// CurrentForEndUser returns the end user's open conversation or
// chat.ErrNotFound.
func (s *Store) CurrentForEndUser(ctx context.Context, endUserID string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE end_user_id = $1 AND status <> 'CLOSED'
		ORDER BY created_at DESC
		LIMIT 1`, endUserID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: current for %s: %w", endUserID, err)
	}
	return &c, nil
}

// ForOperator lists the conversations an operator should see: every PENDING
// one plus the ACTIVE ones assigned to them. With all set (admins) it lists
// every open conversation.
func (s *Store) ForOperator(ctx context.Context, operatorID string, all bool) ([]chat.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status = 'PENDING' OR (status = 'ACTIVE' AND operator_id = $1)
		ORDER BY created_at`
	args := []any{operatorID}
	if all {
		query = `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE status <> 'CLOSED'
		ORDER BY created_at`
		args = nil
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list for %s: %w", operatorID, err)
	}
	defer rows.Close()

	convs := []chat.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("history: list for %s: %w", operatorID, err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// MarkRead records that the participant has read every message currently in
// the conversation. Read marks only move forward.
func (s *Store) MarkRead(ctx context.Context, conversationID, participantID string) error {
	const query = `
		INSERT INTO read_marks (conversation_id, participant_id, last_read_id)
		SELECT $1, $2, COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = $1
		ON CONFLICT (conversation_id, participant_id) DO UPDATE
		SET last_read_id = GREATEST(read_marks.last_read_id, EXCLUDED.last_read_id)`

	if _, err := s.db.ExecContext(ctx, query, conversationID, participantID); err != nil {
		return fmt.Errorf("history: mark read %s for %s: %w", conversationID, participantID, err)
	}
	return nil
}

// UnreadCounts returns, for every open conversation the participant belongs
// to, the number of messages from the other side after their read mark.
// Conversations with nothing unread are included with a zero count.
func (s *Store) UnreadCounts(ctx context.Context, participantID string) (map[string]int, error) {
	const query = `
		SELECT c.id, COUNT(m.id)
		FROM conversations c
		LEFT JOIN read_marks r
		       ON r.conversation_id = c.id AND r.participant_id = $1
		LEFT JOIN messages m
		       ON m.conversation_id = c.id
		      AND m.sender_id <> $1
		      AND m.id > COALESCE(r.last_read_id, 0)
		WHERE c.status <> 'CLOSED'
		  AND (c.end_user_id = $1 OR c.operator_id = $1)
		GROUP BY c.id`

	rows, err := s.db.QueryContext(ctx, query, participantID)
	if err != nil {
		return nil, fmt.Errorf("history: unread for %s: %w", participantID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("history: unread for %s: %w", participantID, err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// Purge deletes every message of the conversation and returns how many were
// removed. Read marks are reset with them.
func (s *Store) Purge(ctx context.Context, conversationID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: purge %s: %w", conversationID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("history: purge %s: %w", conversationID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM read_marks WHERE conversation_id = $1`, conversationID); err != nil {
		return 0, fmt.Errorf("history: purge %s: %w", conversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: purge %s: %w", conversationID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
