package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/support-chat/internal/chat"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// ParticipantPrefix + <participant_id> is the set of that participant's
	// live session IDs.
	ParticipantPrefix = "participant:sessions:"

	// StaffOnlineKey is the set of operator and admin IDs with at least one
	// session.
	StaffOnlineKey = "presence:staff"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is one live socket as seen from Redis.
type Session struct {
	ID            string `redis:"id"`
	ParticipantID string `redis:"participant"`
	Role          string `redis:"role"`
	Server        string `redis:"server"`      // which WS server instance
	CreatedAt     int64  `redis:"created_at"`  // unix timestamp
	LastActive    int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore connects to Redis and returns a session store.
func NewStore(opts *redis.Options, serverName string) (*Store, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a session and indexes it under its participant.
func (s *Store) Create(ctx context.Context, sessionID string, p chat.Participant) error {
	key := SessionPrefix + sessionID
	participantKey := ParticipantPrefix + p.ID
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"participant": p.ID,
		"role":        string(p.Role),
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, participantKey, sessionID)
	pipe.Expire(ctx, participantKey, SessionTTL)
	if p.Role.IsStaff() {
		pipe.SAdd(ctx, StaffOnlineKey, p.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Touch marks the session active and extends both TTLs.
func (s *Store) Touch(ctx context.Context, sessionID, participantID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, SessionPrefix+sessionID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, SessionPrefix+sessionID, SessionTTL)
	pipe.Expire(ctx, ParticipantPrefix+participantID, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session. The participant's presence is dropped once their
// last session is gone.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	if err := s.client.Del(ctx, SessionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	if sess == nil {
		return nil
	}

	participantKey := ParticipantPrefix + sess.ParticipantID
	s.client.SRem(ctx, participantKey, sessionID)
	online, err := s.IsOnline(ctx, sess.ParticipantID)
	if err == nil && !online {
		s.client.SRem(ctx, StaffOnlineKey, sess.ParticipantID)
	}
	return nil
}

// IsOnline reports whether the participant holds a live session on any
// server. Session IDs whose hash has expired are pruned from the index.
func (s *Store) IsOnline(ctx context.Context, participantID string) (bool, error) {
	participantKey := ParticipantPrefix + participantID
	ids, err := s.client.SMembers(ctx, participantKey).Result()
	if err != nil {
		return false, fmt.Errorf("session: presence %s: %w", participantID, err)
	}

	online := false
	for _, id := range ids {
		n, err := s.client.Exists(ctx, SessionPrefix+id).Result()
		if err != nil {
			return false, fmt.Errorf("session: presence %s: %w", participantID, err)
		}
		if n == 0 {
			s.client.SRem(ctx, participantKey, id)
			continue
		}
		online = true
	}
	return online, nil
}

// OnlineStaff returns the IDs of operators and admins currently connected.
func (s *Store) OnlineStaff(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, StaffOnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("session: online staff: %w", err)
	}
	staff := ids[:0]
	for _, id := range ids {
		online, err := s.IsOnline(ctx, id)
		if err != nil {
			return nil, err
		}
		if !online {
			s.client.SRem(ctx, StaffOnlineKey, id)
			continue
		}
		staff = append(staff, id)
	}
	return staff, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
