package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	ConvPrefix     = "conv:"         // + <conversation_id> -> Hash
	UserConvPrefix = "conv:user:"    // + <end_user_id> -> current open conversation id
	SeqPrefix      = "conv:seq:"     // + <conversation_id> -> message id counter
	PendingKey     = "conv:pending"  // Sorted set, score = created_at (ms)
	ClosedTTL      = 24 * time.Hour  // closed conversations linger for late readers
)

// Store manages live conversation state in Redis. Status transitions are
// performed by Lua scripts so that concurrent server instances observe a
// single compare-and-swap per transition.
//
// The scripts touch keys derived from arguments (the end user pointer and
// the conversation hash), which is fine on a single Redis node but not on a
// cluster.
type Store struct {
	rdb            *redis.Client
	startScript    *redis.Script
	acceptScript   *redis.Script
	reassignScript *redis.Script
	closeScript    *redis.Script
	now            func() time.Time
}

// NewStore creates a new conversation store backed by Redis.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:            rdb,
		startScript:    redis.NewScript(startConversationLua),
		acceptScript:   redis.NewScript(acceptConversationLua),
		reassignScript: redis.NewScript(reassignConversationLua),
		closeScript:    redis.NewScript(closeConversationLua),
		now:            time.Now,
	}
}

// StartOrReuse returns the end user's open conversation, creating a PENDING
// one if none exists. created is true when a new conversation was made.
func (s *Store) StartOrReuse(ctx context.Context, endUserID string) (conv *Conversation, created bool, err error) {
	newID := uuid.New().String()
	now := s.now().UnixMilli()

	res, err := s.startScript.Run(ctx, s.rdb,
		[]string{UserConvPrefix + endUserID, ConvPrefix + newID, PendingKey},
		newID, endUserID, now, ConvPrefix,
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("chat: start conversation: %w", err)
	}
	code, id, err := scriptPair(res)
	if err != nil {
		return nil, false, fmt.Errorf("chat: start conversation: %w", err)
	}

	conv, err = s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return conv, code == 1, nil
}

// Get retrieves a conversation. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	result, err := s.rdb.HGetAll(ctx, ConvPrefix+conversationID).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: get %s: %w", conversationID, err)
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}

	createdAt, _ := strconv.ParseInt(result["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(result["updated_at"], 10, 64)

	return &Conversation{
		ID:         conversationID,
		EndUserID:  result["end_user"],
		OperatorID: result["operator"],
		Status:     Status(result["status"]),
		CreatedAt:  time.UnixMilli(createdAt).UTC(),
		UpdatedAt:  time.UnixMilli(updatedAt).UTC(),
	}, nil
}

// ForEndUser returns the end user's open conversation, or ErrNotFound.
func (s *Store) ForEndUser(ctx context.Context, endUserID string) (*Conversation, error) {
	id, err := s.rdb.Get(ctx, UserConvPrefix+endUserID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: lookup end user %s: %w", endUserID, err)
	}
	return s.Get(ctx, id)
}

// Accept atomically moves a PENDING conversation to ACTIVE and assigns the
// operator. A conversation that is no longer pending yields ErrAlreadyTaken.
func (s *Store) Accept(ctx context.Context, conversationID, operatorID string) (*Conversation, error) {
	result, err := s.acceptScript.Run(ctx, s.rdb,
		[]string{ConvPrefix + conversationID, PendingKey},
		operatorID, s.now().UnixMilli(), conversationID,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("chat: accept %s: %w", conversationID, err)
	}

	switch result {
	case -1:
		return nil, ErrNotFound
	case -2:
		return nil, ErrAlreadyTaken
	}
	return s.Get(ctx, conversationID)
}

// Reassign moves an ACTIVE conversation to another operator without changing
// its status. It returns the updated conversation and the previous operator,
// which equals operatorID when the conversation already belonged to them.
// Handing a conversation to its own end user yields ErrForbidden.
func (s *Store) Reassign(ctx context.Context, conversationID, operatorID string) (*Conversation, string, error) {
	res, err := s.reassignScript.Run(ctx, s.rdb,
		[]string{ConvPrefix + conversationID},
		operatorID, s.now().UnixMilli(),
	).Slice()
	if err != nil {
		return nil, "", fmt.Errorf("chat: reassign %s: %w", conversationID, err)
	}
	code, previous, err := scriptPair(res)
	if err != nil {
		return nil, "", fmt.Errorf("chat: reassign %s: %w", conversationID, err)
	}

	switch code {
	case -1:
		return nil, "", ErrNotFound
	case -2:
		return nil, "", ErrNotActive
	case -3:
		return nil, "", ErrForbidden
	}
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, "", err
	}
	return conv, previous, nil
}

// Close marks a conversation CLOSED and releases the end user's pointer so a
// new conversation can be started. Closing twice is not an error.
func (s *Store) Close(ctx context.Context, conversationID string) (*Conversation, error) {
	return s.closeIf(ctx, conversationID, "")
}

// ClosePending closes the conversation only while it is still PENDING. A
// conversation that was accepted or closed in the meantime yields
// ErrAlreadyTaken and is left untouched.
func (s *Store) ClosePending(ctx context.Context, conversationID string) (*Conversation, error) {
	return s.closeIf(ctx, conversationID, StatusPending)
}

func (s *Store) closeIf(ctx context.Context, conversationID string, expect Status) (*Conversation, error) {
	result, err := s.closeScript.Run(ctx, s.rdb,
		[]string{ConvPrefix + conversationID, PendingKey},
		s.now().UnixMilli(), conversationID, UserConvPrefix, int(ClosedTTL.Seconds()), string(expect),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("chat: close %s: %w", conversationID, err)
	}
	switch result {
	case -1:
		return nil, ErrNotFound
	case -2:
		return nil, ErrAlreadyTaken
	}
	return s.Get(ctx, conversationID)
}

// NextMessageID allocates the next server-assigned message id for the
// conversation. Ids start at 1 and increase by one per message.
func (s *Store) NextMessageID(ctx context.Context, conversationID string) (int64, error) {
	id, err := s.rdb.Incr(ctx, SeqPrefix+conversationID).Result()
	if err != nil {
		return 0, fmt.Errorf("chat: next message id %s: %w", conversationID, err)
	}
	return id, nil
}

// ListPending returns all PENDING conversations, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Conversation, error) {
	ids, err := s.rdb.ZRange(ctx, PendingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("chat: list pending: %w", err)
	}

	convs := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.rdb.ZRem(ctx, PendingKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if conv.Status == StatusPending {
			convs = append(convs, *conv)
		}
	}
	return convs, nil
}

// scriptPair decodes the {code, value} tables returned by the Lua scripts.
func scriptPair(res []interface{}) (int64, string, error) {
	if len(res) != 2 {
		return 0, "", fmt.Errorf("unexpected script reply of length %d", len(res))
	}
	code, ok := res[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script code %T", res[0])
	}
	value, _ := res[1].(string)
	return code, value, nil
}

// startConversationLua reuses the end user's open conversation or creates a
// new PENDING one. Returns {0, existing_id} or {1, new_id}.
const startConversationLua = `
local existing = redis.call('GET', KEYS[1])
if existing then
    local status = redis.call('HGET', ARGV[4] .. existing, 'status')
    if status == 'PENDING' or status == 'ACTIVE' then
        return {0, existing}
    end
end

redis.call('HSET', KEYS[2],
    'end_user', ARGV[2],
    'operator', '',
    'status', 'PENDING',
    'created_at', ARGV[3],
    'updated_at', ARGV[3])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return {1, ARGV[1]}
`

// acceptConversationLua is the first-accept-wins compare-and-swap:
//
//	 1 = accepted, conversation is now ACTIVE
//	-1 = conversation not found
//	-2 = conversation no longer PENDING
const acceptConversationLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'PENDING' then return -2 end

redis.call('HSET', KEYS[1], 'status', 'ACTIVE', 'operator', ARGV[1], 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 1
`

// reassignConversationLua swaps the operator of an ACTIVE conversation and
// returns {1, previous_operator}. It returns {0, operator} when the operator
// is unchanged, {-1, ''} when missing, {-2, ''} when not active and {-3, ''}
// when the target is the conversation's own end user.
const reassignConversationLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return {-1, ''} end
if status ~= 'ACTIVE' then return {-2, ''} end
if redis.call('HGET', KEYS[1], 'end_user') == ARGV[1] then return {-3, ''} end

local previous = redis.call('HGET', KEYS[1], 'operator')
if previous == ARGV[1] then return {0, previous} end
redis.call('HSET', KEYS[1], 'operator', ARGV[1], 'updated_at', ARGV[2])
return {1, previous}
`

// closeConversationLua closes a conversation, drops it from the pending set
// and clears the end user's pointer if it still refers to it. A non-empty
// ARGV[5] is the status the conversation must still have; otherwise -2.
const closeConversationLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if ARGV[5] ~= '' and status ~= ARGV[5] then return -2 end
if status == 'CLOSED' then return 0 end

redis.call('HSET', KEYS[1], 'status', 'CLOSED', 'updated_at', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])

local user = redis.call('HGET', KEYS[1], 'end_user')
local pointer = ARGV[3] .. user
if redis.call('GET', pointer) == ARGV[2] then
    redis.call('DEL', pointer)
end
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[4]))
return 1
`
