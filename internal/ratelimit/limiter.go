// Package ratelimit keeps fixed-window counters in Redis. Limits are keyed by
// participant, so opening more tabs does not buy more throughput, and are
// shared by every server instance.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a limit of Limit hits per Window, counted under Key+identifier.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage caps send_message at 20 per 10 seconds.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleStart caps start_conversation at 5 per minute.
	RuleStart = Rule{Key: "rl:start:", Limit: 5, Window: time.Minute}
)

// hitScript increments the window counter and starts the window on the first
// hit. A counter left without a TTL by an earlier failure gets one too.
var hitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow records a hit for identifier and reports whether it is within rule.
// A Redis failure allows the hit and returns the error, so an outage never
// silences support conversations.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	n, err := hitScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int()
	if err != nil {
		log.Printf("[ratelimit] hit %s: %v (allowing)", key, err)
		return true, err
	}
	return n <= rule.Limit, nil
}

// RetryAfter is the number of whole seconds until identifier's window resets,
// rounded up. Without a readable TTL it is the full window.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return int(rule.Window / time.Second)
	}
	return int((ttl + time.Second - 1) / time.Second)
}
