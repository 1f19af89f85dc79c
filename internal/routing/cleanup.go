package routing

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/metrics"
)

// StartCleanup runs the background loop that closes PENDING conversations
// abandoned by their end user and keeps the pending gauge current. It
// returns when ctx is cancelled.
func (c *Coordinator) StartCleanup(ctx context.Context) {
	if c.config.CleanupInterval <= 0 {
		log.Printf("[routing] cleanup disabled: interval %s", c.config.CleanupInterval)
		return
	}
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[routing] cleanup loop stopped")
			return
		case <-ticker.C:
			c.cleanAbandonedPending(ctx)
		}
	}
}

// cleanAbandonedPending closes PENDING conversations that have not changed
// for PendingGrace and whose end user has no live session.
func (c *Coordinator) cleanAbandonedPending(ctx context.Context) int {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		log.Printf("[routing] cleanup: failed to list pending: %v", err)
		return 0
	}
	if c.presence == nil {
		metrics.PendingConversations.Set(float64(len(pending)))
		return 0
	}

	cutoff := c.now().Add(-c.config.PendingGrace)
	closed := 0
	for i := range pending {
		conv := &pending[i]
		if conv.UpdatedAt.After(cutoff) {
			continue
		}
		online, err := c.presence.IsOnline(ctx, conv.EndUserID)
		if err != nil || online {
			continue
		}
		done, err := c.store.ClosePending(ctx, conv.ID)
		if errors.Is(err, chat.ErrAlreadyTaken) {
			// Accepted or closed since the listing.
			continue
		}
		if err != nil {
			log.Printf("[routing] cleanup: failed to close %s: %v", conv.ID, err)
			continue
		}
		c.announceClosed(ctx, done, true, "")
		closed++
	}

	metrics.PendingConversations.Set(float64(len(pending) - closed))
	if closed > 0 {
		log.Printf("[routing] cleanup: closed %d abandoned conversations", closed)
	}
	return closed
}
