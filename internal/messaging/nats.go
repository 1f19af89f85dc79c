// Package messaging provides a NATS client wrapper for fanning realtime
// events out across chat server instances. Every instance subscribes to the
// participant subjects of the sockets it holds plus the shared operator
// subject, so an event published anywhere reaches every tab of the target.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectParticipant = "participant"        // + .<participant_id>
	SubjectOperators   = "operators.broadcast" // new and closed pending conversations
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "support-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishToParticipant delivers a frame to every socket of the participant,
// whichever instance holds it.
func (c *NATSClient) PublishToParticipant(participantID string, data []byte) error {
	return c.conn.Publish(SubjectParticipant+"."+participantID, data)
}

// PublishToOperators delivers a frame to every connected operator and admin.
func (c *NATSClient) PublishToOperators(data []byte) error {
	return c.conn.Publish(SubjectOperators, data)
}

// SubscribeParticipant starts relaying the participant's subject to handler.
// Subscribing twice for the same participant replaces nothing and returns nil.
func (c *NATSClient) SubscribeParticipant(participantID string, handler func(data []byte)) error {
	return c.subscribe(SubjectParticipant+"."+participantID, handler)
}

// UnsubscribeParticipant stops relaying the participant's subject.
func (c *NATSClient) UnsubscribeParticipant(participantID string) error {
	return c.unsubscribe(SubjectParticipant + "." + participantID)
}

// SubscribeOperators relays the operator broadcast subject to handler.
func (c *NATSClient) SubscribeOperators(handler func(data []byte)) error {
	return c.subscribe(SubjectOperators, handler)
}

func (c *NATSClient) subscribe(subject string, handler func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[subject]; ok {
		return nil
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
