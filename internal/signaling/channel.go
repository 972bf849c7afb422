package signaling

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// resubscribeBackoff is the fixed delay before the single reconnect attempt
// after a subscription drops.
const resubscribeBackoff = 2 * time.Second

// Options configures the Redis-backed channel.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // topic name prefix, e.g. "call_signals_"
}

// Channel publishes and subscribes call events on per-user Redis topics.
type Channel struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Channel, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "call_signals_"
	}

	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Printf("[Channel] Connected to Redis at %s", addr)
	return &Channel{client: c, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (c *Channel) Close() error {
	return c.client.Close()
}

// Topic returns the broadcast topic for one user.
func (c *Channel) Topic(userID string) string {
	return c.prefix + userID
}

// Publish sends an event to userID's topic and returns the number of
// subscribers that received it. Zero receivers is not an error: the peer may
// pick the call up through the polling fallback instead.
func (c *Channel) Publish(ctx context.Context, userID string, ev *Event) (int64, error) {
	if ev.SentAtMs == 0 {
		ev.SentAtMs = time.Now().UnixMilli()
	}
	data, err := ev.Encode()
	if err != nil {
		return 0, fmt.Errorf("encoding event: %w", err)
	}

	n, err := c.client.Publish(ctx, c.Topic(userID), data).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing to %s: %w", c.Topic(userID), err)
	}
	return n, nil
}

// Subscription is a live per-user topic subscription. One is created per
// signed-in user and torn down only on sign-out; recreating it on unrelated
// state changes causes duplicate listeners and double-processed events.
type Subscription struct {
	channel *Channel
	topic   string
	handler func(*Event)

	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Subscribe opens the topic for userID and dispatches decoded events to
// handler from a background goroutine. Malformed payloads are logged and
// dropped, never delivered.
func (c *Channel) Subscribe(ctx context.Context, userID string, handler func(*Event)) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		channel: c,
		topic:   c.Topic(userID),
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
	}

	if err := s.open(); err != nil {
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.receiveLoop()

	log.Printf("[Channel] Subscribed to %s", s.topic)
	return s, nil
}

// open establishes the pubsub and waits for the subscribe confirmation.
func (s *Subscription) open() error {
	pubsub := s.channel.client.Subscribe(s.ctx, s.topic)
	if _, err := pubsub.Receive(s.ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribing to %s: %w", s.topic, err)
	}
	s.pubsub = pubsub
	return nil
}

// receiveLoop dispatches messages until the subscription closes. If the
// message channel drops while we are still supposed to be listening, it
// reconnects once after a fixed backoff rather than silently going deaf.
func (s *Subscription) receiveLoop() {
	defer s.wg.Done()

	reconnected := false
	for {
		ch := s.pubsub.Channel()
		for msg := range ch {
			ev, err := Decode([]byte(msg.Payload))
			if err != nil {
				log.Printf("[Channel] Dropping malformed event on %s: %v", s.topic, err)
				continue
			}
			s.handler(ev)
		}

		if s.ctx.Err() != nil || s.closed.Load() {
			return
		}
		if reconnected {
			log.Printf("[Channel] Subscription to %s lost again, giving up", s.topic)
			return
		}

		log.Printf("[Channel] Subscription to %s dropped, reconnecting in %v", s.topic, resubscribeBackoff)
		select {
		case <-time.After(resubscribeBackoff):
		case <-s.ctx.Done():
			return
		}

		_ = s.pubsub.Close()
		if err := s.open(); err != nil {
			log.Printf("[Channel] Resubscribe to %s failed: %v", s.topic, err)
			return
		}
		reconnected = true
	}
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()
	err := s.pubsub.Close()
	s.wg.Wait()
	return err
}
