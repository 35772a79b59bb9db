// Package sub is topic publish/subscribe over Redis Pub/Sub: exact and
// pattern (wildcard) subscriptions with at-least-once delivery to every
// live subscriber. Grounded on the teacher's common/queue/queue.go
// MemoryQueue (per-topic channel map guarded by a mutex, non-blocking
// publish, goroutine-driven delivery), generalized from an in-process
// channel fan-out to Redis PUBLISH/SUBSCRIBE/PSUBSCRIBE so delivery
// crosses process boundaries.
package sub

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/meshflow/internal/logger"
	"github.com/lyzr/meshflow/internal/merrs"
)

// Handler receives a message published to a matched topic.
type Handler func(topic, payload string)

// Sub is a Redis-backed topic pub/sub client.
type Sub struct {
	rdb *redis.Client
	log *logger.Logger

	mu   sync.Mutex
	subs map[string]*subscription // key: topic or pattern
}

type subscription struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	handlers []Handler
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, log *logger.Logger) *Sub {
	return &Sub{rdb: rdb, log: log, subs: make(map[string]*subscription)}
}

// Publish broadcasts payload to every live subscriber of topic,
// matching spec §4.5 "publish: fire-and-forget, no persistence, no
// replay for subscribers that were not listening at publish time".
func (s *Sub) Publish(ctx context.Context, topic, payload string) error {
	if err := s.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return &merrs.StorageError{Op: "sub.Publish", Err: err}
	}
	return nil
}

// Subscribe registers handler for an exact topic. Wildcard topics
// (containing "*") are routed to PSUBSCRIBE per spec §4.5's "pattern
// subscriptions use Redis glob syntax".
func (s *Sub) Subscribe(ctx context.Context, topic string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subs[topic]; ok {
		existing.handlers = append(existing.handlers, handler)
		return nil
	}

	sctx, cancel := context.WithCancel(ctx)
	var pubsub *redis.PubSub
	if strings.Contains(topic, "*") {
		pubsub = s.rdb.PSubscribe(sctx, topic)
	} else {
		pubsub = s.rdb.Subscribe(sctx, topic)
	}
	if _, err := pubsub.Receive(sctx); err != nil {
		cancel()
		return &merrs.StorageError{Op: "sub.Subscribe", Err: err}
	}

	entry := &subscription{pubsub: pubsub, cancel: cancel, handlers: []Handler{handler}}
	s.subs[topic] = entry

	go s.pump(sctx, entry)
	return nil
}

func (s *Sub) pump(ctx context.Context, entry *subscription) {
	ch := entry.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.mu.Lock()
			handlers := append([]Handler(nil), entry.handlers...)
			s.mu.Unlock()
			for _, h := range handlers {
				h(msg.Channel, msg.Payload)
			}
		}
	}
}

// Unsubscribe tears down delivery for topic.
func (s *Sub) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.subs[topic]
	if !ok {
		return nil
	}
	entry.cancel()
	err := entry.pubsub.Close()
	delete(s.subs, topic)
	if err != nil {
		return &merrs.StorageError{Op: "sub.Unsubscribe", Err: err}
	}
	return nil
}

// Close tears down every active subscription.
func (s *Sub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, entry := range s.subs {
		entry.cancel()
		entry.pubsub.Close()
		delete(s.subs, topic)
	}
}
