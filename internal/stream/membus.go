package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemBus is the in-memory Bus used for tests and single-process
// deployments. Delivery is synchronous per message and per-key ordered
// within a topic, matching what a single-partition consumer would see.
type MemBus struct {
	mu          sync.Mutex
	started     bool
	subscribers map[string][]Handler
	messages    map[string][]*Message
}

// NewMemBus creates an in-memory bus.
func NewMemBus() *MemBus {
	return &MemBus{
		subscribers: make(map[string][]Handler),
		messages:    make(map[string][]*Message),
	}
}

// Start marks the bus ready.
func (b *MemBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

// Stop drops subscribers; retained messages stay readable for tests.
func (b *MemBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	b.subscribers = make(map[string][]Handler)
	return nil
}

// Publish records the message and delivers it synchronously to every
// subscriber of the topic.
func (b *MemBus) Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return ErrBusNotStarted
	}
	msg := &Message{
		Topic:     topic,
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		Headers:   headers,
		Timestamp: time.Now().UTC(),
	}
	b.messages[topic] = append(b.messages[topic], msg)
	handlers := append([]Handler(nil), b.subscribers[topic]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("membus handler failed")
		}
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *MemBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return ErrBusNotStarted
	}
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	return nil
}

// Messages returns all messages published to a topic (test helper).
func (b *MemBus) Messages(topic string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Message(nil), b.messages[topic]...)
}
