// Package stream defines the broker-agnostic messaging ports. The
// engine publishes and consumes through these interfaces only; binding
// to Kafka, Solace or RabbitMQ happens in an adapter behind them. The
// message key is the position key on every topic so partitioned
// transports preserve per-key ordering.
package stream

import (
	"context"
	"errors"
	"time"
)

// Topic names for the engine's logical channels.
const (
	TopicTradesInbound   = "trades.inbound"
	TopicTradesApplied   = "trades.applied"
	TopicTradesBackdated = "trades.backdated"
	TopicProvisional     = "trades.provisional"
	TopicCorrected       = "trades.corrected"
	TopicResets          = "marketdata.resets"
	TopicDeadLetter      = "trades.dlq"
)

// Message is one unit on the bus.
type Message struct {
	Topic     string            `json:"topic"`
	Key       string            `json:"key"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Handler processes one consumed message. Returning an error signals
// the transport to redeliver or dead-letter per its policy.
type Handler func(ctx context.Context, msg *Message) error

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// Consumer delivers messages from a topic to a handler.
type Consumer interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// Bus combines both sides plus lifecycle, the shape adapters implement.
type Bus interface {
	Producer
	Consumer
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

var (
	// ErrBusNotStarted is returned for operations before Start.
	ErrBusNotStarted = errors.New("bus not started")
)
