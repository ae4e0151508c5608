package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemBusRequiresStart(t *testing.T) {
	bus := NewMemBus()
	ctx := context.Background()

	err := bus.Publish(ctx, TopicTradesInbound, "k", []byte("{}"), nil)
	require.ErrorIs(t, err, ErrBusNotStarted)
	err = bus.Subscribe(ctx, TopicTradesInbound, func(ctx context.Context, msg *Message) error { return nil })
	require.ErrorIs(t, err, ErrBusNotStarted)
}

func TestMemBusDeliversInOrder(t *testing.T) {
	bus := NewMemBus()
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))

	var got []string
	require.NoError(t, bus.Subscribe(ctx, TopicTradesApplied, func(ctx context.Context, msg *Message) error {
		got = append(got, string(msg.Payload))
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, TopicTradesApplied, "PK1", []byte("a"), map[string]string{"h": "1"}))
	require.NoError(t, bus.Publish(ctx, TopicTradesApplied, "PK1", []byte("b"), nil))

	assert.Equal(t, []string{"a", "b"}, got)
	msgs := bus.Messages(TopicTradesApplied)
	require.Len(t, msgs, 2)
	assert.Equal(t, "PK1", msgs[0].Key)
	assert.Equal(t, "1", msgs[0].Headers["h"])
}

func TestMemBusTopicsIsolated(t *testing.T) {
	bus := NewMemBus()
	ctx := context.Background()
	require.NoError(t, bus.Start(ctx))

	delivered := 0
	require.NoError(t, bus.Subscribe(ctx, TopicDeadLetter, func(ctx context.Context, msg *Message) error {
		delivered++
		return nil
	}))
	require.NoError(t, bus.Publish(ctx, TopicTradesApplied, "k", []byte("x"), nil))
	assert.Zero(t, delivered)
}
