package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateOpenFromNonExistent(t *testing.T) {
	sm := NewStateMachine()

	tr, err := sm.Evaluate(StateNonExistent, DirectionLong, d("0"), Trade{Type: TradeTypeNew, Quantity: d("100")})
	require.NoError(t, err)
	assert.Equal(t, ActionOpen, tr.Action)
	assert.Equal(t, StateActiveLong, tr.NextState)

	tr, err = sm.Evaluate(StateNonExistent, DirectionShort, d("0"), Trade{Type: TradeTypeNew, Quantity: d("100")})
	require.NoError(t, err)
	assert.Equal(t, StateActiveShort, tr.NextState)
}

func TestEvaluateReopenAfterTermination(t *testing.T) {
	sm := NewStateMachine()

	tr, err := sm.Evaluate(StateTerminated, DirectionLong, d("0"), Trade{Type: TradeTypeNew, Quantity: d("10")})
	require.NoError(t, err)
	assert.Equal(t, ActionOpen, tr.Action)

	_, err = sm.Evaluate(StateTerminated, DirectionLong, d("0"), Trade{Type: TradeTypeIncrease, Quantity: d("10")})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStateMachineInvalid))
}

func TestEvaluateNewTradeOnActiveRejected(t *testing.T) {
	sm := NewStateMachine()
	_, err := sm.Evaluate(StateActiveLong, DirectionLong, d("100"), Trade{Type: TradeTypeNew, Quantity: d("10")})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStateMachineInvalid))
}

func TestEvaluateGrowReduceCloseLong(t *testing.T) {
	sm := NewStateMachine()

	tr, err := sm.Evaluate(StateActiveLong, DirectionLong, d("100"), Trade{Type: TradeTypeIncrease, Quantity: d("50")})
	require.NoError(t, err)
	assert.Equal(t, ActionGrow, tr.Action)

	tr, err = sm.Evaluate(StateActiveLong, DirectionLong, d("100"), Trade{Type: TradeTypeDecrease, Quantity: d("40")})
	require.NoError(t, err)
	assert.Equal(t, ActionReduce, tr.Action)
	assert.Equal(t, StateActiveLong, tr.NextState)

	tr, err = sm.Evaluate(StateActiveLong, DirectionLong, d("100"), Trade{Type: TradeTypeDecrease, Quantity: d("100")})
	require.NoError(t, err)
	assert.Equal(t, ActionClose, tr.Action)
	assert.Equal(t, StateTerminated, tr.NextState)
}

func TestEvaluateShortSideSemantics(t *testing.T) {
	sm := NewStateMachine()

	// On a short key a DECREASE (sell) grows, an INCREASE (buy) covers.
	tr, err := sm.Evaluate(StateActiveShort, DirectionShort, d("100"), Trade{Type: TradeTypeDecrease, Quantity: d("50")})
	require.NoError(t, err)
	assert.Equal(t, ActionGrow, tr.Action)

	tr, err = sm.Evaluate(StateActiveShort, DirectionShort, d("100"), Trade{Type: TradeTypeIncrease, Quantity: d("60")})
	require.NoError(t, err)
	assert.Equal(t, ActionReduce, tr.Action)
}

func TestEvaluateFlipSplitsQuantities(t *testing.T) {
	sm := NewStateMachine()

	tr, err := sm.Evaluate(StateActiveLong, DirectionLong, d("100"), Trade{Type: TradeTypeDecrease, Quantity: d("150")})
	require.NoError(t, err)
	assert.Equal(t, ActionFlip, tr.Action)
	assert.True(t, tr.FlipCloseQty.Equal(d("100")))
	assert.True(t, tr.FlipOpenQty.Equal(d("50")))
}

func TestEvaluateFlipBlockedWithoutDirectionChangeIntent(t *testing.T) {
	sm := NewStateMachine()

	_, err := sm.Evaluate(StateActiveLong, DirectionLong, d("100"),
		Trade{Type: TradeTypeDecrease, Quantity: d("150"), NoDirectionChange: true})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInsufficientQuantity))
}
