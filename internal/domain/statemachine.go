package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MachineState is the lifecycle state of one position key.
type MachineState string

const (
	StateNonExistent MachineState = "NON_EXISTENT"
	StateActiveLong  MachineState = "ACTIVE_LONG"
	StateActiveShort MachineState = "ACTIVE_SHORT"
	StateTerminated  MachineState = "TERMINATED"
)

// ActiveState maps a direction onto its active machine state.
func ActiveState(dir Direction) MachineState {
	if dir == DirectionShort {
		return StateActiveShort
	}
	return StateActiveLong
}

// TransitionAction tells the processor what to do with the lots.
type TransitionAction string

const (
	// ActionOpen creates the position: first lot, new UPI generation.
	ActionOpen TransitionAction = "OPEN"
	// ActionGrow adds a lot to the active position.
	ActionGrow TransitionAction = "GROW"
	// ActionReduce relieves lots, position stays active.
	ActionReduce TransitionAction = "REDUCE"
	// ActionClose relieves every open lot and terminates the key. The
	// UPI generation stays on record, marked terminated only on flips.
	ActionClose TransitionAction = "CLOSE"
	// ActionFlip splits the trade across both direction keys.
	ActionFlip TransitionAction = "FLIP"
)

// Transition is the state machine's verdict for one trade.
type Transition struct {
	Action    TransitionAction
	NextState MachineState
	// FlipCloseQty / FlipOpenQty are set only for ActionFlip: the close
	// leg fully relieves the current key, the open leg lands on the
	// opposite-direction key.
	FlipCloseQty decimal.Decimal
	FlipOpenQty  decimal.Decimal
}

// StateMachine evaluates lifecycle transitions. It never mutates lots;
// the processor executes the returned action through the lot engine.
type StateMachine struct{}

// NewStateMachine returns the lifecycle evaluator.
func NewStateMachine() *StateMachine { return &StateMachine{} }

// grows reports whether the trade adds quantity on this direction's key:
// buys grow longs, sells grow shorts.
func grows(dir Direction, tt TradeType) bool {
	if dir == DirectionShort {
		return tt == TradeTypeDecrease
	}
	return tt == TradeTypeIncrease
}

// Evaluate decides the transition for a trade against the current state.
// currentQty is the position's unsigned open quantity.
func (m *StateMachine) Evaluate(state MachineState, dir Direction, currentQty decimal.Decimal, trade Trade) (Transition, error) {
	switch state {
	case StateNonExistent, StateTerminated:
		if trade.Type != TradeTypeNew {
			return Transition{}, NewError(KindStateMachineInvalid, trade.CorrelationID,
				fmt.Sprintf("%s on %s position %s", trade.Type, state, trade.Key()))
		}
		return Transition{Action: ActionOpen, NextState: ActiveState(dir)}, nil

	case StateActiveLong, StateActiveShort:
		switch trade.Type {
		case TradeTypeNew:
			return Transition{}, NewError(KindStateMachineInvalid, trade.CorrelationID,
				fmt.Sprintf("NEW_TRADE on %s position %s", state, trade.Key()))
		case TradeTypeIncrease, TradeTypeDecrease:
			if grows(dir, trade.Type) {
				return Transition{Action: ActionGrow, NextState: state}, nil
			}
			// Reduction. Compare against open quantity to find the
			// post-trade signed quantity's side of zero.
			switch trade.Quantity.Cmp(currentQty) {
			case -1:
				return Transition{Action: ActionReduce, NextState: state}, nil
			case 0:
				return Transition{Action: ActionClose, NextState: StateTerminated}, nil
			default:
				if trade.NoDirectionChange {
					return Transition{}, NewError(KindInsufficientQuantity, trade.CorrelationID,
						fmt.Sprintf("position %s holds %s, cannot reduce by %s without direction change",
							trade.Key(), currentQty, trade.Quantity))
				}
				return Transition{
					Action:       ActionFlip,
					NextState:    StateTerminated,
					FlipCloseQty: currentQty,
					FlipOpenQty:  trade.Quantity.Sub(currentQty),
				}, nil
			}
		}
	}
	return Transition{}, NewError(KindStateMachineInvalid, trade.CorrelationID,
		fmt.Sprintf("unhandled transition: state=%s trade=%s", state, trade.Type))
}
