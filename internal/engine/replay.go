package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/persistence"
)

// avgPriceScale pins schedule prices to the finest scale present on the
// open lots, floored at two decimals.
func avgPriceScale(state *domain.PositionState) int32 {
	scale := int32(2)
	for i := range state.Lots {
		if !state.Lots[i].Open() {
			continue
		}
		if exp := -state.Lots[i].CurrentRefPrice.Exponent(); exp > scale {
			scale = exp
		}
	}
	return scale
}

// ReplayOutcome is the authoritative position rebuilt from the stream.
type ReplayOutcome struct {
	State             *domain.PositionState
	Status            persistence.Status
	RealizedPnL       decimal.Decimal
	Schedule          *domain.Schedule
	LastEventType     persistence.EventType
	LastEffectiveDate domain.Date
	// Allocations holds the per-event allocation keyed by version, so
	// the coldpath can attach meta lots to the event it inserts.
	Allocations map[int64]domain.AllocationResult
}

// ReplayEvents applies a position's events in the given order starting
// from an empty state. PROVISIONAL_APPLIED events are skipped: their
// only purpose was to mark the snapshot while the coldpath caught up.
// HISTORICAL_CORRECTION never reaches the store, but is skipped too as
// a guard.
func ReplayEvents(ctx context.Context, key domain.PositionKey, dir domain.Direction, currency string,
	events []persistence.Event, rules ContractRulesProvider, lots *domain.LotEngine) (*ReplayOutcome, error) {

	out := &ReplayOutcome{
		State:       domain.NewPositionState(key, dir),
		Status:      persistence.StatusActive,
		RealizedPnL: decimal.Zero,
		Schedule:    domain.NewSchedule("SHARES", currency),
		Allocations: make(map[int64]domain.AllocationResult),
	}
	sm := domain.NewStateMachine()
	machine := domain.StateNonExistent

	for i := range events {
		event := &events[i]
		switch event.Type {
		case persistence.EventProvisionalApplied, persistence.EventHistoricalCorrection:
			continue

		case persistence.EventReset:
			lots.ResetPrices(out.State, event.Payload.Price)

		case persistence.EventNewTrade, persistence.EventIncrease, persistence.EventDecrease, persistence.EventPositionClosed:
			trade := event.Payload
			if event.Type == persistence.EventPositionClosed {
				// Close legs replay as the reduction they were.
				if trade.Type == "" || trade.Type == domain.TradeTypeNew {
					trade.Type = reducingType(dir)
				}
			}
			transition, err := sm.Evaluate(machine, dir, out.State.TotalQty(), trade)
			if err != nil {
				return nil, fmt.Errorf("replay of %s version %d: %w", key, event.Version, err)
			}
			switch transition.Action {
			case domain.ActionOpen, domain.ActionGrow:
				result, err := lots.AddLot(out.State, trade)
				if err != nil {
					return nil, fmt.Errorf("replay of %s version %d: %w", key, event.Version, err)
				}
				out.Allocations[event.Version] = result
			case domain.ActionReduce, domain.ActionClose:
				method, err := rules.Method(ctx, contractOf(event))
				if err != nil {
					return nil, err
				}
				result, err := lots.ReduceLots(out.State, trade.Quantity, trade.Price, method)
				if err != nil {
					return nil, fmt.Errorf("replay of %s version %d: %w", key, event.Version, err)
				}
				out.Allocations[event.Version] = result
				out.RealizedPnL = out.RealizedPnL.Add(result.TotalRealizedPnL)
			case domain.ActionFlip:
				// A stored stream never asks one key to flip: the close
				// leg was persisted as POSITION_CLOSED with the exact
				// open quantity. Seeing a flip here means corruption.
				return nil, domain.NewError(domain.KindFatalSystem, event.CorrelationID,
					fmt.Sprintf("replay of %s version %d produced a direction change", key, event.Version))
			}
			machine = transition.NextState

		default:
			return nil, domain.NewError(domain.KindFatalSystem, event.CorrelationID,
				fmt.Sprintf("replay of %s version %d: unknown event type %s", key, event.Version, event.Type))
		}

		out.Schedule.Upsert(event.EffectiveDate,
			out.State.TotalQty(), out.State.WeightedAvgPrice(avgPriceScale(out.State)))
		out.LastEventType = event.Type
		out.LastEffectiveDate = event.EffectiveDate
	}

	if machine == domain.StateTerminated {
		out.Status = persistence.StatusTerminated
	}
	return out, nil
}

// reducingType is the trade type that shrinks a position on this
// direction's key.
func reducingType(dir domain.Direction) domain.TradeType {
	if dir == domain.DirectionShort {
		return domain.TradeTypeIncrease
	}
	return domain.TradeTypeDecrease
}

func contractOf(event *persistence.Event) string {
	if event.ContractID != "" {
		return event.ContractID
	}
	return event.Payload.ContractID
}
