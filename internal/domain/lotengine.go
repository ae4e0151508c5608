package domain

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Allocation records how one lot participated in a trade: a positive
// quantity opens or grows the lot, a consumption carries the close price
// and the realized P&L.
type Allocation struct {
	LotID       string           `json:"lotId"`
	Qty         decimal.Decimal  `json:"qty"`
	Price       decimal.Decimal  `json:"price"`
	RealizedPnL *decimal.Decimal `json:"realizedPnl,omitempty"`
}

// AllocationResult is the ordered list of allocations a trade produced,
// plus totals. It is serialized into the event's meta_lots field.
type AllocationResult struct {
	Allocations      []Allocation    `json:"allocations"`
	TotalQty         decimal.Decimal `json:"totalQty"`
	TotalRealizedPnL decimal.Decimal `json:"totalRealizedPnl"`
}

// LotEngine implements tax-lot allocation: adds, method-ordered
// reductions with realized P&L, and reference-price resets. The engine is
// stateless; it mutates the PositionState it is handed.
type LotEngine struct{}

// NewLotEngine returns the allocation engine.
func NewLotEngine() *LotEngine { return &LotEngine{} }

// AddLot appends a new lot for a NEW_TRADE or position-growing trade.
// The lot id defaults to the trade id, which keeps replay deterministic.
func (e *LotEngine) AddLot(state *PositionState, trade Trade) (AllocationResult, error) {
	if !trade.Quantity.IsPositive() {
		return AllocationResult{}, fmt.Errorf("add lot: quantity must be positive, got %s", trade.Quantity)
	}
	lotID := trade.ID
	if lotID == "" {
		lotID = fmt.Sprintf("%s-L%d", state.Key, len(state.Lots)+1)
	}
	settlement := trade.SettlementDate
	if settlement.IsZero() {
		settlement = trade.EffectiveDate
	}
	settled := trade.SettledQty
	if settled.IsZero() {
		settled = trade.Quantity
	}
	state.Lots = append(state.Lots, TaxLot{
		ID:              lotID,
		TradeDate:       trade.EffectiveDate,
		SettlementDate:  settlement,
		OriginalQty:     trade.Quantity,
		RemainingQty:    trade.Quantity,
		OriginalPrice:   trade.Price,
		CurrentRefPrice: trade.Price,
		SettledQty:      settled,
	})
	return AllocationResult{
		Allocations: []Allocation{{LotID: lotID, Qty: trade.Quantity, Price: trade.Price}},
		TotalQty:    trade.Quantity,
	}, nil
}

// ReduceLots consumes requestedQty across open lots in the order given by
// the tax-lot method, realizing P&L against each lot's cost basis. When
// the open lots cannot cover the request it fails with
// insufficient_quantity and leaves the state untouched.
func (e *LotEngine) ReduceLots(state *PositionState, requestedQty, closePrice decimal.Decimal, method TaxLotMethod) (AllocationResult, error) {
	if !requestedQty.IsPositive() {
		return AllocationResult{}, fmt.Errorf("reduce lots: quantity must be positive, got %s", requestedQty)
	}
	if state.TotalQty().LessThan(requestedQty) {
		return AllocationResult{}, NewError(KindInsufficientQuantity, "",
			fmt.Sprintf("position %s holds %s, cannot reduce by %s", state.Key, state.TotalQty(), requestedQty))
	}

	order := lotOrder(state.Lots, method)
	scale := pnlScale(closePrice)
	sign := state.Direction.Sign()

	result := AllocationResult{TotalQty: decimal.Zero, TotalRealizedPnL: decimal.Zero}
	remaining := requestedQty
	for _, idx := range order {
		if remaining.IsZero() {
			break
		}
		lot := &state.Lots[idx]
		if !lot.Open() {
			continue
		}
		consumed := decimal.Min(lot.RemainingQty, remaining)
		lot.RemainingQty = lot.RemainingQty.Sub(consumed)
		remaining = remaining.Sub(consumed)

		pnl := closePrice.Sub(lot.OriginalPrice).Mul(consumed).Mul(sign).RoundBank(scale)
		result.Allocations = append(result.Allocations, Allocation{
			LotID:       lot.ID,
			Qty:         consumed,
			Price:       closePrice,
			RealizedPnL: &pnl,
		})
		result.TotalQty = result.TotalQty.Add(consumed)
		result.TotalRealizedPnL = result.TotalRealizedPnL.Add(pnl)
	}
	return result, nil
}

// ResetPrices re-marks the current reference price of every open lot.
// Cost basis and realized P&L are untouched.
func (e *LotEngine) ResetPrices(state *PositionState, newPrice decimal.Decimal) int {
	updated := 0
	for i := range state.Lots {
		if state.Lots[i].Open() {
			state.Lots[i].CurrentRefPrice = newPrice
			updated++
		}
	}
	return updated
}

// lotOrder returns lot indexes in relief order for the method. Insertion
// order is the final tie-break throughout; sort.SliceStable preserves it.
func lotOrder(lots []TaxLot, method TaxLotMethod) []int {
	order := make([]int, len(lots))
	for i := range order {
		order[i] = i
	}
	switch method {
	case MethodLIFO:
		sort.SliceStable(order, func(a, b int) bool {
			da, db := lots[order[a]].TradeDate, lots[order[b]].TradeDate
			if !da.Equal(db) {
				return da.After(db)
			}
			// newest insertion first on date ties
			return order[a] > order[b]
		})
	case MethodHIFO:
		sort.SliceStable(order, func(a, b int) bool {
			pa, pb := lots[order[a]].OriginalPrice, lots[order[b]].OriginalPrice
			if !pa.Equal(pb) {
				return pa.GreaterThan(pb)
			}
			da, db := lots[order[a]].TradeDate, lots[order[b]].TradeDate
			if !da.Equal(db) {
				return da.Before(db)
			}
			return order[a] < order[b]
		})
	default: // FIFO
		sort.SliceStable(order, func(a, b int) bool {
			da, db := lots[order[a]].TradeDate, lots[order[b]].TradeDate
			if !da.Equal(db) {
				return da.Before(db)
			}
			return order[a] < order[b]
		})
	}
	return order
}

// pnlScale pins realized P&L rounding to the close price's scale.
func pnlScale(price decimal.Decimal) int32 {
	if price.Exponent() < 0 {
		return -price.Exponent()
	}
	return 0
}
