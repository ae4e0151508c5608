package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TaxLot is a discrete parcel of quantity acquired at a single price on a
// single trade date. Lots are reduced piecewise by later sells; a closed
// lot (remaining == 0) stays on the position for audit.
type TaxLot struct {
	ID              string          `json:"id"`
	TradeDate       Date            `json:"tradeDate"`
	SettlementDate  Date            `json:"settlementDate"`
	OriginalQty     decimal.Decimal `json:"originalQty"`
	RemainingQty    decimal.Decimal `json:"remainingQty"`
	OriginalPrice   decimal.Decimal `json:"originalPrice"` // cost basis, immutable
	CurrentRefPrice decimal.Decimal `json:"currentRefPrice"`
	SettledQty      decimal.Decimal `json:"settledQty"`
}

// Open reports whether the lot still has quantity to relieve.
func (l *TaxLot) Open() bool { return l.RemainingQty.IsPositive() }

// RemainingNotional is remaining quantity marked at the current
// reference price.
func (l *TaxLot) RemainingNotional() decimal.Decimal {
	return l.RemainingQty.Mul(l.CurrentRefPrice)
}

// PositionState is the inflated, mutable working state of one position
// key. Lot order is insertion order, which for hotpath-built positions is
// trade-date order.
type PositionState struct {
	Key       PositionKey
	Direction Direction
	Lots      []TaxLot
}

// NewPositionState returns an empty state for a key/direction.
func NewPositionState(key PositionKey, dir Direction) *PositionState {
	return &PositionState{Key: key, Direction: dir}
}

// TotalQty sums remaining quantity over all lots.
func (p *PositionState) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for i := range p.Lots {
		total = total.Add(p.Lots[i].RemainingQty)
	}
	return total
}

// SignedQty is TotalQty with the direction sign applied (short is
// negative).
func (p *PositionState) SignedQty() decimal.Decimal {
	return p.TotalQty().Mul(p.Direction.Sign())
}

// Exposure is the sum of remaining notionals at current reference prices.
func (p *PositionState) Exposure() decimal.Decimal {
	total := decimal.Zero
	for i := range p.Lots {
		total = total.Add(p.Lots[i].RemainingNotional())
	}
	return total
}

// OpenLotCount counts lots with remaining quantity.
func (p *PositionState) OpenLotCount() int {
	n := 0
	for i := range p.Lots {
		if p.Lots[i].Open() {
			n++
		}
	}
	return n
}

// WeightedAvgPrice is the remaining-quantity-weighted average of current
// reference prices over open lots, half-even rounded at scale.
func (p *PositionState) WeightedAvgPrice(scale int32) decimal.Decimal {
	qty := p.TotalQty()
	if qty.IsZero() {
		return decimal.Zero
	}
	return p.Exposure().Div(qty).RoundBank(scale)
}

// Flat reports whether no lot carries remaining quantity.
func (p *PositionState) Flat() bool { return p.TotalQty().IsZero() }

// CompressedLots is the persisted parallel-array form of a position's
// lots. Index i across every array describes lot i.
type CompressedLots struct {
	IDs             []string          `json:"ids"`
	TradeDates      []Date            `json:"tradeDates"`
	SettlementDates []Date            `json:"settlementDates,omitempty"`
	OriginalPrices  []decimal.Decimal `json:"originalPrices"`
	CurrentPrices   []decimal.Decimal `json:"currentPrices"`
	OriginalQtys    []decimal.Decimal `json:"originalQtys"`
	RemainingQtys   []decimal.Decimal `json:"remainingQtys"`
	SettledQtys     []decimal.Decimal `json:"settledQtys,omitempty"`
}

// Compress flattens the lots into parallel arrays for snapshot storage.
func (p *PositionState) Compress() CompressedLots {
	n := len(p.Lots)
	c := CompressedLots{
		IDs:             make([]string, n),
		TradeDates:      make([]Date, n),
		SettlementDates: make([]Date, n),
		OriginalPrices:  make([]decimal.Decimal, n),
		CurrentPrices:   make([]decimal.Decimal, n),
		OriginalQtys:    make([]decimal.Decimal, n),
		RemainingQtys:   make([]decimal.Decimal, n),
		SettledQtys:     make([]decimal.Decimal, n),
	}
	for i := range p.Lots {
		l := &p.Lots[i]
		c.IDs[i] = l.ID
		c.TradeDates[i] = l.TradeDate
		c.SettlementDates[i] = l.SettlementDate
		c.OriginalPrices[i] = l.OriginalPrice
		c.CurrentPrices[i] = l.CurrentRefPrice
		c.OriginalQtys[i] = l.OriginalQty
		c.RemainingQtys[i] = l.RemainingQty
		c.SettledQtys[i] = l.SettledQty
	}
	return c
}

// Inflate rebuilds a PositionState from compressed lots. It fails when
// the parallel arrays disagree on length.
func Inflate(key PositionKey, dir Direction, c CompressedLots) (*PositionState, error) {
	n := len(c.IDs)
	for name, l := range map[string]int{
		"tradeDates":     len(c.TradeDates),
		"originalPrices": len(c.OriginalPrices),
		"currentPrices":  len(c.CurrentPrices),
		"originalQtys":   len(c.OriginalQtys),
		"remainingQtys":  len(c.RemainingQtys),
	} {
		if l != n {
			return nil, fmt.Errorf("compressed lots corrupt: %s has %d entries, ids has %d", name, l, n)
		}
	}
	state := NewPositionState(key, dir)
	state.Lots = make([]TaxLot, n)
	for i := 0; i < n; i++ {
		lot := TaxLot{
			ID:              c.IDs[i],
			TradeDate:       c.TradeDates[i],
			OriginalPrice:   c.OriginalPrices[i],
			CurrentRefPrice: c.CurrentPrices[i],
			OriginalQty:     c.OriginalQtys[i],
			RemainingQty:    c.RemainingQtys[i],
		}
		if i < len(c.SettlementDates) {
			lot.SettlementDate = c.SettlementDates[i]
		}
		if lot.SettlementDate.IsZero() {
			lot.SettlementDate = lot.TradeDate
		}
		if i < len(c.SettledQtys) {
			lot.SettledQty = c.SettledQtys[i]
		}
		state.Lots[i] = lot
	}
	return state, nil
}
