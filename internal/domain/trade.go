package domain

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/shopspring/decimal"
)

// Direction is the side of a position. Direction is part of the position
// key: one (account, instrument, currency) tuple owns up to two keys.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Sign returns +1 for long, -1 for short, as a decimal multiplier.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// TradeType classifies an inbound trade. NEW_TRADE opens a position,
// INCREASE buys, DECREASE sells; on a short key a DECREASE grows the
// position and an INCREASE covers it.
type TradeType string

const (
	TradeTypeNew      TradeType = "NEW_TRADE"
	TradeTypeIncrease TradeType = "INCREASE"
	TradeTypeDecrease TradeType = "DECREASE"
)

// TaxLotMethod selects the lot-relief ordering for decreases.
type TaxLotMethod string

const (
	MethodFIFO TaxLotMethod = "FIFO"
	MethodLIFO TaxLotMethod = "LIFO"
	MethodHIFO TaxLotMethod = "HIFO"
)

// PositionKey is the opaque stable identifier of a position, derived from
// (account, instrument, currency, direction) by FNV-1a. Format: "PK" plus
// 16 lowercase hex characters.
type PositionKey string

const (
	positionKeyPrefix = "PK"
	positionKeyLen    = 18
)

// DerivePositionKey hashes the identifying tuple into a PositionKey. The
// derivation is deterministic so producers and the engine agree on keys
// without coordination.
func DerivePositionKey(account, instrument, currency string, dir Direction) PositionKey {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s", account, instrument, currency, dir)
	return PositionKey(fmt.Sprintf("%s%016x", positionKeyPrefix, h.Sum64()))
}

// Valid reports whether the key has the expected length and charset.
func (k PositionKey) Valid() bool {
	if len(k) != positionKeyLen || !strings.HasPrefix(string(k), positionKeyPrefix) {
		return false
	}
	for _, c := range k[len(positionKeyPrefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Trade is the inbound trade contract. Either PositionKey or the
// (Account, Instrument, Currency, Direction) tuple must be supplied; the
// key is derived from the tuple when absent.
type Trade struct {
	ID             string          `json:"tradeId"`
	PositionKey    PositionKey     `json:"positionKey,omitempty"`
	Account        string          `json:"account,omitempty"`
	Instrument     string          `json:"instrument,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	Direction      Direction       `json:"direction,omitempty"`
	Type           TradeType       `json:"tradeType"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	EffectiveDate  Date            `json:"effectiveDate"`
	SettlementDate Date            `json:"settlementDate,omitempty"`
	SettledQty     decimal.Decimal `json:"settledQuantity,omitempty"`
	ContractID     string          `json:"contractId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	CausationID    string          `json:"causationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`

	// NoDirectionChange blocks the long<->short split: a reduction past
	// zero fails with insufficient_quantity instead of flipping.
	NoDirectionChange bool `json:"noDirectionChange,omitempty"`
}

// Key resolves the position key, deriving it from the identifying tuple
// when not supplied explicitly.
func (t Trade) Key() PositionKey {
	if t.PositionKey != "" {
		return t.PositionKey
	}
	return DerivePositionKey(t.Account, t.Instrument, t.Currency, t.Direction)
}

// FlipTradeID derives the trade id of the opening leg of a direction
// change from the client trade id.
func FlipTradeID(tradeID string) string {
	return tradeID + "::flip"
}

// PriceReset is a market-data instruction to re-mark the current
// reference price of every open lot on a position.
type PriceReset struct {
	PositionKey   PositionKey     `json:"positionKey"`
	Price         decimal.Decimal `json:"price"`
	EffectiveDate Date            `json:"effectiveDate"`
	CorrelationID string          `json:"correlationId,omitempty"`
}
