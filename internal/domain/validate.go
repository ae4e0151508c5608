package domain

import (
	"fmt"
	"strings"
)

// Validator rejects malformed or business-invalid trades before they
// reach the engine. Output is accept or an ordered list of reasons;
// rejected trades go to the dead-letter topic and are never retried.
type Validator struct {
	// ForwardHorizonDays bounds how far in the future an effective date
	// may lie.
	ForwardHorizonDays int
	// Now supplies "today" for horizon checks; defaults to Today.
	Now func() Date
}

// NewValidator returns a validator with the given forward horizon.
func NewValidator(forwardHorizonDays int) *Validator {
	return &Validator{ForwardHorizonDays: forwardHorizonDays, Now: Today}
}

// Validate checks a trade and returns nil, or a validation_failed error
// whose Reasons list every violation in field order.
func (v *Validator) Validate(trade Trade) error {
	var reasons []string

	if trade.ID == "" {
		reasons = append(reasons, "trade id is required")
	}
	key := trade.Key()
	if trade.PositionKey == "" && (trade.Account == "" || trade.Instrument == "" || trade.Currency == "") {
		reasons = append(reasons, "position key or (account, instrument, currency) is required")
	} else if !key.Valid() {
		reasons = append(reasons, fmt.Sprintf("position key %q has invalid format", key))
	}
	switch trade.Type {
	case TradeTypeNew, TradeTypeIncrease, TradeTypeDecrease:
	case "":
		reasons = append(reasons, "trade type is required")
	default:
		reasons = append(reasons, fmt.Sprintf("trade type %q is not one of NEW_TRADE, INCREASE, DECREASE", trade.Type))
	}
	if !trade.Quantity.IsPositive() {
		reasons = append(reasons, fmt.Sprintf("quantity must be positive, got %s", trade.Quantity))
	}
	if !trade.Price.IsPositive() {
		reasons = append(reasons, fmt.Sprintf("price must be positive, got %s", trade.Price))
	}
	if trade.EffectiveDate.IsZero() {
		reasons = append(reasons, "effective date is required")
	} else if v.ForwardHorizonDays > 0 {
		horizon := v.now().AddDays(v.ForwardHorizonDays)
		if trade.EffectiveDate.After(horizon) {
			reasons = append(reasons, fmt.Sprintf("effective date %s is beyond the %d-day forward horizon",
				trade.EffectiveDate, v.ForwardHorizonDays))
		}
	}

	if len(reasons) == 0 {
		return nil
	}
	err := NewError(KindValidationFailed, trade.CorrelationID, strings.Join(reasons, "; "))
	err.Reasons = reasons
	return err
}

func (v *Validator) now() Date {
	if v.Now != nil {
		return v.Now()
	}
	return Today()
}
