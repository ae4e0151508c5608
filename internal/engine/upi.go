package engine

import (
	"github.com/google/uuid"

	"github.com/tradeflow/positionengine/internal/domain"
)

// UPIGenerator mints the unique position identifier when a generation
// opens: on first NEW_TRADE, on reopen after termination, and for the
// opening leg of a direction change.
type UPIGenerator func(trade domain.Trade) string

// TradeIDUPI derives the UPI from the opening trade's id, which keeps
// identifiers stable across replays; a uuid covers the degenerate case
// of a missing trade id.
func TradeIDUPI(trade domain.Trade) string {
	if trade.ID != "" {
		return trade.ID
	}
	return uuid.NewString()
}
