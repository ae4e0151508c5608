package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradeflow/positionengine/internal/persistence"
)

// idempotencyRepo implements persistence.IdempotencyStore for
// PostgreSQL, using the primary key on trade_id as the conflict
// detector.
type idempotencyRepo struct {
	db      sqlx.ExtContext
	timeout time.Duration
}

// NewIdempotencyStore creates a PostgreSQL idempotency store.
func NewIdempotencyStore(db sqlx.ExtContext, timeout time.Duration) persistence.IdempotencyStore {
	return &idempotencyRepo{db: db, timeout: timeout}
}

// IsProcessed is the advisory check before work begins. The commit-time
// insert remains the authority.
func (r *idempotencyRepo) IsProcessed(ctx context.Context, tradeID string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM idempotency_store WHERE trade_id = $1)`
	if err := sqlx.GetContext(ctx, r.db, &exists, query, tradeID); err != nil {
		return false, fmt.Errorf("failed to check idempotency for %s: %w", tradeID, err)
	}
	return exists, nil
}

// Mark records a processed trade. The primary key on trade_id is the
// commit-time authority: a collision maps to ErrDuplicate so the caller
// rolls back the surrounding transaction and reports the trade as
// already processed.
func (r *idempotencyRepo) Mark(ctx context.Context, rec persistence.IdempotencyRecord) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO idempotency_store (trade_id, position_key, event_version, processed_at, status)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.db.ExecContext(ctx, query,
		rec.TradeID, rec.PositionKey, rec.Version, rec.ProcessedAt, rec.Status); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trade %s already marked: %w", rec.TradeID, persistence.ErrDuplicate)
		}
		return fmt.Errorf("failed to mark trade %s processed: %w", rec.TradeID, err)
	}
	return nil
}

func (r *idempotencyRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}
