package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/persistence"
)

// upiRepo implements persistence.UPIStore for PostgreSQL.
type upiRepo struct {
	db      sqlx.ExtContext
	timeout time.Duration
}

// NewUPIStore creates a PostgreSQL UPI history store.
func NewUPIStore(db sqlx.ExtContext, timeout time.Duration) persistence.UPIStore {
	return &upiRepo{db: db, timeout: timeout}
}

// Active returns the open generation for a key, or ErrNotFound.
func (r *upiRepo) Active(ctx context.Context, key domain.PositionKey) (*persistence.UPIRecord, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT position_key, generation, upi, created_at, terminated_at
		FROM upi_history
		WHERE position_key = $1 AND terminated_at IS NULL
		ORDER BY generation DESC
		LIMIT 1`

	var (
		rec          persistence.UPIRecord
		terminatedAt sql.NullTime
	)
	err := r.db.QueryRowxContext(ctx, query, key).Scan(
		&rec.PositionKey, &rec.Generation, &rec.UPI, &rec.CreatedAt, &terminatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("active UPI for %s: %w", key, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load active UPI for %s: %w", key, err)
	}
	if terminatedAt.Valid {
		rec.TerminatedAt = &terminatedAt.Time
	}
	return &rec, nil
}

// Open appends the next generation for the key.
func (r *upiRepo) Open(ctx context.Context, key domain.PositionKey, upi string, at time.Time) (*persistence.UPIRecord, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO upi_history (position_key, generation, upi, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(generation), 0) + 1 FROM upi_history WHERE position_key = $1), $2, $3)
		RETURNING generation`

	rec := persistence.UPIRecord{PositionKey: key, UPI: upi, CreatedAt: at}
	if err := r.db.QueryRowxContext(ctx, query, key, upi, at).Scan(&rec.Generation); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("UPI generation for %s: %w", key, persistence.ErrVersionConflict)
		}
		return nil, fmt.Errorf("failed to open UPI generation for %s: %w", key, err)
	}
	return &rec, nil
}

// Terminate closes the active generation, if any.
func (r *upiRepo) Terminate(ctx context.Context, key domain.PositionKey, at time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE upi_history
		SET terminated_at = $2
		WHERE position_key = $1 AND terminated_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, key, at); err != nil {
		return fmt.Errorf("failed to terminate UPI for %s: %w", key, err)
	}
	return nil
}

func (r *upiRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}
