package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradeflow/positionengine/internal/persistence"
)

// NewStores builds the store bundle over a connection pool (or a
// transaction; every repo accepts any sqlx.ExtContext).
func NewStores(db sqlx.ExtContext, timeout time.Duration) persistence.Stores {
	return persistence.Stores{
		Events:      NewEventStore(db, timeout),
		Snapshots:   NewSnapshotStore(db, timeout),
		Idempotency: NewIdempotencyStore(db, timeout),
		UPIs:        NewUPIStore(db, timeout),
	}
}

// unitOfWork implements persistence.UnitOfWork over a Postgres pool.
type unitOfWork struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewUnitOfWork creates a transactional runner over the given pool.
func NewUnitOfWork(db *sqlx.DB, timeout time.Duration) persistence.UnitOfWork {
	return &unitOfWork{db: db, timeout: timeout}
}

// InTx opens a transaction, binds all four stores to it and runs fn.
// Any error rolls the whole unit back; cancellation propagates to the
// driver through the context.
func (u *unitOfWork) InTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Stores) error) error {
	tx, err := u.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, NewStores(tx, u.timeout)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
