package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/persistence"
)

// snapshotsRepo implements persistence.SnapshotStore for PostgreSQL.
type snapshotsRepo struct {
	db      sqlx.ExtContext
	timeout time.Duration
}

// NewSnapshotStore creates a PostgreSQL snapshot store.
func NewSnapshotStore(db sqlx.ExtContext, timeout time.Duration) persistence.SnapshotStore {
	return &snapshotsRepo{db: db, timeout: timeout}
}

const snapshotColumns = `position_key, last_version, upi, status, reconciliation_status,
	provisional_trade_id, direction, compressed_lots_json, summary_metrics_json,
	price_quantity_schedule_json, opt_lock_version, last_updated_at, archival_flag,
	archived_at, account, instrument, currency, contract_id`

// Get loads the snapshot for a key, or ErrNotFound.
func (r *snapshotsRepo) Get(ctx context.Context, key domain.PositionKey) (*persistence.Snapshot, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + snapshotColumns + ` FROM snapshot_store WHERE position_key = $1`

	row := r.db.QueryRowxContext(ctx, query, key)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %s: %w", key, persistence.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}
	return snap, nil
}

// Write upserts the snapshot under optimistic lock. expectedLock zero
// inserts a new row; otherwise the update only lands when the stored
// opt_lock_version still equals expectedLock.
func (r *snapshotsRepo) Write(ctx context.Context, snap *persistence.Snapshot, expectedLock int64) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	lotsJSON, err := json.Marshal(snap.Lots)
	if err != nil {
		return fmt.Errorf("failed to marshal compressed lots: %w", err)
	}
	summaryJSON, err := json.Marshal(snap.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary metrics: %w", err)
	}
	scheduleJSON, err := json.Marshal(snap.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	snap.OptLock = expectedLock + 1
	snap.LastUpdatedAt = time.Now().UTC()

	if expectedLock == 0 {
		query := `
			INSERT INTO snapshot_store (` + snapshotColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (position_key) DO NOTHING`
		res, err := r.db.ExecContext(ctx, query,
			snap.PositionKey, snap.LastVersion, snap.UPI, snap.Status, snap.ReconStatus,
			snap.ProvisionalTradeID, snap.Direction, lotsJSON, summaryJSON, scheduleJSON,
			snap.OptLock, snap.LastUpdatedAt, snap.Archived, snap.ArchivedAt,
			snap.Account, snap.Instrument, snap.Currency, snap.ContractID)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot %s: %w", snap.PositionKey, err)
		}
		return requireOneRow(res, snap.PositionKey)
	}

	query := `
		UPDATE snapshot_store SET
			last_version = $2, upi = $3, status = $4, reconciliation_status = $5,
			provisional_trade_id = $6, direction = $7, compressed_lots_json = $8,
			summary_metrics_json = $9, price_quantity_schedule_json = $10,
			opt_lock_version = $11, last_updated_at = $12, archival_flag = $13,
			archived_at = $14, account = $15, instrument = $16, currency = $17,
			contract_id = $18
		WHERE position_key = $1 AND opt_lock_version = $19`
	res, err := r.db.ExecContext(ctx, query,
		snap.PositionKey, snap.LastVersion, snap.UPI, snap.Status, snap.ReconStatus,
		snap.ProvisionalTradeID, snap.Direction, lotsJSON, summaryJSON, scheduleJSON,
		snap.OptLock, snap.LastUpdatedAt, snap.Archived, snap.ArchivedAt,
		snap.Account, snap.Instrument, snap.Currency, snap.ContractID,
		expectedLock)
	if err != nil {
		return fmt.Errorf("failed to update snapshot %s: %w", snap.PositionKey, err)
	}
	return requireOneRow(res, snap.PositionKey)
}

// ArchiveTerminated flags terminated snapshots not touched since the
// cutoff. Purely administrative; the engine ignores the flag.
func (r *snapshotsRepo) ArchiveTerminated(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE snapshot_store
		SET archival_flag = TRUE, archived_at = NOW()
		WHERE status = $1 AND archival_flag = FALSE AND last_updated_at < $2`
	res, err := r.db.ExecContext(ctx, query, persistence.StatusTerminated, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to archive terminated snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read archive row count: %w", err)
	}
	return n, nil
}

func requireOneRow(res sql.Result, key domain.PositionKey) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("snapshot %s: %w", key, persistence.ErrVersionConflict)
	}
	return nil
}

func (r *snapshotsRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func scanSnapshot(row *sqlx.Row) (*persistence.Snapshot, error) {
	var (
		snap         persistence.Snapshot
		lotsJSON     []byte
		summaryJSON  []byte
		scheduleJSON []byte
		archivedAt   sql.NullTime
	)
	err := row.Scan(
		&snap.PositionKey, &snap.LastVersion, &snap.UPI, &snap.Status, &snap.ReconStatus,
		&snap.ProvisionalTradeID, &snap.Direction, &lotsJSON, &summaryJSON, &scheduleJSON,
		&snap.OptLock, &snap.LastUpdatedAt, &snap.Archived, &archivedAt,
		&snap.Account, &snap.Instrument, &snap.Currency, &snap.ContractID)
	if err != nil {
		return nil, err
	}
	if archivedAt.Valid {
		snap.ArchivedAt = &archivedAt.Time
	}
	if err := json.Unmarshal(lotsJSON, &snap.Lots); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compressed lots: %w", err)
	}
	if err := json.Unmarshal(summaryJSON, &snap.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary metrics: %w", err)
	}
	if err := json.Unmarshal(scheduleJSON, &snap.Schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}
	return &snap, nil
}
