package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/persistence"
)

const uniqueViolation = "23505"

// isUniqueViolation detects a Postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

// eventsRepo implements persistence.EventStore for PostgreSQL.
type eventsRepo struct {
	db      sqlx.ExtContext
	timeout time.Duration
}

// NewEventStore creates a PostgreSQL event store.
func NewEventStore(db sqlx.ExtContext, timeout time.Duration) persistence.EventStore {
	return &eventsRepo{db: db, timeout: timeout}
}

const eventColumns = `position_key, event_version, event_type, effective_date, occurred_at,
	payload_json, meta_lots_json, correlation_id, causation_id, contract_id, user_id`

// Append inserts one immutable event row. A primary-key collision maps
// to ErrVersionConflict so the hotpath re-reads and retries.
func (r *eventsRepo) Append(ctx context.Context, event persistence.Event) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	metaJSON, err := json.Marshal(event.MetaLots)
	if err != nil {
		return fmt.Errorf("failed to marshal meta lots: %w", err)
	}

	query := `
		INSERT INTO event_store (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.ExecContext(ctx, query,
		event.PositionKey, event.Version, event.Type, event.EffectiveDate, event.OccurredAt,
		payloadJSON, metaJSON, event.CorrelationID, event.CausationID, event.ContractID, event.UserID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event (%s, %d): %w", event.PositionKey, event.Version, persistence.ErrVersionConflict)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Load returns the full stream for a key ordered by version.
func (r *eventsRepo) Load(ctx context.Context, key domain.PositionKey) ([]persistence.Event, error) {
	return r.load(ctx, key, "event_version ASC")
}

// LoadForReplay returns the stream in coldpath replay order.
func (r *eventsRepo) LoadForReplay(ctx context.Context, key domain.PositionKey) ([]persistence.Event, error) {
	return r.load(ctx, key, "effective_date ASC, event_version ASC")
}

func (r *eventsRepo) load(ctx context.Context, key domain.PositionKey, order string) ([]persistence.Event, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + eventColumns + `
		FROM event_store
		WHERE position_key = $1
		ORDER BY ` + order

	rows, err := r.db.QueryxContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", key, err)
	}
	defer rows.Close()

	var events []persistence.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// HasTradeID checks the stream for an event carrying the trade id,
// the coldpath's already-reconciled guard. PROVISIONAL_APPLIED markers
// are excluded: they share the incoming trade's id before the
// reconciled event exists.
func (r *eventsRepo) HasTradeID(ctx context.Context, key domain.PositionKey, tradeID string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT EXISTS (
			SELECT 1 FROM event_store
			WHERE position_key = $1 AND payload_json->>'tradeId' = $2
			  AND event_type <> 'PROVISIONAL_APPLIED'
		)`

	var exists bool
	if err := sqlx.GetContext(ctx, r.db, &exists, query, key, tradeID); err != nil {
		return false, fmt.Errorf("failed to check trade id %s: %w", tradeID, err)
	}
	return exists, nil
}

// MaxVersion returns the highest stored version, zero for an empty stream.
func (r *eventsRepo) MaxVersion(ctx context.Context, key domain.PositionKey) (int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var max int64
	query := `SELECT COALESCE(MAX(event_version), 0) FROM event_store WHERE position_key = $1`
	if err := sqlx.GetContext(ctx, r.db, &max, query, key); err != nil {
		return 0, fmt.Errorf("failed to read max version for %s: %w", key, err)
	}
	return max, nil
}

func (r *eventsRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func scanEvent(rows *sqlx.Rows) (*persistence.Event, error) {
	var (
		event       persistence.Event
		payloadJSON []byte
		metaJSON    []byte
	)
	err := rows.Scan(
		&event.PositionKey, &event.Version, &event.Type, &event.EffectiveDate, &event.OccurredAt,
		&payloadJSON, &metaJSON, &event.CorrelationID, &event.CausationID, &event.ContractID, &event.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &event.MetaLots); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meta lots: %w", err)
	}
	return &event, nil
}
