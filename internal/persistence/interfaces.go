package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeflow/positionengine/internal/domain"
)

// Sentinel errors shared by every store implementation. Postgres repos
// map driver errors onto these; the engine branches on them.
var (
	// ErrVersionConflict signals an optimistic-lock or event-version
	// collision; the caller reloads and retries.
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicate signals a uniqueness violation on an insert-only
	// table (idempotency, event PK).
	ErrDuplicate = errors.New("duplicate record")
	// ErrNotFound signals an absent row where one was required.
	ErrNotFound = errors.New("not found")
)

// EventType classifies a persisted or published position event.
type EventType string

const (
	EventNewTrade             EventType = "NEW_TRADE"
	EventIncrease             EventType = "INCREASE"
	EventDecrease             EventType = "DECREASE"
	EventReset                EventType = "RESET"
	EventPositionClosed       EventType = "POSITION_CLOSED"
	EventHistoricalCorrection EventType = "HISTORICAL_CORRECTION"
	EventProvisionalApplied   EventType = "PROVISIONAL_APPLIED"
)

// Event is one immutable row of a position's stream. Identity is the
// composite (PositionKey, Version); versions are dense 1..N per key while
// effective dates are free to arrive out of order.
type Event struct {
	PositionKey   domain.PositionKey      `json:"positionKey" db:"position_key"`
	Version       int64                   `json:"eventVersion" db:"event_version"`
	Type          EventType               `json:"eventType" db:"event_type"`
	EffectiveDate domain.Date             `json:"effectiveDate" db:"effective_date"`
	OccurredAt    time.Time               `json:"occurredAt" db:"occurred_at"`
	Payload       domain.Trade            `json:"payload"`
	MetaLots      domain.AllocationResult `json:"metaLots"`
	CorrelationID string                  `json:"correlationId" db:"correlation_id"`
	CausationID   string                  `json:"causationId,omitempty" db:"causation_id"`
	ContractID    string                  `json:"contractId,omitempty" db:"contract_id"`
	UserID        string                  `json:"userId,omitempty" db:"user_id"`
}

// Status is the position lifecycle status carried on snapshots.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusTerminated Status = "TERMINATED"
)

// ReconStatus tracks whether a snapshot reflects the full chronological
// stream or a hotpath approximation awaiting coldpath replay.
type ReconStatus string

const (
	ReconReconciled  ReconStatus = "RECONCILED"
	ReconProvisional ReconStatus = "PROVISIONAL"
	ReconPending     ReconStatus = "PENDING"
)

// SummaryMetrics are the derived totals stored beside the compressed
// lots so queries never have to inflate the position.
type SummaryMetrics struct {
	TotalQty          decimal.Decimal `json:"totalQty"`
	Exposure          decimal.Decimal `json:"exposure"`
	OpenLots          int             `json:"openLots"`
	RealizedPnL       decimal.Decimal `json:"realizedPnl"`
	LastEventType     EventType       `json:"lastEventType"`
	LastEffectiveDate domain.Date     `json:"lastEffectiveDate"`
}

// Snapshot is the single authoritative row per position key. LastVersion
// always equals the number of persisted events for the key; OptLock is
// the optimistic-lock counter guarding concurrent writers.
type Snapshot struct {
	PositionKey        domain.PositionKey    `json:"positionKey" db:"position_key"`
	LastVersion        int64                 `json:"lastVersion" db:"last_version"`
	UPI                string                `json:"upi" db:"upi"`
	Status             Status                `json:"status" db:"status"`
	ReconStatus        ReconStatus           `json:"reconciliationStatus" db:"reconciliation_status"`
	ProvisionalTradeID string                `json:"provisionalTradeId,omitempty" db:"provisional_trade_id"`
	Direction          domain.Direction      `json:"direction" db:"direction"`
	Lots               domain.CompressedLots `json:"compressedLots"`
	Summary            SummaryMetrics        `json:"summaryMetrics"`
	Schedule           domain.Schedule       `json:"priceQuantitySchedule"`
	OptLock            int64                 `json:"optLockVersion" db:"opt_lock_version"`
	LastUpdatedAt      time.Time             `json:"lastUpdatedAt" db:"last_updated_at"`
	Archived           bool                  `json:"archivalFlag" db:"archival_flag"`
	ArchivedAt         *time.Time            `json:"archivedAt,omitempty" db:"archived_at"`
	Account            string                `json:"account,omitempty" db:"account"`
	Instrument         string                `json:"instrument,omitempty" db:"instrument"`
	Currency           string                `json:"currency,omitempty" db:"currency"`
	ContractID         string                `json:"contractId,omitempty" db:"contract_id"`
}

// IdempotencyRecord marks one processed trade id.
type IdempotencyRecord struct {
	TradeID     string             `json:"tradeId" db:"trade_id"`
	PositionKey domain.PositionKey `json:"positionKey" db:"position_key"`
	Version     int64              `json:"eventVersion" db:"event_version"`
	ProcessedAt time.Time          `json:"processedAt" db:"processed_at"`
	Status      string             `json:"status" db:"status"` // PROCESSED | FAILED
}

// UPIRecord is one generation of a position's unique position
// identifier. At most one generation per key is active (TerminatedAt
// nil); transitions append a new generation.
type UPIRecord struct {
	PositionKey  domain.PositionKey `json:"positionKey" db:"position_key"`
	Generation   int64              `json:"generation" db:"generation"`
	UPI          string             `json:"upi" db:"upi"`
	CreatedAt    time.Time          `json:"createdAt" db:"created_at"`
	TerminatedAt *time.Time         `json:"terminatedAt,omitempty" db:"terminated_at"`
}

// EventStore owns the append-only event stream. Rows are never mutated
// after write.
type EventStore interface {
	// Append inserts one event. A primary-key collision returns
	// ErrVersionConflict.
	Append(ctx context.Context, event Event) error
	// Load returns every event for a key ordered by version ascending.
	Load(ctx context.Context, key domain.PositionKey) ([]Event, error)
	// LoadForReplay returns every event ordered by (effective_date,
	// event_version) ascending, the coldpath replay order.
	LoadForReplay(ctx context.Context, key domain.PositionKey) ([]Event, error)
	// HasTradeID reports whether any event for the key carries the
	// trade id in its payload. PROVISIONAL_APPLIED markers do not
	// count; they share the trade id of the reconciliation they await.
	HasTradeID(ctx context.Context, key domain.PositionKey, tradeID string) (bool, error)
	// MaxVersion returns the highest stored version for the key, zero
	// when no events exist.
	MaxVersion(ctx context.Context, key domain.PositionKey) (int64, error)
}

// SnapshotStore owns the single latest snapshot per position key,
// guarded by the optimistic-lock version.
type SnapshotStore interface {
	// Get returns the snapshot or ErrNotFound.
	Get(ctx context.Context, key domain.PositionKey) (*Snapshot, error)
	// Write persists the snapshot expecting the stored opt-lock version
	// to equal expectedLock (zero inserts a new row). A mismatch
	// returns ErrVersionConflict. On success the stored opt-lock is
	// expectedLock+1.
	Write(ctx context.Context, snap *Snapshot, expectedLock int64) error
	// ArchiveTerminated flags terminated snapshots untouched since the
	// cutoff. Administrative only.
	ArchiveTerminated(ctx context.Context, olderThan time.Time) (int64, error)
}

// IdempotencyStore owns the insert-only dedup table keyed on trade id.
type IdempotencyStore interface {
	// IsProcessed is the advisory pre-check.
	IsProcessed(ctx context.Context, tradeID string) (bool, error)
	// Mark records the trade id exactly once. A duplicate insert
	// returns ErrDuplicate; it is the commit-time authority, so the
	// caller rolls back and treats the trade as already processed.
	Mark(ctx context.Context, rec IdempotencyRecord) error
}

// UPIStore owns the per-key UPI generation history.
type UPIStore interface {
	// Active returns the current open generation, or ErrNotFound.
	Active(ctx context.Context, key domain.PositionKey) (*UPIRecord, error)
	// Open appends a new generation with the given UPI.
	Open(ctx context.Context, key domain.PositionKey, upi string, at time.Time) (*UPIRecord, error)
	// Terminate closes the active generation, if any.
	Terminate(ctx context.Context, key domain.PositionKey, at time.Time) error
}

// Stores bundles the four stores so the engine receives one handle. When
// obtained through UnitOfWork.InTx every store is bound to the same
// transaction.
type Stores struct {
	Events      EventStore
	Snapshots   SnapshotStore
	Idempotency IdempotencyStore
	UPIs        UPIStore
}

// UnitOfWork runs a function against transaction-bound stores. The
// hotpath wraps steps append-event through mark-idempotency in one unit
// so a failure rolls everything back.
type UnitOfWork interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Stores) error) error
}
