// Package memstore provides in-memory implementations of the
// persistence ports. They back engine tests and single-process demo
// deployments; semantics (version conflicts, duplicate detection,
// optimistic locking, transactional rollback) match the Postgres repos.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/persistence"
)

// Store holds all four tables behind one mutex. Transactions serialize
// on their own mutex and restore a pre-transaction copy on error, so a
// failure mid-unit leaves nothing behind.
type Store struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	events      map[domain.PositionKey][]persistence.Event
	snapshots   map[domain.PositionKey]*persistence.Snapshot
	idempotency map[string]persistence.IdempotencyRecord
	upis        map[domain.PositionKey][]persistence.UPIRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		events:      make(map[domain.PositionKey][]persistence.Event),
		snapshots:   make(map[domain.PositionKey]*persistence.Snapshot),
		idempotency: make(map[string]persistence.IdempotencyRecord),
		upis:        make(map[domain.PositionKey][]persistence.UPIRecord),
	}
}

// Stores returns the port bundle backed by this store.
func (s *Store) Stores() persistence.Stores {
	return persistence.Stores{
		Events:      (*eventStore)(s),
		Snapshots:   (*snapshotStore)(s),
		Idempotency: (*idempotencyStore)(s),
		UPIs:        (*upiStore)(s),
	}
}

// InTx implements persistence.UnitOfWork. The unit runs against the
// live tables; on error every table is restored from a copy taken at
// the start, which mirrors a database rollback.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Stores) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	events, snapshots, idempotency, upis := s.copyTables()
	s.mu.Unlock()

	if err := fn(ctx, s.Stores()); err != nil {
		s.mu.Lock()
		s.events, s.snapshots, s.idempotency, s.upis = events, snapshots, idempotency, upis
		s.mu.Unlock()
		return err
	}
	return nil
}

// copyTables deep-copies the mutable state. Callers hold s.mu.
func (s *Store) copyTables() (map[domain.PositionKey][]persistence.Event,
	map[domain.PositionKey]*persistence.Snapshot,
	map[string]persistence.IdempotencyRecord,
	map[domain.PositionKey][]persistence.UPIRecord) {

	events := make(map[domain.PositionKey][]persistence.Event, len(s.events))
	for k, v := range s.events {
		events[k] = append([]persistence.Event(nil), v...)
	}
	snapshots := make(map[domain.PositionKey]*persistence.Snapshot, len(s.snapshots))
	for k, v := range s.snapshots {
		copied := *v
		snapshots[k] = &copied
	}
	idempotency := make(map[string]persistence.IdempotencyRecord, len(s.idempotency))
	for k, v := range s.idempotency {
		idempotency[k] = v
	}
	upis := make(map[domain.PositionKey][]persistence.UPIRecord, len(s.upis))
	for k, v := range s.upis {
		upis[k] = append([]persistence.UPIRecord(nil), v...)
	}
	return events, snapshots, idempotency, upis
}

// EventCount reports the stream length for a key (test helper).
func (s *Store) EventCount(key domain.PositionKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[key])
}

type eventStore Store

func (s *eventStore) Append(ctx context.Context, event persistence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[event.PositionKey] {
		if e.Version == event.Version {
			return fmt.Errorf("event (%s, %d): %w", event.PositionKey, event.Version, persistence.ErrVersionConflict)
		}
	}
	s.events[event.PositionKey] = append(s.events[event.PositionKey], event)
	return nil
}

func (s *eventStore) Load(ctx context.Context, key domain.PositionKey) ([]persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]persistence.Event(nil), s.events[key]...)
	sort.Slice(out, func(a, b int) bool { return out[a].Version < out[b].Version })
	return out, nil
}

func (s *eventStore) LoadForReplay(ctx context.Context, key domain.PositionKey) ([]persistence.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]persistence.Event(nil), s.events[key]...)
	sort.Slice(out, func(a, b int) bool {
		da, db := out[a].EffectiveDate, out[b].EffectiveDate
		if !da.Equal(db) {
			return da.Before(db)
		}
		return out[a].Version < out[b].Version
	})
	return out, nil
}

func (s *eventStore) HasTradeID(ctx context.Context, key domain.PositionKey, tradeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[key] {
		if e.Payload.ID == tradeID && e.Type != persistence.EventProvisionalApplied {
			return true, nil
		}
	}
	return false, nil
}

func (s *eventStore) MaxVersion(ctx context.Context, key domain.PositionKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, e := range s.events[key] {
		if e.Version > max {
			max = e.Version
		}
	}
	return max, nil
}

type snapshotStore Store

func (s *snapshotStore) Get(ctx context.Context, key domain.PositionKey) (*persistence.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[key]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", key, persistence.ErrNotFound)
	}
	copied := *snap
	return &copied, nil
}

func (s *snapshotStore) Write(ctx context.Context, snap *persistence.Snapshot, expectedLock int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.snapshots[snap.PositionKey]
	if expectedLock == 0 {
		if ok {
			return fmt.Errorf("snapshot %s: %w", snap.PositionKey, persistence.ErrVersionConflict)
		}
	} else {
		if !ok || existing.OptLock != expectedLock {
			return fmt.Errorf("snapshot %s: %w", snap.PositionKey, persistence.ErrVersionConflict)
		}
	}
	snap.OptLock = expectedLock + 1
	snap.LastUpdatedAt = time.Now().UTC()
	copied := *snap
	s.snapshots[snap.PositionKey] = &copied
	return nil
}

func (s *snapshotStore) ArchiveTerminated(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, snap := range s.snapshots {
		if snap.Status == persistence.StatusTerminated && !snap.Archived && snap.LastUpdatedAt.Before(olderThan) {
			snap.Archived = true
			snap.ArchivedAt = &now
			n++
		}
	}
	return n, nil
}

type idempotencyStore Store

func (s *idempotencyStore) IsProcessed(ctx context.Context, tradeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.idempotency[tradeID]
	return ok, nil
}

func (s *idempotencyStore) Mark(ctx context.Context, rec persistence.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idempotency[rec.TradeID]; ok {
		return fmt.Errorf("trade %s already marked: %w", rec.TradeID, persistence.ErrDuplicate)
	}
	s.idempotency[rec.TradeID] = rec
	return nil
}

type upiStore Store

func (s *upiStore) Active(ctx context.Context, key domain.PositionKey) (*persistence.UPIRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gens := s.upis[key]
	for i := len(gens) - 1; i >= 0; i-- {
		if gens[i].TerminatedAt == nil {
			rec := gens[i]
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("active UPI for %s: %w", key, persistence.ErrNotFound)
}

func (s *upiStore) Open(ctx context.Context, key domain.PositionKey, upi string, at time.Time) (*persistence.UPIRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := persistence.UPIRecord{
		PositionKey: key,
		Generation:  int64(len(s.upis[key]) + 1),
		UPI:         upi,
		CreatedAt:   at,
	}
	s.upis[key] = append(s.upis[key], rec)
	return &rec, nil
}

func (s *upiStore) Terminate(ctx context.Context, key domain.PositionKey, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gens := s.upis[key]
	for i := range gens {
		if gens[i].TerminatedAt == nil {
			t := at
			gens[i].TerminatedAt = &t
		}
	}
	return nil
}

// Generations returns the UPI history for a key (test helper).
func (s *Store) Generations(key domain.PositionKey) []persistence.UPIRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.UPIRecord(nil), s.upis[key]...)
}
