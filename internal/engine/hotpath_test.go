package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/persistence"
	"github.com/tradeflow/positionengine/internal/persistence/memstore"
	"github.com/tradeflow/positionengine/internal/stream"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type harness struct {
	store     *memstore.Store
	bus       *stream.MemBus
	processor *Processor
	replayer  *Replayer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	bus := stream.NewMemBus()
	require.NoError(t, bus.Start(context.Background()))

	backoff := Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxRetries: 3}
	processor := NewProcessor(ProcessorDeps{
		Stores:     store.Stores(),
		UnitOfWork: store,
		Producer:   bus,
		Backoff:    backoff,
	})
	replayer := NewReplayer(ReplayerDeps{
		Stores:     store.Stores(),
		UnitOfWork: store,
		Locks:      processor.Locks(),
		Producer:   bus,
		Backoff:    backoff,
	})
	return &harness{store: store, bus: bus, processor: processor, replayer: replayer}
}

func longTrade(id string, tt domain.TradeType, qty, price string, eff domain.Date) domain.Trade {
	return domain.Trade{
		ID:            id,
		Account:       "ACC1",
		Instrument:    "IBM.N",
		Currency:      "USD",
		Direction:     domain.DirectionLong,
		Type:          tt,
		Quantity:      d(qty),
		Price:         d(price),
		EffectiveDate: eff,
	}
}

func TestProcessLifecycleOpenGrowReduceClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	today := domain.Today()
	key := longTrade("T1", domain.TradeTypeNew, "1", "1", today).Key()

	res, err := h.processor.Process(ctx, longTrade("T1", domain.TradeTypeNew, "100", "10", today))
	require.NoError(t, err)
	assert.Equal(t, domain.CurrentDated, res.Classification)
	assert.Equal(t, int64(1), res.Snapshot.LastVersion)
	assert.Equal(t, "T1", res.Snapshot.UPI, "UPI derived from the opening trade id")
	assert.Equal(t, persistence.StatusActive, res.Snapshot.Status)
	assert.Equal(t, persistence.ReconReconciled, res.Snapshot.ReconStatus)

	res, err = h.processor.Process(ctx, longTrade("T2", domain.TradeTypeIncrease, "50", "12", today))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Snapshot.LastVersion)
	assert.True(t, res.Snapshot.Summary.TotalQty.Equal(d("150")))
	assert.Equal(t, 2, res.Snapshot.Summary.OpenLots)

	res, err = h.processor.Process(ctx, longTrade("T3", domain.TradeTypeDecrease, "30", "15", today))
	require.NoError(t, err)
	assert.True(t, res.Snapshot.Summary.TotalQty.Equal(d("120")))
	// FIFO: 30 from the 10.00 lot.
	assert.True(t, res.Allocations.TotalRealizedPnL.Equal(d("150")), "got %s", res.Allocations.TotalRealizedPnL)
	assert.True(t, res.Snapshot.Summary.RealizedPnL.Equal(d("150")))

	res, err = h.processor.Process(ctx, longTrade("T4", domain.TradeTypeDecrease, "120", "15", today))
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusTerminated, res.Snapshot.Status)
	assert.Equal(t, persistence.EventPositionClosed, res.Snapshot.Summary.LastEventType)
	assert.True(t, res.Snapshot.Summary.TotalQty.IsZero())
	// 70 more from the 10.00 lot, all 50 of the 12.00 lot.
	assert.True(t, res.Snapshot.Summary.RealizedPnL.Equal(d("650")), "got %s", res.Snapshot.Summary.RealizedPnL)

	assert.Equal(t, 4, h.store.EventCount(key), "snapshot version equals persisted event count")
	snap, err := h.store.Stores().Snapshots.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.LastVersion)

	entry, ok := snap.Schedule.At(today)
	require.True(t, ok)
	assert.True(t, entry.Quantity.IsZero())

	gens := h.store.Generations(key)
	require.Len(t, gens, 1)
	assert.Nil(t, gens[0].TerminatedAt, "plain close keeps the generation on record")
}

func TestProcessDuplicateTradeID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	today := domain.Today()
	trade := longTrade("T1", domain.TradeTypeNew, "100", "10", today)
	key := trade.Key()

	first, err := h.processor.Process(ctx, trade)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	// Re-delivery with different payload still dedupes on the id.
	redelivered := trade
	redelivered.Quantity = d("999")
	second, err := h.processor.Process(ctx, redelivered)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, h.store.EventCount(key))
}

// blindIdempotency always misses on the read-side checks, so only the
// commit-time insert can arbitrate duplicates.
type blindIdempotency struct {
	persistence.IdempotencyStore
}

func (b blindIdempotency) IsProcessed(ctx context.Context, tradeID string) (bool, error) {
	return false, nil
}

func TestDuplicateArbitratedAtCommit(t *testing.T) {
	store := memstore.New()
	stores := store.Stores()
	stores.Idempotency = blindIdempotency{stores.Idempotency}
	processor := NewProcessor(ProcessorDeps{
		Stores:     stores,
		UnitOfWork: store,
		Backoff:    Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxRetries: 3},
	})
	ctx := context.Background()
	today := domain.Today()

	open := longTrade("T1", domain.TradeTypeNew, "100", "10", today)
	key := open.Key()
	_, err := processor.Process(ctx, open)
	require.NoError(t, err)

	grow := longTrade("T2", domain.TradeTypeIncrease, "50", "12", today)
	res, err := processor.Process(ctx, grow)
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	// Redelivered with every read-side check blind: the transaction's
	// idempotency insert collides, the whole unit rolls back, and the
	// caller gets silent duplicate success.
	res, err = processor.Process(ctx, grow)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 2, store.EventCount(key))

	snap, err := store.Stores().Snapshots.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.LastVersion)
	assert.True(t, snap.Summary.TotalQty.Equal(d("150")), "got %s", snap.Summary.TotalQty)
}

// gatedIdempotency forces the first two checks to miss and to
// rendezvous, reproducing two deliveries of one trade id racing ahead
// of each other's commit. Later checks hit the real store.
type gatedIdempotency struct {
	persistence.IdempotencyStore
	mu   sync.Mutex
	miss int
	both chan struct{}
}

func (g *gatedIdempotency) IsProcessed(ctx context.Context, tradeID string) (bool, error) {
	g.mu.Lock()
	if g.miss < 2 {
		g.miss++
		n := g.miss
		g.mu.Unlock()
		if n == 2 {
			close(g.both)
		}
		select {
		case <-g.both:
		case <-time.After(5 * time.Second):
		}
		return false, nil
	}
	g.mu.Unlock()
	return g.IdempotencyStore.IsProcessed(ctx, tradeID)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	store := memstore.New()
	stores := store.Stores()
	gate := &gatedIdempotency{IdempotencyStore: stores.Idempotency, both: make(chan struct{})}
	stores.Idempotency = gate
	processor := NewProcessor(ProcessorDeps{
		Stores:     stores,
		UnitOfWork: store,
		Backoff:    Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxRetries: 3},
	})
	ctx := context.Background()
	trade := longTrade("T1", domain.TradeTypeNew, "100", "10", domain.Today())
	key := trade.Key()

	results := make([]*ApplyResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = processor.Process(ctx, trade)
		}(i)
	}
	wg.Wait()

	duplicates := 0
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i], "a duplicate delivery must succeed silently")
		if results[i].Duplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, duplicates, "exactly one delivery applies")
	assert.Equal(t, 1, store.EventCount(key))

	snap, err := store.Stores().Snapshots.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.LastVersion)
	assert.True(t, snap.Summary.TotalQty.Equal(d("100")))
}

func TestProcessValidationFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.processor.Process(context.Background(), domain.Trade{ID: "T1"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidationFailed))

	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.NotEmpty(t, de.Reasons)
	assert.NotEmpty(t, de.CorrelationID, "correlation id assigned when missing")
}

func TestProcessReductionPastZeroBlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	today := domain.Today()

	_, err := h.processor.Process(ctx, longTrade("T1", domain.TradeTypeNew, "100", "10", today))
	require.NoError(t, err)

	over := longTrade("T2", domain.TradeTypeDecrease, "150", "12", today)
	over.NoDirectionChange = true
	_, err = h.processor.Process(ctx, over)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInsufficientQuantity))

	snap, err := h.store.Stores().Snapshots.Get(ctx, over.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.LastVersion, "failed trade writes nothing")
	assert.True(t, snap.Summary.TotalQty.Equal(d("100")))
}

func TestProcessDirectionChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	today := domain.Today()

	_, err := h.processor.Process(ctx, longTrade("T1", domain.TradeTypeNew, "100", "10", today))
	require.NoError(t, err)

	res, err := h.processor.Process(ctx, longTrade("T2", domain.TradeTypeDecrease, "150", "12", today))
	require.NoError(t, err)
	require.NotNil(t, res.FlipSnapshot)
	require.Len(t, res.Events, 2)

	longKey := res.Snapshot.PositionKey
	shortKey := res.FlipSnapshot.PositionKey
	assert.NotEqual(t, longKey, shortKey)

	// Close leg under the client trade id.
	assert.Equal(t, persistence.EventPositionClosed, res.Events[0].Type)
	assert.Equal(t, "T2", res.Events[0].Payload.ID)
	assert.Equal(t, persistence.StatusTerminated, res.Snapshot.Status)
	assert.True(t, res.Snapshot.Summary.TotalQty.IsZero())
	// (12-10) * 100
	assert.True(t, res.Snapshot.Summary.RealizedPnL.Equal(d("200")))

	// Open leg on the opposite key for the overshoot.
	assert.Equal(t, persistence.EventNewTrade, res.Events[1].Type)
	assert.Equal(t, "T2::flip", res.Events[1].Payload.ID)
	assert.Equal(t, "T2", res.Events[1].CausationID)
	assert.Equal(t, res.Events[0].CorrelationID, res.Events[1].CorrelationID, "legs share a correlation id")
	assert.Equal(t, domain.DirectionShort, res.FlipSnapshot.Direction)
	assert.True(t, res.FlipSnapshot.Summary.TotalQty.Equal(d("50")))
	assert.Equal(t, "T2::flip", res.FlipSnapshot.UPI)

	longGens := h.store.Generations(longKey)
	require.Len(t, longGens, 1)
	assert.NotNil(t, longGens[0].TerminatedAt, "flip retires the closed side's generation")
	shortGens := h.store.Generations(shortKey)
	require.Len(t, shortGens, 1)
	assert.Nil(t, shortGens[0].TerminatedAt)

	// Both marks exist: redelivery of either id is a no-op.
	dup, err := h.processor.Process(ctx, longTrade("T2", domain.TradeTypeDecrease, "150", "12", today))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

func TestProcessReopenMintsNewGeneration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	today := domain.Today()
	key := longTrade("T1", domain.TradeTypeNew, "1", "1", today).Key()

	_, err := h.processor.Process(ctx, longTrade("T1", domain.TradeTypeNew, "100", "10", today))
	require.NoError(t, err)
	_, err = h.processor.Process(ctx, longTrade("T2", domain.TradeTypeDecrease, "100", "11", today))
	require.NoError(t, err)

	res, err := h.processor.Process(ctx, longTrade("T3", domain.TradeTypeNew, "40", "12", today))
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusActive, res.Snapshot.Status)
	assert.Equal(t, "T3", res.Snapshot.UPI)
	assert.Equal(t, int64(3), res.Snapshot.LastVersion, "stream continues across termination")

	gens := h.store.Generations(key)
	require.Len(t, gens, 2)
	assert.NotNil(t, gens[0].TerminatedAt)
	assert.Nil(t, gens[1].TerminatedAt)
	assert.Equal(t, "T3", gens[1].UPI)
}

func TestProcessForwardDated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	today := domain.Today()

	_, err := h.processor.Process(ctx, longTrade("T1", domain.TradeTypeNew, "100", "10", today))
	require.NoError(t, err)

	res, err := h.processor.Process(ctx, longTrade("T2", domain.TradeTypeIncrease, "50", "12", today.AddDays(5)))
	require.NoError(t, err)
	assert.Equal(t, domain.ForwardDated, res.Classification)
	assert.False(t, res.Provisional, "forward-dated trades apply synchronously")
	assert.True(t, res.Snapshot.Summary.TotalQty.Equal(d("150")))

	entry, ok := res.Snapshot.Schedule.At(today.AddDays(5))
	require.True(t, ok)
	assert.True(t, entry.Quantity.Equal(d("150")))
}

func TestProcessPublishesAppliedEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.processor.Process(ctx, longTrade("T1", domain.TradeTypeNew, "100", "10", domain.Today()))
	require.NoError(t, err)

	msgs := h.bus.Messages(stream.TopicTradesApplied)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(persistence.EventNewTrade), msgs[0].Headers["eventType"])
	assert.NotEmpty(t, msgs[0].Headers["correlationId"])
}

func TestProcessResetRemarksOpenLots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	today := domain.Today()
	trade := longTrade("T1", domain.TradeTypeNew, "100", "10", today)
	key := trade.Key()

	_, err := h.processor.Process(ctx, trade)
	require.NoError(t, err)

	snap, err := h.processor.ProcessReset(ctx, domain.PriceReset{
		PositionKey:   key,
		Price:         d("13"),
		EffectiveDate: today,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.LastVersion)
	assert.True(t, snap.Summary.Exposure.Equal(d("1300")))
	assert.True(t, snap.Lots.CurrentPrices[0].Equal(d("13")))
	assert.True(t, snap.Lots.OriginalPrices[0].Equal(d("10")), "cost basis unchanged")
	assert.Equal(t, persistence.EventReset, snap.Summary.LastEventType)

	_, err = h.processor.ProcessReset(ctx, domain.PriceReset{PositionKey: "bogus", Price: d("1"), EffectiveDate: today})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidationFailed))
}
