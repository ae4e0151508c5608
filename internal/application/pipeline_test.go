package application

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/engine"
	"github.com/tradeflow/positionengine/internal/persistence"
	"github.com/tradeflow/positionengine/internal/persistence/memstore"
	"github.com/tradeflow/positionengine/internal/stream"
)

func testPipeline(t *testing.T) (*Pipeline, *memstore.Store, *stream.MemBus) {
	t.Helper()
	store := memstore.New()
	bus := stream.NewMemBus()

	backoff := engine.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxRetries: 2}
	processor := engine.NewProcessor(engine.ProcessorDeps{
		Stores:     store.Stores(),
		UnitOfWork: store,
		Producer:   bus,
		Backoff:    backoff,
	})
	replayer := engine.NewReplayer(engine.ReplayerDeps{
		Stores:     store.Stores(),
		UnitOfWork: store,
		Locks:      processor.Locks(),
		Producer:   bus,
		Backoff:    backoff,
	})
	pipeline := NewPipeline(PipelineDeps{
		Processor:  processor,
		Replayer:   replayer,
		Bus:        bus,
		Logger:     zerolog.Nop(),
		RetryDelay: 5 * time.Millisecond,
	})
	require.NoError(t, pipeline.Start(context.Background()))
	t.Cleanup(func() { _ = pipeline.Stop(context.Background()) })
	return pipeline, store, bus
}

func publishTrade(t *testing.T, bus *stream.MemBus, trade domain.Trade) {
	t.Helper()
	payload, err := json.Marshal(trade)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), stream.TopicTradesInbound, string(trade.Key()), payload, nil))
}

func qty(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestPipelineAppliesInboundTrades(t *testing.T) {
	_, store, bus := testPipeline(t)
	today := domain.Today()

	trade := domain.Trade{
		ID: "T1", Account: "ACC1", Instrument: "IBM.N", Currency: "USD",
		Direction: domain.DirectionLong, Type: domain.TradeTypeNew,
		Quantity: qty("100"), Price: qty("10"), EffectiveDate: today,
	}
	publishTrade(t, bus, trade)

	snap, err := store.Stores().Snapshots.Get(context.Background(), trade.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.LastVersion)
	assert.Len(t, bus.Messages(stream.TopicTradesApplied), 1)
}

func TestPipelineDeadLettersInvalidTrades(t *testing.T) {
	_, _, bus := testPipeline(t)

	require.NoError(t, bus.Publish(context.Background(), stream.TopicTradesInbound, "k", []byte("not json"), nil))

	dlq := bus.Messages(stream.TopicDeadLetter)
	require.Len(t, dlq, 1)
	assert.Equal(t, string(domain.KindValidationFailed), dlq[0].Headers["errorKind"])

	// Well-formed JSON, business-invalid trade.
	publishTrade(t, bus, domain.Trade{ID: "T-bad"})
	dlq = bus.Messages(stream.TopicDeadLetter)
	require.Len(t, dlq, 2)
	assert.Equal(t, string(domain.KindValidationFailed), dlq[1].Headers["errorKind"])
}

func TestPipelineReconcilesBackdatedAsync(t *testing.T) {
	_, store, bus := testPipeline(t)
	today := domain.Today()

	open := domain.Trade{
		ID: "T1", Account: "ACC1", Instrument: "IBM.N", Currency: "USD",
		Direction: domain.DirectionLong, Type: domain.TradeTypeNew,
		Quantity: qty("100"), Price: qty("10"), EffectiveDate: today.AddDays(-10),
	}
	publishTrade(t, bus, open)

	reduce := open
	reduce.ID = "T2"
	reduce.Type = domain.TradeTypeDecrease
	reduce.Quantity = qty("50")
	reduce.Price = qty("20")
	reduce.EffectiveDate = today.AddDays(-2)
	publishTrade(t, bus, reduce)

	// Lands before the stream's latest effective date, so the hotpath
	// writes a provisional snapshot and hands off to the coldpath.
	backdated := open
	backdated.ID = "T3"
	backdated.Type = domain.TradeTypeIncrease
	backdated.Quantity = qty("50")
	backdated.Price = qty("30")
	backdated.EffectiveDate = today.AddDays(-5)
	publishTrade(t, bus, backdated)

	// The provisional snapshot is written synchronously; the coldpath
	// reconciliation runs on the worker.
	key := open.Key()
	assert.Eventually(t, func() bool {
		snap, err := store.Stores().Snapshots.Get(context.Background(), key)
		return err == nil && snap.ReconStatus == persistence.ReconReconciled && snap.LastVersion == 4
	}, 5*time.Second, 10*time.Millisecond, "backdated trade never reconciled")

	snap, err := store.Stores().Snapshots.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, snap.Summary.TotalQty.Equal(qty("100")))
	assert.Len(t, bus.Messages(stream.TopicCorrected), 1)
}

func TestPipelineAppliesResets(t *testing.T) {
	_, store, bus := testPipeline(t)
	today := domain.Today()

	trade := domain.Trade{
		ID: "T1", Account: "ACC1", Instrument: "IBM.N", Currency: "USD",
		Direction: domain.DirectionLong, Type: domain.TradeTypeNew,
		Quantity: qty("100"), Price: qty("10"), EffectiveDate: today,
	}
	publishTrade(t, bus, trade)

	reset := domain.PriceReset{PositionKey: trade.Key(), Price: qty("12"), EffectiveDate: today}
	payload, err := json.Marshal(reset)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), stream.TopicResets, string(trade.Key()), payload, nil))

	snap, err := store.Stores().Snapshots.Get(context.Background(), trade.Key())
	require.NoError(t, err)
	assert.True(t, snap.Summary.Exposure.Equal(qty("1200")))
}
