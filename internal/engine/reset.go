package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/persistence"
	"github.com/tradeflow/positionengine/internal/stream"
)

// ProcessReset re-marks every open lot's current reference price and
// records a RESET event. Resets follow the same apply protocol as
// trades: per-key lock, event append, optimistic snapshot write.
func (p *Processor) ProcessReset(ctx context.Context, reset domain.PriceReset) (*persistence.Snapshot, error) {
	if reset.CorrelationID == "" {
		reset.CorrelationID = uuid.NewString()
	}
	if !reset.PositionKey.Valid() {
		return nil, domain.NewError(domain.KindValidationFailed, reset.CorrelationID,
			fmt.Sprintf("invalid position key %q", reset.PositionKey))
	}
	if reset.Price.Sign() <= 0 {
		return nil, domain.NewError(domain.KindValidationFailed, reset.CorrelationID, "reset price must be positive")
	}

	unlock := p.locks.Lock(reset.PositionKey)
	defer unlock()

	for attempt := 0; ; attempt++ {
		snap, err := p.resetOnce(ctx, reset)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, persistence.ErrVersionConflict) {
			return nil, err
		}
		p.metrics.VersionConflict()
		if attempt >= p.backoff.MaxRetries {
			return nil, domain.WrapError(domain.KindTransientConflict, reset.CorrelationID,
				fmt.Sprintf("price reset conflicted after %d retries", attempt), err)
		}
		if err := p.backoff.Sleep(ctx, attempt); err != nil {
			return nil, domain.WrapError(domain.KindRetryable, reset.CorrelationID, "cancelled during retry backoff", err)
		}
	}
}

func (p *Processor) resetOnce(ctx context.Context, reset domain.PriceReset) (*persistence.Snapshot, error) {
	key := reset.PositionKey
	snap, err := p.stores.Snapshots.Get(ctx, key)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, domain.NewError(domain.KindValidationFailed, reset.CorrelationID,
				fmt.Sprintf("no position for key %s", key))
		}
		return nil, domain.WrapError(domain.KindRetryable, reset.CorrelationID, "snapshot load failed", err)
	}
	if snap.Status == persistence.StatusTerminated {
		return nil, domain.NewError(domain.KindStateMachineInvalid, reset.CorrelationID,
			fmt.Sprintf("position %s is terminated", key))
	}

	state, err := domain.Inflate(key, snap.Direction, snap.Lots)
	if err != nil {
		return nil, domain.WrapError(domain.KindFatalSystem, reset.CorrelationID, "snapshot inflation failed", err)
	}
	p.lots.ResetPrices(state, reset.Price)

	// Resets carry a synthetic payload so replay can re-mark from the
	// same event stream.
	payload := domain.Trade{
		ID:            fmt.Sprintf("reset::%s::%s", key, reset.EffectiveDate),
		PositionKey:   key,
		Price:         reset.Price,
		EffectiveDate: reset.EffectiveDate,
		CorrelationID: reset.CorrelationID,
	}
	version := snap.LastVersion + 1
	event := buildEvent(key, version, persistence.EventReset, payload, domain.AllocationResult{})

	next := *snap
	next.LastVersion = version
	next.Lots = state.Compress()
	next.Schedule = cloneSchedule(snap.Schedule)
	next.Schedule.Upsert(reset.EffectiveDate, state.TotalQty(), state.WeightedAvgPrice(avgPriceScale(state)))
	next.Summary = persistence.SummaryMetrics{
		TotalQty:          state.TotalQty(),
		Exposure:          state.Exposure(),
		OpenLots:          state.OpenLotCount(),
		RealizedPnL:       snap.Summary.RealizedPnL,
		LastEventType:     persistence.EventReset,
		LastEffectiveDate: reset.EffectiveDate,
	}

	err = p.inTxThroughBreaker(ctx, reset.CorrelationID, func(ctx context.Context, tx persistence.Stores) error {
		if err := tx.Events.Append(ctx, event); err != nil {
			return err
		}
		return tx.Snapshots.Write(ctx, &next, snap.OptLock)
	})
	if err != nil {
		return nil, err
	}

	p.metrics.TradeApplied("hot", string(persistence.EventReset))
	p.publishEvent(ctx, stream.TopicTradesApplied, event)
	p.log.Info().
		Str("position_key", string(key)).
		Str("price", reset.Price.String()).
		Int64("version", version).
		Time("at", time.Now().UTC()).
		Msg("price reset applied")
	return &next, nil
}
