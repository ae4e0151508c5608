package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/persistence"
	"github.com/tradeflow/positionengine/internal/stream"
)

// applyProvisional handles a backdated trade on the hotpath: write a
// dirty estimate so readers see the position move immediately, mark the
// snapshot PROVISIONAL, and hand the trade to the coldpath channel for
// authoritative reconciliation.
//
// The estimate applies the trade's delta against the CURRENT open lots,
// not the lots that existed at the backdated date. That approximation
// is deliberate: exactness is the coldpath's job.
func (p *Processor) applyProvisional(ctx context.Context, key domain.PositionKey,
	trade domain.Trade, snap *persistence.Snapshot) (*ApplyResult, error) {

	if snap == nil {
		// Classification only yields BACKDATED when a snapshot exists.
		return nil, domain.NewError(domain.KindFatalSystem, trade.CorrelationID,
			"backdated trade without a snapshot")
	}

	state, err := inflateSnapshot(key, snap, trade)
	if err != nil {
		return nil, domain.WrapError(domain.KindFatalSystem, trade.CorrelationID, "snapshot inflation failed", err)
	}
	dir := snap.Direction
	status := snap.Status

	var alloc domain.AllocationResult
	transition, err := p.sm.Evaluate(machineStateOf(snap), dir, state.TotalQty(), trade)
	switch {
	case err != nil:
		// The authoritative verdict belongs to the replay; keep the
		// snapshot's lots and let the coldpath reject or apply.
		p.log.Warn().Err(err).Str("trade_id", trade.ID).Msg("provisional estimate skipped")
	case transition.Action == domain.ActionFlip:
		p.log.Warn().Str("trade_id", trade.ID).Msg("backdated direction change, estimate skipped")
	default:
		estimated, _, estStatus, execErr := p.execute(ctx, state, trade, transition)
		if execErr != nil {
			p.log.Warn().Err(execErr).Str("trade_id", trade.ID).Msg("provisional estimate failed")
		} else {
			alloc = estimated
			status = estStatus
		}
	}

	version := snap.LastVersion + 1
	event := buildEvent(key, version, persistence.EventProvisionalApplied, trade, alloc)
	next := p.buildSnapshot(snap, key, dir, state, status, event, alloc, trade)
	next.ReconStatus = persistence.ReconProvisional
	next.ProvisionalTradeID = trade.ID

	err = p.inTxThroughBreaker(ctx, trade.CorrelationID, func(ctx context.Context, tx persistence.Stores) error {
		if err := tx.Events.Append(ctx, event); err != nil {
			return err
		}
		if err := tx.Snapshots.Write(ctx, next, snap.OptLock); err != nil {
			return err
		}
		return tx.Idempotency.Mark(ctx, persistence.IdempotencyRecord{
			TradeID:     trade.ID,
			PositionKey: key,
			Version:     version,
			ProcessedAt: event.OccurredAt,
			Status:      "PROCESSED",
		})
	})
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			p.log.Debug().Str("trade_id", trade.ID).Msg("duplicate backdated trade detected at commit")
			return &ApplyResult{Classification: domain.Backdated, Duplicate: true}, nil
		}
		return nil, err
	}

	p.metrics.TradeApplied("hot", string(persistence.EventProvisionalApplied))
	p.metrics.ProvisionalOpened()
	p.publishEvent(ctx, stream.TopicProvisional, event)
	p.publishBackdated(ctx, key, trade)
	p.log.Info().
		Str("position_key", string(key)).
		Str("trade_id", trade.ID).
		Int64("version", version).
		Msg("provisional snapshot written, trade routed to coldpath")

	return &ApplyResult{
		Classification: domain.Backdated,
		Snapshot:       next,
		Events:         []persistence.Event{event},
		Allocations:    alloc,
		Provisional:    true,
	}, nil
}

func (p *Processor) publishBackdated(ctx context.Context, key domain.PositionKey, trade domain.Trade) {
	if p.producer == nil {
		return
	}
	payload, err := json.Marshal(trade)
	if err != nil {
		p.log.Error().Err(err).Str("trade_id", trade.ID).Msg("backdated trade marshal failed")
		return
	}
	headers := map[string]string{"correlationId": trade.CorrelationID}
	if err := p.producer.Publish(ctx, stream.TopicTradesBackdated, string(key), payload, headers); err != nil {
		p.log.Error().Err(err).Str("trade_id", trade.ID).Msg("backdated publish failed")
	}
}
