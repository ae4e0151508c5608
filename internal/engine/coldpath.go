package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/metrics"
	"github.com/tradeflow/positionengine/internal/persistence"
	"github.com/tradeflow/positionengine/internal/stream"
)

// Correction is the message published after a backdated trade has been
// reconciled: the summary before and after the replay, plus the
// quantity delta against the provisional estimate.
type Correction struct {
	PositionKey    domain.PositionKey         `json:"positionKey"`
	TradeID        string                     `json:"tradeId"`
	CorrelationID  string                     `json:"correlationId"`
	AppliedVersion int64                      `json:"appliedVersion"`
	Before         persistence.SummaryMetrics `json:"before"`
	After          persistence.SummaryMetrics `json:"after"`
	DeltaQty       decimal.Decimal            `json:"deltaQty"`
	OccurredAt     time.Time                  `json:"occurredAt"`
}

// Replayer is the coldpath: it slots a backdated trade into its
// chronological place, replays the whole stream from empty, and
// replaces the provisional snapshot with the reconciled one. It shares
// the hotpath's per-key locks so replay and apply never interleave on
// one key.
type Replayer struct {
	stores   persistence.Stores
	uow      persistence.UnitOfWork
	locks    *KeyLocks
	rules    ContractRulesProvider
	lots     *domain.LotEngine
	producer stream.Producer
	backoff  Backoff
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// ReplayerDeps carries the replayer's collaborators.
type ReplayerDeps struct {
	Stores     persistence.Stores
	UnitOfWork persistence.UnitOfWork
	Locks      *KeyLocks
	Rules      ContractRulesProvider
	Producer   stream.Producer
	Backoff    Backoff
	// ReplaysPerSecond throttles reconciliations so a large backfill
	// cannot starve the hotpath pools. Zero disables the limiter.
	ReplaysPerSecond float64
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// NewReplayer wires the coldpath.
func NewReplayer(deps ReplayerDeps) *Replayer {
	if deps.Locks == nil {
		deps.Locks = NewKeyLocks()
	}
	if deps.Rules == nil {
		deps.Rules = NewStaticRules(nil)
	}
	if deps.Backoff.MaxRetries == 0 {
		deps.Backoff = DefaultBackoff()
	}
	var limiter *rate.Limiter
	if deps.ReplaysPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(deps.ReplaysPerSecond), 1)
	}
	return &Replayer{
		stores:   deps.Stores,
		uow:      deps.UnitOfWork,
		locks:    deps.Locks,
		rules:    deps.Rules,
		lots:     domain.NewLotEngine(),
		producer: deps.Producer,
		backoff:  deps.Backoff,
		limiter:  limiter,
		metrics:  deps.Metrics,
		log:      deps.Logger,
	}
}

// Reconcile consumes one backdated trade: insert, replay, overwrite.
// Pre-existing events are never rewritten or deleted; the trade is only
// appended with the next version number.
func (r *Replayer) Reconcile(ctx context.Context, trade domain.Trade) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return domain.WrapError(domain.KindRetryable, trade.CorrelationID, "cancelled awaiting replay slot", err)
		}
	}
	start := time.Now()
	key := trade.Key()

	unlock := r.locks.Lock(key)
	defer unlock()

	for attempt := 0; ; attempt++ {
		err := r.reconcileOnce(ctx, key, trade, start)
		if err == nil {
			return nil
		}
		if !errors.Is(err, persistence.ErrVersionConflict) {
			return err
		}
		r.metrics.VersionConflict()
		if attempt >= r.backoff.MaxRetries {
			return domain.WrapError(domain.KindTransientConflict, trade.CorrelationID,
				fmt.Sprintf("reconciliation conflicted after %d retries", attempt), err)
		}
		if err := r.backoff.Sleep(ctx, attempt); err != nil {
			return domain.WrapError(domain.KindRetryable, trade.CorrelationID, "cancelled during retry backoff", err)
		}
	}
}

func (r *Replayer) reconcileOnce(ctx context.Context, key domain.PositionKey, trade domain.Trade, start time.Time) error {
	prior, err := r.stores.Snapshots.Get(ctx, key)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return domain.NewError(domain.KindFatalSystem, trade.CorrelationID,
				fmt.Sprintf("backdated trade %s for %s has no snapshot", trade.ID, key))
		}
		return domain.WrapError(domain.KindRetryable, trade.CorrelationID, "snapshot load failed", err)
	}

	// Dedup: an event already carrying this trade id means a previous
	// reconciliation completed. The PROVISIONAL_APPLIED marker does not
	// count; it shares the trade id by design.
	reconciled, err := r.stores.Events.HasTradeID(ctx, key, trade.ID)
	if err != nil {
		return domain.WrapError(domain.KindRetryable, trade.CorrelationID, "dedup check failed", err)
	}
	if reconciled {
		r.log.Debug().Str("trade_id", trade.ID).Msg("backdated trade already reconciled")
		return nil
	}

	events, err := r.stores.Events.LoadForReplay(ctx, key)
	if err != nil {
		return domain.WrapError(domain.KindRetryable, trade.CorrelationID, "event stream load failed", err)
	}
	var maxVersion int64
	for i := range events {
		if events[i].Version > maxVersion {
			maxVersion = events[i].Version
		}
	}

	// The new event takes the next version number, never a back-filled
	// one: versions stay dense while replay order remains
	// (effective_date, event_version). A backdated trade on an already
	// populated date therefore lands after the existing same-date
	// events.
	newEvent := buildEvent(key, maxVersion+1, eventTypeOf(trade.Type), trade, domain.AllocationResult{})
	replayList := spliceForReplay(events, newEvent)

	outcome, err := ReplayEvents(ctx, key, prior.Direction, prior.Currency, replayList, r.rules, r.lots)
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return err
		}
		return domain.WrapError(domain.KindFatalSystem, trade.CorrelationID, "replay failed", err)
	}
	newEvent.MetaLots = outcome.Allocations[newEvent.Version]

	next := r.buildReconciledSnapshot(prior, key, newEvent.Version, outcome)

	err = r.uow.InTx(ctx, func(ctx context.Context, tx persistence.Stores) error {
		if err := tx.Events.Append(ctx, newEvent); err != nil {
			return err
		}
		if err := tx.Snapshots.Write(ctx, next, prior.OptLock); err != nil {
			return err
		}
		// The provisional write already marked this trade id; the
		// collision is expected and the existing record stands.
		markErr := tx.Idempotency.Mark(ctx, persistence.IdempotencyRecord{
			TradeID:     trade.ID,
			PositionKey: key,
			Version:     newEvent.Version,
			ProcessedAt: newEvent.OccurredAt,
			Status:      "PROCESSED",
		})
		if markErr != nil && !errors.Is(markErr, persistence.ErrDuplicate) {
			return markErr
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, persistence.ErrVersionConflict) {
			return err
		}
		if isInfrastructureError(err) {
			return domain.WrapError(domain.KindRetryable, trade.CorrelationID, "reconciled write failed", err)
		}
		return err
	}

	if prior.ReconStatus == persistence.ReconProvisional {
		r.metrics.ProvisionalResolved()
	}
	r.metrics.TradeApplied("cold", string(newEvent.Type))
	r.metrics.ColdpathReplay(time.Since(start))
	r.publishCorrection(ctx, key, trade, newEvent.Version, prior.Summary, next.Summary)
	r.log.Info().
		Str("position_key", string(key)).
		Str("trade_id", trade.ID).
		Int64("version", newEvent.Version).
		Dur("elapsed", time.Since(start)).
		Msg("backdated trade reconciled")
	return nil
}

// spliceForReplay inserts the new event into an already replay-ordered
// stream at its (effective_date, version) place.
func spliceForReplay(events []persistence.Event, newEvent persistence.Event) []persistence.Event {
	idx := sort.Search(len(events), func(i int) bool {
		if !events[i].EffectiveDate.Equal(newEvent.EffectiveDate) {
			return events[i].EffectiveDate.After(newEvent.EffectiveDate)
		}
		return events[i].Version > newEvent.Version
	})
	out := make([]persistence.Event, 0, len(events)+1)
	out = append(out, events[:idx]...)
	out = append(out, newEvent)
	out = append(out, events[idx:]...)
	return out
}

func (r *Replayer) buildReconciledSnapshot(prior *persistence.Snapshot, key domain.PositionKey,
	lastVersion int64, outcome *ReplayOutcome) *persistence.Snapshot {

	return &persistence.Snapshot{
		PositionKey: key,
		LastVersion: lastVersion,
		UPI:         prior.UPI,
		Status:      outcome.Status,
		ReconStatus: persistence.ReconReconciled,
		Direction:   prior.Direction,
		Lots:        outcome.State.Compress(),
		Summary: persistence.SummaryMetrics{
			TotalQty:          outcome.State.TotalQty(),
			Exposure:          outcome.State.Exposure(),
			OpenLots:          outcome.State.OpenLotCount(),
			RealizedPnL:       outcome.RealizedPnL,
			LastEventType:     outcome.LastEventType,
			LastEffectiveDate: outcome.LastEffectiveDate,
		},
		Schedule:   *outcome.Schedule,
		Account:    prior.Account,
		Instrument: prior.Instrument,
		Currency:   prior.Currency,
		ContractID: prior.ContractID,
	}
}

func (r *Replayer) publishCorrection(ctx context.Context, key domain.PositionKey, trade domain.Trade,
	version int64, before, after persistence.SummaryMetrics) {

	if r.producer == nil {
		return
	}
	correction := Correction{
		PositionKey:    key,
		TradeID:        trade.ID,
		CorrelationID:  trade.CorrelationID,
		AppliedVersion: version,
		Before:         before,
		After:          after,
		DeltaQty:       after.TotalQty.Sub(before.TotalQty),
		OccurredAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(correction)
	if err != nil {
		r.log.Error().Err(err).Str("trade_id", trade.ID).Msg("correction marshal failed")
		return
	}
	headers := map[string]string{
		"correlationId": trade.CorrelationID,
		"eventType":     string(persistence.EventHistoricalCorrection),
	}
	if err := r.producer.Publish(ctx, stream.TopicCorrected, string(key), payload, headers); err != nil {
		r.log.Error().Err(err).Str("trade_id", trade.ID).Msg("correction publish failed")
	}
}

func eventTypeOf(tt domain.TradeType) persistence.EventType {
	switch tt {
	case domain.TradeTypeIncrease:
		return persistence.EventIncrease
	case domain.TradeTypeDecrease:
		return persistence.EventDecrease
	default:
		return persistence.EventNewTrade
	}
}
