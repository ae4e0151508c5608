package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/metrics"
	"github.com/tradeflow/positionengine/internal/persistence"
	"github.com/tradeflow/positionengine/internal/stream"
)

// ApplyResult is what a successful hotpath apply hands back: the new
// snapshot, the events written, and the allocation detail. For a
// direction change FlipSnapshot carries the opposite key's new
// position. Duplicate is set when the trade id had already been
// processed and nothing was written.
type ApplyResult struct {
	Classification domain.Classification
	Snapshot       *persistence.Snapshot
	FlipSnapshot   *persistence.Snapshot
	Events         []persistence.Event
	Allocations    domain.AllocationResult
	Duplicate      bool
	Provisional    bool
}

// flipRequired is the internal signal that the evaluated trade crosses
// zero and must be split across both direction keys.
type flipRequired struct {
	opposite domain.PositionKey
}

func (f *flipRequired) Error() string { return "direction change required" }

// Processor is the hotpath: per-key serialized apply of current and
// forward-dated trades, plus the provisional leg of backdated ones.
type Processor struct {
	stores    persistence.Stores
	uow       persistence.UnitOfWork
	locks     *KeyLocks
	rules     ContractRulesProvider
	validator *domain.Validator
	classify  *domain.Classifier
	lots      *domain.LotEngine
	sm        *domain.StateMachine
	producer  stream.Producer
	newUPI    UPIGenerator
	backoff   Backoff
	breaker   *gobreaker.CircuitBreaker
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// ProcessorDeps carries the processor's collaborators; zero-value
// optional fields get defaults.
type ProcessorDeps struct {
	Stores     persistence.Stores
	UnitOfWork persistence.UnitOfWork
	Locks      *KeyLocks
	Rules      ContractRulesProvider
	Validator  *domain.Validator
	Producer   stream.Producer
	UPI        UPIGenerator
	Backoff    Backoff
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// NewProcessor wires the hotpath.
func NewProcessor(deps ProcessorDeps) *Processor {
	if deps.Locks == nil {
		deps.Locks = NewKeyLocks()
	}
	if deps.Rules == nil {
		deps.Rules = NewStaticRules(nil)
	}
	if deps.Validator == nil {
		deps.Validator = domain.NewValidator(365)
	}
	if deps.UPI == nil {
		deps.UPI = TradeIDUPI
	}
	if deps.Backoff.MaxRetries == 0 {
		deps.Backoff = DefaultBackoff()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "hotpath-db",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Contention and business failures are not dependency
			// failures; only infrastructure errors may trip the breaker.
			return err == nil || !isInfrastructureError(err)
		},
	})
	return &Processor{
		stores:    deps.Stores,
		uow:       deps.UnitOfWork,
		locks:     deps.Locks,
		rules:     deps.Rules,
		validator: deps.Validator,
		classify:  domain.NewClassifier(),
		lots:      domain.NewLotEngine(),
		sm:        domain.NewStateMachine(),
		producer:  deps.Producer,
		newUPI:    deps.UPI,
		backoff:   deps.Backoff,
		breaker:   breaker,
		metrics:   deps.Metrics,
		log:       deps.Logger,
	}
}

// Locks exposes the per-key lock registry so the coldpath shares it.
func (p *Processor) Locks() *KeyLocks { return p.locks }

func isInfrastructureError(err error) bool {
	var de *domain.Error
	if errors.As(err, &de) {
		return false
	}
	if errors.Is(err, persistence.ErrVersionConflict) ||
		errors.Is(err, persistence.ErrDuplicate) ||
		errors.Is(err, persistence.ErrNotFound) {
		return false
	}
	return true
}

// Process runs one trade through validation, dedup, classification and
// the apply protocol. It is safe to call concurrently; work on the same
// position key is serialized internally.
func (p *Processor) Process(ctx context.Context, trade domain.Trade) (*ApplyResult, error) {
	start := time.Now()
	if trade.CorrelationID == "" {
		trade.CorrelationID = uuid.NewString()
	}

	if err := p.validator.Validate(trade); err != nil {
		p.metrics.TradeFailed(string(domain.KindOf(err)))
		return nil, err
	}

	processed, err := p.stores.Idempotency.IsProcessed(ctx, trade.ID)
	if err != nil {
		return nil, domain.WrapError(domain.KindRetryable, trade.CorrelationID, "idempotency pre-check failed", err)
	}
	if processed {
		p.log.Debug().Str("trade_id", trade.ID).Msg("duplicate trade, skipping")
		return &ApplyResult{Duplicate: true}, nil
	}

	key := trade.Key()
	unlock := p.locks.Lock(key)
	result, err := p.processLocked(ctx, key, trade)
	unlock()

	if err != nil {
		var flip *flipRequired
		if errors.As(err, &flip) {
			result, err = p.processFlip(ctx, key, flip.opposite, trade)
		}
	}
	if err != nil {
		p.metrics.TradeFailed(string(domain.KindOf(err)))
		return nil, err
	}
	p.metrics.ObserveHotpath(time.Since(start))
	return result, nil
}

// processLocked classifies and applies under the per-key lock. The
// idempotency check is repeated here: the advisory one in Process runs
// before the lock, so a concurrent delivery of the same trade id may
// have committed while this one waited.
func (p *Processor) processLocked(ctx context.Context, key domain.PositionKey, trade domain.Trade) (*ApplyResult, error) {
	processed, err := p.stores.Idempotency.IsProcessed(ctx, trade.ID)
	if err != nil {
		return nil, domain.WrapError(domain.KindRetryable, trade.CorrelationID, "idempotency re-check failed", err)
	}
	if processed {
		p.log.Debug().Str("trade_id", trade.ID).Msg("duplicate trade, skipping")
		return &ApplyResult{Duplicate: true}, nil
	}

	for attempt := 0; ; attempt++ {
		snap, err := p.loadSnapshot(ctx, key)
		if err != nil {
			return nil, domain.WrapError(domain.KindRetryable, trade.CorrelationID, "snapshot load failed", err)
		}

		var lastEffective *domain.Date
		if snap != nil {
			d := snap.Summary.LastEffectiveDate
			lastEffective = &d
		}
		classification := p.classify.Classify(trade.EffectiveDate, lastEffective)

		var result *ApplyResult
		if classification.Hotpath() {
			result, err = p.applyOnce(ctx, key, trade, snap, classification)
		} else {
			result, err = p.applyProvisional(ctx, key, trade, snap)
		}
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, persistence.ErrVersionConflict) {
			return nil, err
		}
		p.metrics.VersionConflict()
		if attempt >= p.backoff.MaxRetries {
			return nil, domain.WrapError(domain.KindTransientConflict, trade.CorrelationID,
				fmt.Sprintf("version conflict persisted after %d retries", attempt), err)
		}
		if err := p.backoff.Sleep(ctx, attempt); err != nil {
			return nil, domain.WrapError(domain.KindRetryable, trade.CorrelationID, "cancelled during retry backoff", err)
		}
	}
}

func (p *Processor) loadSnapshot(ctx context.Context, key domain.PositionKey) (*persistence.Snapshot, error) {
	snap, err := p.stores.Snapshots.Get(ctx, key)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return snap, nil
}

// machineStateOf maps a snapshot onto the lifecycle state.
func machineStateOf(snap *persistence.Snapshot) domain.MachineState {
	switch {
	case snap == nil:
		return domain.StateNonExistent
	case snap.Status == persistence.StatusTerminated:
		return domain.StateTerminated
	default:
		return domain.ActiveState(snap.Direction)
	}
}

// directionOf resolves the direction the trade operates under.
func directionOf(snap *persistence.Snapshot, trade domain.Trade) domain.Direction {
	if snap != nil {
		return snap.Direction
	}
	if trade.Direction == domain.DirectionShort {
		return domain.DirectionShort
	}
	return domain.DirectionLong
}

// applyOnce executes the apply protocol for one current/forward-dated
// trade: transition, allocation, then event + UPI + snapshot +
// idempotency as one transactional unit.
func (p *Processor) applyOnce(ctx context.Context, key domain.PositionKey, trade domain.Trade,
	snap *persistence.Snapshot, classification domain.Classification) (*ApplyResult, error) {

	state, err := inflateSnapshot(key, snap, trade)
	if err != nil {
		return nil, domain.WrapError(domain.KindFatalSystem, trade.CorrelationID, "snapshot inflation failed", err)
	}
	dir := directionOf(snap, trade)

	transition, err := p.sm.Evaluate(machineStateOf(snap), dir, state.TotalQty(), trade)
	if err != nil {
		return nil, err
	}
	if transition.Action == domain.ActionFlip {
		opposite, err := oppositeKey(trade, dir)
		if err != nil {
			return nil, err
		}
		return nil, &flipRequired{opposite: opposite}
	}

	alloc, eventType, status, err := p.execute(ctx, state, trade, transition)
	if err != nil {
		return nil, err
	}

	version := int64(1)
	expectedLock := int64(0)
	if snap != nil {
		version = snap.LastVersion + 1
		expectedLock = snap.OptLock
	}
	event := buildEvent(key, version, eventType, trade, alloc)
	next := p.buildSnapshot(snap, key, dir, state, status, event, alloc, trade)

	err = p.inTxThroughBreaker(ctx, trade.CorrelationID, func(ctx context.Context, tx persistence.Stores) error {
		if err := tx.Events.Append(ctx, event); err != nil {
			return err
		}
		if transition.Action == domain.ActionOpen {
			if snap != nil {
				// Reopen after termination: retire the prior generation.
				if err := tx.UPIs.Terminate(ctx, key, event.OccurredAt); err != nil {
					return err
				}
			}
			if _, err := tx.UPIs.Open(ctx, key, next.UPI, event.OccurredAt); err != nil {
				return err
			}
		}
		if err := tx.Snapshots.Write(ctx, next, expectedLock); err != nil {
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
			// The mark is the commit-time authority: the transaction
			// rolled back, nothing was written, the trade had already
			// been applied elsewhere.
			p.log.Debug().Str("trade_id", trade.ID).Msg("duplicate trade detected at commit")
			return &ApplyResult{Classification: classification, Duplicate: true}, nil
		}
		return nil, err
	}

	p.metrics.TradeApplied("hot", string(eventType))
	p.publishEvent(ctx, stream.TopicTradesApplied, event)
	p.log.Info().
		Str("position_key", string(key)).
		Str("trade_id", trade.ID).
		Str("event_type", string(eventType)).
		Int64("version", version).
		Str("classification", string(classification)).
		Msg("trade applied")

	return &ApplyResult{
		Classification: classification,
		Snapshot:       next,
		Events:         []persistence.Event{event},
		Allocations:    alloc,
	}, nil
}

// execute runs the lot engine for a transition action.
func (p *Processor) execute(ctx context.Context, state *domain.PositionState, trade domain.Trade,
	transition domain.Transition) (domain.AllocationResult, persistence.EventType, persistence.Status, error) {

	switch transition.Action {
	case domain.ActionOpen:
		alloc, err := p.lots.AddLot(state, trade)
		if err != nil {
			return domain.AllocationResult{}, "", "", domain.WrapError(domain.KindFatalSystem, trade.CorrelationID, "lot add failed", err)
		}
		return alloc, persistence.EventNewTrade, persistence.StatusActive, nil

	case domain.ActionGrow:
		alloc, err := p.lots.AddLot(state, trade)
		if err != nil {
			return domain.AllocationResult{}, "", "", domain.WrapError(domain.KindFatalSystem, trade.CorrelationID, "lot add failed", err)
		}
		return alloc, persistence.EventType(trade.Type), persistence.StatusActive, nil

	case domain.ActionReduce, domain.ActionClose:
		method, err := p.rules.Method(ctx, trade.ContractID)
		if err != nil {
			return domain.AllocationResult{}, "", "", domain.WrapError(domain.KindRetryable, trade.CorrelationID, "contract rules lookup failed", err)
		}
		alloc, err := p.lots.ReduceLots(state, trade.Quantity, trade.Price, method)
		if err != nil {
			return domain.AllocationResult{}, "", "", withCorrelation(err, trade.CorrelationID)
		}
		if transition.Action == domain.ActionClose {
			return alloc, persistence.EventPositionClosed, persistence.StatusTerminated, nil
		}
		return alloc, persistence.EventType(trade.Type), persistence.StatusActive, nil
	}
	return domain.AllocationResult{}, "", "", domain.NewError(domain.KindFatalSystem, trade.CorrelationID,
		fmt.Sprintf("unexpected transition action %s", transition.Action))
}

// processFlip re-runs the evaluation holding both direction keys and,
// if the flip still stands, commits both legs as one unit: the close
// leg under the client trade id, the open leg under <id>::flip with a
// fresh UPI on the opposite key.
func (p *Processor) processFlip(ctx context.Context, key, opposite domain.PositionKey, trade domain.Trade) (*ApplyResult, error) {
	unlock := p.locks.LockPair(key, opposite)
	defer unlock()

	for attempt := 0; ; attempt++ {
		result, err := p.flipOnce(ctx, key, opposite, trade)
		if err == nil {
			return result, nil
		}
		var flip *flipRequired
		if errors.As(err, &flip) {
			// State moved underneath us and no longer needs a flip;
			// apply as a plain trade while still holding both locks. If
			// the evaluation swings back to a flip, loop and retry it.
			result, err = p.processLocked(ctx, key, trade)
			if err == nil {
				return result, nil
			}
			if !errors.As(err, &flip) {
				return nil, err
			}
		} else if !errors.Is(err, persistence.ErrVersionConflict) {
			return nil, err
		} else {
			p.metrics.VersionConflict()
		}
		if attempt >= p.backoff.MaxRetries {
			return nil, domain.WrapError(domain.KindTransientConflict, trade.CorrelationID,
				fmt.Sprintf("direction change conflicted after %d retries", attempt), err)
		}
		if err := p.backoff.Sleep(ctx, attempt); err != nil {
			return nil, domain.WrapError(domain.KindRetryable, trade.CorrelationID, "cancelled during retry backoff", err)
		}
	}
}

func (p *Processor) flipOnce(ctx context.Context, key, opposite domain.PositionKey, trade domain.Trade) (*ApplyResult, error) {
	snap, err := p.loadSnapshot(ctx, key)
	if err != nil {
		return nil, domain.WrapError(domain.KindRetryable, trade.CorrelationID, "snapshot load failed", err)
	}
	state, err := inflateSnapshot(key, snap, trade)
	if err != nil {
		return nil, domain.WrapError(domain.KindFatalSystem, trade.CorrelationID, "snapshot inflation failed", err)
	}
	dir := directionOf(snap, trade)

	transition, err := p.sm.Evaluate(machineStateOf(snap), dir, state.TotalQty(), trade)
	if err != nil {
		return nil, err
	}
	if transition.Action != domain.ActionFlip {
		return nil, &flipRequired{opposite: opposite}
	}

	// Close leg: fully relieves this key under the client trade id.
	closeTrade := trade
	closeTrade.Type = reducingType(dir)
	closeTrade.Quantity = transition.FlipCloseQty
	closeTrade.NoDirectionChange = true

	// Open leg: NEW_TRADE for the overshoot on the opposite key.
	openTrade := domain.Trade{
		ID:            domain.FlipTradeID(trade.ID),
		Account:       trade.Account,
		Instrument:    trade.Instrument,
		Currency:      trade.Currency,
		Direction:     dir.Opposite(),
		Type:          domain.TradeTypeNew,
		Quantity:      transition.FlipOpenQty,
		Price:         trade.Price,
		EffectiveDate: trade.EffectiveDate,
		ContractID:    trade.ContractID,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.ID,
		UserID:        trade.UserID,
	}

	method, err := p.rules.Method(ctx, trade.ContractID)
	if err != nil {
		return nil, domain.WrapError(domain.KindRetryable, trade.CorrelationID, "contract rules lookup failed", err)
	}
	closeAlloc, err := p.lots.ReduceLots(state, closeTrade.Quantity, closeTrade.Price, method)
	if err != nil {
		return nil, withCorrelation(err, trade.CorrelationID)
	}

	oppSnap, err := p.loadSnapshot(ctx, opposite)
	if err != nil {
		return nil, domain.WrapError(domain.KindRetryable, trade.CorrelationID, "snapshot load failed", err)
	}
	oppState, err := inflateSnapshot(opposite, oppSnap, openTrade)
	if err != nil {
		return nil, domain.WrapError(domain.KindFatalSystem, trade.CorrelationID, "snapshot inflation failed", err)
	}
	if _, err := p.sm.Evaluate(machineStateOf(oppSnap), dir.Opposite(), oppState.TotalQty(), openTrade); err != nil {
		return nil, err
	}
	openAlloc, err := p.lots.AddLot(oppState, openTrade)
	if err != nil {
		return nil, domain.WrapError(domain.KindFatalSystem, trade.CorrelationID, "lot add failed", err)
	}

	closeVersion, closeLock := int64(1), int64(0)
	if snap != nil {
		closeVersion, closeLock = snap.LastVersion+1, snap.OptLock
	}
	openVersion, openLock := int64(1), int64(0)
	if oppSnap != nil {
		openVersion, openLock = oppSnap.LastVersion+1, oppSnap.OptLock
	}

	closeEvent := buildEvent(key, closeVersion, persistence.EventPositionClosed, closeTrade, closeAlloc)
	openEvent := buildEvent(opposite, openVersion, persistence.EventNewTrade, openTrade, openAlloc)

	closeSnap := p.buildSnapshot(snap, key, dir, state, persistence.StatusTerminated, closeEvent, closeAlloc, closeTrade)
	openSnap := p.buildSnapshot(oppSnap, opposite, dir.Opposite(), oppState, persistence.StatusActive, openEvent, openAlloc, openTrade)

	err = p.inTxThroughBreaker(ctx, trade.CorrelationID, func(ctx context.Context, tx persistence.Stores) error {
		if err := tx.Events.Append(ctx, closeEvent); err != nil {
			return err
		}
		if err := tx.UPIs.Terminate(ctx, key, closeEvent.OccurredAt); err != nil {
			return err
		}
		if err := tx.Snapshots.Write(ctx, closeSnap, closeLock); err != nil {
			return err
		}
		if err := tx.Events.Append(ctx, openEvent); err != nil {
			return err
		}
		if oppSnap != nil {
			if err := tx.UPIs.Terminate(ctx, opposite, openEvent.OccurredAt); err != nil {
				return err
			}
		}
		if _, err := tx.UPIs.Open(ctx, opposite, openSnap.UPI, openEvent.OccurredAt); err != nil {
			return err
		}
		if err := tx.Snapshots.Write(ctx, openSnap, openLock); err != nil {
			return err
		}
		now := closeEvent.OccurredAt
		if err := tx.Idempotency.Mark(ctx, persistence.IdempotencyRecord{
			TradeID: trade.ID, PositionKey: key, Version: closeVersion, ProcessedAt: now, Status: "PROCESSED",
		}); err != nil {
			return err
		}
		return tx.Idempotency.Mark(ctx, persistence.IdempotencyRecord{
			TradeID: openTrade.ID, PositionKey: opposite, Version: openVersion, ProcessedAt: now, Status: "PROCESSED",
		})
	})
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicate) {
			p.log.Debug().Str("trade_id", trade.ID).Msg("duplicate direction change detected at commit")
			return &ApplyResult{Classification: domain.CurrentDated, Duplicate: true}, nil
		}
		return nil, err
	}

	p.metrics.TradeApplied("hot", string(persistence.EventPositionClosed))
	p.metrics.TradeApplied("hot", string(persistence.EventNewTrade))
	p.publishEvent(ctx, stream.TopicTradesApplied, closeEvent)
	p.publishEvent(ctx, stream.TopicTradesApplied, openEvent)
	p.log.Info().
		Str("position_key", string(key)).
		Str("opposite_key", string(opposite)).
		Str("trade_id", trade.ID).
		Str("close_qty", transition.FlipCloseQty.String()).
		Str("open_qty", transition.FlipOpenQty.String()).
		Msg("direction change applied")

	total := closeAlloc
	total.Allocations = append(append([]domain.Allocation(nil), closeAlloc.Allocations...), openAlloc.Allocations...)
	total.TotalQty = closeAlloc.TotalQty.Add(openAlloc.TotalQty)

	return &ApplyResult{
		Classification: domain.CurrentDated,
		Snapshot:       closeSnap,
		FlipSnapshot:   openSnap,
		Events:         []persistence.Event{closeEvent, openEvent},
		Allocations:    total,
	}, nil
}

// inTxThroughBreaker runs the transactional unit behind the hotpath
// circuit breaker. An open circuit degrades to a retryable error so the
// pipeline buffers instead of failing trades outright.
func (p *Processor) inTxThroughBreaker(ctx context.Context, correlationID string,
	fn func(ctx context.Context, tx persistence.Stores) error) error {

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.uow.InTx(ctx, fn)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.WrapError(domain.KindRetryable, correlationID, "hotpath circuit open", err)
		}
		if errors.Is(err, persistence.ErrVersionConflict) {
			return err
		}
		if isInfrastructureError(err) {
			return domain.WrapError(domain.KindRetryable, correlationID, "transactional apply failed", err)
		}
		return err
	}
	return nil
}

func (p *Processor) publishEvent(ctx context.Context, topic string, event persistence.Event) {
	if p.producer == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("position_key", string(event.PositionKey)).Msg("event marshal failed")
		return
	}
	headers := map[string]string{
		"correlationId": event.CorrelationID,
		"eventType":     string(event.Type),
	}
	if err := p.producer.Publish(ctx, topic, string(event.PositionKey), payload, headers); err != nil {
		// Publication is best-effort after the durable commit; downstream
		// consumers reconcile from the event store.
		p.log.Error().Err(err).Str("topic", topic).Str("position_key", string(event.PositionKey)).Msg("publish failed")
	}
}

func withCorrelation(err error, correlationID string) error {
	var de *domain.Error
	if errors.As(err, &de) && de.CorrelationID == "" {
		de.CorrelationID = correlationID
	}
	return err
}

// oppositeKey derives the opposite-direction position key. Flips need
// the identifying tuple: an opaque key alone cannot be re-derived.
func oppositeKey(trade domain.Trade, dir domain.Direction) (domain.PositionKey, error) {
	if trade.Account == "" || trade.Instrument == "" || trade.Currency == "" {
		return "", domain.NewError(domain.KindInsufficientQuantity, trade.CorrelationID,
			"direction change requires account, instrument and currency on the trade")
	}
	return domain.DerivePositionKey(trade.Account, trade.Instrument, trade.Currency, dir.Opposite()), nil
}

func inflateSnapshot(key domain.PositionKey, snap *persistence.Snapshot, trade domain.Trade) (*domain.PositionState, error) {
	if snap == nil {
		return domain.NewPositionState(key, directionOf(nil, trade)), nil
	}
	return domain.Inflate(key, snap.Direction, snap.Lots)
}

func buildEvent(key domain.PositionKey, version int64, eventType persistence.EventType,
	trade domain.Trade, alloc domain.AllocationResult) persistence.Event {
	return persistence.Event{
		PositionKey:   key,
		Version:       version,
		Type:          eventType,
		EffectiveDate: trade.EffectiveDate,
		OccurredAt:    time.Now().UTC(),
		Payload:       trade,
		MetaLots:      alloc,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.CausationID,
		ContractID:    trade.ContractID,
		UserID:        trade.UserID,
	}
}

// buildSnapshot derives the next snapshot from the mutated state.
func (p *Processor) buildSnapshot(prev *persistence.Snapshot, key domain.PositionKey, dir domain.Direction,
	state *domain.PositionState, status persistence.Status, event persistence.Event,
	alloc domain.AllocationResult, trade domain.Trade) *persistence.Snapshot {

	next := &persistence.Snapshot{
		PositionKey: key,
		LastVersion: event.Version,
		Status:      status,
		ReconStatus: persistence.ReconReconciled,
		Direction:   dir,
		Lots:        state.Compress(),
		Account:     trade.Account,
		Instrument:  trade.Instrument,
		Currency:    trade.Currency,
		ContractID:  trade.ContractID,
	}
	realized := alloc.TotalRealizedPnL
	if prev != nil {
		next.UPI = prev.UPI
		realized = prev.Summary.RealizedPnL.Add(alloc.TotalRealizedPnL)
		next.Schedule = cloneSchedule(prev.Schedule)
		if prev.ReconStatus == persistence.ReconProvisional {
			// A backdated trade is still awaiting its coldpath replay;
			// only the reconciled write may clear the marker.
			next.ReconStatus = persistence.ReconProvisional
			next.ProvisionalTradeID = prev.ProvisionalTradeID
		}
		if next.Account == "" {
			next.Account = prev.Account
		}
		if next.Instrument == "" {
			next.Instrument = prev.Instrument
		}
		if next.Currency == "" {
			next.Currency = prev.Currency
		}
		if next.ContractID == "" {
			next.ContractID = prev.ContractID
		}
	} else {
		next.Schedule = *domain.NewSchedule("SHARES", trade.Currency)
	}
	if event.Type == persistence.EventNewTrade {
		next.UPI = p.newUPI(trade)
	}
	next.Schedule.Upsert(event.EffectiveDate, state.TotalQty(), state.WeightedAvgPrice(avgPriceScale(state)))
	next.Summary = persistence.SummaryMetrics{
		TotalQty:          state.TotalQty(),
		Exposure:          state.Exposure(),
		OpenLots:          state.OpenLotCount(),
		RealizedPnL:       realized,
		LastEventType:     event.Type,
		LastEffectiveDate: event.EffectiveDate,
	}
	return next
}

func cloneSchedule(s domain.Schedule) domain.Schedule {
	out := s
	out.Entries = append([]domain.ScheduleEntry(nil), s.Entries...)
	return out
}
