// Package application wires the messaging surface to the engine: one
// pipeline consumes inbound trades, backdated hand-offs and price
// resets, and routes failures to retry or the dead-letter topic.
package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflow/positionengine/internal/domain"
	"github.com/tradeflow/positionengine/internal/engine"
	"github.com/tradeflow/positionengine/internal/metrics"
	"github.com/tradeflow/positionengine/internal/stream"
)

const defaultRetryBuffer = 1024

// Pipeline subscribes the engine to the bus.
type Pipeline struct {
	processor *engine.Processor
	replayer  *engine.Replayer
	bus       stream.Bus
	metrics   *metrics.Metrics
	log       zerolog.Logger

	// retryDelay paces the degraded-mode buffer: trades that failed
	// retryably (circuit open, pool exhausted) are re-driven from here
	// instead of being dead-lettered.
	retryDelay time.Duration
	retries    chan retryItem

	// reconciles decouples the backdated hand-off from the hotpath: the
	// provisional write publishes while still holding the position's
	// lock, so reconciliation must run on its own worker.
	reconciles chan domain.Trade

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type retryItem struct {
	trade    domain.Trade
	backdate bool
	attempts int
}

// PipelineDeps carries the pipeline's collaborators.
type PipelineDeps struct {
	Processor  *engine.Processor
	Replayer   *engine.Replayer
	Bus        stream.Bus
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	RetryDelay time.Duration
	// RetryBuffer bounds the degraded-mode queue; overflow dead-letters.
	RetryBuffer int
}

// NewPipeline builds the pipeline.
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = time.Second
	}
	if deps.RetryBuffer <= 0 {
		deps.RetryBuffer = defaultRetryBuffer
	}
	return &Pipeline{
		processor:  deps.Processor,
		replayer:   deps.Replayer,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		log:        deps.Logger,
		retryDelay: deps.RetryDelay,
		retries:    make(chan retryItem, deps.RetryBuffer),
		reconciles: make(chan domain.Trade, deps.RetryBuffer),
	}
}

// Start subscribes all handlers and launches the retry worker. It
// returns once subscriptions are established.
func (p *Pipeline) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if err := p.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}
	if err := p.bus.Subscribe(ctx, stream.TopicTradesInbound, p.handleInbound); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", stream.TopicTradesInbound, err)
	}
	if err := p.bus.Subscribe(ctx, stream.TopicTradesBackdated, p.handleBackdated); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", stream.TopicTradesBackdated, err)
	}
	if err := p.bus.Subscribe(ctx, stream.TopicResets, p.handleReset); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", stream.TopicResets, err)
	}

	p.wg.Add(2)
	go p.retryWorker(runCtx)
	go p.reconcileWorker(runCtx)

	p.log.Info().Msg("pipeline started")
	return nil
}

// Stop drains the retry worker and stops the bus.
func (p *Pipeline) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if err := p.bus.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop bus: %w", err)
	}
	p.log.Info().Msg("pipeline stopped")
	return nil
}

func (p *Pipeline) handleInbound(ctx context.Context, msg *stream.Message) error {
	var trade domain.Trade
	if err := json.Unmarshal(msg.Payload, &trade); err != nil {
		p.deadLetter(ctx, msg.Payload, "", string(domain.KindValidationFailed), err)
		return nil
	}
	p.dispatch(ctx, trade, false)
	return nil
}

func (p *Pipeline) handleBackdated(ctx context.Context, msg *stream.Message) error {
	var trade domain.Trade
	if err := json.Unmarshal(msg.Payload, &trade); err != nil {
		p.deadLetter(ctx, msg.Payload, "", string(domain.KindValidationFailed), err)
		return nil
	}
	select {
	case p.reconciles <- trade:
	default:
		p.deadLetter(ctx, msg.Payload, trade.CorrelationID, string(domain.KindRetryable),
			fmt.Errorf("reconciliation queue full"))
	}
	return nil
}

func (p *Pipeline) reconcileWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case trade := <-p.reconciles:
			p.dispatch(ctx, trade, true)
		}
	}
}

func (p *Pipeline) handleReset(ctx context.Context, msg *stream.Message) error {
	var reset domain.PriceReset
	if err := json.Unmarshal(msg.Payload, &reset); err != nil {
		p.deadLetter(ctx, msg.Payload, "", string(domain.KindValidationFailed), err)
		return nil
	}
	if _, err := p.processor.ProcessReset(ctx, reset); err != nil {
		p.log.Error().Err(err).
			Str("position_key", string(reset.PositionKey)).
			Msg("price reset failed")
	}
	return nil
}

// dispatch runs one trade and routes the outcome: success and duplicate
// end here, retryable failures enter the buffer, the rest dead-letter.
func (p *Pipeline) dispatch(ctx context.Context, trade domain.Trade, backdate bool) {
	var err error
	if backdate {
		err = p.replayer.Reconcile(ctx, trade)
	} else {
		_, err = p.processor.Process(ctx, trade)
	}
	if err == nil {
		return
	}

	kind := domain.KindOf(err)
	if retryableKind(kind) {
		select {
		case p.retries <- retryItem{trade: trade, backdate: backdate, attempts: 1}:
			p.log.Warn().Err(err).Str("trade_id", trade.ID).Msg("trade buffered for retry")
			return
		default:
			// Buffer full; fall through to the dead letter.
			p.log.Error().Str("trade_id", trade.ID).Msg("retry buffer full")
		}
	}
	payload, marshalErr := json.Marshal(trade)
	if marshalErr != nil {
		payload = []byte(trade.ID)
	}
	p.deadLetter(ctx, payload, trade.CorrelationID, string(kind), err)
}

const maxBufferedAttempts = 10

func (p *Pipeline) retryWorker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.retryDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drainToDeadLetter()
			return
		case <-ticker.C:
		}

		select {
		case item := <-p.retries:
			var err error
			if item.backdate {
				err = p.replayer.Reconcile(ctx, item.trade)
			} else {
				_, err = p.processor.Process(ctx, item.trade)
			}
			if err == nil {
				continue
			}
			kind := domain.KindOf(err)
			if retryableKind(kind) && item.attempts < maxBufferedAttempts {
				item.attempts++
				select {
				case p.retries <- item:
					continue
				default:
				}
			}
			payload, marshalErr := json.Marshal(item.trade)
			if marshalErr != nil {
				payload = []byte(item.trade.ID)
			}
			p.deadLetter(ctx, payload, item.trade.CorrelationID, string(kind), err)
		default:
		}
	}
}

// drainToDeadLetter flushes buffered trades on shutdown so none are
// silently dropped.
func (p *Pipeline) drainToDeadLetter() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case item := <-p.retries:
			payload, err := json.Marshal(item.trade)
			if err != nil {
				payload = []byte(item.trade.ID)
			}
			p.deadLetter(ctx, payload, item.trade.CorrelationID, string(domain.KindRetryable),
				fmt.Errorf("shutdown with trade still buffered"))
		default:
			return
		}
	}
}

func (p *Pipeline) deadLetter(ctx context.Context, payload []byte, correlationID, kind string, cause error) {
	p.metrics.DeadLetter(kind)
	headers := map[string]string{
		"errorKind":     kind,
		"correlationId": correlationID,
		"error":         cause.Error(),
	}
	if err := p.bus.Publish(ctx, stream.TopicDeadLetter, correlationID, payload, headers); err != nil {
		p.log.Error().Err(err).Str("kind", kind).Msg("dead letter publish failed")
		return
	}
	p.log.Error().Err(cause).Str("kind", kind).Str("correlation_id", correlationID).Msg("trade dead-lettered")
}

func retryableKind(kind domain.ErrorKind) bool {
	return kind == domain.KindRetryable || kind == domain.KindTransientConflict || kind == domain.KindVersionConflict
}
