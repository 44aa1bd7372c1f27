package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/meterline/meterline/internal/config"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/pubsub"
	"github.com/meterline/meterline/internal/service"
	"github.com/meterline/meterline/internal/types"
	"github.com/sourcegraph/conc/pool"
)

// resetBatchSize caps how many due ledger rows one sweep will reset.
const resetBatchSize = 500

// Runner hosts the background loops: the periodic balance-reset sweep and
// the processor event consumers feeding the reconciliation listener.
type Runner struct {
	logger         *logger.Logger
	cfg            config.WorkerConfig
	ledger         service.LedgerService
	reconciliation service.ReconciliationService
	subscriber     pubsub.Subscriber
}

func NewRunner(
	log *logger.Logger,
	cfg config.WorkerConfig,
	ledger service.LedgerService,
	reconciliation service.ReconciliationService,
	subscriber pubsub.Subscriber,
) *Runner {
	return &Runner{
		logger:         log,
		cfg:            cfg,
		ledger:         ledger,
		reconciliation: reconciliation,
		subscriber:     subscriber,
	}
}

// Start runs all loops until ctx is cancelled, then waits for them to drain.
func (r *Runner) Start(ctx context.Context) error {
	events, err := r.subscriber.Subscribe(ctx, types.ProcessorEventsTopic)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to subscribe to processor events").
			Mark(ierr.ErrSystem)
	}

	p := pool.New().WithContext(ctx)
	p.Go(r.resetLoop)

	consumers := r.cfg.PoolSize
	if consumers < 1 {
		consumers = 1
	}
	for i := 0; i < consumers; i++ {
		p.Go(func(ctx context.Context) error {
			r.consumeEvents(ctx, events)
			return nil
		})
	}

	return p.Wait()
}

// resetLoop sweeps due ledger rows on a fixed interval. Errors are logged
// and the loop keeps going; a failed sweep is retried on the next tick.
func (r *Runner) resetLoop(ctx context.Context) error {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			count, err := r.ledger.ResetDue(ctx, time.Now().UTC(), resetBatchSize)
			if err != nil {
				r.logger.Errorw("balance reset sweep failed", "error", err)
				continue
			}
			if count > 0 {
				r.logger.Infow("reset due balances", "count", count)
			}
		}
	}
}

// consumeEvents drains the processor event channel. Each event is retried
// with exponential backoff; an event that still fails is nacked so the bus
// redelivers it.
func (r *Runner) consumeEvents(ctx context.Context, events <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			r.handleMessage(ctx, msg)
		}
	}
}

func (r *Runner) handleMessage(ctx context.Context, msg *message.Message) {
	var event types.ProcessorEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		r.logger.Errorw("dropping malformed processor event",
			"message_id", msg.UUID,
			"error", err)
		msg.Ack()
		return
	}

	op := func() error {
		return r.reconciliation.Handle(ctx, event)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		r.logger.Errorw("failed to reconcile processor event",
			"event_id", event.ID,
			"type", event.Type,
			"error", err)
		msg.Nack()
		return
	}
	msg.Ack()
}
