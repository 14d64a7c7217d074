package notification

import (
	"context"
	"sync"
	"time"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"go.uber.org/zap"
)

// InlineEnqueuer runs the dispatcher in a background goroutine with its own
// deadline, detached from the request that paid the order.
type InlineEnqueuer struct {
	dispatcher *Dispatcher
	timeout    time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup
}

func NewInlineEnqueuer(d *Dispatcher, timeout time.Duration, logger *zap.Logger) *InlineEnqueuer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &InlineEnqueuer{dispatcher: d, timeout: timeout, logger: logger.Named("inline-enqueuer")}
}

func (e *InlineEnqueuer) Enqueue(ctx context.Context, o *order.Order) error {
	e.wg.Add(1)
	go func(orderID string) {
		defer e.wg.Done()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()

		if err := e.dispatcher.Run(runCtx, orderID); err != nil {
			e.logger.Error("Side effects incomplete", zap.String("order_id", orderID), zap.Error(err))
		}
	}(o.ID)
	return nil
}

// Wait blocks until every enqueued run has finished.
func (e *InlineEnqueuer) Wait() {
	e.wg.Wait()
}

// KafkaEnqueuer publishes PaymentSettled for the notifier to consume. A
// successful publish completes the order's event:published effect.
type KafkaEnqueuer struct {
	publisher EventPublisher
	store     store.OrderStore
	logger    *zap.Logger
}

func NewKafkaEnqueuer(p EventPublisher, st store.OrderStore, logger *zap.Logger) *KafkaEnqueuer {
	return &KafkaEnqueuer{publisher: p, store: st, logger: logger.Named("kafka-enqueuer")}
}

func (e *KafkaEnqueuer) Enqueue(ctx context.Context, o *order.Order) error {
	claimed, err := e.store.ClaimEffect(ctx, o.ID, order.EffectEventPublish)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	pubErr := e.publisher.Publish(ctx, o.ID, SettledEvent(o))
	if err := e.store.CompleteEffect(context.WithoutCancel(ctx), o.ID, order.EffectEventPublish, pubErr); err != nil {
		e.logger.Error("Failed to record publish result", zap.String("order_id", o.ID), zap.Error(err))
	}
	if pubErr != nil {
		return pubErr
	}

	e.logger.Info("PaymentSettled published", zap.String("order_id", o.ID))
	return nil
}

// NoopEnqueuer is used when the order table's change stream drives side
// effects; the pending to paid write is itself the trigger.
type NoopEnqueuer struct{}

func (NoopEnqueuer) Enqueue(ctx context.Context, o *order.Order) error { return nil }
