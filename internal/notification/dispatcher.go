package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/email"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/payment"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrOrderNotPaid   = errors.New("order has not been paid")
	ErrNoAdminAddress = errors.New("no admin e-mail address configured")
)

// EventPublisher publishes a JSON event under a partition key.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Dispatcher runs the post-payment side effects of an order. Each effect is
// claimed in the order's ledger before it runs, so concurrent or repeated
// runs execute it at most once, and a failed effect is retried on the next run.
type Dispatcher struct {
	store      store.Store
	mailer     email.Sender
	publisher  EventPublisher
	adminEmail string
	logger     *zap.Logger
}

type DispatcherOption func(*Dispatcher)

// WithPublisher makes the event:published effect write PaymentSettled to p.
// Without one the effect completes as a no-op.
func WithPublisher(p EventPublisher) DispatcherOption {
	return func(d *Dispatcher) {
		d.publisher = p
	}
}

// WithAdminEmail sets the recipient of new-order alerts.
func WithAdminEmail(addr string) DispatcherOption {
	return func(d *Dispatcher) {
		d.adminEmail = addr
	}
}

func NewDispatcher(st store.Store, mailer email.Sender, logger *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		mailer: mailer,
		logger: logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes every outstanding effect of the order. Failures are isolated
// per effect and joined into the returned error.
func (d *Dispatcher) Run(ctx context.Context, orderID string) error {
	o, err := d.store.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	if o.PaidAt == nil || o.Status == order.StatusPending || o.Status == order.StatusPaymentFailed {
		return fmt.Errorf("%w: %s is %s", ErrOrderNotPaid, orderID, o.Status)
	}

	logger := d.logger.With(zap.String("order_id", o.ID), zap.String("gateway", o.Gateway))

	var errs []error
	for i, item := range o.Items {
		item := item
		errs = append(errs, d.runEffect(ctx, logger, o, order.StockEffect(i), func(ctx context.Context) error {
			return d.decrementStock(ctx, logger, o, item)
		}))
	}
	errs = append(errs,
		d.runEffect(ctx, logger, o, order.EffectCustomerEmail, func(ctx context.Context) error {
			return d.mailer.Send(ctx, email.CustomerConfirmation(o))
		}),
		d.runEffect(ctx, logger, o, order.EffectAdminEmail, func(ctx context.Context) error {
			if d.adminEmail == "" {
				return ErrNoAdminAddress
			}
			return d.mailer.Send(ctx, email.AdminNotification(d.adminEmail, o))
		}),
		d.runEffect(ctx, logger, o, order.EffectEventPublish, func(ctx context.Context) error {
			if d.publisher == nil {
				return nil
			}
			return d.publisher.Publish(ctx, o.ID, SettledEvent(o))
		}),
	)

	if err := d.settlePendingFlag(ctx, o.ID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) runEffect(ctx context.Context, logger *zap.Logger, o *order.Order, effect string, fn func(context.Context) error) error {
	claimed, err := d.store.ClaimEffect(ctx, o.ID, effect)
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", effect, err)
	}
	if !claimed {
		logger.Debug("Effect already claimed or done", zap.String("effect", effect))
		return nil
	}

	cause := fn(ctx)
	if err := d.store.CompleteEffect(context.WithoutCancel(ctx), o.ID, effect, cause); err != nil {
		logger.Error("Failed to record effect result", zap.String("effect", effect), zap.Error(err))
	}
	if cause != nil {
		logger.Error("Side effect failed", zap.String("effect", effect), zap.Error(cause))
		return &payment.SideEffectError{Effect: effect, Err: cause}
	}

	logger.Info("Side effect done", zap.String("effect", effect))
	return nil
}

func (d *Dispatcher) decrementStock(ctx context.Context, logger *zap.Logger, o *order.Order, item order.Item) error {
	res, err := d.store.DecrementStock(ctx, item.ProductID, item.Quantity)
	switch {
	case errors.Is(err, store.ErrProductNotFound):
		logger.Warn("Paid item has no stock record", zap.String("product_id", item.ProductID))
		return d.store.AddManualReview(ctx, o.ID, item.ProductID)
	case err != nil:
		return err
	}

	if res.Clamped {
		logger.Warn("Stock clamped at zero",
			zap.String("product_id", item.ProductID),
			zap.Int("requested", item.Quantity),
			zap.Int("available", res.Previous))
		return d.store.AddManualReview(ctx, o.ID, item.ProductID)
	}
	return nil
}

func (d *Dispatcher) settlePendingFlag(ctx context.Context, orderID string) error {
	o, err := d.store.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to reload order %s: %w", orderID, err)
	}
	if len(o.OutstandingEffects()) > 0 || !o.SideEffectsPending {
		return nil
	}
	return d.store.SetSideEffectsPending(ctx, orderID, false)
}

// SettledEvent builds the PaymentSettled event for a paid order.
func SettledEvent(o *order.Order) order.PaymentSettled {
	settledAt := o.UpdatedAt
	if o.PaidAt != nil {
		settledAt = *o.PaidAt
	}
	if settledAt.IsZero() {
		settledAt = time.Now().UTC()
	}
	return order.PaymentSettled{
		EventID:         uuid.New().String(),
		EventType:       order.EventPaymentSettled,
		OrderID:         o.ID,
		Gateway:         o.Gateway,
		GatewayOrderRef: o.GatewayOrderRef,
		PaymentRef:      o.PaymentRef,
		Amount:          o.Amount,
		Currency:        o.Currency,
		SettledAt:       settledAt,
	}
}
