package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/logging"
	"go.uber.org/zap"
)

// Outcome describes what a callback did to the order.
type Outcome string

const (
	OutcomeTransitioned Outcome = "transitioned"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomePending      Outcome = "pending"
	OutcomeIgnored      Outcome = "ignored"
)

type Result struct {
	Order   *order.Order
	Outcome Outcome
}

// RequestMeta identifies the caller for security logging.
type RequestMeta struct {
	RemoteIP  string
	UserAgent string
}

// SideEffects schedules the post-payment work for a freshly paid order.
// Implementations must not block on the work itself.
type SideEffects interface {
	Enqueue(ctx context.Context, o *order.Order) error
}

// EventDeduper remembers processed webhook event ids.
type EventDeduper interface {
	Seen(ctx context.Context, gateway, eventID string) (bool, error)
	Remember(ctx context.Context, gateway, eventID string) error
}

// Processor applies verified gateway notifications to orders. The callback
// and webhook paths share apply, so their order of arrival does not matter.
type Processor struct {
	store    store.OrderStore
	gateways *Registry
	effects  SideEffects
	dedup    EventDeduper
	logger   *zap.Logger
	now      func() time.Time
}

type ProcessorOption func(*Processor)

func WithDeduper(d EventDeduper) ProcessorOption {
	return func(p *Processor) {
		p.dedup = d
	}
}

func NewProcessor(st store.OrderStore, gateways *Registry, effects SideEffects, logger *zap.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:    st,
		gateways: gateways,
		effects:  effects,
		logger:   logger.Named("callback"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleCallback verifies and applies a browser-delivered callback.
func (p *Processor) HandleCallback(ctx context.Context, gatewayName string, fields map[string]string, meta RequestMeta) (*Result, error) {
	gw, err := p.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	n, err := gw.VerifyCallback(fields)
	if err != nil {
		p.logVerificationFailure(gw.Name(), "callback", err, meta)
		return nil, err
	}
	return p.apply(ctx, gw, n, meta)
}

// HandleWebhook verifies and applies a server-to-server notification.
// Irrelevant event types are acknowledged with OutcomeIgnored.
func (p *Processor) HandleWebhook(ctx context.Context, gatewayName string, body []byte, header http.Header, meta RequestMeta) (*Result, error) {
	gw, err := p.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	n, err := gw.VerifyWebhook(body, header)
	if err != nil {
		p.logVerificationFailure(gw.Name(), "webhook", err, meta)
		return nil, err
	}
	if n == nil {
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	if n.EventID != "" && p.dedup != nil {
		seen, err := p.dedup.Seen(ctx, gw.Name(), n.EventID)
		if err != nil {
			p.logger.Warn("Webhook dedup lookup failed", zap.String("event_id", n.EventID), zap.Error(err))
		} else if seen {
			p.logger.Debug("Webhook event already processed",
				zap.String("gateway", gw.Name()),
				zap.String("event_id", n.EventID))
			o, err := p.store.GetByGatewayReference(ctx, gw.Name(), n.OrderReference)
			if err != nil {
				return nil, err
			}
			return &Result{Order: o, Outcome: OutcomeDuplicate}, nil
		}
	}

	res, err := p.apply(ctx, gw, n, meta)
	if err != nil {
		return nil, err
	}

	if n.EventID != "" && p.dedup != nil {
		if err := p.dedup.Remember(ctx, gw.Name(), n.EventID); err != nil {
			p.logger.Warn("Failed to remember webhook event", zap.String("event_id", n.EventID), zap.Error(err))
		}
	}
	return res, nil
}

// Lookup returns the order for a gateway reference.
func (p *Processor) Lookup(ctx context.Context, gatewayName, ref string) (*order.Order, error) {
	gw, err := p.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	return p.store.GetByGatewayReference(ctx, gw.Name(), ref)
}

func (p *Processor) apply(ctx context.Context, gw Gateway, n *Notification, meta RequestMeta) (*Result, error) {
	logger := p.logger.With(
		zap.String("gateway", gw.Name()),
		zap.String("order_ref", n.OrderReference),
		zap.String("payment_ref", n.PaymentReference),
	)

	o, err := p.store.GetByGatewayReference(ctx, gw.Name(), n.OrderReference)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			logger.Warn("Callback for unknown order")
		}
		return nil, err
	}

	settlement := gw.MapStatus(n.RawStatus)

	if o.Status.IsPaymentSettled() {
		if settlement == SettlementPaid && o.Status != order.StatusPaid {
			return p.recordConflict(ctx, logger, o, n, meta)
		}
		logger.Info("Callback for settled order ignored", zap.String("status", string(o.Status)))
		return &Result{Order: o, Outcome: OutcomeDuplicate}, nil
	}

	var target order.Status
	switch settlement {
	case SettlementPaid:
		target = order.StatusPaid
	case SettlementFailed:
		target = order.StatusPaymentFailed
	case SettlementPending:
		logger.Info("Payment still pending at gateway", zap.String("raw_status", n.RawStatus))
		return &Result{Order: o, Outcome: OutcomePending}, nil
	default:
		logger.Warn("Unrecognized gateway status", zap.String("raw_status", n.RawStatus))
		return &Result{Order: o, Outcome: OutcomeIgnored}, nil
	}

	if target == order.StatusPaid {
		if err := checkAmount(o, n); err != nil {
			p.logSecurity(logger, "Callback amount does not match order", meta,
				zap.Int64("expected_amount", o.Amount),
				zap.Int64("reported_amount", n.Amount),
				zap.String("reported_currency", n.Currency))
			return nil, err
		}
	}

	upd := order.PaymentUpdate{
		PaymentRef: n.PaymentReference,
		Payment: order.Payment{
			RawStatus:     n.RawStatus,
			FailureCode:   n.FailureCode,
			FailureReason: n.FailureReason,
			Raw:           n.Fields,
		},
		At: p.now().UTC(),
	}

	applied, err := p.store.TransitionPayment(ctx, o.ID, target, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to transition order %s: %w", o.ID, err)
	}

	current, err := p.store.GetByID(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload order %s: %w", o.ID, err)
	}

	if !applied {
		if target == order.StatusPaid && current.Status != order.StatusPaid {
			return p.recordConflict(ctx, logger, current, n, meta)
		}
		logger.Info("Order settled concurrently", zap.String("status", string(current.Status)))
		return &Result{Order: current, Outcome: OutcomeDuplicate}, nil
	}

	logger.Info("Order payment settled",
		zap.String("order_id", o.ID),
		zap.String("status", string(target)),
		zap.String("raw_status", n.RawStatus))

	if target == order.StatusPaid && p.effects != nil {
		if err := p.effects.Enqueue(ctx, current); err != nil {
			// The pending flag stays set; the admin retry path picks it up.
			logger.Error("Failed to enqueue side effects", zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	return &Result{Order: current, Outcome: OutcomeTransitioned}, nil
}

// recordConflict handles a verified "paid" notification for an order that
// already settled as something other than paid. The order is left alone; the
// captured payment reference is queued for manual review so it can be
// refunded or reconciled.
func (p *Processor) recordConflict(ctx context.Context, logger *zap.Logger, o *order.Order, n *Notification, meta RequestMeta) (*Result, error) {
	fields := append(logging.Security(meta.RemoteIP, meta.UserAgent),
		zap.Bool("conflict", true),
		zap.String("order_id", o.ID),
		zap.String("status", string(o.Status)),
		zap.String("raw_status", n.RawStatus),
		zap.Int64("reported_amount", n.Amount))
	logger.Error("Payment captured for order already settled as unpaid", fields...)

	if n.PaymentReference != "" {
		if err := p.store.AddManualReview(ctx, o.ID, ConflictReviewEntry(n.PaymentReference)); err != nil {
			return nil, fmt.Errorf("failed to record conflicting payment for order %s: %w", o.ID, err)
		}
	}

	current, err := p.store.GetByID(ctx, o.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload order %s: %w", o.ID, err)
	}
	return &Result{Order: current, Outcome: OutcomeDuplicate}, nil
}

// ConflictReviewEntry is the manual review entry for a payment captured
// against an order that is not paid.
func ConflictReviewEntry(paymentRef string) string {
	return "payment:" + paymentRef
}

func checkAmount(o *order.Order, n *Notification) error {
	if n.AmountReported && n.Amount != o.Amount {
		return ErrAmountMismatch
	}
	if n.Currency != "" && n.Currency != o.Currency {
		return ErrAmountMismatch
	}
	return nil
}

func (p *Processor) logVerificationFailure(gateway, channel string, err error, meta RequestMeta) {
	fields := []zap.Field{
		zap.String("gateway", gateway),
		zap.String("channel", channel),
		zap.Error(err),
	}
	var verr *VerificationError
	if errors.As(err, &verr) {
		fields = append(fields, zap.String("order_ref", verr.OrderReference))
	}
	p.logSecurity(p.logger, "Gateway signature verification failed", meta, fields...)
}

func (p *Processor) logSecurity(logger *zap.Logger, msg string, meta RequestMeta, fields ...zap.Field) {
	logger.Warn(msg, append(logging.Security(meta.RemoteIP, meta.UserAgent), fields...)...)
}
