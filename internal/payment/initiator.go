package payment

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"time"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"go.uber.org/zap"
)

const (
	// MinAmount is the smallest chargeable amount in minor units.
	MinAmount int64 = 100

	// Line item limits keep quantity * unit price and the order total
	// within int64.
	MaxItems              = 100
	MaxItemQuantity       = 10_000
	MaxUnitPrice    int64 = 100_000_000_000

	DefaultGatewayTimeout = 15 * time.Second
	MaxGatewayTimeout     = 25 * time.Second
)

var (
	currencyPattern       = regexp.MustCompile(`^[A-Z]{3}$`)
	phonePattern          = regexp.MustCompile(`^\+?[0-9]{10,15}$`)
	idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{8,128}$`)
)

type CheckoutRequest struct {
	Gateway        string
	Amount         int64 // minor units
	Currency       string
	Customer       order.Customer
	Shipping       order.Address
	Items          []order.Item
	Description    string
	IdempotencyKey string
}

// Checkout is what the storefront needs to hand the customer to the gateway.
type Checkout struct {
	OrderID               string
	Gateway               string
	GatewayOrderReference string
	Amount                int64
	Currency              string
	Status                order.Status
	ClientParameters      map[string]string
	Replayed              bool
}

// Initiator creates pending orders and registers them with a gateway.
type Initiator struct {
	store    store.OrderStore
	gateways *Registry
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time
}

type InitiatorOption func(*Initiator)

// WithGatewayTimeout bounds the remote create-order call. Values above
// MaxGatewayTimeout are clamped.
func WithGatewayTimeout(d time.Duration) InitiatorOption {
	return func(i *Initiator) {
		if d <= 0 {
			return
		}
		if d > MaxGatewayTimeout {
			d = MaxGatewayTimeout
		}
		i.timeout = d
	}
}

func NewInitiator(st store.OrderStore, gateways *Registry, logger *zap.Logger, opts ...InitiatorOption) *Initiator {
	i := &Initiator{
		store:    st,
		gateways: gateways,
		logger:   logger.Named("initiator"),
		timeout:  DefaultGatewayTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Initiate validates the request, persists a pending order and creates the
// matching order at the gateway. Retrying with the same idempotency key
// returns the original checkout.
func (i *Initiator) Initiate(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	gw, err := i.gateways.Get(req.Gateway)
	if err != nil {
		return nil, err
	}
	if err := validateCheckout(req, gw); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := i.store.GetByIdempotencyKey(ctx, gw.Name(), req.IdempotencyKey)
		switch {
		case err == nil:
			return i.replay(gw, existing, req)
		case !errors.Is(err, order.ErrOrderNotFound):
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	now := i.now().UTC()
	o := &order.Order{
		Gateway:        gw.Name(),
		LocalRef:       NewLocalRef(now),
		IdempotencyKey: req.IdempotencyKey,
		Customer:       req.Customer,
		Shipping:       req.Shipping,
		Items:          req.Items,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		Status:         order.StatusPending,
		CreatedAt:      now,
	}

	if err := i.store.Create(ctx, o); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, getErr := i.store.GetByIdempotencyKey(ctx, gw.Name(), req.IdempotencyKey)
			if getErr != nil {
				return nil, ErrCheckoutInProgress
			}
			return i.replay(gw, existing, req)
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	logger := i.logger.With(
		zap.String("order_id", o.ID),
		zap.String("gateway", gw.Name()),
		zap.String("local_ref", o.LocalRef),
	)

	remoteCtx, cancel := context.WithTimeout(ctx, i.timeout)
	remote, err := gw.CreateOrder(remoteCtx, CreateOrderRequest{
		LocalRef:    o.LocalRef,
		Amount:      o.Amount,
		Currency:    o.Currency,
		Customer:    o.Customer,
		Description: o.Description,
		Notes:       map[string]string{"order_id": o.ID},
	})
	cancel()
	if err != nil {
		err = classifyGatewayError(err)
		i.markFailed(ctx, logger, o.ID, err)
		return nil, err
	}

	if err := i.store.AttachGatewayReference(ctx, o.ID, remote.Reference); err != nil {
		i.markFailed(ctx, logger, o.ID, err)
		return nil, fmt.Errorf("failed to attach gateway reference: %w", err)
	}
	o.GatewayOrderRef = remote.Reference

	params, err := gw.ClientParameters(o)
	if err != nil {
		return nil, fmt.Errorf("failed to build client parameters: %w", err)
	}

	logger.Info("Checkout initiated",
		zap.String("gateway_order_ref", o.GatewayOrderRef),
		zap.Int64("amount", o.Amount),
		zap.String("currency", o.Currency))

	return &Checkout{
		OrderID:               o.ID,
		Gateway:               gw.Name(),
		GatewayOrderReference: o.GatewayOrderRef,
		Amount:                o.Amount,
		Currency:              o.Currency,
		Status:                o.Status,
		ClientParameters:      params,
	}, nil
}

func (i *Initiator) replay(gw Gateway, existing *order.Order, req CheckoutRequest) (*Checkout, error) {
	if existing.Amount != req.Amount || existing.Currency != req.Currency {
		v := &ValidationError{}
		v.Add("idempotencyKey", "already used for a different amount or currency")
		return nil, v
	}
	if existing.GatewayOrderRef == "" {
		return nil, ErrCheckoutInProgress
	}

	params, err := gw.ClientParameters(existing)
	if err != nil {
		return nil, fmt.Errorf("failed to build client parameters: %w", err)
	}

	i.logger.Info("Checkout replayed for idempotency key",
		zap.String("order_id", existing.ID),
		zap.String("gateway", gw.Name()),
		zap.String("status", string(existing.Status)))

	return &Checkout{
		OrderID:               existing.ID,
		Gateway:               gw.Name(),
		GatewayOrderReference: existing.GatewayOrderRef,
		Amount:                existing.Amount,
		Currency:              existing.Currency,
		Status:                existing.Status,
		ClientParameters:      params,
		Replayed:              true,
	}, nil
}

// markFailed records the initiation failure with a context that survives the
// caller's cancellation.
func (i *Initiator) markFailed(ctx context.Context, logger *zap.Logger, id string, cause error) {
	logger.Error("Gateway order creation failed", zap.Error(cause))

	if _, err := i.store.MarkInitiationFailed(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		logger.Error("Failed to mark order as failed_to_initiate", zap.Error(err))
	}
}

func classifyGatewayError(err error) error {
	switch {
	case errors.Is(err, ErrGatewayRejected), errors.Is(err, ErrGatewayUnavailable), errors.Is(err, ErrConfiguration):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
}

func validateCheckout(req CheckoutRequest, gw Gateway) error {
	v := &ValidationError{}

	if req.Amount < MinAmount {
		v.Add("amount", fmt.Sprintf("must be an integer of at least %d minor units", MinAmount))
	}

	switch {
	case !currencyPattern.MatchString(req.Currency):
		v.Add("currency", "must be a 3-letter ISO 4217 code")
	case !gw.SupportsCurrency(req.Currency):
		v.Add("currency", fmt.Sprintf("%s is not supported by %s", req.Currency, gw.Name()))
	}

	if req.Customer.Name == "" {
		v.Add("customer.name", "is required")
	} else if len(req.Customer.Name) > 100 {
		v.Add("customer.name", "must be at most 100 characters")
	}
	if req.Customer.Email == "" {
		v.Add("customer.email", "is required")
	} else if addr, err := mail.ParseAddress(req.Customer.Email); err != nil || addr.Address != req.Customer.Email {
		v.Add("customer.email", "is not a valid e-mail address")
	}
	if req.Customer.Phone == "" {
		v.Add("customer.phone", "is required")
	} else if !phonePattern.MatchString(req.Customer.Phone) {
		v.Add("customer.phone", "must be 10 to 15 digits")
	}

	if len(req.Description) > 255 {
		v.Add("description", "must be at most 255 characters")
	}
	if req.IdempotencyKey != "" && !idempotencyKeyPattern.MatchString(req.IdempotencyKey) {
		v.Add("idempotencyKey", "must be 8 to 128 characters of letters, digits, '_', '-', ':' or '.'")
	}

	if len(req.Items) > MaxItems {
		v.Add("items", fmt.Sprintf("must have at most %d entries", MaxItems))
		return v.Err()
	}

	var total int64
	bounded := true
	for idx, item := range req.Items {
		field := fmt.Sprintf("items[%d]", idx)
		if item.ProductID == "" {
			v.Add(field+".productId", "is required")
		}
		switch {
		case item.Quantity <= 0:
			v.Add(field+".quantity", "must be positive")
		case item.Quantity > MaxItemQuantity:
			v.Add(field+".quantity", fmt.Sprintf("must be at most %d", MaxItemQuantity))
			bounded = false
		}
		switch {
		case item.UnitPrice <= 0:
			v.Add(field+".unitPrice", "must be positive")
		case item.UnitPrice > MaxUnitPrice:
			v.Add(field+".unitPrice", fmt.Sprintf("must be at most %d minor units", MaxUnitPrice))
			bounded = false
		}
		if bounded {
			total += item.Subtotal()
		}
	}
	if bounded && len(req.Items) > 0 && total != req.Amount {
		v.Add("amount", fmt.Sprintf("does not match the item total %d", total))
	}

	return v.Err()
}
