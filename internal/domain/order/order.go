package order

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending          Status = "pending"
	StatusPaid             Status = "paid"
	StatusPaymentFailed    Status = "payment_failed"
	StatusProcessing       Status = "processing"
	StatusShipped          Status = "shipped"
	StatusDelivered        Status = "delivered"
	StatusCancelled        Status = "cancelled"
	StatusFailedToInitiate Status = "failed_to_initiate"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidStatus      = errors.New("invalid order status transition")
	ErrReferenceAssigned  = errors.New("gateway order reference already assigned")
	ErrDuplicateReference = errors.New("gateway order reference already in use")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusPending:          {StatusPaid, StatusPaymentFailed, StatusCancelled, StatusFailedToInitiate},
	StatusPaid:             {StatusProcessing},
	StatusProcessing:       {StatusShipped, StatusCancelled},
	StatusShipped:          {StatusDelivered},
	StatusPaymentFailed:    {}, // terminal state
	StatusDelivered:        {}, // terminal state
	StatusCancelled:        {}, // terminal state
	StatusFailedToInitiate: {}, // terminal state
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsPaymentSettled reports whether the payment outcome for an order in this
// status has already been decided. Callbacks for settled orders are no-ops.
func (s Status) IsPaymentSettled() bool {
	return s != StatusPending
}

// CanTransition checks if from -> to is an allowed transition
func CanTransition(from, to Status) bool {
	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsPaymentOutcome reports whether s is a status a payment callback may settle a
// pending order into.
func (s Status) IsPaymentOutcome() bool {
	return s == StatusPaid || s == StatusPaymentFailed
}

// CheckPaymentTransition returns ErrInvalidStatus unless pending -> to is an
// allowed transition reached through a payment callback.
func CheckPaymentTransition(to Status) error {
	if !to.IsPaymentOutcome() || !CanTransition(StatusPending, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, StatusPending, to)
	}
	return nil
}

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type Item struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"` // minor units
	Variant   string `json:"variant,omitempty"`
}

// Subtotal returns quantity * unit price in minor units.
func (i Item) Subtotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

// Payment holds the gateway-side facts recorded when the payment outcome is applied.
// Raw is kept for audit and support; it is never returned to customers.
type Payment struct {
	RawStatus     string            `json:"raw_status,omitempty"`
	FailureCode   string            `json:"failure_code,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Raw           map[string]string `json:"raw,omitempty"`
}

type Order struct {
	ID              string    `json:"id"`
	Gateway         string    `json:"gateway"`
	GatewayOrderRef string    `json:"gateway_order_ref,omitempty"`
	LocalRef        string    `json:"local_ref"`
	IdempotencyKey  string    `json:"idempotency_key,omitempty"`
	PaymentRef      string    `json:"payment_ref,omitempty"`
	Customer        Customer  `json:"customer"`
	Shipping        Address   `json:"shipping"`
	Items           []Item    `json:"items"`
	Amount          int64     `json:"amount"` // minor units, same unit the gateway was given
	Currency        string    `json:"currency"`
	Description     string    `json:"description,omitempty"`
	Status          Status    `json:"status"`
	Payment         Payment   `json:"payment"`
	InitiationError string    `json:"initiation_error,omitempty"`

	SideEffects        map[string]Effect `json:"side_effects,omitempty"`
	SideEffectsPending bool              `json:"side_effects_pending"`
	ManualReview       []string          `json:"manual_review,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
}

// ItemsTotal sums line item subtotals in minor units.
func (o *Order) ItemsTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal()
	}
	return total
}

// PaymentUpdate carries what a callback contributes to a pending -> paid/payment_failed transition.
type PaymentUpdate struct {
	PaymentRef string
	Payment    Payment
	At         time.Time
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.ManualReview = append([]string(nil), o.ManualReview...)
	if o.Payment.Raw != nil {
		c.Payment.Raw = make(map[string]string, len(o.Payment.Raw))
		for k, v := range o.Payment.Raw {
			c.Payment.Raw[k] = v
		}
	}
	if o.SideEffects != nil {
		c.SideEffects = make(map[string]Effect, len(o.SideEffects))
		for k, v := range o.SideEffects {
			c.SideEffects[k] = v
		}
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.FailedAt != nil {
		t := *o.FailedAt
		c.FailedAt = &t
	}
	return &c
}
