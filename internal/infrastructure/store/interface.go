package store

import (
	"context"
	"errors"

	"github.com/example/ec-payments/internal/domain/order"
)

var (
	ErrProductNotFound         = errors.New("product not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrInvalidQuantity         = errors.New("quantity must be positive")
)

// OrderStore persists orders. Every status change is a conditional update on
// the current status, so concurrent writers never both win.
type OrderStore interface {
	// Create inserts a new pending order and assigns ID/CreatedAt when empty.
	Create(ctx context.Context, o *order.Order) error

	// AttachGatewayReference sets GatewayOrderRef once; a second, different value
	// returns order.ErrReferenceAssigned.
	AttachGatewayReference(ctx context.Context, id, ref string) error

	// MarkInitiationFailed moves a pending order to failed_to_initiate and
	// releases its idempotency key.
	MarkInitiationFailed(ctx context.Context, id, reason string) (bool, error)

	GetByID(ctx context.Context, id string) (*order.Order, error)
	GetByGatewayReference(ctx context.Context, gateway, ref string) (*order.Order, error)
	GetByIdempotencyKey(ctx context.Context, gateway, key string) (*order.Order, error)

	// TransitionPayment applies pending -> to. It reports false, without error,
	// when the order was no longer pending.
	TransitionPayment(ctx context.Context, id string, to order.Status, upd order.PaymentUpdate) (bool, error)

	// ClaimEffect atomically marks an effect claimed if it was never started or
	// previously failed. It reports false when another worker owns or finished it.
	ClaimEffect(ctx context.Context, id, effect string) (bool, error)
	// CompleteEffect records done (cause == nil) or failed.
	CompleteEffect(ctx context.Context, id, effect string, cause error) error

	// AddManualReview appends entry (a product ID that could not be
	// decremented, or a conflicting payment) once.
	AddManualReview(ctx context.Context, id, entry string) error
	SetSideEffectsPending(ctx context.Context, id string, pending bool) error
	ListPendingSideEffects(ctx context.Context, limit int) ([]*order.Order, error)
}

// StockResult describes a decrement. Clamped is set when the requested
// quantity exceeded the stock on hand and the count stopped at zero.
type StockResult struct {
	Previous  int
	Remaining int
	Clamped   bool
}

type InventoryStore interface {
	DecrementStock(ctx context.Context, productID string, qty int) (StockResult, error)
	GetStock(ctx context.Context, productID string) (int, error)
	UpsertProduct(ctx context.Context, productID, name string, stock int) error
}

// Store is what the payment service needs from a backend.
type Store interface {
	OrderStore
	InventoryStore
}

// clampDecrement is the shared floor rule for every backend.
func clampDecrement(current, qty int) StockResult {
	remaining := current - qty
	clamped := remaining < 0
	if clamped {
		remaining = 0
	}
	return StockResult{Previous: current, Remaining: remaining, Clamped: clamped}
}

func effectError(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
