package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingOrder(gateway string) *order.Order {
	return &order.Order{
		Gateway:  gateway,
		LocalRef: "rcpt_" + uuid.New().String()[:8],
		Customer: order.Customer{Name: "Asha", Email: "asha@example.com", Phone: "9876543210"},
		Items: []order.Item{
			{ProductID: "p1", Name: "Mug", Quantity: 2, UnitPrice: 15000},
			{ProductID: "p2", Name: "Tee", Quantity: 1, UnitPrice: 20000},
		},
		Amount:   50000,
		Currency: "INR",
		Status:   order.StatusPending,
	}
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		o := newPendingOrder("razorpay")
		require.NoError(t, s.Create(ctx, o))
		require.NotEmpty(t, o.ID)

		got, err := s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPending, got.Status)
		assert.Equal(t, int64(50000), got.Amount)
		assert.Len(t, got.Items, 2)
		assert.Equal(t, "asha@example.com", got.Customer.Email)
	})

	t.Run("get unknown order", func(t *testing.T) {
		_, err := s.GetByID(ctx, uuid.New().String())
		assert.ErrorIs(t, err, order.ErrOrderNotFound)

		_, err = s.GetByGatewayReference(ctx, "razorpay", "order_missing")
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})

	t.Run("gateway reference assigned once", func(t *testing.T) {
		o := newPendingOrder("razorpay")
		require.NoError(t, s.Create(ctx, o))

		ref := "order_" + uuid.New().String()[:12]
		require.NoError(t, s.AttachGatewayReference(ctx, o.ID, ref))
		require.NoError(t, s.AttachGatewayReference(ctx, o.ID, ref))
		assert.ErrorIs(t, s.AttachGatewayReference(ctx, o.ID, "order_other"), order.ErrReferenceAssigned)

		got, err := s.GetByGatewayReference(ctx, "razorpay", ref)
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)

		other := newPendingOrder("razorpay")
		require.NoError(t, s.Create(ctx, other))
		assert.ErrorIs(t, s.AttachGatewayReference(ctx, other.ID, ref), order.ErrDuplicateReference)
	})

	t.Run("same reference on different gateways", func(t *testing.T) {
		ref := "shared_" + uuid.New().String()[:8]
		a := newPendingOrder("razorpay")
		b := newPendingOrder("payu")
		require.NoError(t, s.Create(ctx, a))
		require.NoError(t, s.Create(ctx, b))

		require.NoError(t, s.AttachGatewayReference(ctx, a.ID, ref))
		require.NoError(t, s.AttachGatewayReference(ctx, b.ID, ref))
	})

	t.Run("idempotency key", func(t *testing.T) {
		key := uuid.New().String()
		o := newPendingOrder("razorpay")
		o.IdempotencyKey = key
		require.NoError(t, s.Create(ctx, o))

		dup := newPendingOrder("razorpay")
		dup.IdempotencyKey = key
		assert.ErrorIs(t, s.Create(ctx, dup), ErrDuplicateIdempotencyKey)

		got, err := s.GetByIdempotencyKey(ctx, "razorpay", key)
		require.NoError(t, err)
		assert.Equal(t, o.ID, got.ID)

		ok, err := s.MarkInitiationFailed(ctx, o.ID, "gateway timeout")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.GetByIdempotencyKey(ctx, "razorpay", key)
		assert.ErrorIs(t, err, order.ErrOrderNotFound)

		failed, err := s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusFailedToInitiate, failed.Status)
		assert.Equal(t, "gateway timeout", failed.InitiationError)

		retry := newPendingOrder("razorpay")
		retry.IdempotencyKey = key
		assert.NoError(t, s.Create(ctx, retry))
	})

	t.Run("transition guard follows the order state machine", func(t *testing.T) {
		o := newPendingOrder("razorpay")
		require.NoError(t, s.Create(ctx, o))

		for _, to := range []order.Status{order.StatusCancelled, order.StatusFailedToInitiate, order.StatusShipped} {
			_, err := s.TransitionPayment(ctx, o.ID, to, order.PaymentUpdate{})
			assert.ErrorIs(t, err, order.ErrInvalidStatus, to)
		}

		ok, err := s.TransitionPayment(ctx, o.ID, order.StatusPaymentFailed, order.PaymentUpdate{At: time.Now().UTC()})
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.MarkInitiationFailed(ctx, o.ID, "late timeout")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPaymentFailed, got.Status)
		assert.Empty(t, got.InitiationError)
	})

	t.Run("transition payment only from pending", func(t *testing.T) {
		o := newPendingOrder("razorpay")
		require.NoError(t, s.Create(ctx, o))

		upd := order.PaymentUpdate{
			PaymentRef: "pay_1",
			Payment:    order.Payment{RawStatus: "captured", Raw: map[string]string{"method": "upi"}},
			At:         time.Now().UTC().Truncate(time.Millisecond),
		}
		ok, err := s.TransitionPayment(ctx, o.ID, order.StatusPaid, upd)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TransitionPayment(ctx, o.ID, order.StatusPaid, upd)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.TransitionPayment(ctx, o.ID, order.StatusPaymentFailed, order.PaymentUpdate{})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPaid, got.Status)
		assert.Equal(t, "pay_1", got.PaymentRef)
		assert.Equal(t, "captured", got.Payment.RawStatus)
		assert.Equal(t, "upi", got.Payment.Raw["method"])
		assert.True(t, got.SideEffectsPending)
		require.NotNil(t, got.PaidAt)
	})

	t.Run("failed payment records reason", func(t *testing.T) {
		o := newPendingOrder("payu")
		require.NoError(t, s.Create(ctx, o))

		ok, err := s.TransitionPayment(ctx, o.ID, order.StatusPaymentFailed, order.PaymentUpdate{
			Payment: order.Payment{RawStatus: "failure", FailureCode: "E308", FailureReason: "bank declined"},
		})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusPaymentFailed, got.Status)
		assert.Equal(t, "E308", got.Payment.FailureCode)
		assert.False(t, got.SideEffectsPending)
		assert.NotNil(t, got.FailedAt)
	})

	t.Run("concurrent transitions have one winner", func(t *testing.T) {
		o := newPendingOrder("razorpay")
		require.NoError(t, s.Create(ctx, o))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				to := order.StatusPaid
				if i%2 == 1 {
					to = order.StatusPaymentFailed
				}
				ok, err := s.TransitionPayment(ctx, o.ID, to, order.PaymentUpdate{PaymentRef: fmt.Sprintf("pay_%d", i)})
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("effect ledger", func(t *testing.T) {
		o := newPendingOrder("razorpay")
		require.NoError(t, s.Create(ctx, o))

		ok, err := s.ClaimEffect(ctx, o.ID, order.EffectCustomerEmail)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ClaimEffect(ctx, o.ID, order.EffectCustomerEmail)
		require.NoError(t, err)
		assert.False(t, ok, "claimed effect must not be claimed twice")

		require.NoError(t, s.CompleteEffect(ctx, o.ID, order.EffectCustomerEmail, errors.New("smtp down")))
		got, err := s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, order.EffectFailed, got.SideEffects[order.EffectCustomerEmail].State)
		assert.Equal(t, "smtp down", got.SideEffects[order.EffectCustomerEmail].Error)

		ok, err = s.ClaimEffect(ctx, o.ID, order.EffectCustomerEmail)
		require.NoError(t, err)
		assert.True(t, ok, "failed effect may be retried")

		require.NoError(t, s.CompleteEffect(ctx, o.ID, order.EffectCustomerEmail, nil))
		ok, err = s.ClaimEffect(ctx, o.ID, order.EffectCustomerEmail)
		require.NoError(t, err)
		assert.False(t, ok, "done effect is final")
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		o := newPendingOrder("razorpay")
		require.NoError(t, s.Create(ctx, o))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ClaimEffect(ctx, o.ID, order.StockEffect(0))
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("manual review and pending flag", func(t *testing.T) {
		o := newPendingOrder("razorpay")
		require.NoError(t, s.Create(ctx, o))
		_, err := s.TransitionPayment(ctx, o.ID, order.StatusPaid, order.PaymentUpdate{PaymentRef: "pay_x"})
		require.NoError(t, err)

		require.NoError(t, s.AddManualReview(ctx, o.ID, "p1"))
		require.NoError(t, s.AddManualReview(ctx, o.ID, "p1"))

		pending, err := s.ListPendingSideEffects(ctx, 1000)
		require.NoError(t, err)
		assert.True(t, containsOrder(pending, o.ID))

		require.NoError(t, s.SetSideEffectsPending(ctx, o.ID, false))
		pending, err = s.ListPendingSideEffects(ctx, 1000)
		require.NoError(t, err)
		assert.False(t, containsOrder(pending, o.ID))

		got, err := s.GetByID(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"p1"}, got.ManualReview)
	})

	t.Run("stock decrement clamps at zero", func(t *testing.T) {
		id := "prod_" + uuid.New().String()[:8]
		require.NoError(t, s.UpsertProduct(ctx, id, "Mug", 3))

		res, err := s.DecrementStock(ctx, id, 2)
		require.NoError(t, err)
		assert.Equal(t, StockResult{Previous: 3, Remaining: 1}, res)

		res, err = s.DecrementStock(ctx, id, 5)
		require.NoError(t, err)
		assert.Equal(t, StockResult{Previous: 1, Remaining: 0, Clamped: true}, res)

		stock, err := s.GetStock(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, stock)

		_, err = s.DecrementStock(ctx, "missing_"+id, 1)
		assert.ErrorIs(t, err, ErrProductNotFound)

		_, err = s.DecrementStock(ctx, id, 0)
		assert.ErrorIs(t, err, ErrInvalidQuantity)

		assert.ErrorIs(t, s.UpsertProduct(ctx, id, "Mug", -1), ErrInvalidQuantity)
	})

	t.Run("concurrent decrements never go negative", func(t *testing.T) {
		id := "prod_" + uuid.New().String()[:8]
		require.NoError(t, s.UpsertProduct(ctx, id, "Tee", 5))

		var clamped atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.DecrementStock(ctx, id, 1)
				assert.NoError(t, err)
				if res.Clamped {
					clamped.Add(1)
				}
			}()
		}
		wg.Wait()

		stock, err := s.GetStock(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, stock)
		assert.Equal(t, int32(5), clamped.Load())
	})
}

func containsOrder(orders []*order.Order, id string) bool {
	for _, o := range orders {
		if o.ID == id {
			return true
		}
	}
	return false
}
