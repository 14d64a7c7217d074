package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type processorFixture struct {
	processor *Processor
	store     *store.MemoryStore
	effects   *recordingEffects
	checkout  *Checkout
}

func setupProcessor(t *testing.T, opts ...ProcessorOption) *processorFixture {
	t.Helper()
	gw := newFakeGateway()
	st := store.NewMemoryStore()
	registry := NewRegistry(gw)
	effects := &recordingEffects{}

	co, err := NewInitiator(st, registry, zap.NewNop()).Initiate(context.Background(), validCheckoutRequest())
	require.NoError(t, err)

	return &processorFixture{
		processor: NewProcessor(st, registry, effects, zap.NewNop(), opts...),
		store:     st,
		effects:   effects,
		checkout:  co,
	}
}

var testMeta = RequestMeta{RemoteIP: "203.0.113.9", UserAgent: "test-agent"}

func TestProcessor_CallbackMarksPaid(t *testing.T) {
	ctx := context.Background()
	f := setupProcessor(t)
	ref := f.checkout.GatewayOrderReference

	res, err := f.processor.HandleCallback(ctx, "fakepay", signedCallback(ref, "pay_001", ""), testMeta)
	require.NoError(t, err)

	assert.Equal(t, OutcomeTransitioned, res.Outcome)
	assert.Equal(t, order.StatusPaid, res.Order.Status)
	assert.Equal(t, "pay_001", res.Order.PaymentRef)
	assert.NotNil(t, res.Order.PaidAt)
	assert.True(t, res.Order.SideEffectsPending)
	assert.Equal(t, 1, f.effects.count())
}

func TestProcessor_CallbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setupProcessor(t)
	fields := signedCallback(f.checkout.GatewayOrderReference, "pay_001", "captured")

	first, err := f.processor.HandleCallback(ctx, "fakepay", fields, testMeta)
	require.NoError(t, err)
	require.Equal(t, OutcomeTransitioned, first.Outcome)

	for i := 0; i < 3; i++ {
		res, err := f.processor.HandleCallback(ctx, "fakepay", fields, testMeta)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, res.Outcome)
		assert.Equal(t, order.StatusPaid, res.Order.Status)
	}
	assert.Equal(t, 1, f.effects.count())
}

func TestProcessor_FailedPaymentAfterPaidIsNoop(t *testing.T) {
	ctx := context.Background()
	f := setupProcessor(t)
	ref := f.checkout.GatewayOrderReference

	_, err := f.processor.HandleCallback(ctx, "fakepay", signedCallback(ref, "pay_001", "captured"), testMeta)
	require.NoError(t, err)

	res, err := f.processor.HandleCallback(ctx, "fakepay", signedCallback(ref, "pay_002", "failed"), testMeta)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, order.StatusPaid, res.Order.Status)
	assert.Equal(t, "pay_001", res.Order.PaymentRef)
}

func TestProcessor_PaidAfterFailedIsRecordedAsConflict(t *testing.T) {
	ctx := context.Background()
	f := setupProcessor(t)
	ref := f.checkout.GatewayOrderReference

	core, logs := observer.New(zap.InfoLevel)
	f.processor.logger = zap.New(core)

	_, err := f.processor.HandleCallback(ctx, "fakepay", signedCallback(ref, "pay_a", "failed"), testMeta)
	require.NoError(t, err)

	body, header := signedWebhook(fakeWebhook{
		Event: "payment", EventID: "evt_late", OrderID: ref,
		Payment: "pay_b", Status: "captured", Amount: 50000, Currency: "INR",
	})
	res, err := f.processor.HandleWebhook(ctx, "fakepay", body, header, testMeta)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, order.StatusPaymentFailed, res.Order.Status)
	assert.Empty(t, res.Order.PaymentRef)
	assert.Contains(t, res.Order.ManualReview, ConflictReviewEntry("pay_b"))
	assert.False(t, res.Order.SideEffectsPending)
	assert.Zero(t, f.effects.count())

	entries := logs.FilterLevelExact(zap.ErrorLevel).All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, true, fields["security_event"])
	assert.Equal(t, true, fields["conflict"])
	assert.Equal(t, "pay_b", fields["payment_ref"])
	assert.Equal(t, "payment_failed", fields["status"])

	// a late failure notice stays a quiet no-op
	_, err = f.processor.HandleCallback(ctx, "fakepay", signedCallback(ref, "pay_c", "failed"), testMeta)
	require.NoError(t, err)
	assert.Len(t, logs.FilterLevelExact(zap.ErrorLevel).All(), 1)
}

func TestProcessor_CallbackMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := setupProcessor(t)

	fields := signedCallback(f.checkout.GatewayOrderReference, "pay_009", "failed")
	fields["error_code"] = "BAD_REQUEST_ERROR"

	res, err := f.processor.HandleCallback(ctx, "fakepay", fields, testMeta)
	require.NoError(t, err)

	assert.Equal(t, OutcomeTransitioned, res.Outcome)
	assert.Equal(t, order.StatusPaymentFailed, res.Order.Status)
	assert.Equal(t, "failed", res.Order.Payment.RawStatus)
	assert.Equal(t, "BAD_REQUEST_ERROR", res.Order.Payment.Raw["error_code"])
	assert.NotNil(t, res.Order.FailedAt)
	assert.False(t, res.Order.SideEffectsPending)
	assert.Zero(t, f.effects.count())
}

func TestProcessor_PendingAndUnknownStatus(t *testing.T) {
	tests := []struct {
		status string
		want   Outcome
	}{
		{"authorized", OutcomePending},
		{"refund_queued", OutcomeIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			f := setupProcessor(t)
			fields := signedCallback(f.checkout.GatewayOrderReference, "pay_001", tt.status)

			res, err := f.processor.HandleCallback(context.Background(), "fakepay", fields, testMeta)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, order.StatusPending, res.Order.Status)
			assert.Zero(t, f.effects.count())
		})
	}
}

func TestProcessor_RejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := setupProcessor(t)
	ref := f.checkout.GatewayOrderReference
	valid := signedCallback(ref, "pay_001", "")["signature"]

	flipped := []byte(valid)
	if flipped[10] == 'a' {
		flipped[10] = 'b'
	} else {
		flipped[10] = 'a'
	}

	signatures := map[string]string{
		"empty":       "",
		"truncated":   valid[:63],
		"over-length": valid + "0",
		"non-hex":     "z" + valid[1:],
		"mutated":     string(flipped),
		"uppercase-x": strings.Repeat("X", 64),
	}

	for name, sig := range signatures {
		t.Run(name, func(t *testing.T) {
			fields := signedCallback(ref, "pay_001", "")
			fields["signature"] = sig

			_, err := f.processor.HandleCallback(ctx, "fakepay", fields, testMeta)
			assert.ErrorIs(t, err, ErrSignatureVerificationFailed)
		})
	}

	// A valid signature for another payment does not carry over.
	fields := signedCallback(ref, "pay_001", "")
	fields["payment_id"] = "pay_999"
	_, err := f.processor.HandleCallback(ctx, "fakepay", fields, testMeta)
	assert.ErrorIs(t, err, ErrSignatureVerificationFailed)

	o, err := f.store.GetByID(ctx, f.checkout.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Zero(t, f.effects.count())
}

func TestProcessor_UnknownOrder(t *testing.T) {
	f := setupProcessor(t)

	_, err := f.processor.HandleCallback(context.Background(), "fakepay", signedCallback("order_404", "pay_001", ""), testMeta)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestProcessor_AmountMismatch(t *testing.T) {
	ctx := context.Background()
	f := setupProcessor(t)

	fields := signedCallback(f.checkout.GatewayOrderReference, "pay_001", "captured")
	fields["amount"] = "500"

	_, err := f.processor.HandleCallback(ctx, "fakepay", fields, testMeta)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.ErrorIs(t, err, ErrSignatureVerificationFailed)

	o, err := f.store.GetByID(ctx, f.checkout.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)

	// The exact amount round-trips.
	fields["amount"] = "50000"
	res, err := f.processor.HandleCallback(ctx, "fakepay", fields, testMeta)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, res.Order.Status)
	assert.Equal(t, int64(50000), res.Order.Amount)
}

func TestProcessor_WebhookCurrencyMismatch(t *testing.T) {
	f := setupProcessor(t)
	body, header := signedWebhook(fakeWebhook{
		Event: "payment", OrderID: f.checkout.GatewayOrderReference, Payment: "pay_001",
		Status: "captured", Amount: 50000, Currency: "USD",
	})

	_, err := f.processor.HandleWebhook(context.Background(), "fakepay", body, header, testMeta)
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestProcessor_Webhook(t *testing.T) {
	ctx := context.Background()
	f := setupProcessor(t)
	body, header := signedWebhook(fakeWebhook{
		Event: "payment", EventID: "evt_1", OrderID: f.checkout.GatewayOrderReference,
		Payment: "pay_001", Status: "captured", Amount: 50000, Currency: "INR",
	})

	res, err := f.processor.HandleWebhook(ctx, "fakepay", body, header, testMeta)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransitioned, res.Outcome)
	assert.Equal(t, order.StatusPaid, res.Order.Status)

	header.Set("X-Fake-Signature", strings.Repeat("0", 64))
	_, err = f.processor.HandleWebhook(ctx, "fakepay", body, header, testMeta)
	assert.ErrorIs(t, err, ErrSignatureVerificationFailed)
}

func TestProcessor_WebhookIrrelevantEvent(t *testing.T) {
	f := setupProcessor(t)
	body, header := signedWebhook(fakeWebhook{Event: "refund", OrderID: f.checkout.GatewayOrderReference})

	res, err := f.processor.HandleWebhook(context.Background(), "fakepay", body, header, testMeta)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Nil(t, res.Order)
}

func TestProcessor_WebhookDedup(t *testing.T) {
	ctx := context.Background()
	dedup := &memoryDeduper{}
	f := setupProcessor(t, WithDeduper(dedup))
	body, header := signedWebhook(fakeWebhook{
		Event: "payment", EventID: "evt_42", OrderID: f.checkout.GatewayOrderReference,
		Payment: "pay_001", Status: "captured", Amount: 50000,
	})

	first, err := f.processor.HandleWebhook(ctx, "fakepay", body, header, testMeta)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransitioned, first.Outcome)

	seen, _ := dedup.Seen(ctx, "fakepay", "evt_42")
	assert.True(t, seen)

	second, err := f.processor.HandleWebhook(ctx, "fakepay", body, header, testMeta)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, 1, f.effects.count())
}

func TestProcessor_ConcurrentCallbackAndWebhook(t *testing.T) {
	ctx := context.Background()
	f := setupProcessor(t)
	ref := f.checkout.GatewayOrderReference

	callback := signedCallback(ref, "pay_001", "captured")
	body, header := signedWebhook(fakeWebhook{
		Event: "payment", OrderID: ref, Payment: "pay_001", Status: "captured", Amount: 50000,
	})

	const rounds = 20
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		transitioned int
	)
	record := func(res *Result, err error) {
		defer wg.Done()
		if !assert.NoError(t, err) {
			return
		}
		if res.Outcome == OutcomeTransitioned {
			mu.Lock()
			transitioned++
			mu.Unlock()
		}
	}

	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() { record(f.processor.HandleCallback(ctx, "fakepay", callback, testMeta)) }()
		go func() { record(f.processor.HandleWebhook(ctx, "fakepay", body, header, testMeta)) }()
	}
	wg.Wait()

	assert.Equal(t, 1, transitioned)
	assert.Equal(t, 1, f.effects.count())

	o, err := f.store.GetByID(ctx, f.checkout.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
}

func TestProcessor_EnqueueFailureKeepsPayment(t *testing.T) {
	f := setupProcessor(t)
	f.effects.err = errors.New("broker down")

	res, err := f.processor.HandleCallback(context.Background(), "fakepay",
		signedCallback(f.checkout.GatewayOrderReference, "pay_001", ""), testMeta)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, res.Order.Status)
	assert.True(t, res.Order.SideEffectsPending)
}

func TestProcessor_Lookup(t *testing.T) {
	f := setupProcessor(t)

	o, err := f.processor.Lookup(context.Background(), "fakepay", f.checkout.GatewayOrderReference)
	require.NoError(t, err)
	assert.Equal(t, f.checkout.OrderID, o.ID)

	_, err = f.processor.Lookup(context.Background(), "other", "order_1")
	assert.ErrorIs(t, err, ErrUnknownGateway)
}
