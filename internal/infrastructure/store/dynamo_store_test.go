package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDynamo records requests and returns canned responses.
type stubDynamo struct {
	getItems     map[string]map[string]types.AttributeValue // pk or id -> item
	updateErrs   []error
	transactErr  error
	UpdateCalls  []*dynamodb.UpdateItemInput
	TransactCall []*dynamodb.TransactWriteItemsInput
	PutCalls     []*dynamodb.PutItemInput
}

func newStubDynamo() *stubDynamo {
	return &stubDynamo{getItems: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(key map[string]types.AttributeValue) string {
	for _, name := range []string{"pk", "id"} {
		if v, ok := key[name].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
	}
	return ""
}

func (s *stubDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: s.getItems[keyOf(in.Key)]}, nil
}

func (s *stubDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.PutCalls = append(s.PutCalls, in)
	return &dynamodb.PutItemOutput{}, nil
}

func (s *stubDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	s.UpdateCalls = append(s.UpdateCalls, in)
	if len(s.updateErrs) > 0 {
		err := s.updateErrs[0]
		s.updateErrs = s.updateErrs[1:]
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (s *stubDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	var items []map[string]types.AttributeValue
	for k, item := range s.getItems {
		if len(k) > len(orderKeyPrefix) && k[:len(orderKeyPrefix)] == orderKeyPrefix {
			if b, ok := item["side_effects_pending"].(*types.AttributeValueMemberBOOL); ok && b.Value {
				items = append(items, item)
			}
		}
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

func (s *stubDynamo) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	s.TransactCall = append(s.TransactCall, in)
	if s.transactErr != nil {
		return nil, s.transactErr
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (s *stubDynamo) putOrder(t *testing.T, o *order.Order) {
	item, err := MarshalOrderItem(o)
	require.NoError(t, err)
	s.getItems[orderKeyPrefix+o.ID] = item
}

func canceled(codes ...string) error {
	reasons := make([]types.CancellationReason, len(codes))
	for i, c := range codes {
		reasons[i] = types.CancellationReason{Code: aws.String(c)}
	}
	return &types.TransactionCanceledException{CancellationReasons: reasons}
}

// ============================================
// Item codec
// ============================================

func TestOrderItem_RoundTrip(t *testing.T) {
	paid := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	o := newPendingOrder("razorpay")
	o.ID = "0b7f5a3e-0000-4000-8000-000000000001"
	o.GatewayOrderRef = "order_ABC"
	o.Status = order.StatusPaid
	o.PaidAt = &paid
	o.Payment = order.Payment{RawStatus: "captured", Raw: map[string]string{"method": "card"}}
	o.SideEffects = map[string]order.Effect{order.EffectAdminEmail: {State: order.EffectDone, UpdatedAt: paid}}
	o.CreatedAt = paid.Add(-time.Minute)

	item, err := MarshalOrderItem(o)
	require.NoError(t, err)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "order#" + o.ID}, item["pk"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "paid"}, item["status"])
	assert.IsType(t, &types.AttributeValueMemberN{}, item["amount"])

	got, err := UnmarshalOrderItem(item)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, int64(50000), got.Amount)
	assert.Equal(t, o.Items, got.Items)
	assert.Equal(t, "card", got.Payment.Raw["method"])
	assert.Equal(t, order.EffectDone, got.SideEffects[order.EffectAdminEmail].State)
	require.NotNil(t, got.PaidAt)
	assert.True(t, paid.Equal(*got.PaidAt))
}

func TestMarshalOrderItem_AlwaysHasSideEffectsMap(t *testing.T) {
	item, err := MarshalOrderItem(newPendingOrder("payu"))
	require.NoError(t, err)

	m, ok := item["side_effects"].(*types.AttributeValueMemberM)
	require.True(t, ok)
	assert.Empty(t, m.Value)
}

// ============================================
// Writes
// ============================================

func TestDynamoStore_Create_WritesGuards(t *testing.T) {
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	o := newPendingOrder("payu")
	o.IdempotencyKey = "idem-1"
	o.GatewayOrderRef = "rcpt_1"
	require.NoError(t, s.Create(context.Background(), o))

	require.Len(t, client.TransactCall, 1)
	items := client.TransactCall[0].TransactItems
	require.Len(t, items, 3)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "idem#payu#idem-1"}, items[1].Put.Item["pk"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "ref#payu#rcpt_1"}, items[2].Put.Item["pk"])
	for _, it := range items {
		assert.Equal(t, "attribute_not_exists(pk)", aws.ToString(it.Put.ConditionExpression))
	}
}

func TestDynamoStore_Create_MapsCancellation(t *testing.T) {
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	client.transactErr = canceled("None", "ConditionalCheckFailed")
	o := newPendingOrder("razorpay")
	o.IdempotencyKey = "idem-1"
	assert.ErrorIs(t, s.Create(context.Background(), o), ErrDuplicateIdempotencyKey)

	client.transactErr = errors.New("throttled")
	err := s.Create(context.Background(), newPendingOrder("razorpay"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestDynamoStore_AttachGatewayReference(t *testing.T) {
	ctx := context.Background()
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	o := newPendingOrder("razorpay")
	o.ID = "o-1"
	client.putOrder(t, o)

	require.NoError(t, s.AttachGatewayReference(ctx, "o-1", "order_X"))
	items := client.TransactCall[0].TransactItems
	assert.Equal(t, &types.AttributeValueMemberS{Value: "ref#razorpay#order_X"}, items[0].Put.Item["pk"])

	client.transactErr = canceled("ConditionalCheckFailed", "None")
	assert.ErrorIs(t, s.AttachGatewayReference(ctx, "o-1", "order_X"), order.ErrDuplicateReference)

	o.GatewayOrderRef = "order_X"
	client.putOrder(t, o)
	client.transactErr = nil
	assert.NoError(t, s.AttachGatewayReference(ctx, "o-1", "order_X"))
	assert.ErrorIs(t, s.AttachGatewayReference(ctx, "o-1", "order_Y"), order.ErrReferenceAssigned)

	assert.ErrorIs(t, s.AttachGatewayReference(ctx, "missing", "order_Z"), order.ErrOrderNotFound)
}

func TestDynamoStore_TransitionPayment(t *testing.T) {
	ctx := context.Background()
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	ok, err := s.TransitionPayment(ctx, "o-1", order.StatusPaid, order.PaymentUpdate{PaymentRef: "pay_1"})
	require.NoError(t, err)
	assert.True(t, ok)

	in := client.UpdateCalls[0]
	assert.Contains(t, aws.ToString(in.UpdateExpression), "side_effects_pending = :true")
	assert.Equal(t, "attribute_exists(pk) AND #status = :pending", aws.ToString(in.ConditionExpression))
	assert.Equal(t, types.ReturnValuesOnConditionCheckFailureAllOld, in.ReturnValuesOnConditionCheckFailure)

	// lost the race: item exists but is no longer pending
	client.updateErrs = []error{&types.ConditionalCheckFailedException{Item: map[string]types.AttributeValue{}}}
	ok, err = s.TransitionPayment(ctx, "o-1", order.StatusPaymentFailed, order.PaymentUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, aws.ToString(client.UpdateCalls[1].UpdateExpression), "failed_at = :at")

	// item missing
	client.updateErrs = []error{&types.ConditionalCheckFailedException{}}
	_, err = s.TransitionPayment(ctx, "o-2", order.StatusPaid, order.PaymentUpdate{})
	assert.ErrorIs(t, err, order.ErrOrderNotFound)

	_, err = s.TransitionPayment(ctx, "o-1", order.StatusShipped, order.PaymentUpdate{})
	assert.ErrorIs(t, err, order.ErrInvalidStatus)
}

func TestDynamoStore_ClaimEffect(t *testing.T) {
	ctx := context.Background()
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	ok, err := s.ClaimEffect(ctx, "o-1", "stock:0")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "stock:0", client.UpdateCalls[0].ExpressionAttributeNames["#e"])

	client.updateErrs = []error{&types.ConditionalCheckFailedException{Item: map[string]types.AttributeValue{}}}
	ok, err = s.ClaimEffect(ctx, "o-1", "stock:0")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDynamoStore_MarkInitiationFailed_ReleasesIdempotencyGuard(t *testing.T) {
	ctx := context.Background()
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	o := newPendingOrder("razorpay")
	o.ID = "o-1"
	o.IdempotencyKey = "idem-1"
	client.putOrder(t, o)

	ok, err := s.MarkInitiationFailed(ctx, "o-1", "gateway timeout")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, client.TransactCall, 1)
	items := client.TransactCall[0].TransactItems
	require.Len(t, items, 2)

	upd := items[0].Update
	require.NotNil(t, upd)
	assert.Equal(t, "order#o-1", keyOf(upd.Key))
	assert.Contains(t, aws.ToString(upd.UpdateExpression), "REMOVE idempotency_key")
	assert.Equal(t, "attribute_exists(pk) AND #status = :pending", aws.ToString(upd.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "failed_to_initiate"}, upd.ExpressionAttributeValues[":failed"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: "gateway timeout"}, upd.ExpressionAttributeValues[":reason"])

	del := items[1].Delete
	require.NotNil(t, del)
	assert.Equal(t, "orders", aws.ToString(del.TableName))
	assert.Equal(t, "idem#razorpay#idem-1", keyOf(del.Key))

	// lost the race against a callback
	client.transactErr = canceled("ConditionalCheckFailed", "None")
	ok, err = s.MarkInitiationFailed(ctx, "o-1", "gateway timeout")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDynamoStore_MarkInitiationFailed_SkipsSettledOrder(t *testing.T) {
	ctx := context.Background()
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	o := newPendingOrder("razorpay")
	o.ID = "o-2"
	o.Status = order.StatusPaid
	client.putOrder(t, o)

	ok, err := s.MarkInitiationFailed(ctx, "o-2", "late")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, client.TransactCall)

	// no idempotency key, no guard delete
	pending := newPendingOrder("payu")
	pending.ID = "o-3"
	client.putOrder(t, pending)

	ok, err = s.MarkInitiationFailed(ctx, "o-3", "boom")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, client.TransactCall, 1)
	assert.Len(t, client.TransactCall[0].TransactItems, 1)
}

func TestDynamoStore_CompleteEffect(t *testing.T) {
	ctx := context.Background()
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	require.NoError(t, s.CompleteEffect(ctx, "o-1", "email:customer", nil))
	require.Len(t, client.UpdateCalls, 1)
	in := client.UpdateCalls[0]
	assert.Equal(t, "SET side_effects.#e = :v, updated_at = :now", aws.ToString(in.UpdateExpression))
	assert.Equal(t, "attribute_exists(pk)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, "email:customer", in.ExpressionAttributeNames["#e"])
	v, ok := in.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberM)
	require.True(t, ok)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "done"}, v.Value["state"])
	assert.NotContains(t, v.Value, "error")

	require.NoError(t, s.CompleteEffect(ctx, "o-1", "stock:0", errors.New("inventory unavailable")))
	v, ok = client.UpdateCalls[1].ExpressionAttributeValues[":v"].(*types.AttributeValueMemberM)
	require.True(t, ok)
	assert.Equal(t, &types.AttributeValueMemberS{Value: "failed"}, v.Value["state"])
	assert.Contains(t, v.Value, "error")

	client.updateErrs = []error{&types.ConditionalCheckFailedException{}}
	assert.ErrorIs(t, s.CompleteEffect(ctx, "o-missing", "stock:0", nil), order.ErrOrderNotFound)
}

func TestDynamoStore_AddManualReview(t *testing.T) {
	ctx := context.Background()
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	require.NoError(t, s.AddManualReview(ctx, "o-1", "prod-9"))
	require.Len(t, client.UpdateCalls, 1)
	in := client.UpdateCalls[0]
	assert.Equal(t, "order#o-1", keyOf(in.Key))
	assert.Equal(t, "SET manual_review = list_append(if_not_exists(manual_review, :empty), :p), updated_at = :now", aws.ToString(in.UpdateExpression))
	assert.Equal(t, "attribute_exists(pk) AND NOT contains(manual_review, :pid)", aws.ToString(in.ConditionExpression))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "prod-9"}, in.ExpressionAttributeValues[":pid"])
	assert.Equal(t, &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: "prod-9"}}}, in.ExpressionAttributeValues[":p"])

	// already listed
	client.updateErrs = []error{&types.ConditionalCheckFailedException{Item: map[string]types.AttributeValue{}}}
	assert.NoError(t, s.AddManualReview(ctx, "o-1", "prod-9"))

	client.updateErrs = []error{&types.ConditionalCheckFailedException{}}
	assert.ErrorIs(t, s.AddManualReview(ctx, "o-missing", "prod-9"), order.ErrOrderNotFound)
}

func TestDynamoStore_DecrementStock_RetriesOnContention(t *testing.T) {
	ctx := context.Background()
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	client.getItems["p1"] = map[string]types.AttributeValue{
		"id":    &types.AttributeValueMemberS{Value: "p1"},
		"stock": &types.AttributeValueMemberN{Value: "2"},
	}
	client.updateErrs = []error{&types.ConditionalCheckFailedException{}}

	res, err := s.DecrementStock(ctx, "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, StockResult{Previous: 2, Remaining: 0, Clamped: true}, res)
	assert.Len(t, client.UpdateCalls, 2)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "0"}, client.UpdateCalls[1].ExpressionAttributeValues[":new"])

	_, err = s.DecrementStock(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestDynamoStore_GetByGatewayReference(t *testing.T) {
	ctx := context.Background()
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	o := newPendingOrder("razorpay")
	o.ID = "o-9"
	client.putOrder(t, o)
	guard, err := guardItem("ref#razorpay#order_9", "o-9")
	require.NoError(t, err)
	client.getItems["ref#razorpay#order_9"] = guard

	got, err := s.GetByGatewayReference(ctx, "razorpay", "order_9")
	require.NoError(t, err)
	assert.Equal(t, "o-9", got.ID)

	_, err = s.GetByGatewayReference(ctx, "payu", "order_9")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestDynamoStore_ListPendingSideEffects(t *testing.T) {
	client := newStubDynamo()
	s := NewDynamoStore(client, "orders", "products")

	a := newPendingOrder("razorpay")
	a.ID = "a"
	a.SideEffectsPending = true
	a.CreatedAt = time.Now().Add(-time.Hour)
	b := newPendingOrder("razorpay")
	b.ID = "b"
	b.SideEffectsPending = true
	b.CreatedAt = time.Now()
	c := newPendingOrder("razorpay")
	c.ID = "c"
	client.putOrder(t, b)
	client.putOrder(t, a)
	client.putOrder(t, c)

	got, err := s.ListPendingSideEffects(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}
