package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/google/uuid"
)

const (
	orderKeyPrefix = "order#"
	refKeyPrefix   = "ref#"
	idemKeyPrefix  = "idem#"

	maxStockRetries = 10
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps orders in one table keyed by "pk". Besides the order item
// ("order#<id>") it writes guard items ("ref#<gateway>#<ref>",
// "idem#<gateway>#<key>") in the same transaction to enforce uniqueness.
// Order items are streamed to Kinesis; the notifier lambda reacts to the
// pending -> paid change.
type DynamoStore struct {
	client        DynamoAPI
	ordersTable   string
	productsTable string
}

// dynamoOrder is the stored order item. Attribute names follow the order's json tags.
type dynamoOrder struct {
	PK string `json:"pk"`
	order.Order
}

type dynamoGuard struct {
	PK      string `json:"pk"`
	OrderID string `json:"order_id"`
}

type dynamoProduct struct {
	ID        string `dynamodbav:"id"`
	Name      string `dynamodbav:"name"`
	Stock     int    `dynamodbav:"stock"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

func NewDynamoStore(client DynamoAPI, ordersTable, productsTable string) *DynamoStore {
	return &DynamoStore{client: client, ordersTable: ordersTable, productsTable: productsTable}
}

func useJSONTags(o *attributevalue.EncoderOptions) { o.TagKey = "json" }

func decodeJSONTags(o *attributevalue.DecoderOptions) { o.TagKey = "json" }

// MarshalOrderItem encodes an order the way DynamoStore stores it.
func MarshalOrderItem(o *order.Order) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMapWithOptions(dynamoOrder{PK: orderKeyPrefix + o.ID, Order: *o}, useJSONTags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}
	// Effect updates write into side_effects.<name>, so the map must exist.
	if _, ok := av["side_effects"]; !ok {
		av["side_effects"] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}}
	}
	return av, nil
}

// UnmarshalOrderItem decodes a stored order item, including stream images.
func UnmarshalOrderItem(item map[string]types.AttributeValue) (*order.Order, error) {
	var do dynamoOrder
	if err := attributevalue.UnmarshalMapWithOptions(item, &do, decodeJSONTags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &do.Order, nil
}

func orderKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: orderKeyPrefix + id}}
}

func guardKey(prefix, gateway, value string) string {
	return prefix + gateway + "#" + value
}

func guardItem(pk, orderID string) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMapWithOptions(dynamoGuard{PK: pk, OrderID: orderID}, useJSONTags)
}

func (s *DynamoStore) Create(ctx context.Context, o *order.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.UpdatedAt = o.CreatedAt
	if o.Status == "" {
		o.Status = order.StatusPending
	}

	item, err := MarshalOrderItem(o)
	if err != nil {
		return err
	}

	notExists := aws.String("attribute_not_exists(pk)")
	writes := []types.TransactWriteItem{
		{Put: &types.Put{TableName: aws.String(s.ordersTable), Item: item, ConditionExpression: notExists}},
	}
	reasons := []error{errors.New("order id already exists")}

	if o.IdempotencyKey != "" {
		guard, err := guardItem(guardKey(idemKeyPrefix, o.Gateway, o.IdempotencyKey), o.ID)
		if err != nil {
			return err
		}
		writes = append(writes, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.ordersTable), Item: guard, ConditionExpression: notExists}})
		reasons = append(reasons, ErrDuplicateIdempotencyKey)
	}
	if o.GatewayOrderRef != "" {
		guard, err := guardItem(guardKey(refKeyPrefix, o.Gateway, o.GatewayOrderRef), o.ID)
		if err != nil {
			return err
		}
		writes = append(writes, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.ordersTable), Item: guard, ConditionExpression: notExists}})
		reasons = append(reasons, order.ErrDuplicateReference)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	if err != nil {
		return cancellationError(err, reasons, "failed to create order")
	}
	return nil
}

func (s *DynamoStore) AttachGatewayReference(ctx context.Context, id, ref string) error {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.GatewayOrderRef != "" {
		if current.GatewayOrderRef == ref {
			return nil
		}
		return order.ErrReferenceAssigned
	}

	guard, err := guardItem(guardKey(refKeyPrefix, current.Gateway, ref), id)
	if err != nil {
		return err
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.ordersTable),
				Item:                guard,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Update: &types.Update{
				TableName:           aws.String(s.ordersTable),
				Key:                 orderKey(id),
				UpdateExpression:    aws.String("SET gateway_order_ref = :ref, updated_at = :now"),
				ConditionExpression: aws.String("attribute_exists(pk) AND attribute_not_exists(gateway_order_ref)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":ref": &types.AttributeValueMemberS{Value: ref},
					":now": timeValue(time.Now()),
				},
			}},
		},
	})
	if err != nil {
		return cancellationError(err, []error{order.ErrDuplicateReference, order.ErrReferenceAssigned}, "failed to attach gateway reference")
	}
	return nil
}

func (s *DynamoStore) MarkInitiationFailed(ctx context.Context, id, reason string) (bool, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !order.CanTransition(current.Status, order.StatusFailedToInitiate) {
		return false, nil
	}

	now := timeValue(time.Now())
	writes := []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:           aws.String(s.ordersTable),
			Key:                 orderKey(id),
			UpdateExpression:    aws.String("SET #status = :failed, initiation_error = :reason, failed_at = :now, updated_at = :now REMOVE idempotency_key"),
			ConditionExpression: aws.String("attribute_exists(pk) AND #status = :pending"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":failed":  &types.AttributeValueMemberS{Value: string(order.StatusFailedToInitiate)},
				":pending": &types.AttributeValueMemberS{Value: string(order.StatusPending)},
				":reason":  &types.AttributeValueMemberS{Value: reason},
				":now":     now,
			},
		}},
	}
	if current.IdempotencyKey != "" {
		writes = append(writes, types.TransactWriteItem{Delete: &types.Delete{
			TableName: aws.String(s.ordersTable),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: guardKey(idemKeyPrefix, current.Gateway, current.IdempotencyKey)},
			},
		}})
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark initiation failed: %w", err)
	}
	return true, nil
}

func (s *DynamoStore) GetByID(ctx context.Context, id string) (*order.Order, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.ordersTable),
		Key:            orderKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if out.Item == nil {
		return nil, order.ErrOrderNotFound
	}
	return UnmarshalOrderItem(out.Item)
}

func (s *DynamoStore) GetByGatewayReference(ctx context.Context, gateway, ref string) (*order.Order, error) {
	return s.getByGuard(ctx, guardKey(refKeyPrefix, gateway, ref))
}

func (s *DynamoStore) GetByIdempotencyKey(ctx context.Context, gateway, key string) (*order.Order, error) {
	return s.getByGuard(ctx, guardKey(idemKeyPrefix, gateway, key))
}

func (s *DynamoStore) getByGuard(ctx context.Context, pk string) (*order.Order, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.ordersTable),
		Key:            map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: pk}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get reference: %w", err)
	}
	if out.Item == nil {
		return nil, order.ErrOrderNotFound
	}

	var guard dynamoGuard
	if err := attributevalue.UnmarshalMapWithOptions(out.Item, &guard, decodeJSONTags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reference: %w", err)
	}
	return s.GetByID(ctx, guard.OrderID)
}

func (s *DynamoStore) TransitionPayment(ctx context.Context, id string, to order.Status, upd order.PaymentUpdate) (bool, error) {
	if err := order.CheckPaymentTransition(to); err != nil {
		return false, err
	}

	payment, err := attributevalue.MarshalWithOptions(upd.Payment, useJSONTags)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payment: %w", err)
	}
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}

	values := map[string]types.AttributeValue{
		":to":      &types.AttributeValueMemberS{Value: string(to)},
		":pending": &types.AttributeValueMemberS{Value: string(order.StatusPending)},
		":payment": payment,
		":at":      timeValue(at),
	}
	update := "SET #status = :to, payment = :payment, updated_at = :at"
	if to == order.StatusPaid {
		update += ", payment_ref = :pref, paid_at = :at, side_effects_pending = :true"
		values[":pref"] = &types.AttributeValueMemberS{Value: upd.PaymentRef}
		values[":true"] = &types.AttributeValueMemberBOOL{Value: true}
	} else {
		update += ", failed_at = :at"
	}

	return s.conditionalUpdate(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.ordersTable),
		Key:                       orderKey(id),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(pk) AND #status = :pending"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
}

func (s *DynamoStore) ClaimEffect(ctx context.Context, id, effect string) (bool, error) {
	claimed, err := effectValue(order.EffectClaimed, nil)
	if err != nil {
		return false, err
	}

	return s.conditionalUpdate(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.ordersTable),
		Key:                 orderKey(id),
		UpdateExpression:    aws.String("SET side_effects.#e = :claimed, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(pk) AND (attribute_not_exists(side_effects.#e) OR side_effects.#e.#state = :failed)"),
		ExpressionAttributeNames: map[string]string{
			"#e":     effect,
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":claimed": claimed,
			":failed":  &types.AttributeValueMemberS{Value: string(order.EffectFailed)},
			":now":     timeValue(time.Now()),
		},
	})
}

func (s *DynamoStore) CompleteEffect(ctx context.Context, id, effect string, cause error) error {
	state := order.EffectDone
	if cause != nil {
		state = order.EffectFailed
	}
	value, err := effectValue(state, cause)
	if err != nil {
		return err
	}

	ok, err := s.conditionalUpdate(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.ordersTable),
		Key:                       orderKey(id),
		UpdateExpression:          aws.String("SET side_effects.#e = :v, updated_at = :now"),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeNames:  map[string]string{"#e": effect},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": value, ":now": timeValue(time.Now())},
	})
	if err == nil && !ok {
		return order.ErrOrderNotFound
	}
	return err
}

func (s *DynamoStore) AddManualReview(ctx context.Context, id, productID string) error {
	_, err := s.conditionalUpdate(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.ordersTable),
		Key:                 orderKey(id),
		UpdateExpression:    aws.String("SET manual_review = list_append(if_not_exists(manual_review, :empty), :p), updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(pk) AND NOT contains(manual_review, :pid)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":p":     &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: productID}}},
			":pid":   &types.AttributeValueMemberS{Value: productID},
			":now":   timeValue(time.Now()),
		},
	})
	return err
}

func (s *DynamoStore) SetSideEffectsPending(ctx context.Context, id string, pending bool) error {
	ok, err := s.conditionalUpdate(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.ordersTable),
		Key:                 orderKey(id),
		UpdateExpression:    aws.String("SET side_effects_pending = :p, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":   &types.AttributeValueMemberBOOL{Value: pending},
			":now": timeValue(time.Now()),
		},
	})
	if err == nil && !ok {
		return order.ErrOrderNotFound
	}
	return err
}

func (s *DynamoStore) ListPendingSideEffects(ctx context.Context, limit int) ([]*order.Order, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.ordersTable),
		FilterExpression: aws.String("begins_with(pk, :prefix) AND side_effects_pending = :true"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: orderKeyPrefix},
			":true":   &types.AttributeValueMemberBOOL{Value: true},
		},
	})

	var orders []*order.Order
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orders: %w", err)
		}
		for _, item := range page.Items {
			o, err := UnmarshalOrderItem(item)
			if err != nil {
				return nil, err
			}
			orders = append(orders, o)
		}
	}

	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// DecrementStock reads the current count and writes the clamped value back
// conditioned on the count not having changed, retrying on contention.
func (s *DynamoStore) DecrementStock(ctx context.Context, productID string, qty int) (StockResult, error) {
	if qty <= 0 {
		return StockResult{}, ErrInvalidQuantity
	}

	for attempt := 0; attempt < maxStockRetries; attempt++ {
		current, err := s.GetStock(ctx, productID)
		if err != nil {
			return StockResult{}, err
		}
		res := clampDecrement(current, qty)

		_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.productsTable),
			Key:                 productKey(productID),
			UpdateExpression:    aws.String("SET stock = :new, updated_at = :now"),
			ConditionExpression: aws.String("stock = :old"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":new": &types.AttributeValueMemberN{Value: strconv.Itoa(res.Remaining)},
				":old": &types.AttributeValueMemberN{Value: strconv.Itoa(current)},
				":now": timeValue(time.Now()),
			},
		})
		if err == nil {
			return res, nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return StockResult{}, fmt.Errorf("failed to decrement stock: %w", err)
		}
	}
	return StockResult{}, fmt.Errorf("failed to decrement stock for %s: too much contention", productID)
}

func (s *DynamoStore) GetStock(ctx context.Context, productID string) (int, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.productsTable),
		Key:            productKey(productID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get product: %w", err)
	}
	if out.Item == nil {
		return 0, ErrProductNotFound
	}

	var p dynamoProduct
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return 0, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return p.Stock, nil
}

func (s *DynamoStore) UpsertProduct(ctx context.Context, productID, name string, stock int) error {
	if stock < 0 {
		return ErrInvalidQuantity
	}
	item, err := attributevalue.MarshalMap(dynamoProduct{
		ID:        productID,
		Name:      name,
		Stock:     stock,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.productsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put product: %w", err)
	}
	return nil
}

// conditionalUpdate runs an UpdateItem whose condition includes
// attribute_exists(pk). A failed condition on an existing item reports false;
// a missing item reports order.ErrOrderNotFound.
func (s *DynamoStore) conditionalUpdate(ctx context.Context, in *dynamodb.UpdateItemInput) (bool, error) {
	in.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld

	_, err := s.client.UpdateItem(ctx, in)
	if err == nil {
		return true, nil
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if ccf.Item == nil {
			return false, order.ErrOrderNotFound
		}
		return false, nil
	}
	return false, fmt.Errorf("failed to update order: %w", err)
}

// cancellationError maps the per-item reasons of a cancelled transaction to
// the domain error registered for that item.
func cancellationError(err error, reasons []error, msg string) error {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for i, r := range canceled.CancellationReasons {
			if r.Code != nil && *r.Code == "ConditionalCheckFailed" && i < len(reasons) {
				return reasons[i]
			}
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func productKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

func effectValue(state order.EffectState, cause error) (types.AttributeValue, error) {
	return attributevalue.MarshalWithOptions(order.Effect{
		State:     state,
		Error:     effectError(cause),
		UpdatedAt: time.Now().UTC(),
	}, useJSONTags)
}
