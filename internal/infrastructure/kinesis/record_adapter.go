package kinesis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/infrastructure/store"
)

const orderItemPrefix = "order#"

// PaidOrderFromKinesisRecord decodes a Kinesis record carrying a DynamoDB
// stream change (NEW_AND_OLD_IMAGES) and returns the order when the change is
// the pending -> paid transition. Any other record returns nil, nil.
func PaidOrderFromKinesisRecord(record events.KinesisEventRecord) (*order.Order, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}
	return PaidOrderFromStreamRecord(dynamoDBRecord)
}

// PaidOrderFromStreamRecord is PaidOrderFromKinesisRecord for records read
// straight from DynamoDB Streams.
func PaidOrderFromStreamRecord(record events.DynamoDBEventRecord) (*order.Order, error) {
	if record.EventName != "MODIFY" {
		return nil, nil
	}

	newImage := record.Change.NewImage
	if newImage == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}
	if pk, ok := newImage["pk"]; !ok || pk.DataType() != events.DataTypeString || !strings.HasPrefix(pk.String(), orderItemPrefix) {
		return nil, nil
	}
	if stringAttr(record.Change.OldImage, "status") != string(order.StatusPending) ||
		stringAttr(newImage, "status") != string(order.StatusPaid) {
		return nil, nil
	}

	item, err := toAttributeValueMap(newImage)
	if err != nil {
		return nil, err
	}
	o, err := store.UnmarshalOrderItem(item)
	if err != nil {
		return nil, err
	}
	if o.ID == "" {
		return nil, fmt.Errorf("missing required field: id")
	}
	return o, nil
}

// BatchPaidOrdersFromKinesisEvent converts every record. Paid orders and
// conversion failures are both keyed by sequence number.
func BatchPaidOrdersFromKinesisEvent(kinesisEvent events.KinesisEvent) (map[string]*order.Order, map[string]error) {
	orders := make(map[string]*order.Order)
	failures := make(map[string]error)

	for _, record := range kinesisEvent.Records {
		seq := record.Kinesis.SequenceNumber
		o, err := PaidOrderFromKinesisRecord(record)
		if err != nil {
			failures[seq] = fmt.Errorf("record %s: %w", record.EventID, err)
			continue
		}
		if o != nil {
			orders[seq] = o
		}
	}
	return orders, failures
}

func stringAttr(image map[string]events.DynamoDBAttributeValue, name string) string {
	v, ok := image[name]
	if !ok || v.DataType() != events.DataTypeString {
		return ""
	}
	return v.String()
}

func toAttributeValueMap(image map[string]events.DynamoDBAttributeValue) (map[string]types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		av, err := toAttributeValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = av
	}
	return out, nil
}

// toAttributeValue converts the lambda event representation into the SDK one
// so stream images decode with the same codec the store writes with.
func toAttributeValue(v events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}, nil
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, len(list))
		for i, el := range list {
			av, err := toAttributeValue(el)
			if err != nil {
				return nil, err
			}
			out[i] = av
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case events.DataTypeMap:
		m, err := toAttributeValueMap(v.Map())
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %v", v.DataType())
	}
}
