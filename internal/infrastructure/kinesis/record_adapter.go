package kinesis

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/example/storefront-orders/internal/domain/order"
)

// OrderChange is one write to the orders table as seen by its stream.
// Old is nil for inserts.
type OrderChange struct {
	RecordID string
	Old      *order.Order
	New      *order.Order
}

// ConvertFromKinesisRecord decodes an orders-table change delivered through
// Kinesis Data Streams for DynamoDB. Removals yield nil.
func ConvertFromKinesisRecord(record events.KinesisEventRecord) (*OrderChange, error) {
	var dynamoDBRecord events.DynamoDBEventRecord
	if err := json.Unmarshal(record.Kinesis.Data, &dynamoDBRecord); err != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB record: %w", err)
	}
	if dynamoDBRecord.EventID == "" {
		dynamoDBRecord.EventID = record.EventID
	}
	return ConvertFromDynamoDBStreamRecord(dynamoDBRecord)
}

// ConvertFromDynamoDBStreamRecord decodes a record read directly from a
// DynamoDB stream.
func ConvertFromDynamoDBStreamRecord(record events.DynamoDBEventRecord) (*OrderChange, error) {
	change := &OrderChange{RecordID: record.EventID}
	switch events.DynamoDBOperationType(record.EventName) {
	case events.DynamoDBOperationTypeInsert:
	case events.DynamoDBOperationTypeModify:
		old, err := convertDynamoDBImage(record.Change.OldImage)
		if err != nil {
			return nil, fmt.Errorf("old image: %w", err)
		}
		change.Old = old
	default:
		return nil, nil
	}

	o, err := convertDynamoDBImage(record.Change.NewImage)
	if err != nil {
		return nil, fmt.Errorf("new image: %w", err)
	}
	change.New = o
	return change, nil
}

// convertDynamoDBImage rebuilds the order from the item's JSON document.
func convertDynamoDBImage(image map[string]events.DynamoDBAttributeValue) (*order.Order, error) {
	if image == nil {
		return nil, fmt.Errorf("DynamoDB image is nil")
	}
	doc, ok := image["document"]
	if !ok || doc.DataType() != events.DataTypeString {
		return nil, fmt.Errorf("image has no order document")
	}

	var o order.Order
	if err := json.Unmarshal([]byte(doc.String()), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order document: %w", err)
	}
	if v, ok := image["version"]; ok {
		version, err := v.Integer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse version: %w", err)
		}
		o.Version = int(version)
	}
	if o.ID == "" {
		return nil, fmt.Errorf("order document has no id")
	}
	return &o, nil
}

// Events derives the notifications the change stands for, matching what the
// API publishes for the same write.
func (c *OrderChange) Events() []order.Event {
	n := c.New
	newEvent := func(eventType string, previous order.FulfillmentStatus, note string) order.Event {
		return order.NewEvent(c.RecordID+":"+eventType, eventType, n, previous, note, n.UpdatedAt)
	}

	if c.Old == nil {
		return []order.Event{newEvent(order.EventOrderCreated, "", "")}
	}

	o := c.Old
	if o.PaymentStatus != n.PaymentStatus {
		switch n.PaymentStatus {
		case order.PaymentCustomerTransferred:
			return []order.Event{newEvent(order.EventPaymentClaimed, o.FulfillmentStatus, "")}
		case order.PaymentFailed:
			return []order.Event{newEvent(order.EventPaymentFailed, o.FulfillmentStatus, n.PaymentNote)}
		case order.PaymentAdminConfirmed:
			return []order.Event{newEvent(order.EventStatusChanged, o.FulfillmentStatus, n.PaymentNote)}
		}
	}
	if len(n.StatusHistory) > len(o.StatusHistory) {
		note := n.StatusHistory[len(n.StatusHistory)-1].Note
		return []order.Event{newEvent(order.EventStatusChanged, o.FulfillmentStatus, note)}
	}
	return nil
}
