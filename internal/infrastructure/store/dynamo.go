package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/storefront-orders/internal/domain/inventory"
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/domain/product"
	"github.com/shopspring/decimal"
)

// maxTransactItems is DynamoDB's TransactWriteItems limit.
const maxTransactItems = 100

// CustomerIndex is the orders table GSI keyed by customer_id and created_at.
const CustomerIndex = "customer_id-created_at-index"

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps products and orders in two tables. Orders are stored as
// a JSON document next to the attributes used for filtering.
type DynamoStore struct {
	client        DynamoAPI
	productsTable string
	ordersTable   string
}

type dynamoProduct struct {
	ID        string `dynamodbav:"id"`
	Name      string `dynamodbav:"name"`
	Price     string `dynamodbav:"price"`
	Stock     int    `dynamodbav:"stock"`
	ImageURL  string `dynamodbav:"image_url,omitempty"`
	CreatedAt string `dynamodbav:"created_at"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

type dynamoOrder struct {
	ID                string `dynamodbav:"id"`
	CustomerID        string `dynamodbav:"customer_id"`
	FulfillmentStatus string `dynamodbav:"fulfillment_status"`
	PaymentMethod     string `dynamodbav:"payment_method"`
	IsPaid            bool   `dynamodbav:"is_paid"`
	Version           int    `dynamodbav:"version"`
	Document          string `dynamodbav:"document"`
	CreatedAt         string `dynamodbav:"created_at"`
}

func NewDynamoStore(client DynamoAPI, productsTable, ordersTable string) *DynamoStore {
	return &DynamoStore{client: client, productsTable: productsTable, ordersTable: ordersTable}
}

// NewDynamoClient loads the default AWS configuration. A non-empty endpoint
// points the client at a local DynamoDB.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func (s *DynamoStore) GetProduct(ctx context.Context, id string) (*product.Product, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.productsTable),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classifyDynamoError(err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	var dp dynamoProduct
	if err := attributevalue.UnmarshalMap(out.Item, &dp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	price, err := decimal.NewFromString(dp.Price)
	if err != nil {
		return nil, fmt.Errorf("product %s has invalid price %q: %w", id, dp.Price, err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, dp.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339Nano, dp.UpdatedAt)
	return &product.Product{
		ID:        dp.ID,
		Name:      dp.Name,
		Price:     price,
		Stock:     dp.Stock,
		ImageURL:  dp.ImageURL,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *DynamoStore) PutProduct(ctx context.Context, p *product.Product) error {
	av, err := attributevalue.MarshalMap(dynamoProduct{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price.String(),
		Stock:     p.Stock,
		ImageURL:  p.ImageURL,
		CreatedAt: p.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.productsTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	var exists *types.ConditionalCheckFailedException
	if !errors.As(err, &exists) {
		return classifyDynamoError(err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.productsTable),
		Key:              idKey(p.ID),
		UpdateExpression: aws.String("SET #name = :name, price = :price, image_url = :image, updated_at = :now"),
		ExpressionAttributeNames: map[string]string{
			"#name": "name",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":name":  &types.AttributeValueMemberS{Value: p.Name},
			":price": &types.AttributeValueMemberS{Value: p.Price.String()},
			":image": &types.AttributeValueMemberS{Value: p.ImageURL},
			":now":   &types.AttributeValueMemberS{Value: p.UpdatedAt.Format(time.RFC3339Nano)},
		},
	})
	return classifyDynamoError(err)
}

func (s *DynamoStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.ordersTable),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classifyDynamoError(err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return unmarshalDynamoOrder(out.Item)
}

// ListOrders queries the customer index when the filter names a customer
// and scans otherwise. Remaining conditions are applied in process.
func (s *DynamoStore) ListOrders(ctx context.Context, f OrderFilter) ([]*order.Order, int, error) {
	var (
		items []map[string]types.AttributeValue
		start map[string]types.AttributeValue
	)
	for {
		var (
			page []map[string]types.AttributeValue
			next map[string]types.AttributeValue
		)
		if f.CustomerID != "" {
			out, err := s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.ordersTable),
				IndexName:              aws.String(CustomerIndex),
				KeyConditionExpression: aws.String("customer_id = :cid"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":cid": &types.AttributeValueMemberS{Value: f.CustomerID},
				},
				ScanIndexForward:  aws.Bool(false),
				ExclusiveStartKey: start,
			})
			if err != nil {
				return nil, 0, classifyDynamoError(err)
			}
			page, next = out.Items, out.LastEvaluatedKey
		} else {
			out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
				TableName:         aws.String(s.ordersTable),
				ExclusiveStartKey: start,
			})
			if err != nil {
				return nil, 0, classifyDynamoError(err)
			}
			page, next = out.Items, out.LastEvaluatedKey
		}
		items = append(items, page...)
		if len(next) == 0 {
			break
		}
		start = next
	}

	matched := make([]*order.Order, 0, len(items))
	for _, item := range items {
		o, err := unmarshalDynamoOrder(item)
		if err != nil {
			return nil, 0, err
		}
		if f.Matches(o) {
			matched = append(matched, o)
		}
	}
	sortNewestFirst(matched)
	return f.page(matched), len(matched), nil
}

// Apply sends the batch as one TransactWriteItems call.
func (s *DynamoStore) Apply(ctx context.Context, b *Batch) error {
	in, err := s.transactInput(b)
	if err != nil {
		return err
	}
	_, err = s.client.TransactWriteItems(ctx, in)
	if err != nil {
		return s.transactError(b, err)
	}
	b.commitVersions()
	return nil
}

func (s *DynamoStore) transactInput(b *Batch) (*dynamodb.TransactWriteItemsInput, error) {
	if b.Len() > maxTransactItems {
		return nil, fmt.Errorf("%w: %d operations, limit %d", ErrBatchTooLarge, b.Len(), maxTransactItems)
	}
	items := make([]types.TransactWriteItem, 0, b.Len())
	for _, op := range b.Ops() {
		switch op.Kind {
		case OpReserve, OpRelease:
			if op.Quantity <= 0 {
				return nil, inventory.ErrInvalidQuantity
			}
			expr, cond := "SET stock = stock + :qty, updated_at = :now", "attribute_exists(id)"
			if op.Kind == OpReserve {
				expr, cond = "SET stock = stock - :qty, updated_at = :now", "attribute_exists(id) AND stock >= :qty"
			}
			items = append(items, types.TransactWriteItem{Update: &types.Update{
				TableName:           aws.String(s.productsTable),
				Key:                 idKey(op.ProductID),
				UpdateExpression:    aws.String(expr),
				ConditionExpression: aws.String(cond),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":qty": numberValue(op.Quantity),
					":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
				},
				ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
			}})

		case OpCreateOrder, OpUpdateOrder:
			av, err := marshalDynamoOrder(op.Order, op.nextVersion())
			if err != nil {
				return nil, err
			}
			put := &types.Put{
				TableName:           aws.String(s.ordersTable),
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(id)"),
			}
			if op.Kind == OpUpdateOrder {
				put.ConditionExpression = aws.String("version = :expected")
				put.ExpressionAttributeValues = map[string]types.AttributeValue{
					":expected": numberValue(op.ExpectedVersion),
				}
			}
			items = append(items, types.TransactWriteItem{Put: put})

		default:
			return nil, fmt.Errorf("store: unknown operation %d", op.Kind)
		}
	}
	return &dynamodb.TransactWriteItemsInput{TransactItems: items}, nil
}

// transactError maps cancellation reasons back to the operation that failed.
func (s *DynamoStore) transactError(b *Batch, err error) error {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return classifyDynamoError(err)
	}
	ops := b.Ops()
	for i, reason := range canceled.CancellationReasons {
		if reason.Code == nil || i >= len(ops) {
			continue
		}
		op := ops[i]
		switch aws.ToString(reason.Code) {
		case "ConditionalCheckFailed":
			return conditionError(op, reason.Item)
		case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return fmt.Errorf("transaction cancelled: %w", err)
}

func conditionError(op Op, old map[string]types.AttributeValue) error {
	switch op.Kind {
	case OpReserve:
		if len(old) == 0 {
			return fmt.Errorf("product %s: %w", op.ProductID, ErrNotFound)
		}
		var dp dynamoProduct
		if err := attributevalue.UnmarshalMap(old, &dp); err != nil {
			return fmt.Errorf("failed to unmarshal product: %w", err)
		}
		return &inventory.ShortageError{ProductID: op.ProductID, Requested: op.Quantity, Available: dp.Stock}
	case OpRelease:
		return fmt.Errorf("product %s: %w", op.ProductID, ErrNotFound)
	case OpCreateOrder:
		return fmt.Errorf("order %s already exists: %w", op.Order.ID, ErrConflict)
	default:
		return fmt.Errorf("order %s not at version %d: %w", op.Order.ID, op.ExpectedVersion, ErrConflict)
	}
}

func marshalDynamoOrder(o *order.Order, version int) (map[string]types.AttributeValue, error) {
	doc, err := encodeOrder(o, version)
	if err != nil {
		return nil, err
	}
	av, err := attributevalue.MarshalMap(dynamoOrder{
		ID:                o.ID,
		CustomerID:        o.CustomerID,
		FulfillmentStatus: string(o.FulfillmentStatus),
		PaymentMethod:     string(o.PaymentMethod),
		IsPaid:            o.IsPaid,
		Version:           version,
		Document:          string(doc),
		CreatedAt:         o.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}
	return av, nil
}

func unmarshalDynamoOrder(item map[string]types.AttributeValue) (*order.Order, error) {
	var do dynamoOrder
	if err := attributevalue.UnmarshalMap(item, &do); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	var o order.Order
	if err := json.Unmarshal([]byte(do.Document), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order document: %w", err)
	}
	o.Version = do.Version
	return &o, nil
}

func numberValue(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

// classifyDynamoError tags throttling and server-side failures as transient.
func classifyDynamoError(err error) error {
	if err == nil {
		return nil
	}
	var (
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.RequestLimitExceeded
		internal   *types.InternalServerError
		inProgress *types.TransactionInProgressException
	)
	if errors.As(err, &throughput) || errors.As(err, &limit) || errors.As(err, &internal) || errors.As(err, &inProgress) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
