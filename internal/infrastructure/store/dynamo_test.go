package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/storefront-orders/internal/domain/inventory"
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/domain/product"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	items       map[string]map[string]types.AttributeValue
	transacts   []*dynamodb.TransactWriteItemsInput
	transactErr error
	updates     []*dynamodb.UpdateItemInput
	queries     []*dynamodb.QueryInput
	queryItems  []map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) key(table string, key map[string]types.AttributeValue) string {
	return table + "/" + key["id"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[f.key(aws.ToString(in.TableName), in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	k := f.key(aws.ToString(in.TableName), in.Item)
	if _, exists := f.items[k]; exists && aws.ToString(in.ConditionExpression) == "attribute_not_exists(id)" {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	item := f.items[f.key(aws.ToString(in.TableName), in.Key)]
	for name, v := range map[string]string{"name": ":name", "price": ":price"} {
		item[name] = in.ExpressionAttributeValues[v]
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	return &dynamodb.QueryOutput{Items: f.queryItems}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return &dynamodb.ScanOutput{Items: f.queryItems}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.transacts = append(f.transacts, in)
	if f.transactErr != nil {
		return nil, f.transactErr
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

var productFixture = product.Product{
	ID:        "p1",
	Name:      "Mug",
	Price:     decimal.RequireFromString("129000.50"),
	Stock:     4,
	CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
}

func newTestDynamoStore() (*DynamoStore, *fakeDynamo) {
	fake := newFakeDynamo()
	return NewDynamoStore(fake, "products", "orders"), fake
}

// ============================================
// Transaction Building Tests
// ============================================

func TestDynamoStore_Apply_BuildsConditionalTransaction(t *testing.T) {
	s, fake := newTestDynamoStore()
	o := testOrder("o1", "u1", time.Now())

	err := s.Apply(context.Background(), NewBatch().
		Reserve(inventory.Line{ProductID: "a", Quantity: 2}).
		Release(inventory.Line{ProductID: "b", Quantity: 1}).
		CreateOrder(o))

	require.NoError(t, err)
	require.Len(t, fake.transacts, 1)
	items := fake.transacts[0].TransactItems
	require.Len(t, items, 3)

	reserve := items[0].Update
	require.NotNil(t, reserve)
	assert.Equal(t, "products", aws.ToString(reserve.TableName))
	assert.Equal(t, "attribute_exists(id) AND stock >= :qty", aws.ToString(reserve.ConditionExpression))
	assert.Equal(t, "SET stock = stock - :qty, updated_at = :now", aws.ToString(reserve.UpdateExpression))
	assert.Equal(t, "2", reserve.ExpressionAttributeValues[":qty"].(*types.AttributeValueMemberN).Value)

	release := items[1].Update
	require.NotNil(t, release)
	assert.Equal(t, "attribute_exists(id)", aws.ToString(release.ConditionExpression))

	put := items[2].Put
	require.NotNil(t, put)
	assert.Equal(t, "orders", aws.ToString(put.TableName))
	assert.Equal(t, "attribute_not_exists(id)", aws.ToString(put.ConditionExpression))
	assert.Equal(t, 1, o.Version)
}

func TestDynamoStore_Apply_UpdateChecksVersion(t *testing.T) {
	s, fake := newTestDynamoStore()
	o := testOrder("o1", "u1", time.Now())

	require.NoError(t, s.Apply(context.Background(), NewBatch().UpdateOrder(o, 3)))

	put := fake.transacts[0].TransactItems[0].Put
	assert.Equal(t, "version = :expected", aws.ToString(put.ConditionExpression))
	assert.Equal(t, "3", put.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberN).Value)

	var stored dynamoOrder
	require.NoError(t, attributevalue.UnmarshalMap(put.Item, &stored))
	assert.Equal(t, 4, stored.Version)
	assert.Equal(t, 4, o.Version)
}

func TestDynamoStore_Apply_TooLarge(t *testing.T) {
	s, fake := newTestDynamoStore()
	b := NewBatch()
	for i := 0; i <= maxTransactItems; i++ {
		b.Release(inventory.Line{ProductID: "a", Quantity: 1})
	}

	err := s.Apply(context.Background(), b)

	assert.ErrorIs(t, err, ErrBatchTooLarge)
	assert.Empty(t, fake.transacts)
}

// ============================================
// Cancellation Mapping Tests
// ============================================

func TestDynamoStore_Apply_ShortageFromCancellationReason(t *testing.T) {
	s, fake := newTestDynamoStore()
	old, err := attributevalue.MarshalMap(dynamoProduct{ID: "b", Name: "B", Price: "1000", Stock: 3})
	require.NoError(t, err)
	fake.transactErr = &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed"), Item: old},
			{Code: aws.String("None")},
		},
	}
	o := testOrder("o1", "u1", time.Now())

	err = s.Apply(context.Background(), NewBatch().
		Reserve(inventory.Line{ProductID: "a", Quantity: 1}, inventory.Line{ProductID: "b", Quantity: 5}).
		CreateOrder(o))

	var shortage *inventory.ShortageError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, "b", shortage.ProductID)
	assert.Equal(t, 5, shortage.Requested)
	assert.Equal(t, 3, shortage.Available)
	assert.Equal(t, 0, o.Version)
}

func TestDynamoStore_Apply_CancellationMapping(t *testing.T) {
	tests := []struct {
		name    string
		batch   *Batch
		code    string
		wantErr error
	}{
		{"missing product", NewBatch().Reserve(inventory.Line{ProductID: "x", Quantity: 1}), "ConditionalCheckFailed", ErrNotFound},
		{"stale version", NewBatch().UpdateOrder(testOrder("o1", "u1", time.Now()), 2), "ConditionalCheckFailed", ErrConflict},
		{"duplicate order", NewBatch().CreateOrder(testOrder("o1", "u1", time.Now())), "ConditionalCheckFailed", ErrConflict},
		{"contention", NewBatch().CreateOrder(testOrder("o1", "u1", time.Now())), "TransactionConflict", ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fake := newTestDynamoStore()
			fake.transactErr = &types.TransactionCanceledException{
				CancellationReasons: []types.CancellationReason{{Code: aws.String(tt.code)}},
			}

			err := s.Apply(context.Background(), tt.batch)

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDynamoStore_Apply_Throttled(t *testing.T) {
	s, fake := newTestDynamoStore()
	fake.transactErr = &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}

	err := s.Apply(context.Background(), NewBatch().CreateOrder(testOrder("o1", "u1", time.Now())))

	assert.ErrorIs(t, err, ErrUnavailable)
}

// ============================================
// Read Tests
// ============================================

func TestDynamoStore_OrderRoundTrip(t *testing.T) {
	s, fake := newTestDynamoStore()
	o := testOrder("o1", "u1", time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	o.Items[0].UnitPrice = decimal.RequireFromString("150000")

	av, err := marshalDynamoOrder(o, 3)
	require.NoError(t, err)
	fake.items["orders/o1"] = av

	got, err := s.GetOrder(context.Background(), "o1")

	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, "u1", got.CustomerID)
	assert.True(t, decimal.RequireFromString("150000").Equal(got.Items[0].UnitPrice))

	_, err = s.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_ListOrders_UsesCustomerIndex(t *testing.T) {
	s, fake := newTestDynamoStore()
	for _, o := range []*order.Order{
		testOrder("o1", "u1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		testOrder("o2", "u1", time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)),
	} {
		av, err := marshalDynamoOrder(o, 1)
		require.NoError(t, err)
		fake.queryItems = append(fake.queryItems, av)
	}

	orders, total, err := s.ListOrders(context.Background(), OrderFilter{CustomerID: "u1", Limit: 1})

	require.NoError(t, err)
	require.Len(t, fake.queries, 1)
	assert.Equal(t, CustomerIndex, aws.ToString(fake.queries[0].IndexName))
	assert.Equal(t, 2, total)
	require.Len(t, orders, 1)
	assert.Equal(t, "o2", orders[0].ID)
}

func TestDynamoStore_ProductRoundTrip(t *testing.T) {
	s, _ := newTestDynamoStore()
	ctx := context.Background()

	_, err := s.GetProduct(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutProduct(ctx, &productFixture))
	got, err := s.GetProduct(ctx, "p1")

	require.NoError(t, err)
	assert.Equal(t, "Mug", got.Name)
	assert.Equal(t, 4, got.Stock)
	assert.True(t, productFixture.Price.Equal(got.Price))

	renamed := productFixture
	renamed.Name = "Big Mug"
	renamed.Stock = 99
	require.NoError(t, s.PutProduct(ctx, &renamed))
	got, err = s.GetProduct(ctx, "p1")

	require.NoError(t, err)
	assert.Equal(t, "Big Mug", got.Name)
	assert.Equal(t, 4, got.Stock)
}
