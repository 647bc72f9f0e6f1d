package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/storefront-orders/internal/domain/inventory"
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/domain/product"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedProducts(t *testing.T, s *MemoryStore, stocks map[string]int) {
	t.Helper()
	for id, n := range stocks {
		require.NoError(t, s.PutProduct(context.Background(), &product.Product{
			ID: id, Name: "Product " + id, Price: decimal.NewFromInt(1000), Stock: n,
		}))
	}
}

func testOrder(id, customer string, created time.Time) *order.Order {
	return &order.Order{
		ID:                id,
		CustomerID:        customer,
		Items:             []order.Item{{ProductID: "a", Quantity: 1, UnitPrice: decimal.NewFromInt(1000)}},
		PaymentMethod:     order.PaymentCOD,
		PaymentStatus:     order.PaymentPending,
		FulfillmentStatus: order.StatusPending,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func stockOf(t *testing.T, s *MemoryStore, id string) int {
	t.Helper()
	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

// ============================================
// Apply Tests
// ============================================

func TestMemoryStore_Apply_ReserveAndCreate(t *testing.T) {
	s := NewMemoryStore()
	seedProducts(t, s, map[string]int{"a": 5, "b": 3})
	o := testOrder("o1", "u1", time.Now())

	err := s.Apply(context.Background(), NewBatch().
		Reserve(inventory.Line{ProductID: "a", Quantity: 1}, inventory.Line{ProductID: "b", Quantity: 3}).
		CreateOrder(o))

	require.NoError(t, err)
	assert.Equal(t, 4, stockOf(t, s, "a"))
	assert.Equal(t, 0, stockOf(t, s, "b"))
	assert.Equal(t, 1, o.Version)

	stored, err := s.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
}

func TestMemoryStore_Apply_ShortageWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	seedProducts(t, s, map[string]int{"a": 5, "b": 3})

	err := s.Apply(context.Background(), NewBatch().
		Reserve(inventory.Line{ProductID: "a", Quantity: 1}, inventory.Line{ProductID: "b", Quantity: 5}).
		CreateOrder(testOrder("o1", "u1", time.Now())))

	var shortage *inventory.ShortageError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, "b", shortage.ProductID)
	assert.Equal(t, 3, shortage.Available)
	assert.Equal(t, 5, stockOf(t, s, "a"))
	assert.Equal(t, 3, stockOf(t, s, "b"))

	_, err = s.GetOrder(context.Background(), "o1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Apply_MissingProduct(t *testing.T) {
	s := NewMemoryStore()

	err := s.Apply(context.Background(), NewBatch().Reserve(inventory.Line{ProductID: "ghost", Quantity: 1}))

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Apply_DuplicateCreate(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Apply(context.Background(), NewBatch().CreateOrder(testOrder("o1", "u1", time.Now()))))

	err := s.Apply(context.Background(), NewBatch().CreateOrder(testOrder("o1", "u1", time.Now())))

	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStore_Apply_VersionConflict(t *testing.T) {
	s := NewMemoryStore()
	seedProducts(t, s, map[string]int{"a": 0})
	o := testOrder("o1", "u1", time.Now())
	require.NoError(t, s.Apply(context.Background(), NewBatch().CreateOrder(o)))

	first, _ := s.GetOrder(context.Background(), "o1")
	second, _ := s.GetOrder(context.Background(), "o1")

	first.FulfillmentStatus = order.StatusCancelled
	require.NoError(t, s.Apply(context.Background(), NewBatch().
		Release(inventory.Line{ProductID: "a", Quantity: 1}).
		UpdateOrder(first, first.Version)))
	assert.Equal(t, 2, first.Version)

	second.FulfillmentStatus = order.StatusCancelled
	err := s.Apply(context.Background(), NewBatch().
		Release(inventory.Line{ProductID: "a", Quantity: 1}).
		UpdateOrder(second, second.Version))

	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, stockOf(t, s, "a"))
	assert.Equal(t, 1, second.Version)
}

func TestMemoryStore_ConcurrentReservationsNeverOversell(t *testing.T) {
	const stock, buyers = 7, 40
	s := NewMemoryStore()
	seedProducts(t, s, map[string]int{"hot": stock})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Apply(context.Background(), NewBatch().
				Reserve(inventory.Line{ProductID: "hot", Quantity: 1}).
				CreateOrder(testOrder(fmt.Sprintf("o%d", i), "u", time.Now())))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, stock, succeeded)
	assert.Equal(t, 0, stockOf(t, s, "hot"))
}

// ============================================
// Read Tests
// ============================================

func TestMemoryStore_GetReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Apply(context.Background(), NewBatch().CreateOrder(testOrder("o1", "u1", time.Now()))))

	o, err := s.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	o.FulfillmentStatus = order.StatusDelivered

	again, err := s.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, again.FulfillmentStatus)
}

func TestMemoryStore_ListOrders(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		customer := "u1"
		if i%2 == 1 {
			customer = "u2"
		}
		o := testOrder(fmt.Sprintf("o%d", i), customer, base.Add(time.Duration(i)*time.Hour))
		if i == 4 {
			o.IsPaid = true
			o.PaymentMethod = order.PaymentVietQR
		}
		require.NoError(t, s.Apply(context.Background(), NewBatch().CreateOrder(o)))
	}

	t.Run("customer newest first", func(t *testing.T) {
		orders, total, err := s.ListOrders(context.Background(), OrderFilter{CustomerID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, orders, 3)
		assert.Equal(t, "o4", orders[0].ID)
		assert.Equal(t, "o0", orders[2].ID)
	})

	t.Run("paged", func(t *testing.T) {
		orders, total, err := s.ListOrders(context.Background(), OrderFilter{Offset: 2, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, orders, 2)
		assert.Equal(t, "o2", orders[0].ID)
	})

	t.Run("past the end", func(t *testing.T) {
		orders, total, err := s.ListOrders(context.Background(), OrderFilter{Offset: 10, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Empty(t, orders)
	})

	t.Run("negative offset", func(t *testing.T) {
		orders, total, err := s.ListOrders(context.Background(), OrderFilter{Offset: -4, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Empty(t, orders)
	})

	t.Run("paid vietqr", func(t *testing.T) {
		paid := true
		orders, total, err := s.ListOrders(context.Background(), OrderFilter{IsPaid: &paid, PaymentMethod: order.PaymentVietQR})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "o4", orders[0].ID)
	})
}
