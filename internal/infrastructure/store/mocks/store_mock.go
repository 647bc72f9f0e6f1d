package mocks

import (
	"context"
	"sync"

	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/domain/product"
	"github.com/example/storefront-orders/internal/infrastructure/store"
)

// MockStore wraps the in-memory store and records calls for tests.
type MockStore struct {
	*store.MemoryStore

	mu sync.Mutex

	// For tracking calls in tests
	ApplyCalls    []store.Op
	ApplyErr      error
	ApplyCallback func(ctx context.Context, b *store.Batch) error
	GetOrderErr   error
	ListErr       error
}

// NewMockStore creates a new MockStore
func NewMockStore() *MockStore {
	return &MockStore{MemoryStore: store.NewMemoryStore()}
}

// Apply records the batch, then delegates unless an error or callback is set
func (m *MockStore) Apply(ctx context.Context, b *store.Batch) error {
	m.mu.Lock()
	m.ApplyCalls = append(m.ApplyCalls, b.Ops()...)
	callback, applyErr := m.ApplyCallback, m.ApplyErr
	m.mu.Unlock()

	if callback != nil {
		return callback(ctx, b)
	}
	if applyErr != nil {
		return applyErr
	}
	return m.MemoryStore.Apply(ctx, b)
}

func (m *MockStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	if m.GetOrderErr != nil {
		return nil, m.GetOrderErr
	}
	return m.MemoryStore.GetOrder(ctx, id)
}

func (m *MockStore) ListOrders(ctx context.Context, f store.OrderFilter) ([]*order.Order, int, error) {
	if m.ListErr != nil {
		return nil, 0, m.ListErr
	}
	return m.MemoryStore.ListOrders(ctx, f)
}

// Calls returns a copy of the recorded operations
func (m *MockStore) Calls() []store.Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Op(nil), m.ApplyCalls...)
}

// AddProduct seeds a product for testing
func (m *MockStore) AddProduct(p product.Product) {
	_ = m.MemoryStore.PutProduct(context.Background(), &p)
}

// Stock returns the stored stock of a product, or -1 when it is missing
func (m *MockStore) Stock(productID string) int {
	p, err := m.MemoryStore.GetProduct(context.Background(), productID)
	if err != nil {
		return -1
	}
	return p.Stock
}

// Reset clears recorded calls and injected errors
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyCalls = nil
	m.ApplyErr = nil
	m.ApplyCallback = nil
	m.GetOrderErr = nil
	m.ListErr = nil
}
