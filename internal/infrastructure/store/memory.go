package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/storefront-orders/internal/domain/inventory"
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/domain/product"
)

// MemoryStore keeps everything in process. A single lock makes Apply atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*product.Product
	orders   map[string]*order.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*product.Product),
		orders:   make(map[string]*order.Order),
	}
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) PutProduct(_ context.Context, p *product.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *p
	if existing, ok := s.products[p.ID]; ok {
		c.Stock = existing.Stock
		c.CreatedAt = existing.CreatedAt
	}
	s.products[p.ID] = &c
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]*order.Order, int, error) {
	s.mu.RLock()
	matched := make([]*order.Order, 0)
	for _, o := range s.orders {
		if f.Matches(o) {
			matched = append(matched, o.Clone())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	return f.page(matched), len(matched), nil
}

// Apply validates every operation against staged state and commits only if
// all of them pass.
func (s *MemoryStore) Apply(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stock := make(map[string]int)
	current := func(id string) (int, bool) {
		if n, ok := stock[id]; ok {
			return n, true
		}
		p, ok := s.products[id]
		if !ok {
			return 0, false
		}
		return p.Stock, true
	}
	staged := make(map[string]*order.Order)

	for _, op := range b.Ops() {
		switch op.Kind {
		case OpReserve:
			have, ok := current(op.ProductID)
			if !ok {
				return fmt.Errorf("product %s: %w", op.ProductID, ErrNotFound)
			}
			left, err := inventory.Reserve(op.ProductID, have, op.Quantity)
			if err != nil {
				return err
			}
			stock[op.ProductID] = left
		case OpRelease:
			have, ok := current(op.ProductID)
			if !ok {
				return fmt.Errorf("product %s: %w", op.ProductID, ErrNotFound)
			}
			left, err := inventory.Release(have, op.Quantity)
			if err != nil {
				return err
			}
			stock[op.ProductID] = left
		case OpCreateOrder:
			if _, exists := s.orders[op.Order.ID]; exists {
				return fmt.Errorf("order %s already exists: %w", op.Order.ID, ErrConflict)
			}
			staged[op.Order.ID] = op.Order
		case OpUpdateOrder:
			existing, ok := s.orders[op.Order.ID]
			if !ok {
				return fmt.Errorf("order %s: %w", op.Order.ID, ErrNotFound)
			}
			if existing.Version != op.ExpectedVersion {
				return fmt.Errorf("order %s at version %d, expected %d: %w",
					op.Order.ID, existing.Version, op.ExpectedVersion, ErrConflict)
			}
			staged[op.Order.ID] = op.Order
		default:
			return fmt.Errorf("store: unknown operation %d", op.Kind)
		}
	}

	for id, n := range stock {
		s.products[id].Stock = n
	}
	b.commitVersions()
	for id, o := range staged {
		s.orders[id] = o.Clone()
	}
	return nil
}

func sortNewestFirst(orders []*order.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
}
