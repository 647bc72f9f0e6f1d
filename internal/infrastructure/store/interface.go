package store

import (
	"context"
	"errors"

	"github.com/example/storefront-orders/internal/domain/inventory"
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/domain/product"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a version check or uniqueness condition failed.
	ErrConflict = errors.New("store: conflict")
	// ErrUnavailable marks transient failures worth retrying.
	ErrUnavailable   = errors.New("store: unavailable")
	ErrBatchTooLarge = errors.New("store: batch too large")
)

// Store persists products and orders. PutProduct sets the stock of a new
// product only; afterwards stock moves through Apply. Apply commits every
// operation of a batch or none of them, and a reserve that cannot be
// covered fails with *inventory.ShortageError.
type Store interface {
	GetProduct(ctx context.Context, id string) (*product.Product, error)
	PutProduct(ctx context.Context, p *product.Product) error
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*order.Order, int, error)
	Apply(ctx context.Context, b *Batch) error
}

// OrderFilter selects orders, newest first. A zero Limit returns every match.
type OrderFilter struct {
	CustomerID    string
	Status        order.FulfillmentStatus
	PaymentMethod order.PaymentMethod
	IsPaid        *bool
	Offset        int
	Limit         int
}

func (f OrderFilter) Matches(o *order.Order) bool {
	if f.CustomerID != "" && o.CustomerID != f.CustomerID {
		return false
	}
	if f.Status != "" && o.FulfillmentStatus != f.Status {
		return false
	}
	if f.PaymentMethod != "" && o.PaymentMethod != f.PaymentMethod {
		return false
	}
	if f.IsPaid != nil && o.IsPaid != *f.IsPaid {
		return false
	}
	return true
}

// page applies offset and limit to an already filtered, sorted slice.
func (f OrderFilter) page(orders []*order.Order) []*order.Order {
	if f.Offset < 0 || f.Offset >= len(orders) {
		return []*order.Order{}
	}
	orders = orders[f.Offset:]
	if f.Limit > 0 && f.Limit < len(orders) {
		orders = orders[:f.Limit]
	}
	return orders
}

type OpKind int

const (
	OpReserve OpKind = iota + 1
	OpRelease
	OpCreateOrder
	OpUpdateOrder
)

func (k OpKind) String() string {
	switch k {
	case OpReserve:
		return "reserve"
	case OpRelease:
		return "release"
	case OpCreateOrder:
		return "create_order"
	case OpUpdateOrder:
		return "update_order"
	default:
		return "unknown"
	}
}

type Op struct {
	Kind      OpKind
	ProductID string
	Quantity  int
	Order     *order.Order
	// ExpectedVersion is the stored version an update must replace.
	ExpectedVersion int
}

// Batch collects mutations applied atomically. A successful Apply sets the
// new Version on every order in the batch.
type Batch struct {
	ops []Op
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Reserve(lines ...inventory.Line) *Batch {
	for _, l := range lines {
		b.ops = append(b.ops, Op{Kind: OpReserve, ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return b
}

func (b *Batch) Release(lines ...inventory.Line) *Batch {
	for _, l := range lines {
		b.ops = append(b.ops, Op{Kind: OpRelease, ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return b
}

func (b *Batch) CreateOrder(o *order.Order) *Batch {
	b.ops = append(b.ops, Op{Kind: OpCreateOrder, Order: o})
	return b
}

func (b *Batch) UpdateOrder(o *order.Order, expectedVersion int) *Batch {
	b.ops = append(b.ops, Op{Kind: OpUpdateOrder, Order: o, ExpectedVersion: expectedVersion})
	return b
}

func (b *Batch) Ops() []Op {
	return b.ops
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// nextVersion is the version an order carries after op commits.
func (op Op) nextVersion() int {
	if op.Kind == OpCreateOrder {
		return 1
	}
	return op.ExpectedVersion + 1
}

// commitVersions stamps new versions once the backend has committed.
func (b *Batch) commitVersions() {
	for _, op := range b.ops {
		if op.Order != nil {
			op.Order.Version = op.nextVersion()
		}
	}
}
