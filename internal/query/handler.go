package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/domain/product"
	"github.com/example/storefront-orders/internal/infrastructure/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const statsMonths = 12

type Handler struct {
	store  store.Store
	logger *zap.Logger
	clock  func() time.Time
}

func NewHandler(s store.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: s, logger: logger, clock: time.Now}
}

// Products
func (h *Handler) GetProduct(ctx context.Context, id string) (*product.Product, error) {
	p, err := h.store.GetProduct(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, order.NotFound("product %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product %s: %w", id, err)
	}
	return p, nil
}

// Orders

// GetOrder returns the order when the actor owns it or is an administrator.
func (h *Handler) GetOrder(ctx context.Context, actor order.Actor, id string) (*order.Order, error) {
	o, err := h.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, order.NotFound("order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", id, err)
	}
	if !o.CanView(actor) {
		return nil, order.Forbidden("you can only view your own orders")
	}
	return o, nil
}

func (h *Handler) ListMyOrders(ctx context.Context, actor order.Actor, page PageRequest) (*OrderPage, error) {
	return h.list(ctx, store.OrderFilter{CustomerID: actor.ID}, page)
}

func (h *Handler) ListOrders(ctx context.Context, actor order.Actor, filter OrderFilter, page PageRequest) (*OrderPage, error) {
	if !actor.Admin {
		return nil, order.Forbidden("only administrators can list all orders")
	}
	f := store.OrderFilter{IsPaid: filter.IsPaid}
	if filter.Status != "" {
		s, err := order.ParseFulfillmentStatus(filter.Status)
		if err != nil {
			return nil, err
		}
		f.Status = s
	}
	if filter.PaymentMethod != "" {
		m, err := order.ParsePaymentMethod(filter.PaymentMethod)
		if err != nil {
			return nil, err
		}
		f.PaymentMethod = m
	}
	return h.list(ctx, f, page)
}

func (h *Handler) list(ctx context.Context, f store.OrderFilter, page PageRequest) (*OrderPage, error) {
	page, err := page.normalize()
	if err != nil {
		return nil, err
	}
	f.Offset = (page.Page - 1) * page.Limit
	f.Limit = page.Limit

	orders, total, err := h.store.ListOrders(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return &OrderPage{
		Orders: orders,
		Pagination: Pagination{
			Total:       total,
			Pages:       (total + page.Limit - 1) / page.Limit,
			CurrentPage: page.Page,
		},
	}, nil
}

// Stats summarizes every order. Revenue counts paid orders that were not
// cancelled; months run back from the current one and include empty months.
func (h *Handler) Stats(ctx context.Context, actor order.Actor) (*Stats, error) {
	if !actor.Admin {
		return nil, order.Forbidden("only administrators can view order statistics")
	}
	orders, total, err := h.store.ListOrders(ctx, store.OrderFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load orders for stats: %w", err)
	}

	now := h.clock().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(statsMonths - 1), 0)
	months := make([]MonthlyStats, statsMonths)
	index := make(map[string]int, statsMonths)
	for i := range months {
		key := start.AddDate(0, i, 0).Format("2006-01")
		months[i] = MonthlyStats{Month: key, Revenue: decimal.Zero}
		index[key] = i
	}

	stats := &Stats{
		TotalOrders:  total,
		TotalRevenue: decimal.Zero,
		ByStatus:     make(map[order.FulfillmentStatus]int, len(order.FulfillmentStatuses)),
		ByMonth:      months,
	}
	for _, s := range order.FulfillmentStatuses {
		stats.ByStatus[s] = 0
	}

	for _, o := range orders {
		stats.ByStatus[o.FulfillmentStatus]++
		earned := o.IsPaid && o.FulfillmentStatus != order.StatusCancelled
		if earned {
			stats.TotalRevenue = stats.TotalRevenue.Add(o.TotalPrice)
		}
		if awaitingPayment(o) {
			stats.PendingPayments++
		}
		if i, ok := index[o.CreatedAt.UTC().Format("2006-01")]; ok {
			months[i].Orders++
			if earned {
				months[i].Revenue = months[i].Revenue.Add(o.TotalPrice)
			}
		}
	}

	h.logger.Debug("order stats computed", zap.Int("orders", total))
	return stats, nil
}

// awaitingPayment reports transfer orders an administrator still has to verify.
func awaitingPayment(o *order.Order) bool {
	if o.PaymentMethod != order.PaymentVietQR || o.FulfillmentStatus == order.StatusCancelled {
		return false
	}
	return o.PaymentStatus == order.PaymentPending || o.PaymentStatus == order.PaymentCustomerTransferred
}

func (p PageRequest) normalize() (PageRequest, error) {
	if p.Page == 0 {
		p.Page = 1
	}
	if p.Limit == 0 {
		p.Limit = DefaultLimit
	}
	if p.Page < 1 {
		return p, order.InvalidRequest("page must be at least 1")
	}
	if p.Limit < 1 || p.Limit > MaxLimit {
		return p, order.InvalidRequest("limit must be between 1 and %d", MaxLimit)
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return p, order.InvalidRequest("page %d is out of range", p.Page)
	}
	return p, nil
}
