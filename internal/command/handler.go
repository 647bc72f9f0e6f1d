package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/storefront-orders/internal/domain/inventory"
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/domain/product"
	"github.com/example/storefront-orders/internal/infrastructure/store"
	"github.com/example/storefront-orders/internal/payment/vietqr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultMaxAttempts = 3

// Dispatcher hands order events to notification delivery without waiting.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev order.Event)
}

// PaymentInfoBuilder builds bank-transfer details for VietQR orders.
type PaymentInfoBuilder interface {
	Build(orderID string, amount decimal.Decimal, description string) (*vietqr.PaymentInfo, error)
}

// Recorder receives business counters.
type Recorder interface {
	OrderCreated(paymentMethod string)
	StatusChanged(status string)
	PaymentChanged(paymentStatus string)
	StockShortage()
}

type Deps struct {
	Store      store.Store
	Dispatcher Dispatcher
	QR         PaymentInfoBuilder
	Metrics    Recorder
	Logger     *zap.Logger
	Clock      func() time.Time
	NewID      func() string
	// RequireTransferClaim makes verifyPayment wait for the customer's claim.
	RequireTransferClaim bool
	// MaxAttempts bounds retries of conflicting or transient writes.
	MaxAttempts int
}

type CreateOrderResult struct {
	Order       *order.Order        `json:"order"`
	PaymentInfo *vietqr.PaymentInfo `json:"paymentInfo,omitempty"`
}

// Handler runs the order lifecycle: creation with stock reservation,
// fulfillment changes, the transfer handshake and cancellation.
type Handler struct {
	store        store.Store
	dispatcher   Dispatcher
	qr           PaymentInfoBuilder
	metrics      Recorder
	logger       *zap.Logger
	clock        func() time.Time
	newID        func() string
	requireClaim bool
	maxAttempts  int
	tracer       trace.Tracer
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		store:        d.Store,
		dispatcher:   d.Dispatcher,
		qr:           d.QR,
		metrics:      d.Metrics,
		logger:       d.Logger,
		clock:        d.Clock,
		newID:        d.NewID,
		requireClaim: d.RequireTransferClaim,
		maxAttempts:  d.MaxAttempts,
		tracer:       otel.Tracer("github.com/example/storefront-orders/internal/command"),
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	if h.newID == nil {
		h.newID = func() string { return uuid.New().String() }
	}
	if h.metrics == nil {
		h.metrics = nopRecorder{}
	}
	if h.maxAttempts <= 0 {
		h.maxAttempts = defaultMaxAttempts
	}
	return h
}

// ============================================
// Order creation
// ============================================

// CreateOrder checks every item against the catalog, then reserves all stock
// and inserts the order in one batch.
func (h *Handler) CreateOrder(ctx context.Context, cmd CreateOrder) (res *CreateOrderResult, err error) {
	ctx, span := h.tracer.Start(ctx, "command.CreateOrder")
	defer func() { endSpan(span, err) }()

	if len(cmd.Items) == 0 {
		return nil, order.InvalidRequest("order must have at least one item")
	}
	method, err := order.ParsePaymentMethod(cmd.PaymentMethod)
	if err != nil {
		return nil, err
	}
	lines := make([]inventory.Line, len(cmd.Items))
	for i, item := range cmd.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, order.InvalidRequest("every item needs a productId")
		}
		lines[i] = inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	lines, err = inventory.Consolidate(lines)
	if err != nil {
		return nil, order.InvalidRequest("every item quantity must be at least 1")
	}

	draft := order.Draft{
		ID:              h.newID(),
		CustomerID:      cmd.Actor.ID,
		CustomerEmail:   cmd.Actor.Email,
		Items:           make([]order.Item, len(lines)),
		ShippingAddress: cmd.ShippingAddress,
		PaymentMethod:   method,
		ItemsPrice:      cmd.ItemsPrice,
		ShippingPrice:   cmd.ShippingPrice,
		TotalPrice:      cmd.TotalPrice,
		Note:            strings.TrimSpace(cmd.Note),
	}
	for i, l := range lines {
		draft.Items[i] = order.Item{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	// All items are checked before anything is written.
	for i, l := range lines {
		p, err := h.store.GetProduct(ctx, l.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, order.NotFound("product %s not found", l.ProductID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load product %s: %w", l.ProductID, err)
		}
		if p.Stock < l.Quantity {
			h.metrics.StockShortage()
			return nil, &inventory.ShortageError{ProductID: p.ID, Name: p.Name, Requested: l.Quantity, Available: p.Stock}
		}
		draft.Items[i] = order.Item{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  l.Quantity,
			UnitPrice: p.Price,
			ImageURL:  p.ImageURL,
		}
	}

	o, err := order.NewOrder(draft, h.clock())
	if err != nil {
		return nil, err
	}

	// The stock condition is evaluated again inside the batch, so a
	// concurrent order that took the last units fails here.
	err = h.withRetry(ctx, "create order", func() error {
		return h.store.Apply(ctx, store.NewBatch().Reserve(o.Lines()...).CreateOrder(o))
	})
	if err != nil {
		var shortage *inventory.ShortageError
		if errors.As(err, &shortage) {
			h.metrics.StockShortage()
			shortage.Name = itemName(o.Items, shortage.ProductID)
			return nil, shortage
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, order.NotFound("a product in this order is no longer available")
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	span.SetAttributes(attribute.String("order.id", o.ID), attribute.String("order.payment_method", string(method)))
	h.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("customer_id", o.CustomerID),
		zap.String("payment_method", string(method)),
		zap.Int("units", inventory.Total(lines)),
		zap.String("total", o.TotalPrice.String()))
	h.metrics.OrderCreated(string(method))

	res = &CreateOrderResult{Order: o}
	if method == order.PaymentVietQR && h.qr != nil {
		info, err := h.qr.Build(o.ID, o.TotalPrice, "")
		if err != nil {
			h.logger.Warn("failed to build payment info", zap.String("order_id", o.ID), zap.Error(err))
		} else {
			res.PaymentInfo = info
		}
	}

	h.publish(ctx, order.EventOrderCreated, o, "", "")
	return res, nil
}

// ============================================
// Fulfillment
// ============================================

// UpdateStatus moves an order along the fulfillment table. Cancelling
// returns the order's stock in the same write.
func (h *Handler) UpdateStatus(ctx context.Context, cmd UpdateStatus) (o *order.Order, err error) {
	ctx, span := h.tracer.Start(ctx, "command.UpdateStatus", trace.WithAttributes(attribute.String("order.id", cmd.OrderID)))
	defer func() { endSpan(span, err) }()

	if !cmd.Actor.Admin {
		return nil, order.Forbidden("only administrators can change order status")
	}
	target, err := order.ParseFulfillmentStatus(cmd.Status)
	if err != nil {
		return nil, err
	}

	note := strings.TrimSpace(cmd.Note)
	o, m, err := h.mutate(ctx, cmd.OrderID, func(o *order.Order, now time.Time) (change, error) {
		t, err := o.TransitionFulfillment(target, note, cmd.Shipping, now)
		if err != nil {
			return change{}, err
		}
		return change{write: true, release: t.Release, previous: t.Previous}, nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("order status updated",
		zap.String("order_id", o.ID),
		zap.String("from", string(m.previous)),
		zap.String("to", string(o.FulfillmentStatus)),
		zap.Int("released_units", inventory.Total(m.release)))
	if m.previous != o.FulfillmentStatus {
		h.metrics.StatusChanged(string(o.FulfillmentStatus))
	}
	h.publish(ctx, order.EventStatusChanged, o, m.previous, note)
	return o, nil
}

// CancelOrder lets the owner or an administrator cancel an order that has
// not shipped yet.
func (h *Handler) CancelOrder(ctx context.Context, cmd CancelOrder) (o *order.Order, err error) {
	ctx, span := h.tracer.Start(ctx, "command.CancelOrder", trace.WithAttributes(attribute.String("order.id", cmd.OrderID)))
	defer func() { endSpan(span, err) }()

	note := strings.TrimSpace(cmd.Reason)
	o, m, err := h.mutate(ctx, cmd.OrderID, func(o *order.Order, now time.Time) (change, error) {
		if !o.CanView(cmd.Actor) {
			return change{}, order.Forbidden("you can only cancel your own orders")
		}
		t, err := o.Cancel(note, now)
		if err != nil {
			return change{}, err
		}
		return change{write: true, release: t.Release, previous: t.Previous}, nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("order cancelled",
		zap.String("order_id", o.ID),
		zap.String("actor_id", cmd.Actor.ID),
		zap.Int("released_units", inventory.Total(m.release)))
	h.metrics.StatusChanged(string(order.StatusCancelled))
	h.publish(ctx, order.EventStatusChanged, o, m.previous, o.StatusHistory[len(o.StatusHistory)-1].Note)
	return o, nil
}

// ============================================
// Payment handshake
// ============================================

// ConfirmTransfer records the owner's claim that the transfer was sent.
// Repeating the claim changes nothing.
func (h *Handler) ConfirmTransfer(ctx context.Context, cmd ConfirmTransfer) (o *order.Order, err error) {
	ctx, span := h.tracer.Start(ctx, "command.ConfirmTransfer", trace.WithAttributes(attribute.String("order.id", cmd.OrderID)))
	defer func() { endSpan(span, err) }()

	o, m, err := h.mutate(ctx, cmd.OrderID, func(o *order.Order, now time.Time) (change, error) {
		if !o.IsOwnedBy(cmd.Actor.ID) {
			return change{}, order.Forbidden("only the customer who placed the order can confirm the transfer")
		}
		changed, err := o.ConfirmTransfer(now)
		if err != nil {
			return change{}, err
		}
		return change{write: changed, previous: o.FulfillmentStatus}, nil
	})
	if err != nil {
		return nil, err
	}
	if !m.write {
		return o, nil
	}

	h.logger.Info("customer confirmed transfer", zap.String("order_id", o.ID))
	h.metrics.PaymentChanged(string(o.PaymentStatus))
	h.publish(ctx, order.EventPaymentClaimed, o, m.previous, "")
	return o, nil
}

// VerifyPayment records an administrator's confirmation that the transfer
// arrived. A pending order becomes confirmed.
func (h *Handler) VerifyPayment(ctx context.Context, cmd VerifyPayment) (o *order.Order, err error) {
	ctx, span := h.tracer.Start(ctx, "command.VerifyPayment", trace.WithAttributes(attribute.String("order.id", cmd.OrderID)))
	defer func() { endSpan(span, err) }()

	if !cmd.Actor.Admin {
		return nil, order.Forbidden("only administrators can verify payments")
	}
	note := strings.TrimSpace(cmd.Note)
	o, m, err := h.mutate(ctx, cmd.OrderID, func(o *order.Order, now time.Time) (change, error) {
		t, err := o.VerifyPayment(note, h.requireClaim, now)
		if err != nil {
			return change{}, err
		}
		return change{write: true, previous: t.Previous}, nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("payment verified",
		zap.String("order_id", o.ID),
		zap.String("admin_id", cmd.Actor.ID))
	h.metrics.PaymentChanged(string(o.PaymentStatus))
	if m.previous != o.FulfillmentStatus {
		h.metrics.StatusChanged(string(o.FulfillmentStatus))
	}
	h.publish(ctx, order.EventStatusChanged, o, m.previous, note)
	return o, nil
}

// MarkPaymentFailed closes the handshake when no money arrived.
func (h *Handler) MarkPaymentFailed(ctx context.Context, cmd MarkPaymentFailed) (o *order.Order, err error) {
	ctx, span := h.tracer.Start(ctx, "command.MarkPaymentFailed", trace.WithAttributes(attribute.String("order.id", cmd.OrderID)))
	defer func() { endSpan(span, err) }()

	if !cmd.Actor.Admin {
		return nil, order.Forbidden("only administrators can reject payments")
	}
	reason := strings.TrimSpace(cmd.Reason)
	o, m, err := h.mutate(ctx, cmd.OrderID, func(o *order.Order, now time.Time) (change, error) {
		if err := o.MarkPaymentFailed(reason, now); err != nil {
			return change{}, err
		}
		return change{write: true, previous: o.FulfillmentStatus}, nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("payment marked failed", zap.String("order_id", o.ID), zap.String("reason", reason))
	h.metrics.PaymentChanged(string(o.PaymentStatus))
	h.publish(ctx, order.EventPaymentFailed, o, m.previous, reason)
	return o, nil
}

// ============================================
// Catalog and stock
// ============================================

// UpsertProduct creates a product or updates its catalog fields. Stock is
// only taken from the command when the product is new.
func (h *Handler) UpsertProduct(ctx context.Context, cmd UpsertProduct) (*product.Product, error) {
	if !cmd.Actor.Admin {
		return nil, order.Forbidden("only administrators can manage products")
	}
	now := h.clock()
	p := &product.Product{
		ID:        strings.TrimSpace(cmd.ID),
		Name:      cmd.Name,
		Price:     cmd.Price,
		Stock:     cmd.Stock,
		ImageURL:  strings.TrimSpace(cmd.ImageURL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.ID == "" {
		p.ID = h.newID()
	}
	if err := p.Validate(); err != nil {
		return nil, order.InvalidRequest("%s", err.Error())
	}
	if err := h.store.PutProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save product %s: %w", p.ID, err)
	}
	saved, err := h.store.GetProduct(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload product %s: %w", p.ID, err)
	}
	h.logger.Info("product saved", zap.String("product_id", saved.ID), zap.Int("stock", saved.Stock))
	return saved, nil
}

// Restock adds units to a product's stock.
func (h *Handler) Restock(ctx context.Context, cmd Restock) (*product.Product, error) {
	if !cmd.Actor.Admin {
		return nil, order.Forbidden("only administrators can restock products")
	}
	if cmd.Quantity < 1 {
		return nil, order.InvalidRequest("quantity must be at least 1")
	}
	err := h.withRetry(ctx, "restock", func() error {
		return h.store.Apply(ctx, store.NewBatch().Release(inventory.Line{ProductID: cmd.ProductID, Quantity: cmd.Quantity}))
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, order.NotFound("product %s not found", cmd.ProductID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restock product %s: %w", cmd.ProductID, err)
	}
	p, err := h.store.GetProduct(ctx, cmd.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload product %s: %w", cmd.ProductID, err)
	}
	h.logger.Info("product restocked",
		zap.String("product_id", p.ID),
		zap.Int("added", cmd.Quantity),
		zap.Int("stock", p.Stock))
	return p, nil
}

// ============================================
// Helpers
// ============================================

// change describes what a mutation did to a loaded order.
type change struct {
	write    bool
	release  []inventory.Line
	previous order.FulfillmentStatus
}

// mutate loads the order, applies fn and writes the order together with any
// stock release. A version conflict reloads the order and runs fn again.
func (h *Handler) mutate(ctx context.Context, orderID string, fn func(o *order.Order, now time.Time) (change, error)) (*order.Order, change, error) {
	for attempt := 1; ; attempt++ {
		o, err := h.store.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, change{}, order.NotFound("order %s not found", orderID)
		}
		if err != nil {
			return nil, change{}, fmt.Errorf("failed to load order %s: %w", orderID, err)
		}

		m, err := fn(o, h.clock())
		if err != nil {
			return nil, change{}, err
		}
		if !m.write {
			return o, m, nil
		}

		b := store.NewBatch()
		if len(m.release) > 0 {
			b.Release(m.release...)
		}
		b.UpdateOrder(o, o.Version)
		err = h.store.Apply(ctx, b)
		if err == nil {
			return o, m, nil
		}
		if retryable(err) && attempt < h.maxAttempts {
			h.logger.Warn("retrying order update",
				zap.String("order_id", orderID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, change{}, order.Conflict("order %s was changed by another request, please retry", orderID)
		}
		return nil, change{}, fmt.Errorf("failed to update order %s: %w", orderID, err)
	}
}

// withRetry repeats fn while it fails with a transient store error.
func (h *Handler) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		h.logger.Warn("retrying store write", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return err
}

func retryable(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrUnavailable)
}

func (h *Handler) publish(ctx context.Context, eventType string, o *order.Order, previous order.FulfillmentStatus, note string) {
	if h.dispatcher == nil {
		return
	}
	h.dispatcher.Dispatch(ctx, order.NewEvent(h.newID(), eventType, o, previous, note, h.clock()))
}

func itemName(items []order.Item, productID string) string {
	for _, item := range items {
		if item.ProductID == productID {
			return item.Name
		}
	}
	return ""
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type nopRecorder struct{}

func (nopRecorder) OrderCreated(string)   {}
func (nopRecorder) StatusChanged(string)  {}
func (nopRecorder) PaymentChanged(string) {}
func (nopRecorder) StockShortage()        {}
