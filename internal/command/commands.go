package command

import (
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/shopspring/decimal"
)

// Order Commands
type ItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CreateOrder struct {
	Actor           order.Actor     `json:"-"`
	Items           []ItemRequest   `json:"items"`
	ShippingAddress order.Address   `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`
	ItemsPrice      decimal.Decimal `json:"itemsPrice"`
	ShippingPrice   decimal.Decimal `json:"shippingPrice"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	Note            string          `json:"note"`
}

type UpdateStatus struct {
	Actor    order.Actor         `json:"-"`
	OrderID  string              `json:"-"`
	Status   string              `json:"status"`
	Note     string              `json:"note"`
	Shipping *order.ShippingInfo `json:"shipping,omitempty"`
}

type ConfirmTransfer struct {
	Actor   order.Actor
	OrderID string
}

type VerifyPayment struct {
	Actor   order.Actor `json:"-"`
	OrderID string      `json:"-"`
	Note    string      `json:"note"`
}

type MarkPaymentFailed struct {
	Actor   order.Actor `json:"-"`
	OrderID string      `json:"-"`
	Reason  string      `json:"reason"`
}

type CancelOrder struct {
	Actor   order.Actor `json:"-"`
	OrderID string      `json:"-"`
	Reason  string      `json:"reason"`
}

// Product Commands
type UpsertProduct struct {
	Actor    order.Actor     `json:"-"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
	ImageURL string          `json:"imageUrl"`
}

type Restock struct {
	Actor     order.Actor `json:"-"`
	ProductID string      `json:"-"`
	Quantity  int         `json:"quantity"`
}
