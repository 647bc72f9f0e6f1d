package query

import (
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/shopspring/decimal"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// PageRequest is a 1-based page of a listing. Zero values take defaults.
type PageRequest struct {
	Page  int
	Limit int
}

type Pagination struct {
	Total       int `json:"total"`
	Pages       int `json:"pages"`
	CurrentPage int `json:"currentPage"`
}

type OrderPage struct {
	Orders     []*order.Order `json:"orders"`
	Pagination Pagination     `json:"pagination"`
}

// OrderFilter narrows the admin order listing.
type OrderFilter struct {
	Status        string
	PaymentMethod string
	IsPaid        *bool
}

type MonthlyStats struct {
	Month   string          `json:"month"`
	Orders  int             `json:"orders"`
	Revenue decimal.Decimal `json:"revenue"`
}

type Stats struct {
	TotalOrders     int                             `json:"totalOrders"`
	TotalRevenue    decimal.Decimal                 `json:"totalRevenue"`
	PendingPayments int                             `json:"pendingPayments"`
	ByStatus        map[order.FulfillmentStatus]int `json:"byStatus"`
	ByMonth         []MonthlyStats                  `json:"byMonth"`
}
