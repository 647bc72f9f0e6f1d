package inventory

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// Line is a quantity of one product moving in or out of stock.
type Line struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// ShortageError names the product that could not cover a reservation.
type ShortageError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *ShortageError) Error() string {
	name := e.Name
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %q: requested %d, only %d available", name, e.Requested, e.Available)
}

func (e *ShortageError) Unwrap() error { return ErrInsufficientStock }

// Consolidate merges lines for the same product, keeping first-seen order.
func Consolidate(lines []Line) ([]Line, error) {
	index := make(map[string]int, len(lines))
	merged := make([]Line, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s", ErrInvalidQuantity, l.ProductID)
		}
		if i, ok := index[l.ProductID]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(merged)
		merged = append(merged, l)
	}
	return merged, nil
}

// Reserve returns the stock left after taking qty. Stock never goes below zero.
func Reserve(productID string, stock, qty int) (int, error) {
	if qty <= 0 {
		return stock, ErrInvalidQuantity
	}
	if stock < qty {
		return stock, &ShortageError{ProductID: productID, Requested: qty, Available: stock}
	}
	return stock - qty, nil
}

// Release returns the stock after putting qty back.
func Release(stock, qty int) (int, error) {
	if qty <= 0 {
		return stock, ErrInvalidQuantity
	}
	return stock + qty, nil
}

// Total sums the quantities of lines.
func Total(lines []Line) int {
	var n int
	for _, l := range lines {
		n += l.Quantity
	}
	return n
}
