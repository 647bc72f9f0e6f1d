package order

import (
	"strings"
)

type FulfillmentStatus string

const (
	StatusPending    FulfillmentStatus = "pending"
	StatusConfirmed  FulfillmentStatus = "confirmed"
	StatusProcessing FulfillmentStatus = "processing"
	StatusShipped    FulfillmentStatus = "shipped"
	StatusDelivered  FulfillmentStatus = "delivered"
	StatusCancelled  FulfillmentStatus = "cancelled"
)

// FulfillmentStatuses lists every status in lifecycle order.
var FulfillmentStatuses = []FulfillmentStatus{
	StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled,
}

// fulfillmentTransitions defines allowed forward moves. Staying on the same
// status is handled separately as an annotation.
var fulfillmentTransitions = map[FulfillmentStatus][]FulfillmentStatus{
	StatusPending:    {StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusDelivered, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusCancelled},
	StatusDelivered:  {}, // terminal state
	StatusCancelled:  {}, // terminal state
}

func (s FulfillmentStatus) Valid() bool {
	_, ok := fulfillmentTransitions[s]
	return ok
}

func (s FulfillmentStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanTransitionTo checks the fulfillment table.
func (s FulfillmentStatus) CanTransitionTo(target FulfillmentStatus) bool {
	for _, next := range fulfillmentTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// ParseFulfillmentStatus accepts any letter case.
func ParseFulfillmentStatus(raw string) (FulfillmentStatus, error) {
	s := FulfillmentStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", InvalidRequest("invalid status %q, must be one of: %s", raw, joinStatuses(FulfillmentStatuses))
	}
	return s, nil
}

func joinStatuses(statuses []FulfillmentStatus) string {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

type PaymentStatus string

const (
	PaymentPending             PaymentStatus = "pending"
	PaymentCustomerTransferred PaymentStatus = "customer_transferred"
	PaymentAdminConfirmed      PaymentStatus = "admin_confirmed"
	PaymentFailed              PaymentStatus = "failed"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:             {PaymentCustomerTransferred, PaymentAdminConfirmed, PaymentFailed},
	PaymentCustomerTransferred: {PaymentAdminConfirmed, PaymentFailed},
	PaymentAdminConfirmed:      {}, // terminal state
	PaymentFailed:              {}, // terminal state
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentAdminConfirmed || s == PaymentFailed
}

func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "cod"
	PaymentVietQR PaymentMethod = "vietqr"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCOD || m == PaymentVietQR
}

// ParsePaymentMethod accepts any letter case.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	if !m.Valid() {
		return "", InvalidRequest("invalid payment method %q, must be one of: cod, vietqr", raw)
	}
	return m, nil
}
