package order

import "time"

const (
	EventOrderCreated   = "order.created"
	EventStatusChanged  = "order.status_changed"
	EventPaymentClaimed = "order.payment_claimed"
	EventPaymentFailed  = "order.payment_failed"
)

// Event is published after an order change is persisted.
type Event struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	OrderID        string            `json:"orderId"`
	CustomerID     string            `json:"customerId"`
	CustomerEmail  string            `json:"customerEmail,omitempty"`
	PreviousStatus FulfillmentStatus `json:"previousStatus,omitempty"`
	Status         FulfillmentStatus `json:"status"`
	PaymentStatus  PaymentStatus     `json:"paymentStatus"`
	Note           string            `json:"note,omitempty"`
	Order          *Order            `json:"order"`
	OccurredAt     time.Time         `json:"occurredAt"`
}

// NewEvent snapshots o so later mutations do not leak into the event.
func NewEvent(id, eventType string, o *Order, previous FulfillmentStatus, note string, now time.Time) Event {
	return Event{
		ID:             id,
		Type:           eventType,
		OrderID:        o.ID,
		CustomerID:     o.CustomerID,
		CustomerEmail:  o.CustomerEmail,
		PreviousStatus: previous,
		Status:         o.FulfillmentStatus,
		PaymentStatus:  o.PaymentStatus,
		Note:           note,
		Order:          o.Clone(),
		OccurredAt:     now,
	}
}
