package order

import (
	"strings"
	"time"

	"github.com/example/storefront-orders/internal/domain/inventory"
	"github.com/shopspring/decimal"
)

// Item is a line of an order with the product details captured when it was placed.
type Item struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	ImageURL  string          `json:"imageUrl,omitempty"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Address struct {
	FullName    string `json:"fullName"`
	Phone       string `json:"phone"`
	AddressLine string `json:"addressLine"`
	Ward        string `json:"ward,omitempty"`
	District    string `json:"district"`
	Province    string `json:"province"`
	PostalCode  string `json:"postalCode,omitempty"`
}

func (a Address) Validate() error {
	required := []struct{ field, value string }{
		{"fullName", a.FullName},
		{"phone", a.Phone},
		{"addressLine", a.AddressLine},
		{"district", a.District},
		{"province", a.Province},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.field)
		}
	}
	if len(missing) > 0 {
		return InvalidRequest("shipping address is missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ShippingInfo is carrier metadata an admin attaches while fulfilling.
type ShippingInfo struct {
	Provider          string     `json:"provider,omitempty"`
	TrackingNumber    string     `json:"trackingNumber,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
}

func (s *ShippingInfo) empty() bool {
	return s == nil || (s.Provider == "" && s.TrackingNumber == "" && s.EstimatedDelivery == nil)
}

type HistoryEntry struct {
	Status    FulfillmentStatus `json:"status"`
	Note      string            `json:"note,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type Order struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customerId"`
	CustomerEmail     string            `json:"customerEmail,omitempty"`
	Items             []Item            `json:"items"`
	ShippingAddress   Address           `json:"shippingAddress"`
	PaymentMethod     PaymentMethod     `json:"paymentMethod"`
	ItemsPrice        decimal.Decimal   `json:"itemsPrice"`
	ShippingPrice     decimal.Decimal   `json:"shippingPrice"`
	TotalPrice        decimal.Decimal   `json:"totalPrice"`
	Note              string            `json:"note,omitempty"`
	IsPaid            bool              `json:"isPaid"`
	PaidAt            *time.Time        `json:"paidAt,omitempty"`
	PaymentStatus     PaymentStatus     `json:"paymentStatus"`
	PaymentClaimedAt  *time.Time        `json:"paymentClaimedAt,omitempty"`
	PaymentVerifiedAt *time.Time        `json:"paymentVerifiedAt,omitempty"`
	PaymentFailedAt   *time.Time        `json:"paymentFailedAt,omitempty"`
	PaymentNote       string            `json:"paymentNote,omitempty"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillmentStatus"`
	Shipping          *ShippingInfo     `json:"shipping,omitempty"`
	StatusHistory     []HistoryEntry    `json:"statusHistory"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
	CancelledAt       *time.Time        `json:"cancelledAt,omitempty"`
	InventoryReleased bool              `json:"inventoryReleased"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	Version           int               `json:"version"`
}

// Draft is the customer's request before product snapshots are attached.
type Draft struct {
	ID              string
	CustomerID      string
	CustomerEmail   string
	Items           []Item
	ShippingAddress Address
	PaymentMethod   PaymentMethod
	ItemsPrice      decimal.Decimal
	ShippingPrice   decimal.Decimal
	TotalPrice      decimal.Decimal
	Note            string
}

// Validate runs the checks that need no catalog data.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.CustomerID) == "" {
		return InvalidRequest("customer is required")
	}
	if len(d.Items) == 0 {
		return InvalidRequest("order must have at least one item")
	}
	for _, item := range d.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return InvalidRequest("every item needs a productId")
		}
		if item.Quantity < 1 {
			return InvalidRequest("quantity for product %s must be at least 1", item.ProductID)
		}
	}
	if err := d.ShippingAddress.Validate(); err != nil {
		return err
	}
	if !d.PaymentMethod.Valid() {
		return InvalidRequest("invalid payment method %q, must be one of: cod, vietqr", d.PaymentMethod)
	}
	if d.ItemsPrice.IsNegative() || d.ShippingPrice.IsNegative() || d.TotalPrice.IsNegative() {
		return InvalidRequest("prices must not be negative")
	}
	if !d.TotalPrice.Equal(d.ItemsPrice.Add(d.ShippingPrice)) {
		return InvalidRequest("totalPrice %s must equal itemsPrice %s plus shippingPrice %s",
			d.TotalPrice, d.ItemsPrice, d.ShippingPrice)
	}
	return nil
}

// NewOrder builds a pending order from a draft whose items carry snapshots.
func NewOrder(d Draft, now time.Time) (*Order, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	sum := decimal.Zero
	for _, item := range d.Items {
		sum = sum.Add(item.Subtotal())
	}
	if !sum.Equal(d.ItemsPrice) {
		return nil, InvalidRequest("itemsPrice %s does not match the item prices (%s)", d.ItemsPrice, sum)
	}

	items := make([]Item, len(d.Items))
	copy(items, d.Items)

	return &Order{
		ID:                d.ID,
		CustomerID:        d.CustomerID,
		CustomerEmail:     d.CustomerEmail,
		Items:             items,
		ShippingAddress:   d.ShippingAddress,
		PaymentMethod:     d.PaymentMethod,
		ItemsPrice:        d.ItemsPrice,
		ShippingPrice:     d.ShippingPrice,
		TotalPrice:        d.TotalPrice,
		Note:              d.Note,
		PaymentStatus:     PaymentPending,
		FulfillmentStatus: StatusPending,
		StatusHistory:     []HistoryEntry{{Status: StatusPending, Note: "Order placed", Timestamp: now}},
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (o *Order) IsOwnedBy(customerID string) bool {
	return customerID != "" && o.CustomerID == customerID
}

// Lines returns the inventory movement the order represents.
func (o *Order) Lines() []inventory.Line {
	lines := make([]inventory.Line, len(o.Items))
	for i, item := range o.Items {
		lines[i] = inventory.Line{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	return lines
}

// Transition is the outcome of a fulfillment change.
type Transition struct {
	Previous FulfillmentStatus
	Current  FulfillmentStatus
	// Release holds stock to put back. Empty unless this change cancelled the order.
	Release []inventory.Line
}

// TransitionFulfillment moves the order along the fulfillment table. A move
// to the current status only records the note and shipping details.
func (o *Order) TransitionFulfillment(target FulfillmentStatus, note string, shipping *ShippingInfo, now time.Time) (Transition, error) {
	if !target.Valid() {
		return Transition{}, InvalidRequest("invalid status %q, must be one of: %s", target, joinStatuses(FulfillmentStatuses))
	}
	prev := o.FulfillmentStatus
	if target != prev && prev.IsTerminal() {
		return Transition{}, InvalidState("order is already %s", prev)
	}
	if target != prev && !prev.CanTransitionTo(target) {
		return Transition{}, InvalidState("cannot change order status from %s to %s", prev, target)
	}

	t := Transition{Previous: prev, Current: target}
	o.FulfillmentStatus = target
	if !shipping.empty() {
		o.mergeShipping(shipping)
	}
	if target != prev {
		switch target {
		case StatusDelivered:
			o.DeliveredAt = timePtr(now)
			o.markPaid(now)
		case StatusCancelled:
			o.CancelledAt = timePtr(now)
			t.Release = o.releaseInventory()
		}
	}
	if note == "" {
		note = "Status changed to " + string(target)
	}
	o.appendHistory(target, note, now)
	return t, nil
}

// Cancel applies the customer-facing cancellation rules, then the shared
// cancelled transition.
func (o *Order) Cancel(note string, now time.Time) (Transition, error) {
	switch o.FulfillmentStatus {
	case StatusCancelled:
		return Transition{}, InvalidState("order is already cancelled")
	case StatusShipped, StatusDelivered:
		return Transition{}, InvalidState("cannot cancel an order that is already %s", o.FulfillmentStatus)
	}
	if note == "" {
		note = "Order cancelled"
	}
	return o.TransitionFulfillment(StatusCancelled, note, nil, now)
}

// ConfirmTransfer records the customer's claim that the bank transfer was
// sent. It reports false when the claim was already recorded.
func (o *Order) ConfirmTransfer(now time.Time) (bool, error) {
	if err := o.requireVietQR(); err != nil {
		return false, err
	}
	if o.FulfillmentStatus == StatusCancelled {
		return false, InvalidState("order is cancelled")
	}
	if o.PaymentStatus == PaymentCustomerTransferred {
		return false, nil
	}
	if !o.PaymentStatus.CanTransitionTo(PaymentCustomerTransferred) {
		return false, InvalidState("payment is already %s", o.PaymentStatus)
	}
	o.PaymentStatus = PaymentCustomerTransferred
	o.PaymentClaimedAt = timePtr(now)
	o.UpdatedAt = now
	return true, nil
}

// VerifyPayment records an administrator's confirmation that the money
// arrived. With requireClaim set, the customer must have claimed the
// transfer first. A pending order moves to confirmed.
func (o *Order) VerifyPayment(note string, requireClaim bool, now time.Time) (Transition, error) {
	if err := o.requireVietQR(); err != nil {
		return Transition{}, err
	}
	if o.FulfillmentStatus == StatusCancelled {
		return Transition{}, InvalidState("order is cancelled")
	}
	if o.PaymentStatus == PaymentPending && requireClaim {
		return Transition{}, InvalidState("customer has not confirmed the transfer yet")
	}
	if !o.PaymentStatus.CanTransitionTo(PaymentAdminConfirmed) {
		return Transition{}, InvalidState("payment is already %s", o.PaymentStatus)
	}

	o.PaymentStatus = PaymentAdminConfirmed
	o.PaymentVerifiedAt = timePtr(now)
	if note != "" {
		o.PaymentNote = note
	}
	o.markPaid(now)

	t := Transition{Previous: o.FulfillmentStatus, Current: o.FulfillmentStatus}
	if o.FulfillmentStatus == StatusPending {
		if note == "" {
			note = "Payment verified"
		}
		o.FulfillmentStatus = StatusConfirmed
		o.appendHistory(StatusConfirmed, note, now)
		t.Current = StatusConfirmed
	}
	o.UpdatedAt = now
	return t, nil
}

// MarkPaymentFailed closes the payment handshake without money received.
func (o *Order) MarkPaymentFailed(reason string, now time.Time) error {
	if err := o.requireVietQR(); err != nil {
		return err
	}
	if o.PaymentStatus.IsTerminal() {
		return InvalidState("payment is already %s", o.PaymentStatus)
	}
	o.PaymentStatus = PaymentFailed
	o.PaymentFailedAt = timePtr(now)
	o.PaymentNote = reason
	o.UpdatedAt = now
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.StatusHistory = append([]HistoryEntry(nil), o.StatusHistory...)
	if o.Shipping != nil {
		s := *o.Shipping
		s.EstimatedDelivery = copyTime(o.Shipping.EstimatedDelivery)
		c.Shipping = &s
	}
	c.PaidAt = copyTime(o.PaidAt)
	c.PaymentClaimedAt = copyTime(o.PaymentClaimedAt)
	c.PaymentVerifiedAt = copyTime(o.PaymentVerifiedAt)
	c.PaymentFailedAt = copyTime(o.PaymentFailedAt)
	c.DeliveredAt = copyTime(o.DeliveredAt)
	c.CancelledAt = copyTime(o.CancelledAt)
	return &c
}

func (o *Order) requireVietQR() error {
	if o.PaymentMethod != PaymentVietQR {
		return InvalidRequest("order is not paid by VietQR transfer")
	}
	return nil
}

// markPaid sets paidAt only on the first payment.
func (o *Order) markPaid(now time.Time) {
	if o.IsPaid {
		return
	}
	o.IsPaid = true
	o.PaidAt = timePtr(now)
}

// releaseInventory hands out the order's stock once.
func (o *Order) releaseInventory() []inventory.Line {
	if o.InventoryReleased {
		return nil
	}
	o.InventoryReleased = true
	return o.Lines()
}

func (o *Order) mergeShipping(s *ShippingInfo) {
	if o.Shipping == nil {
		o.Shipping = &ShippingInfo{}
	}
	if s.Provider != "" {
		o.Shipping.Provider = s.Provider
	}
	if s.TrackingNumber != "" {
		o.Shipping.TrackingNumber = s.TrackingNumber
	}
	if s.EstimatedDelivery != nil {
		o.Shipping.EstimatedDelivery = copyTime(s.EstimatedDelivery)
	}
}

func (o *Order) appendHistory(status FulfillmentStatus, note string, now time.Time) {
	o.StatusHistory = append(o.StatusHistory, HistoryEntry{Status: status, Note: note, Timestamp: now})
	o.UpdatedAt = now
}

func timePtr(t time.Time) *time.Time { return &t }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
