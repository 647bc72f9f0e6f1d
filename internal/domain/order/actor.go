package order

// Actor is the authenticated caller of an order operation.
type Actor struct {
	ID    string
	Email string
	Admin bool
}

// CanView reports whether the actor may read or cancel the order.
func (o *Order) CanView(a Actor) bool {
	return a.Admin || o.IsOwnedBy(a.ID)
}
