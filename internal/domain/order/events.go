package order

import "time"

// OrderConfirmedEvent is emitted once per payment reference when the
// reconciliation pipeline creates an order.
type OrderConfirmedEvent struct {
	OrderID          string
	BuyerID          string
	ProductID        string
	Quantity         int
	PaymentReference string
	OccurredAt       time.Time
}

func (OrderConfirmedEvent) EventName() string { return "order.confirmed" }

func NewOrderConfirmedEvent(o *Order) OrderConfirmedEvent {
	return OrderConfirmedEvent{
		OrderID:          o.ID,
		BuyerID:          o.BuyerID,
		ProductID:        o.ProductID,
		Quantity:         o.Quantity,
		PaymentReference: o.PaymentReference,
		OccurredAt:       time.Now().UTC(),
	}
}

// OversoldEvent signals that a confirmed order could not be fully covered by
// available stock. The order is kept (payment already happened); Deficit is
// the uncovered amount that needs external remediation.
type OversoldEvent struct {
	OrderID    string
	ProductID  string
	Quantity   int
	Deficit    int
	OccurredAt time.Time
}

func (OversoldEvent) EventName() string { return "inventory.oversold" }

func NewOversoldEvent(o *Order, deficit int) OversoldEvent {
	return OversoldEvent{
		OrderID:    o.ID,
		ProductID:  o.ProductID,
		Quantity:   o.Quantity,
		Deficit:    deficit,
		OccurredAt: time.Now().UTC(),
	}
}
