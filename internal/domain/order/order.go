package order

import (
	"errors"
	"time"
)

var (
	ErrNotFound                = errors.New("order: not found")
	ErrConflict                = errors.New("order: conflict")
	ErrInvalidQuantity         = errors.New("order: quantity must be greater than zero")
	ErrMissingPaymentReference = errors.New("order: payment reference is required")
)

type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusRejected Status = "Rejected"
)

// Order is the authoritative record of a confirmed purchase. Orders exist only
// after the processor confirmed payment; Status tracks the fulfillment
// workflow that happens afterwards. PaymentReference doubles as the
// idempotency key: at most one order is ever created per reference.
// InventoryApplied turns true once the stock decrement for this order has
// been performed; until then a redelivery of the confirmation must finish
// the decrement instead of no-opping.
type Order struct {
	ID               string
	BuyerID          string
	ProductID        string
	Quantity         int
	Status           Status
	PaymentReference string
	InventoryApplied bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func New(id, buyerID, productID, paymentReference string, quantity int) (*Order, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if paymentReference == "" {
		return nil, ErrMissingPaymentReference
	}

	now := time.Now().UTC()
	return &Order{
		ID:               id,
		BuyerID:          buyerID,
		ProductID:        productID,
		Quantity:         quantity,
		Status:           StatusPending,
		PaymentReference: paymentReference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (o *Order) Approve() {
	o.Status = StatusApproved
	o.touch()
}

func (o *Order) Reject() {
	o.Status = StatusRejected
	o.touch()
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now().UTC()
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}
