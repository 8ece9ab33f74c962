package product

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("product: not found")
	ErrInvalidQuantity   = errors.New("product: quantity must be greater than zero")
	ErrInvalidPrice      = errors.New("product: unit price must be greater than zero")
	ErrInsufficientStock = errors.New("product: insufficient stock")
)

// Product is a perishable-stock listing. UnitPrice is expressed in the minor
// currency unit. Quantity is only ever mutated through Repository.TryDecrement.
type Product struct {
	ID          string
	SellerID    string
	Name        string
	Category    string
	Description string
	UnitPrice   int64
	Quantity    int
	UpdatedAt   time.Time
}

func New(id, sellerID, name string, unitPrice int64, quantity int) (*Product, error) {
	if unitPrice <= 0 {
		return nil, ErrInvalidPrice
	}
	if quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	return &Product{
		ID:        id,
		SellerID:  sellerID,
		Name:      name,
		UnitPrice: unitPrice,
		Quantity:  quantity,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// HasStock reports whether the requested quantity is currently available.
// This is an advisory read; the authoritative check happens inside TryDecrement.
func (p *Product) HasStock(quantity int) bool {
	return quantity > 0 && quantity <= p.Quantity
}

func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}
