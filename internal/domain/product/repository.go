package product

import "context"

// DecrementResult reports the outcome of an atomic stock decrement.
// The stored quantity floors at zero; Deficit carries the uncovered amount
// when the decrement exceeded available stock.
type DecrementResult struct {
	NewQuantity int
	Oversold    bool
	Deficit     int
}

type Repository interface {
	Get(ctx context.Context, id string) (*Product, error)
	Save(ctx context.Context, p *Product) error
	List(ctx context.Context) ([]*Product, error)

	// TryDecrement atomically subtracts amount from the product's quantity.
	// It must be a single compare-and-set style operation at the storage
	// layer, never a read-modify-write in the caller. It does not fail when
	// amount exceeds the available quantity; it floors at zero and reports
	// the breach through the result.
	TryDecrement(ctx context.Context, id string, amount int) (DecrementResult, error)
}
