package memory

import (
	"context"
	"sort"
	"sync"

	domain "github.com/farmgate/checkout-backend/internal/domain/product"
)

type ProductRepository struct {
	mu       sync.RWMutex
	products map[string]*domain.Product
}

func NewProductRepository() *ProductRepository {
	return &ProductRepository{
		products: make(map[string]*domain.Product),
	}
}

func (r *ProductRepository) Get(ctx context.Context, id string) (*domain.Product, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *ProductRepository) Save(ctx context.Context, p *domain.Product) error {
	_ = ctx
	if p == nil || p.ID == "" {
		return domain.ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.products[p.ID] = p.Clone()
	return nil
}

func (r *ProductRepository) List(ctx context.Context) ([]*domain.Product, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Product, 0, len(r.products))
	for _, p := range r.products {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TryDecrement subtracts amount under the write lock so the check and the
// write are a single atomic step. The stored quantity floors at zero.
func (r *ProductRepository) TryDecrement(ctx context.Context, id string, amount int) (domain.DecrementResult, error) {
	_ = ctx
	if amount <= 0 {
		return domain.DecrementResult{}, domain.ErrInvalidQuantity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.products[id]
	if !ok {
		return domain.DecrementResult{}, domain.ErrNotFound
	}

	result := domain.DecrementResult{}
	if amount > p.Quantity {
		result.Oversold = true
		result.Deficit = amount - p.Quantity
		p.Quantity = 0
	} else {
		p.Quantity -= amount
	}
	result.NewQuantity = p.Quantity
	return result, nil
}
