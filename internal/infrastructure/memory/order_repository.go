package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	domain "github.com/farmgate/checkout-backend/internal/domain/order"
)

type OrderRepository struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	byPayRef map[string]string
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:   make(map[string]*domain.Order),
		byPayRef: make(map[string]string),
	}
}

// CreateIfAbsent inserts under the write lock; the payment-reference index is
// the uniqueness constraint that makes concurrent replays resolve to one row.
func (r *OrderRepository) CreateIfAbsent(ctx context.Context, o *domain.Order) (*domain.Order, bool, error) {
	_ = ctx
	if o == nil || o.ID == "" {
		return nil, false, fmt.Errorf("order repository: id is required")
	}
	if o.PaymentReference == "" {
		return nil, false, domain.ErrMissingPaymentReference
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, exists := r.byPayRef[o.PaymentReference]; exists {
		existing, ok := r.orders[existingID]
		if !ok {
			return nil, false, domain.ErrConflict
		}
		return existing.Clone(), false, nil
	}
	if _, exists := r.orders[o.ID]; exists {
		return nil, false, domain.ErrConflict
	}

	r.orders[o.ID] = o.Clone()
	r.byPayRef[o.PaymentReference] = o.ID
	return o.Clone(), true, nil
}

// ClaimInventory is the compare-and-set on InventoryApplied: under the write
// lock only one caller observes false and flips it.
func (r *OrderRepository) ClaimInventory(ctx context.Context, id string) (bool, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if o.InventoryApplied {
		return false, nil
	}
	o.InventoryApplied = true
	return true, nil
}

func (r *OrderRepository) ReleaseInventory(ctx context.Context, id string) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.InventoryApplied = false
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID string) ([]*domain.Order, error) {
	_ = ctx
	return r.list(func(o *domain.Order) bool { return o.BuyerID == buyerID }), nil
}

func (r *OrderRepository) ListByProduct(ctx context.Context, productID string) ([]*domain.Order, error) {
	_ = ctx
	return r.list(func(o *domain.Order) bool { return o.ProductID == productID }), nil
}

func (r *OrderRepository) list(match func(*domain.Order) bool) []*domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Order, 0)
	for _, o := range r.orders {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
