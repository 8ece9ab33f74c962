// Package orders is the read side of the ledger, used by buyer history and
// admin reporting. No side effects.
package orders

import (
	"context"
	"errors"

	domorder "github.com/farmgate/checkout-backend/internal/domain/order"
)

type Service struct {
	ledger domorder.Ledger
}

func NewService(ledger domorder.Ledger) *Service {
	return &Service{ledger: ledger}
}

func (s *Service) ListByBuyer(ctx context.Context, buyerID string) ([]*domorder.Order, error) {
	if buyerID == "" {
		return nil, errors.New("orders: buyer id is required")
	}
	return s.ledger.ListByBuyer(ctx, buyerID)
}

func (s *Service) ListByProduct(ctx context.Context, productID string) ([]*domorder.Order, error) {
	if productID == "" {
		return nil, errors.New("orders: product id is required")
	}
	return s.ledger.ListByProduct(ctx, productID)
}
