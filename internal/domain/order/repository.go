package order

import "context"

// Ledger is the order store. CreateIfAbsent is the single write path for the
// reconciliation pipeline: the storage layer enforces uniqueness on
// PaymentReference so concurrent deliveries of the same confirmation event
// resolve to exactly one stored order.
type Ledger interface {
	// CreateIfAbsent inserts o unless an order with the same PaymentReference
	// already exists. It returns the stored order and created=true on first
	// write, or the pre-existing order and created=false on replay.
	CreateIfAbsent(ctx context.Context, o *Order) (*Order, bool, error)

	// ClaimInventory atomically flips InventoryApplied from false to true and
	// reports whether this call performed the flip. Exactly one concurrent
	// caller wins the claim; the winner owns the stock decrement.
	ClaimInventory(ctx context.Context, id string) (bool, error)

	// ReleaseInventory flips InventoryApplied back after a failed decrement
	// so a redelivered confirmation can retry it.
	ReleaseInventory(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (*Order, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]*Order, error)
	ListByProduct(ctx context.Context, productID string) ([]*Order, error)
}
