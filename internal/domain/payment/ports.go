package payment

import "context"

// SessionRequest carries the checkout intent. Metadata fields round-trip
// unchanged through the processor and come back in the confirmation event.
type SessionRequest struct {
	BuyerID     string
	ProductID   string
	ProductName string
	UnitPrice   int64
	Quantity    int
}

type Session struct {
	ID          string
	RedirectURL string
}

// SessionCreator opens a payment session with the external processor.
type SessionCreator interface {
	Create(ctx context.Context, req SessionRequest) (*Session, error)
}

// Verifier authenticates a raw webhook delivery and decodes it into a typed
// event. An unverified payload must never reach the reconciliation pipeline.
type Verifier interface {
	Verify(body []byte, signatureHeader string) (*Event, error)
}
