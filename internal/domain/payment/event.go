package payment

import "errors"

var (
	ErrSignatureInvalid     = errors.New("payment: webhook signature invalid")
	ErrMalformedPayload     = errors.New("payment: malformed webhook payload")
	ErrProcessorUnavailable = errors.New("payment: processor unavailable")
	ErrMissingMetadata      = errors.New("payment: confirmation event missing checkout metadata")
)

// EventKind is the closed set of webhook event shapes this system reacts to.
// Anything the processor sends that is not a completed checkout maps to
// KindIgnored and is acknowledged without side effects.
type EventKind string

const (
	KindCheckoutCompleted EventKind = "checkout.session.completed"
	KindIgnored           EventKind = "ignored"
)

// Event is the typed result of webhook verification. Downstream code never
// sees the raw processor payload.
type Event struct {
	Kind         EventKind
	Confirmation *ConfirmationEvent
}

// ConfirmationEvent is an authenticated notification that a buyer's payment
// succeeded. ExternalEventID is unique per processor delivery attempt set;
// the processor may deliver the same event more than once.
type ConfirmationEvent struct {
	ExternalEventID  string
	PaymentReference string
	BuyerID          string
	ProductID        string
	Quantity         int
}
