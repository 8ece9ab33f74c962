// Package remediation records oversold incidents so operators can settle
// paid-but-uncovered orders (refund, restock, or partial fulfillment).
package remediation

import (
	"context"
	"sync"
	"time"

	domorder "github.com/farmgate/checkout-backend/internal/domain/order"
	domoutbox "github.com/farmgate/checkout-backend/internal/domain/outbox"
	"github.com/farmgate/checkout-backend/internal/observability"
	"github.com/farmgate/checkout-backend/internal/observability/logctx"
)

// Incident is one oversold occurrence awaiting manual follow-up.
type Incident struct {
	OrderID    string
	ProductID  string
	Quantity   int
	Deficit    int
	RecordedAt time.Time
}

type Worker struct {
	subscriber domoutbox.Subscriber
	log        observability.Logger

	mu        sync.RWMutex
	incidents []Incident
}

func New(subscriber domoutbox.Subscriber, logger observability.Logger) *Worker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Worker{
		subscriber: subscriber,
		log:        logger.With(observability.F("component", "remediation_worker")),
	}
}

func (w *Worker) Start() {
	w.subscriber.Subscribe(domorder.OversoldEvent{}.EventName(), w.handleOversold)
}

func (w *Worker) handleOversold(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(domorder.OversoldEvent)
	if !ok {
		return nil
	}

	w.mu.Lock()
	w.incidents = append(w.incidents, Incident{
		OrderID:    evt.OrderID,
		ProductID:  evt.ProductID,
		Quantity:   evt.Quantity,
		Deficit:    evt.Deficit,
		RecordedAt: time.Now().UTC(),
	})
	w.mu.Unlock()

	logctx.FromOr(ctx, w.log).Warn("oversold_incident_recorded",
		observability.F("order_id", evt.OrderID),
		observability.F("product_id", evt.ProductID),
		observability.F("quantity", evt.Quantity),
		observability.F("deficit", evt.Deficit),
	)
	return nil
}

// Incidents returns a snapshot of recorded incidents, oldest first.
func (w *Worker) Incidents() []Incident {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Incident, len(w.incidents))
	copy(out, w.incidents)
	return out
}
