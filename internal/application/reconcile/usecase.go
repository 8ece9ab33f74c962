package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	domorder "github.com/farmgate/checkout-backend/internal/domain/order"
	domoutbox "github.com/farmgate/checkout-backend/internal/domain/outbox"
	dompay "github.com/farmgate/checkout-backend/internal/domain/payment"
	domprod "github.com/farmgate/checkout-backend/internal/domain/product"
	"github.com/farmgate/checkout-backend/internal/observability"
	"github.com/farmgate/checkout-backend/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	reconcileService = "reconcile-service"
	useCaseReconcile = "payment.reconcile"
	spanPrefix       = "UC."
	publishPeer      = "outbox"
	publishTimeout   = 300 * time.Millisecond
)

var (
	// ErrPersistence marks retryable storage failures; the webhook caller
	// signals non-2xx so the processor redelivers.
	ErrPersistence = errors.New("reconcile: persistence failure")

	// ErrInventoryNotFound means the product vanished between checkout and
	// confirmation. The order is still kept (payment already happened) and
	// the full quantity is reported as oversold for remediation.
	ErrInventoryNotFound = errors.New("reconcile: inventory not found")
)

type IDGenerator interface {
	NewID() string
}

// UseCase turns a verified payment confirmation into exactly one order and
// exactly one inventory decrement, regardless of how many times the event is
// delivered. The ledger's uniqueness on the payment reference decides the
// winner; losers observe the stored order and do nothing.
type UseCase struct {
	ledger      domorder.Ledger
	products    domprod.Repository
	idGenerator IDGenerator
	publisher   domoutbox.Publisher

	log             observability.Logger
	tracer          observability.Tracer
	reqCounter      observability.Counter
	durHistogram    observability.Histogram
	extCounter      observability.Counter
	extHistogram    observability.Histogram
	oversoldCounter observability.Counter
}

func NewUseCase(ledger domorder.Ledger, products domprod.Repository, idGen IDGenerator, publisher domoutbox.Publisher, tel observability.Observability) *UseCase {
	baseLog := observability.NopLogger()
	tracer := observability.NopTracer()
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		tracer = tel.Tracer()
		metricsProvider = tel.Metrics()
	}
	baseLog = baseLog.With(observability.F("service", reconcileService))

	return &UseCase{
		ledger:          ledger,
		products:        products,
		idGenerator:     idGen,
		publisher:       publisher,
		log:             baseLog,
		tracer:          tracer,
		reqCounter:      metricsProvider.Counter(observability.MUsecaseRequests),
		durHistogram:    metricsProvider.Histogram(observability.MUsecaseDuration),
		extCounter:      metricsProvider.Counter(observability.MExternalRequests),
		extHistogram:    metricsProvider.Histogram(observability.MExternalRequestDuration),
		oversoldCounter: metricsProvider.Counter(observability.MOversoldEvents),
	}
}

type Result struct {
	OrderID  string
	Created  bool
	Oversold bool
}

// Execute reconciles one confirmation event.
func (uc *UseCase) Execute(ctx context.Context, evt dompay.ConfirmationEvent) (_ *Result, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseReconcile),
		observability.F("external_event_id", evt.ExternalEventID),
		observability.F("payment_reference", evt.PaymentReference),
	)

	ctx, span := uc.tracer.Start(ctx, spanPrefix+"Reconcile",
		attribute.String("use_case", useCaseReconcile),
		attribute.String("payment.reference", evt.PaymentReference),
		attribute.String("product.id", evt.ProductID),
		attribute.Int("order.quantity", evt.Quantity),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		lat := time.Since(start).Seconds()

		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, statusText)
			} else {
				span.SetStatus(codes.Ok, statusText)
			}
			span.End()
		}

		if uc.reqCounter != nil {
			uc.reqCounter.Add(1,
				observability.L("use_case", useCaseReconcile),
				observability.L("outcome", outcome),
			)
		}
		if uc.durHistogram != nil {
			uc.durHistogram.Observe(lat,
				observability.L("use_case", useCaseReconcile),
			)
		}

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}

		logger.Info("use_case_done", fields...)
	}()

	if evt.PaymentReference == "" {
		outcome, statusText = "error", "PAYMENT_REFERENCE_REQUIRED"
		return nil, domorder.ErrMissingPaymentReference
	}
	if evt.Quantity <= 0 {
		outcome, statusText = "error", "QUANTITY_INVALID"
		return nil, domorder.ErrInvalidQuantity
	}

	entity, derr := domorder.New(uc.idGenerator.NewID(), evt.BuyerID, evt.ProductID, evt.PaymentReference, evt.Quantity)
	if derr != nil {
		outcome, statusText = "error", "DOMAIN_CONSTRUCTION_FAILED"
		return nil, fmt.Errorf("reconcile: construct order: %w", derr)
	}

	stored, created, err := uc.ledger.CreateIfAbsent(ctx, entity)
	if err != nil {
		outcome, statusText = "error", "LEDGER_INSERT_FAILED"
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if !created && stored.InventoryApplied {
		// Duplicate delivery: the order exists and its decrement landed.
		statusText = "IDEMPOTENT_REPLAY"
		span.AddEvent("order.idempotent_replay",
			trace.WithAttributes(attribute.String("order.id", stored.ID)),
		)
		return &Result{OrderID: stored.ID, Created: false}, nil
	}

	// First write, or a redelivery whose decrement never landed (a prior
	// attempt failed after creating the order). The claim decides which
	// delivery performs the decrement.
	claimed, err := uc.ledger.ClaimInventory(ctx, stored.ID)
	if err != nil {
		outcome, statusText = "error", "INVENTORY_CLAIM_FAILED"
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !claimed {
		// A concurrent delivery holds the claim; its outcome stands.
		statusText = "IDEMPOTENT_REPLAY"
		span.AddEvent("order.idempotent_replay",
			trace.WithAttributes(attribute.String("order.id", stored.ID)),
		)
		return &Result{OrderID: stored.ID, Created: created}, nil
	}

	result := &Result{OrderID: stored.ID, Created: created}

	dec, decErr := uc.products.TryDecrement(ctx, evt.ProductID, evt.Quantity)
	switch {
	case errors.Is(decErr, domprod.ErrNotFound):
		// Product vanished between checkout and confirmation. The order
		// stays (money cannot be withheld from here); the full quantity is
		// uncovered stock. The claim stays too: there is nothing a
		// redelivery could decrement.
		outcome, statusText = "error", "INVENTORY_NOT_FOUND"
		result.Oversold = true
		uc.signalOversold(ctx, stored, evt.Quantity)
		uc.publish(ctx, domorder.NewOrderConfirmedEvent(stored))
		return result, fmt.Errorf("%w: product %s", ErrInventoryNotFound, evt.ProductID)
	case decErr != nil:
		// Hand the claim back so the processor's redelivery can finish the
		// decrement instead of hitting the replay no-op.
		outcome, statusText = "error", "INVENTORY_DECREMENT_FAILED"
		uc.releaseClaim(ctx, stored.ID)
		return result, fmt.Errorf("%w: %w", ErrPersistence, decErr)
	}

	if dec.Oversold {
		statusText = "OVERSOLD"
		result.Oversold = true
		uc.signalOversold(ctx, stored, dec.Deficit)
	}

	span.AddEvent("order.confirmed",
		trace.WithAttributes(
			attribute.String("order.id", stored.ID),
			attribute.Int("inventory.remaining", dec.NewQuantity),
		),
	)
	uc.publish(ctx, domorder.NewOrderConfirmedEvent(stored))

	return result, nil
}

func (uc *UseCase) releaseClaim(ctx context.Context, orderID string) {
	if err := uc.ledger.ReleaseInventory(ctx, orderID); err != nil {
		logctx.FromOr(ctx, uc.log).Error("inventory_claim_release_failed",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()),
		)
	}
}

func (uc *UseCase) signalOversold(ctx context.Context, o *domorder.Order, deficit int) {
	if uc.oversoldCounter != nil {
		uc.oversoldCounter.Add(1, observability.L("product_id", o.ProductID))
	}
	uc.publish(ctx, domorder.NewOversoldEvent(o, deficit))
}

// publish sends an event on the outbox with a hard timeout; a publish failure
// never fails the reconciliation, the durable effects are already committed.
func (uc *UseCase) publish(ctx context.Context, event domoutbox.Event) {
	if uc.publisher == nil || event == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	start := time.Now()

	err := uc.publisher.Publish(pubCtx, event)
	outcome := "success"
	if err != nil {
		outcome = "error"
		logctx.FromOr(ctx, uc.log).Warn("event_publish_failed",
			observability.F("event", event.EventName()),
			observability.F("error", err.Error()),
		)
	}

	if uc.extCounter != nil {
		uc.extCounter.Add(1,
			observability.L("peer", publishPeer),
			observability.L("endpoint", event.EventName()),
			observability.L("outcome", outcome),
		)
	}
	if uc.extHistogram != nil {
		uc.extHistogram.Observe(time.Since(start).Seconds(),
			observability.L("peer", publishPeer),
			observability.L("endpoint", event.EventName()),
		)
	}
}
