package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	dompay "github.com/farmgate/checkout-backend/internal/domain/payment"
	domprod "github.com/farmgate/checkout-backend/internal/domain/product"
	"github.com/farmgate/checkout-backend/internal/observability"
	"github.com/farmgate/checkout-backend/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	checkoutService    = "checkout-service"
	useCaseOpenSession = "checkout.open_session"
	spanPrefix         = "UC."
	processorPeer      = "processor"
	processorEndpoint  = "checkout.sessions"
)

var ErrValidation = errors.New("validation")

// OpenSessionUseCase validates a purchase against current stock and opens a
// payment session with the external processor. The stock check is advisory:
// no reservation is made, the authoritative decrement happens at
// reconciliation time.
type OpenSessionUseCase struct {
	products domprod.Repository
	sessions dompay.SessionCreator

	// Concurrent checkouts for the same product collapse into one
	// advisory read.
	reads singleflight.Group

	log          observability.Logger
	tracer       observability.Tracer
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewOpenSessionUseCase(products domprod.Repository, sessions dompay.SessionCreator, tel observability.Observability) *OpenSessionUseCase {
	baseLog := observability.NopLogger()
	tracer := observability.NopTracer()
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		tracer = tel.Tracer()
		metricsProvider = tel.Metrics()
	}
	baseLog = baseLog.With(observability.F("service", checkoutService))

	return &OpenSessionUseCase{
		products:     products,
		sessions:     sessions,
		log:          baseLog,
		tracer:       tracer,
		reqCounter:   metricsProvider.Counter(observability.MUsecaseRequests),
		durHistogram: metricsProvider.Histogram(observability.MUsecaseDuration),
		extCounter:   metricsProvider.Counter(observability.MExternalRequests),
		extHistogram: metricsProvider.Histogram(observability.MExternalRequestDuration),
	}
}

type OpenSessionInput struct {
	BuyerID   string
	ProductID string
	Quantity  int
}

type OpenSessionResult struct {
	RedirectURL string
}

// Execute performs the session-open flow.
func (uc *OpenSessionUseCase) Execute(ctx context.Context, cmd OpenSessionInput) (_ *OpenSessionResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(observability.F("use_case", useCaseOpenSession))

	ctx, span := uc.tracer.Start(ctx, spanPrefix+"OpenSession",
		attribute.String("use_case", useCaseOpenSession),
		attribute.String("checkout.buyer_id", cmd.BuyerID),
		attribute.String("checkout.product_id", cmd.ProductID),
		attribute.Int("checkout.quantity", cmd.Quantity),
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
				observability.L("use_case", useCaseOpenSession),
				observability.L("outcome", outcome),
			)
		}
		if uc.durHistogram != nil {
			uc.durHistogram.Observe(lat,
				observability.L("use_case", useCaseOpenSession),
			)
		}

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("buyer_id", cmd.BuyerID),
			observability.F("product_id", cmd.ProductID),
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

	if cmd.BuyerID == "" {
		outcome, statusText = "error", "BUYER_ID_REQUIRED"
		return nil, newValidation("buyer id is required")
	}
	if cmd.ProductID == "" {
		outcome, statusText = "error", "PRODUCT_ID_REQUIRED"
		return nil, newValidation("product id is required")
	}
	if cmd.Quantity <= 0 {
		outcome, statusText = "error", "QUANTITY_INVALID"
		return nil, newValidation("quantity must be greater than zero")
	}
	if err := ctx.Err(); err != nil {
		outcome, statusText = "error", "CONTEXT_CANCELED"
		return nil, err
	}

	prod, err := uc.readProduct(ctx, cmd.ProductID)
	if err != nil {
		if errors.Is(err, domprod.ErrNotFound) {
			outcome, statusText = "error", "PRODUCT_NOT_FOUND"
			return nil, err
		}
		outcome, statusText = "error", "PRODUCT_LOOKUP_FAILED"
		return nil, fmt.Errorf("checkout: product lookup: %w", err)
	}

	if !prod.HasStock(cmd.Quantity) {
		outcome, statusText = "error", "INSUFFICIENT_STOCK"
		return nil, fmt.Errorf("%w: %d available", domprod.ErrInsufficientStock, prod.Quantity)
	}

	session, err := uc.createSession(ctx, dompay.SessionRequest{
		BuyerID:     cmd.BuyerID,
		ProductID:   prod.ID,
		ProductName: prod.Name,
		UnitPrice:   prod.UnitPrice,
		Quantity:    cmd.Quantity,
	})
	if err != nil {
		if errors.Is(err, dompay.ErrProcessorUnavailable) {
			outcome, statusText = "error", "PROCESSOR_UNAVAILABLE"
		} else {
			outcome, statusText = "error", "SESSION_CREATE_FAILED"
		}
		return nil, err
	}

	span.AddEvent("checkout.session_opened",
		trace.WithAttributes(attribute.String("session.id", session.ID)),
	)

	return &OpenSessionResult{RedirectURL: session.RedirectURL}, nil
}

func (uc *OpenSessionUseCase) readProduct(ctx context.Context, productID string) (*domprod.Product, error) {
	v, err, _ := uc.reads.Do(productID, func() (any, error) {
		return uc.products.Get(ctx, productID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domprod.Product), nil
}

func (uc *OpenSessionUseCase) createSession(ctx context.Context, req dompay.SessionRequest) (*dompay.Session, error) {
	start := time.Now()
	session, err := uc.sessions.Create(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	if uc.extCounter != nil {
		uc.extCounter.Add(1,
			observability.L("peer", processorPeer),
			observability.L("endpoint", processorEndpoint),
			observability.L("outcome", outcome),
		)
	}
	if uc.extHistogram != nil {
		uc.extHistogram.Observe(time.Since(start).Seconds(),
			observability.L("peer", processorPeer),
			observability.L("endpoint", processorEndpoint),
		)
	}

	return session, err
}

func newValidation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
