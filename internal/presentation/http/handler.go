package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	appcheckout "github.com/farmgate/checkout-backend/internal/application/checkout"
	apporders "github.com/farmgate/checkout-backend/internal/application/orders"
	appreconcile "github.com/farmgate/checkout-backend/internal/application/reconcile"
	"github.com/farmgate/checkout-backend/internal/auth"
	domorder "github.com/farmgate/checkout-backend/internal/domain/order"
	dompay "github.com/farmgate/checkout-backend/internal/domain/payment"
	domprod "github.com/farmgate/checkout-backend/internal/domain/product"
	"github.com/farmgate/checkout-backend/internal/observability"
	"github.com/farmgate/checkout-backend/internal/observability/logctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	signatureHeader      = "Stripe-Signature"
	maxWebhookBody       = 1 << 20
)

type Handler struct {
	checkout      *appcheckout.OpenSessionUseCase
	reconcile     *appreconcile.UseCase
	orders        *apporders.Service
	products      domprod.Repository
	verifier      dompay.Verifier
	authenticator *auth.Authenticator
	log           observability.Logger
	tel           observability.Observability
}

func NewHandler(
	checkoutUC *appcheckout.OpenSessionUseCase,
	reconcileUC *appreconcile.UseCase,
	orderQueries *apporders.Service,
	products domprod.Repository,
	verifier dompay.Verifier,
	authenticator *auth.Authenticator,
	tel observability.Observability,
) *Handler {
	baseLogger := observability.NopLogger()
	if tel != nil {
		baseLogger = tel.Logger()
	}
	return &Handler{
		checkout:      checkoutUC,
		reconcile:     reconcileUC,
		orders:        orderQueries,
		products:      products,
		verifier:      verifier,
		authenticator: authenticator,
		log:           baseLogger.With(observability.F("component", componentHTTPHandler)),
		tel:           tel,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Wire each route with middlewares:
	// Trace → ObservabilityMiddleware (request logger) → Access log → Handler
	h.muxHandle(mux, http.MethodPost, "/checkout/webhook", h.handleWebhook)
	h.muxHandle(mux, http.MethodPost, "/checkout/{productId}", h.requireIdentity(h.handleOpenSession))
	h.muxHandle(mux, http.MethodGet, "/orders", h.requireIdentity(h.handleListMyOrders))
	h.muxHandle(mux, http.MethodGet, "/products", h.handleListProducts)
	h.muxHandle(mux, http.MethodGet, "/products/{productId}/orders", h.requireRole(auth.RoleAdmin, h.handleListProductOrders))
	h.muxHandle(mux, http.MethodGet, "/health", h.handleHealth)

	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, method, route string, handler http.HandlerFunc) {
	mux.HandleFunc(method+" "+route, func(w http.ResponseWriter, r *http.Request) {
		// Store stable route template for low-cardinality labels
		ctx := contextWithRoute(r.Context(), route)
		r = r.WithContext(ctx)

		wrapped := h.withTrace(
			ObservabilityMiddleware(
				logctx.FromOr(ctx, h.log),
				func(r *http.Request) string {
					return r.Header.Get(headerRequestID)
				},
				h.tel,
			)(
				h.withAccessLog(http.HandlerFunc(handler)),
			),
		)
		wrapped.ServeHTTP(w, r)
	})
}

type openSessionRequest struct {
	Quantity int `json:"quantity"`
}

type openSessionResponse struct {
	RedirectURL string `json:"redirectUrl"`
}

func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.checkout.Execute(r.Context(), appcheckout.OpenSessionInput{
		BuyerID:   identity.UserID,
		ProductID: r.PathValue("productId"),
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, openSessionResponse{RedirectURL: result.RedirectURL})
}

type webhookResponse struct {
	Received bool   `json:"received"`
	OrderID  string `json:"order_id,omitempty"`
}

// handleWebhook authenticates the delivery by signature, not by session. The
// processor treats any non-2xx as "retry later", so only trust errors return
// 400 and only retryable persistence failures return 502.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := logctx.FromOr(r.Context(), h.log)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.rejectWebhook(w, logger, "body_read_failed", err)
		return
	}

	event, err := h.verifier.Verify(body, r.Header.Get(signatureHeader))
	if err != nil {
		h.rejectWebhook(w, logger, "verification_failed", err)
		return
	}

	if event.Kind != dompay.KindCheckoutCompleted {
		// Recognized no-op: acknowledge so the processor stops retrying.
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
		return
	}

	result, err := h.reconcile.Execute(r.Context(), *event.Confirmation)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, OrderID: result.OrderID})
	case errors.Is(err, appreconcile.ErrInventoryNotFound):
		// The order is recorded and flagged oversold; redelivery cannot
		// improve anything, so acknowledge.
		logger.Error("webhook_inventory_missing",
			observability.F("order_id", result.OrderID),
			observability.F("error", err.Error()),
		)
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, OrderID: result.OrderID})
	case errors.Is(err, domorder.ErrInvalidQuantity),
		errors.Is(err, domorder.ErrMissingPaymentReference):
		h.rejectWebhook(w, logger, "event_invalid", err)
	default:
		// Retryable: signal the processor to redeliver.
		logger.Warn("webhook_reconcile_retryable",
			observability.F("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, err)
	}
}

func (h *Handler) rejectWebhook(w http.ResponseWriter, logger observability.Logger, reason string, err error) {
	if h.tel != nil {
		h.tel.Metrics().Counter(observability.MWebhookRejected).Add(1,
			observability.L("reason", reason),
		)
	}
	logger.Warn("webhook_rejected",
		observability.F("reason", reason),
		observability.F("error", err.Error()),
	)
	writeError(w, http.StatusBadRequest, err)
}

type orderResponse struct {
	ID               string    `json:"id"`
	ProductID        string    `json:"product_id"`
	Quantity         int       `json:"quantity"`
	Status           string    `json:"status"`
	PaymentReference string    `json:"payment_reference"`
	CreatedAt        time.Time `json:"created_at"`
}

func (h *Handler) handleListMyOrders(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())

	list, err := h.orders.ListByBuyer(r.Context(), identity.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponses(list))
}

func (h *Handler) handleListProductOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.orders.ListByProduct(r.Context(), r.PathValue("productId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponses(list))
}

type productResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	list, err := h.products.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]productResponse, 0, len(list))
	for _, p := range list {
		out = append(out, productResponse{
			ID:        p.ID,
			Name:      p.Name,
			Category:  p.Category,
			UnitPrice: p.UnitPrice,
			Quantity:  p.Quantity,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requireIdentity decodes the bearer credential and stores the identity on
// the request context.
func (h *Handler) requireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("no token provided"))
			return
		}
		identity, err := h.authenticator.Authenticate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r.WithContext(contextWithIdentity(r.Context(), identity)))
	}
}

func (h *Handler) requireRole(role auth.Role, next http.HandlerFunc) http.HandlerFunc {
	return h.requireIdentity(func(w http.ResponseWriter, r *http.Request) {
		if !auth.Authorize(identityFromContext(r.Context()), role) {
			writeError(w, http.StatusForbidden, auth.ErrForbidden)
			return
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(header, "Bearer "), true
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("checkout.http")
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		spanName := r.Method + " " + route
		if route == "unknown" {
			spanName = r.Method + " " + r.URL.Path
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"message": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domprod.ErrNotFound),
		errors.Is(err, domorder.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domprod.ErrInsufficientStock),
		errors.Is(err, domprod.ErrInvalidQuantity),
		errors.Is(err, domorder.ErrInvalidQuantity),
		errors.Is(err, appcheckout.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, dompay.ErrProcessorUnavailable):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func toOrderResponses(list []*domorder.Order) []orderResponse {
	out := make([]orderResponse, 0, len(list))
	for _, o := range list {
		out = append(out, orderResponse{
			ID:               o.ID,
			ProductID:        o.ProductID,
			Quantity:         o.Quantity,
			Status:           string(o.Status),
			PaymentReference: o.PaymentReference,
			CreatedAt:        o.CreatedAt,
		})
	}
	return out
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

type identityKey struct{}

func contextWithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey{}).(*auth.Identity)
	return id
}
