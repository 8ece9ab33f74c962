package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appcheckout "github.com/farmgate/checkout-backend/internal/application/checkout"
	apporders "github.com/farmgate/checkout-backend/internal/application/orders"
	appreconcile "github.com/farmgate/checkout-backend/internal/application/reconcile"
	"github.com/farmgate/checkout-backend/internal/auth"
	"github.com/farmgate/checkout-backend/internal/config"
	domorder "github.com/farmgate/checkout-backend/internal/domain/order"
	domoutbox "github.com/farmgate/checkout-backend/internal/domain/outbox"
	domprod "github.com/farmgate/checkout-backend/internal/domain/product"
	"github.com/farmgate/checkout-backend/internal/infrastructure/gormstore"
	"github.com/farmgate/checkout-backend/internal/infrastructure/id"
	"github.com/farmgate/checkout-backend/internal/infrastructure/memory"
	"github.com/farmgate/checkout-backend/internal/infrastructure/observability/oteltrace"
	"github.com/farmgate/checkout-backend/internal/infrastructure/observability/prometrics"
	"github.com/farmgate/checkout-backend/internal/infrastructure/observability/telemetry"
	"github.com/farmgate/checkout-backend/internal/infrastructure/observability/zaplogger"
	"github.com/farmgate/checkout-backend/internal/infrastructure/outbox"
	"github.com/farmgate/checkout-backend/internal/infrastructure/rabbitmq"
	"github.com/farmgate/checkout-backend/internal/infrastructure/redisinv"
	"github.com/farmgate/checkout-backend/internal/infrastructure/remediation"
	"github.com/farmgate/checkout-backend/internal/infrastructure/stripe"
	"github.com/farmgate/checkout-backend/internal/observability"
	httppresentation "github.com/farmgate/checkout-backend/internal/presentation/http"
)

func main() {
	cfg := config.Load()

	baseLogger := zaplogger.New(
		observability.F("service", cfg.ServiceName),
		observability.F("env", cfg.Env),
	)

	registry := prometrics.New("", "")
	counters := map[observability.MetricKey]observability.Counter{
		observability.MUsecaseRequests:  registry.Counter(string(observability.MUsecaseRequests), "Total number of use case invocations.", "use_case", "outcome"),
		observability.MHTTPRequests:     registry.Counter(string(observability.MHTTPRequests), "Total number of HTTP requests.", "method", "route", "status"),
		observability.MExternalRequests: registry.Counter(string(observability.MExternalRequests), "Total number of calls to external peers.", "peer", "endpoint", "outcome"),
		observability.MOversoldEvents:   registry.Counter(string(observability.MOversoldEvents), "Count of confirmed orders not covered by stock.", "product_id"),
		observability.MWebhookRejected:  registry.Counter(string(observability.MWebhookRejected), "Count of webhook deliveries rejected before processing.", "reason"),
	}
	histograms := map[observability.MetricKey]observability.Histogram{
		observability.MUsecaseDuration:         registry.Histogram(string(observability.MUsecaseDuration), "Duration of use case execution in seconds.", prometheus.DefBuckets, "use_case"),
		observability.MHTTPRequestDuration:     registry.Histogram(string(observability.MHTTPRequestDuration), "Duration of HTTP requests in seconds.", prometheus.DefBuckets, "method", "route", "status"),
		observability.MExternalRequestDuration: registry.Histogram(string(observability.MExternalRequestDuration), "Duration of external calls in seconds.", prometheus.DefBuckets, "peer", "endpoint"),
	}

	tel := telemetry.New(oteltrace.New(cfg.ServiceName), baseLogger, counters, histograms)
	systemLogger := baseLogger.With(observability.F("component", "main"))

	products := buildProductRepository(cfg, systemLogger)
	ledger := buildOrderLedger(cfg, systemLogger)

	if cfg.SeedDemo {
		seedDemoProducts(context.Background(), products, systemLogger)
	}

	bus := outbox.NewBus(baseLogger)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	publisher := buildPublisher(cfg, bus, systemLogger)

	remediationWorker := remediation.New(bus, baseLogger)
	remediationWorker.Start()

	sessions := stripe.NewSessionClient(stripe.SessionClientConfig{
		BaseURL:    cfg.ProcessorAPIURL,
		SecretKey:  cfg.ProcessorSecretKey,
		SuccessURL: cfg.SuccessURL,
		CancelURL:  cfg.CancelURL,
		Currency:   cfg.Currency,
		Timeout:    cfg.SessionTimeout,
	})
	verifier := stripe.NewVerifier(cfg.WebhookSecret)
	authenticator := auth.NewAuthenticator(cfg.JWTSecret)

	checkoutUC := appcheckout.NewOpenSessionUseCase(products, sessions, tel)
	reconcileUC := appreconcile.NewUseCase(ledger, products, id.NewUUIDGenerator(), publisher, tel)
	orderQueries := apporders.NewService(ledger)

	handler := httppresentation.NewHandler(checkoutUC, reconcileUC, orderQueries, products, verifier, authenticator, tel)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		systemLogger.Info("http_server_start",
			observability.F("addr", server.Addr),
		)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			systemLogger.Error("http_server_error",
				observability.F("error", err),
			)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		systemLogger.Error("http_server_shutdown_error",
			observability.F("error", err),
		)
	} else {
		systemLogger.Info("http_server_stopped")
	}
}

func buildProductRepository(cfg config.Config, logger observability.Logger) domprod.Repository {
	if cfg.RedisAddr == "" {
		logger.Info("product_store_memory")
		return memory.NewProductRepository()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("product_store_redis",
		observability.F("addr", cfg.RedisAddr),
	)
	return redisinv.NewProductRepository(client)
}

func buildOrderLedger(cfg config.Config, logger observability.Logger) domorder.Ledger {
	if cfg.PostgresDSN == "" {
		logger.Info("order_ledger_memory")
		return memory.NewOrderRepository()
	}
	repo, err := gormstore.Open(cfg.PostgresDSN)
	if err != nil {
		logger.Error("order_ledger_open_failed",
			observability.F("error", err),
		)
		os.Exit(1)
	}
	logger.Info("order_ledger_postgres")
	return repo
}

// buildPublisher fans events out to the in-process bus and, when configured,
// to the durable AMQP exchange for external consumers.
func buildPublisher(cfg config.Config, bus *outbox.Bus, logger observability.Logger) domoutbox.Publisher {
	if cfg.AMQPURL == "" {
		return bus
	}
	_, ch, err := rabbitmq.SetupConn(cfg.AMQPURL)
	if err != nil {
		logger.Error("amqp_connect_failed",
			observability.F("error", err),
		)
		os.Exit(1)
	}
	logger.Info("amqp_connected")
	return fanoutPublisher{bus, rabbitmq.NewPublisher(ch)}
}

type fanoutPublisher []domoutbox.Publisher

func (f fanoutPublisher) Publish(ctx context.Context, e domoutbox.Event) error {
	var firstErr error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func seedDemoProducts(ctx context.Context, products domprod.Repository, logger observability.Logger) {
	demo := []struct {
		id, seller, name, category string
		price                      int64
		quantity                   int
	}{
		{"prod-tomato", "farmer-1", "Tomatoes", "vegetables", 4000, 50},
		{"prod-mango", "farmer-1", "Alphonso Mangoes", "fruits", 12000, 30},
		{"prod-rice", "farmer-2", "Basmati Rice", "grains", 9000, 100},
	}
	for _, d := range demo {
		p, err := domprod.New(d.id, d.seller, d.name, d.price, d.quantity)
		if err != nil {
			continue
		}
		p.Category = d.category
		if err := products.Save(ctx, p); err != nil {
			logger.Warn("seed_product_failed",
				observability.F("product_id", d.id),
				observability.F("error", err),
			)
		}
	}
	logger.Info("demo_products_seeded",
		observability.F("count", len(demo)),
	)
}
