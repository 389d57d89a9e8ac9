package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-lifecycle/internal/address"
	"github.com/vasiliy-maslov/order-lifecycle/internal/auth"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cancellation"
	"github.com/vasiliy-maslov/order-lifecycle/internal/cart"
	"github.com/vasiliy-maslov/order-lifecycle/internal/catalog"
	"github.com/vasiliy-maslov/order-lifecycle/internal/checkout"
	"github.com/vasiliy-maslov/order-lifecycle/internal/config"
	"github.com/vasiliy-maslov/order-lifecycle/internal/db"
	"github.com/vasiliy-maslov/order-lifecycle/internal/handler"
	"github.com/vasiliy-maslov/order-lifecycle/internal/idempotency"
	"github.com/vasiliy-maslov/order-lifecycle/internal/invoice"
	"github.com/vasiliy-maslov/order-lifecycle/internal/metrics"
	"github.com/vasiliy-maslov/order-lifecycle/internal/notification"
	"github.com/vasiliy-maslov/order-lifecycle/internal/order"
	"github.com/vasiliy-maslov/order-lifecycle/internal/payment"
	"github.com/vasiliy-maslov/order-lifecycle/internal/pricing"
	"github.com/vasiliy-maslov/order-lifecycle/internal/transport"
)

const serviceName = "order-service"

func main() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", serviceName).Logger()

	log.Info().Msg("Order service starting...")

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.App)

	ctx := context.Background()

	pg, err := db.New(ctx, cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pg.Close()

	m := metrics.New()

	store, closeStore := newIdempotencyStore(ctx, cfg.Redis)
	defer closeStore()

	publisher, err := notification.New(cfg.Notify.Transport, cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic, cfg.Notify.AMQPURL, cfg.Notify.AMQPExchange)
	if err != nil {
		log.Fatal().Err(err).Str("transport", cfg.Notify.Transport).Msg("Failed to set up notification publisher")
	}
	renderer := invoice.NewPDFRenderer(invoice.Business{Name: cfg.Invoice.BusinessName, Address: cfg.Invoice.BusinessAddress})
	dispatcher := notification.NewDispatcher(publisher, renderer, m, cfg.Notify.Timeout)

	catalogReader := catalog.NewReader(pg.Pool)
	calculator := pricing.NewCalculator(catalogReader, cfg.Orders.TaxRate, cfg.Orders.DeliveryFee)
	orderRepo := order.NewRepository(pg.Pool)
	cartRepo := cart.NewRepository(pg.Pool)

	cartSvc := cart.NewService(cartRepo, pg, catalogReader, calculator)
	orderSvc := order.NewService(orderRepo, pg, dispatcher, m)
	checkoutSvc := checkout.NewService(cartRepo, orderRepo, address.NewBook(pg.Pool), calculator, pg, dispatcher, m, checkout.Settings{
		PickupEstimate:      cfg.Orders.PickupEstimate,
		DeliveryEstimate:    cfg.Orders.DeliveryEstimate,
		OrderNumberAttempts: cfg.Orders.OrderNumberAttempts,
	})

	stripe := payment.NewStripeClient(payment.StripeConfig{
		BaseURL:          cfg.Payment.APIBaseURL,
		SecretKey:        cfg.Payment.SecretKey,
		WebhookSecret:    cfg.Payment.WebhookSecret,
		WebhookTolerance: cfg.Payment.WebhookTolerance,
		Timeout:          cfg.Payment.Timeout,
	})
	provider := payment.WithRetry(stripe, payment.RetryPolicy{
		MaxRetries: cfg.Payment.MaxRetries,
		Backoff:    cfg.Payment.RetryBackoff,
		Timeout:    cfg.Payment.Timeout,
	}, m)
	engine := payment.NewEngine(orderRepo, pg, provider, dispatcher, m, cfg.Orders.Currency)

	cancelSvc := cancellation.NewService(orderRepo, pg, engine, dispatcher, m, cancellation.Policy{
		Window:   cfg.Orders.CancellationWindow,
		Blackout: cfg.Orders.ScheduledBlackout,
	})

	limiter := transport.NewIPRateLimiter(cfg.RateLimit.WebhookRPS, cfg.RateLimit.WebhookBurst)
	stopLimiter := make(chan struct{})
	go limiter.Run(time.Minute, 10*time.Minute, stopLimiter)

	router := transport.NewRouter(transport.Handlers{
		Cart:     handler.NewCartHandler(cartSvc),
		Orders:   handler.NewOrderHandler(orderSvc, checkoutSvc, cancelSvc, renderer),
		Payments: handler.NewPaymentHandler(engine, orderSvc),
	}, transport.Options{
		Verifier:       auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Idempotency:    idempotency.Middleware(store, cfg.Redis.IdempotencyTTL),
		Metrics:        m,
		WebhookLimiter: limiter,
		AllowedOrigins: cfg.App.CORSOrigins,
		Health:         pg.Pool.Ping,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	close(stopLimiter)

	// notifications started by the last requests still need the publisher
	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Gave up waiting for pending notifications")
	}
	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close notification publisher")
	}

	log.Info().Msg("Server stopped")
}

func setupLogger(app config.AppConfig) {
	level, err := zerolog.ParseLevel(app.LogLevel)
	if err != nil {
		log.Warn().Err(err).Str("log_level", app.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if app.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", serviceName).Logger()
	}
}

// newIdempotencyStore falls back to an in-process store when no Redis is configured. That is only
// correct for a single replica.
func newIdempotencyStore(ctx context.Context, cfg config.RedisConfig) (idempotency.Store, func()) {
	if cfg.Addr == "" {
		log.Warn().Msg("REDIS_ADDR is not set, idempotency keys are kept in memory")
		return idempotency.NewMemoryStore(), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr).Msg("Failed to connect to redis")
	}
	log.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")

	return idempotency.NewRedisStore(client, serviceName), func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
}
