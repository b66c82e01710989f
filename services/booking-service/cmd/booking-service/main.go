package main

import (
	"context"
	"net/http"
	"time"

	"github.com/carebridge/carebridge/libs/config"
	"github.com/carebridge/carebridge/libs/db"
	"github.com/carebridge/carebridge/libs/httpx"
	"github.com/carebridge/carebridge/libs/kafkax"
	otelx "github.com/carebridge/carebridge/libs/otel"
	"github.com/carebridge/carebridge/libs/runtime"
	"github.com/carebridge/carebridge/services/booking-service/internal/booking"
	"github.com/carebridge/carebridge/services/booking-service/internal/handlers"
	"github.com/carebridge/carebridge/services/booking-service/internal/outbox"
	"github.com/carebridge/carebridge/services/booking-service/internal/payments"
	"github.com/carebridge/carebridge/services/booking-service/internal/reconcile"
	"github.com/carebridge/carebridge/services/booking-service/internal/storage"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	_ = godotenv.Load()

	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	store := storage.New(pool)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	orchestrator := booking.NewOrchestrator(store, outboxRepo, logger)
	gateway := payments.New(store, config.String("STRIPE_SECRET_KEY", ""), logger)
	applier := reconcile.NewApplier(store, outboxRepo, logger)
	syncer := reconcile.NewSyncer(store, applier, reconcile.NewStripeProcessor(), logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	}

	// Shared Redis limiter when configured, in-process fallback otherwise.
	var rateLimit httpx.Middleware
	rateLimitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		limiter := httpx.NewRedisRateLimiter(rdb, rateLimitPerMinute, time.Minute, service)
		rateLimit = limiter.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	} else {
		rateLimit = httpx.NewRateLimiter(rateLimitPerMinute, time.Minute).Middleware()
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	h := handlers.New(store, orchestrator, gateway, applier, syncer, logger, handlers.Config{
		StripeWebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookToleranceSeconds: config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300),
		AwaitIntervalSeconds:          config.Int("PAYMENT_AWAIT_INTERVAL_SECONDS", 2),
		AwaitAttempts:                 config.Int("PAYMENT_AWAIT_ATTEMPTS", 10),
	})
	h.Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		rateLimit,
	)
	handler = otelhttp.NewHandler(handler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	// Periodic reconciliation: self-heal payment and membership state if
	// webhooks are missed.
	if config.Bool("RECONCILE_ENABLED", false) {
		interval := config.Duration("RECONCILE_INTERVAL_SECONDS", 5*time.Minute)
		rec := reconcile.NewReconciler(pool, store, syncer, logger, reconcile.ReconcilerConfig{
			BatchSize:   config.Int("RECONCILE_BATCH_SIZE", 100),
			AdvisoryKey: int64(config.Int("RECONCILE_LOCK_KEY", 0)),
		})
		go rec.Run(ctx, interval)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
