package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/md-rashed-zaman/marketbook/libs/auth"
	"github.com/md-rashed-zaman/marketbook/libs/db"
	"github.com/md-rashed-zaman/marketbook/libs/grpcx"
	"github.com/md-rashed-zaman/marketbook/libs/httpx"
	"github.com/md-rashed-zaman/marketbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/marketbook/libs/otel"
	"github.com/md-rashed-zaman/marketbook/libs/runtime"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/escrow"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/inbox"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/marketbook/services/booking-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	// A local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
		otelShutdown = nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewBooking(reg)

	var (
		store    storage.Store
		recorder inbox.Recorder
		checks   []runtime.ReadyCheck
	)
	switch cfg.Storage {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		store = storage.NewMemory()
		recorder = inbox.NewMemory()
	default:
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
			ApplicationName:  cfg.Service,
			MaxConns:         int32(cfg.DBMaxConns),
			StatementTimeout: cfg.DBStatementTimeout,
		})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		store = storage.NewPostgres(pool)
		recorder = inbox.NewRepository(pool)
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

		publisher := outbox.NewPublisher(pool, outbox.NewRepository(), logger, outbox.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			PollEvery: 2 * time.Second,
			BatchSize: 50,
		})
		go publisher.Run(ctx)
	}

	escrowScheduler := escrow.NewScheduler(store, logger, m, escrow.Config{
		HoldPeriod: cfg.EscrowHold,
		BatchSize:  cfg.EscrowBatchSize,
	})
	go escrow.NewWorker(escrowScheduler, logger, cfg.EscrowSweep).Run(ctx)

	resolver := availability.NewResolver(store, cfg.Location)
	bookingLedger := ledger.New(store, escrowScheduler, resolver, logger, m)

	if cfg.KafkaBrokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
		eventConsumer := consumer.New(logger, recorder, consumer.Config{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topics:  []string{consumer.TopicPaymentSucceeded, consumer.TopicPaymentFailed, consumer.TopicServiceUpserted},
		}, consumer.Route(logger, map[string]consumer.Handler{
			consumer.TopicPaymentSucceeded: consumer.PaymentSucceeded(bookingLedger, logger),
			consumer.TopicPaymentFailed:    consumer.PaymentFailed(bookingLedger, logger),
			consumer.TopicServiceUpserted:  consumer.ServiceUpserted(store, logger),
		}))
		go eventConsumer.Run(ctx)
	} else {
		logger.Warn("kafka consumers disabled (no brokers configured)")
	}

	limiter, limiterCheck := newWriteLimiter(cfg, logger)
	if limiterCheck != nil {
		checks = append(checks, *limiterCheck)
	}

	api := handlers.New(handlers.Config{
		Store:                  store,
		Ledger:                 bookingLedger,
		Generator:              availability.NewGenerator(resolver, store),
		Calendar:               calendar.New(resolver, store),
		Inbox:                  recorder,
		Logger:                 logger,
		Metrics:                m,
		StripeWebhookSecret:    cfg.StripeWebhookSecret,
		StripeWebhookTolerance: cfg.StripeWebhookTolerance,
	})

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/api/", http.StripPrefix("/api", api.Routes(cfg.JWTSecret, limiter)))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger, "/healthz", "/readyz", "/metrics"),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: cfg.CORSOrigins,
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithBodyLimit(int64(cfg.BodyLimit)),
		httpx.WithTimeout(cfg.HTTPTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv, health := grpcx.NewServer(logger)
	go func() {
		if err := grpcx.Serve(ctx, logger, grpcSrv, health, ":"+cfg.GRPCPort); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	_ = runtime.Shutdown(logger, 10*time.Second,
		runtime.Closer{Name: "http", Close: srv.Shutdown},
		runtime.Closer{Name: "otel", Close: otelShutdown},
	)
}

// newWriteLimiter throttles booking writes per caller. Redis shares the window across
// replicas; without it each process counts on its own.
func newWriteLimiter(cfg serviceConfig, logger *slog.Logger) (httpx.Middleware, *runtime.ReadyCheck) {
	key := func(r *http.Request) string {
		if c, ok := auth.ClaimsFromContext(r.Context()); ok {
			return "sub:" + c.Sub
		}
		return "ip:" + httpx.ClientIP(r)
	}
	onError := func(err error) { logger.Warn("rate limiter error", "err", err) }

	if cfg.RedisAddr == "" {
		l := httpx.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute, key)
		return httpx.WithRateLimit(l, onError, cfg.RateLimitFailOpen), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	l := httpx.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "booking:rl:", key)
	check := &runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
	return httpx.WithRateLimit(l, onError, cfg.RateLimitFailOpen), check
}
