package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/utafrali/orderflow/internal/auth"
	"github.com/utafrali/orderflow/internal/client"
	"github.com/utafrali/orderflow/internal/config"
	"github.com/utafrali/orderflow/internal/event"
	handler "github.com/utafrali/orderflow/internal/handler/http"
	"github.com/utafrali/orderflow/internal/pricing"
	"github.com/utafrali/orderflow/internal/repository"
	"github.com/utafrali/orderflow/internal/repository/memory"
	"github.com/utafrali/orderflow/internal/repository/postgres"
	redisrepo "github.com/utafrali/orderflow/internal/repository/redis"
	"github.com/utafrali/orderflow/internal/service"
	"github.com/utafrali/orderflow/migrations"
	"github.com/utafrali/orderflow/pkg/database"
	"github.com/utafrali/orderflow/pkg/health"
	"github.com/utafrali/orderflow/pkg/httpclient"
	pkgkafka "github.com/utafrali/orderflow/pkg/kafka"
	"github.com/utafrali/orderflow/pkg/middleware"
	"github.com/utafrali/orderflow/pkg/tracing"
)

// ServiceName labels logs, metrics and traces.
const ServiceName = "orderflow"

// processedEventTTL bounds how long payment event IDs are remembered.
const processedEventTTL = 7 * 24 * time.Hour

// App wires together all dependencies and runs the order engine.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	dlq            *pkgkafka.DLQProducer
	consumer       *pkgkafka.Consumer
	recovery       *service.RecoveryService
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}

	tracerShutdown, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    ServiceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	store, err := a.initStorage(ctx)
	if err != nil {
		_ = a.closeResources()
		return nil, err
	}

	// Event publishing.
	var publisher event.Publisher
	if cfg.KafkaDisabled {
		publisher = event.NewLogPublisher(logger)
		logger.Warn("kafka disabled, events are only logged")
	} else {
		a.producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		publisher = a.producer
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}
	eventProducer := event.NewProducer(publisher, logger)

	// Collaborators behind circuit breakers.
	clientCfg := httpclient.DefaultConfig()
	clientCfg.Timeout = cfg.ClientTimeout
	addresses := client.NewAddressClient(
		client.NewGuardedDoer("address-service", clientCfg, logger), cfg.AddressServiceURL)
	payments := client.NewPaymentClient(
		client.NewGuardedDoer("payment-service", clientCfg, logger), cfg.PaymentServiceURL)

	// Build the dependency graph.
	evaluator := pricing.NewEvaluator(pricing.Config{
		TaxRate:               cfg.TaxRate,
		ShippingFee:           cfg.ShippingFee,
		FreeShippingThreshold: cfg.FreeShippingThreshold,
	})
	inventoryService := service.NewInventoryService(store.Products, eventProducer, cfg.LowStockThreshold, logger)
	cartService := service.NewCartService(store.Carts, store.Coupons, inventoryService, evaluator, logger)
	orderService := service.NewOrderService(store.Orders, store.Journals, inventoryService, payments,
		eventProducer, cfg.ReturnWindow, logger)
	checkoutService := service.NewCheckoutService(store, cartService, inventoryService, addresses,
		evaluator, eventProducer, logger)
	a.recovery = service.NewRecoveryService(store, cartService, inventoryService, eventProducer,
		cfg.RecoveryInterval, cfg.RecoveryStaleAfter, logger)

	if !cfg.KafkaDisabled {
		a.consumer = a.newPaymentConsumer(orderService)
	}

	// Health checks.
	healthHandler := health.NewHandler(5 * time.Second)
	if a.pool != nil {
		healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
			return a.pool.Ping(ctx)
		})
	}
	if a.redis != nil {
		check := healthHandler.Register
		if cfg.CartStore == config.DriverRedis {
			check = healthHandler.RegisterCritical
		}
		check("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	if a.producer != nil {
		healthHandler.Register("kafka", func(ctx context.Context) error {
			return a.producer.Ping(ctx)
		})
	}

	authenticate := middleware.TrustedHeaders()
	if cfg.JWTSecret != "" {
		authenticate = middleware.Auth(auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer).Validate)
	} else {
		logger.Warn("JWT_SECRET not set, trusting gateway identity headers")
	}

	router := handler.NewRouter(handler.Services{
		Carts:     cartService,
		Orders:    orderService,
		Checkout:  checkoutService,
		Inventory: inventoryService,
	}, handler.RouterConfig{
		ServiceName:   ServiceName,
		Health:        healthHandler,
		Metrics:       middleware.NewHTTPMetrics(prometheus.DefaultRegisterer, ServiceName),
		Authenticate:  authenticate,
		CheckoutLimit: middleware.RateLimit(cfg.CheckoutRateLimit, cfg.CheckoutRateBurst, logger),
		Timeout:       cfg.RequestTimeout,
	}, logger)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStorage opens the configured backends and returns the repositories.
func (a *App) initStorage(ctx context.Context) (repository.Store, error) {
	cfg, logger := a.cfg, a.logger

	if cfg.NeedsPostgres() {
		pgCfg := database.DefaultPostgresConfig(cfg.DatabaseURL)
		pgCfg.MaxConns = cfg.DBMaxConns
		pool, err := database.NewPostgresPool(ctx, pgCfg, logger)
		if err != nil {
			return repository.Store{}, fmt.Errorf("connect to postgres: %w", err)
		}
		a.pool = pool
		logger.Info("connected to PostgreSQL")

		if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, ServiceName); err != nil {
			logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
		}
		if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
			return repository.Store{}, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("database migrations completed")
		database.SetSlowQueryLogging(cfg.SlowQuery, logger)
	}

	if cfg.NeedsRedis() {
		rdb, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return repository.Store{}, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = rdb
		logger.Info("connected to Redis")
	}

	var store repository.Store
	if cfg.StorageDriver == config.DriverPostgres {
		store = postgres.NewStore(a.pool)
	} else {
		store = memory.NewStore()
		logger.Warn("using in-memory storage, state is lost on restart")
	}

	switch cfg.CartStore {
	case config.DriverRedis:
		store.Carts = redisrepo.NewCartRepository(a.redis, cfg.CartTTL)
	case config.DriverMemory:
		store.Carts = memory.NewCartRepository()
	}
	logger.Info("storage initialized",
		slog.String("driver", cfg.StorageDriver),
		slog.String("cart_store", cfg.CartStore),
	)
	return store, nil
}

// newPaymentConsumer subscribes the order service to payment results.
// Redeliveries are filtered by event ID in Redis.
func (a *App) newPaymentConsumer(orders *service.OrderService) *pkgkafka.Consumer {
	payments := event.NewConsumer(orders, a.logger)

	var seen pkgkafka.IdempotencyStore = pkgkafka.NewMemoryIdempotencyStore(processedEventTTL)
	if a.redis != nil {
		seen = pkgkafka.NewRedisIdempotencyStore(a.redis, "orderflow:processed", processedEventTTL)
	}

	a.dlq = pkgkafka.NewDLQProducer(a.cfg.KafkaBrokers, a.logger)
	return pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers: a.cfg.KafkaBrokers,
		GroupID: a.cfg.KafkaGroupID,
		Topics:  payments.Topics(),
	}, pkgkafka.IdempotentHandler(seen, payments.Handle, a.logger), a.dlq, a.logger)
}

// Run starts the HTTP server, the checkout recovery loop and the payment
// consumer, and blocks until ctx is canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.recovery.Run(gctx)
	})

	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown signal received")
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops all components in order:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush spans from drained requests)
// 3. Kafka consumer and producers
// 4. Redis and PostgreSQL
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	errs = append(errs, a.closeResources())

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error

	if a.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.dlq != nil {
		if err := a.dlq.Close(); err != nil {
			a.logger.Error("kafka dlq close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
