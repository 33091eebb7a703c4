package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/utafrali/EcommerceGo/warehouse/internal/config"
	"github.com/utafrali/EcommerceGo/warehouse/internal/event"
	handler "github.com/utafrali/EcommerceGo/warehouse/internal/handler/http"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository/memory"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository/postgres"
	"github.com/utafrali/EcommerceGo/warehouse/internal/repository/redis"
	"github.com/utafrali/EcommerceGo/warehouse/internal/service"
	"github.com/utafrali/EcommerceGo/warehouse/internal/shipping"
	"github.com/utafrali/EcommerceGo/warehouse/internal/sweeper"
	"github.com/utafrali/EcommerceGo/warehouse/migrations"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/database"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/health"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/httpclient"
	pkgkafka "github.com/utafrali/EcommerceGo/warehouse/pkg/kafka"
	"github.com/utafrali/EcommerceGo/warehouse/pkg/tracing"
)

const serviceName = "warehouse"

// lockEventPublisher is satisfied by *event.Producer and event.NopProducer.
type lockEventPublisher interface {
	service.EventPublisher
	sweeper.Publisher
}

// App wires together all dependencies and runs the warehouse service.
type App struct {
	cfg               *config.Config
	logger            *slog.Logger
	pool              *pgxpool.Pool
	redis             *goredis.Client
	producer          *pkgkafka.Producer
	httpServer        *http.Server
	consumers         map[string]*pkgkafka.Consumer
	sweeper           *sweeper.Sweeper
	allocationService *service.AllocationService
	tracerShutdown    func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	a := &App{
		cfg:            cfg,
		logger:         logger,
		consumers:      make(map[string]*pkgkafka.Consumer),
		tracerShutdown: tracerShutdown,
	}
	healthHandler := health.NewHandler()

	// Storage.
	var store repository.Store
	switch cfg.StorageDriver {
	case config.StorageMemory:
		mem := memory.NewStore()
		if cfg.MemorySeedFile != "" {
			if err := mem.LoadSeedFile(cfg.MemorySeedFile); err != nil {
				return nil, fmt.Errorf("seed memory store: %w", err)
			}
			logger.Info("memory store seeded", slog.String("file", cfg.MemorySeedFile))
		}
		store = mem
		logger.Warn("using in-memory storage, state is lost on restart")
	default:
		pool, err := a.connectPostgres(ctx)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		store = postgres.NewStore(pool)
		healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
			return pool.Ping(ctx)
		})
	}

	// Redis backs the sweeper lease and event dedup. Without it each
	// instance sweeps on its own and dedups in memory.
	var (
		lease            repository.Lease = repository.NoopLease{}
		idempotencyStore pkgkafka.IdempotencyStore
	)
	if cfg.RedisEnabled {
		client, err := database.NewRedisClient(ctx, database.RedisConfig{
			Host:        cfg.RedisHost,
			Port:        cfg.RedisPort,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: 3 * time.Second,
		})
		if err != nil {
			logger.Warn("redis unavailable, continuing without sweeper lease",
				slog.String("error", err.Error()),
			)
		} else {
			a.redis = client
			lease = redis.NewLease(client, redis.SweeperLeaseKey)
			idempotencyStore = pkgkafka.NewRedisIdempotencyStore(client, "warehouse:events:", 24*time.Hour)
			healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			})
			logger.Info("connected to Redis", slog.String("addr", fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort)))
		}
	}
	if idempotencyStore == nil {
		idempotencyStore = pkgkafka.NewMemoryIdempotencyStore(24 * time.Hour)
	}

	// Kafka producer.
	var publisher lockEventPublisher = event.NopProducer{}
	if cfg.KafkaEnabled {
		producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		if err := pingKafkaWithRetry(ctx, producer, logger); err != nil {
			logger.Warn("kafka producer ping failed after retries, continuing in degraded mode",
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
		}
		a.producer = producer
		publisher = event.NewProducer(producer, logger)
		healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
			return producer.Ping(ctx)
		})
	} else {
		logger.Warn("kafka disabled, lock events will not be published")
	}

	// Warehouse scoring.
	var scorer shipping.Scorer = shipping.DistanceScorer{}
	if cfg.ShippingServiceURL != "" {
		httpCfg := httpclient.DefaultConfig()
		httpCfg.Timeout = cfg.ShippingTimeout()
		cb := httpclient.NewCircuitBreakerClient(
			httpclient.New(httpCfg),
			httpclient.DefaultCircuitBreakerConfig("shipping"),
			logger,
		)
		scorer = shipping.NewHTTPScorer(cb, cfg.ShippingServiceURL, shipping.DistanceScorer{}, logger)
		logger.Info("scoring warehouses by shipping cost", slog.String("url", cfg.ShippingServiceURL))
	}

	// Build the dependency graph.
	a.allocationService = service.NewAllocationService(store, scorer, publisher, logger, service.Config{
		LockTTL:       cfg.LockTTL(),
		MaxRetries:    cfg.LockMaxRetries,
		RetryBaseWait: service.DefaultConfig().RetryBaseWait,
	})
	a.sweeper = sweeper.New(store, lease, publisher, logger, cfg.SweepInterval(), cfg.SweepBatchSize)

	// Kafka consumers for payment and checkout outcomes.
	if cfg.KafkaEnabled {
		eventConsumer := event.NewConsumer(a.allocationService, logger)
		handlers := map[string]pkgkafka.Handler{
			event.TopicPaymentSucceeded: eventConsumer.HandlePaymentSucceeded,
			event.TopicPaymentFailed:    eventConsumer.HandlePaymentFailed,
			event.TopicCheckoutFailed:   eventConsumer.HandleCheckoutFailed,
		}
		for topic, h := range handlers {
			a.consumers[topic] = pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
				Brokers:   cfg.KafkaBrokers,
				GroupID:   "warehouse-service-" + topic,
				Topic:     topic,
				MinBytes:  1,
				MaxBytes:  10e6,
				EnableDLQ: true,
			}, pkgkafka.IdempotentHandler(idempotencyStore, h, logger), logger)
		}
	}

	// HTTP router.
	router := handler.NewRouter(a.allocationService, healthHandler, logger, cfg.PprofAllowedCIDRs)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

func (a *App) connectPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	cfg := a.cfg
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, serviceName); err != nil {
		a.logger.Warn("failed to register pool metrics", slog.String("error", err.Error()))
	}

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, a.logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	a.logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, a.logger)
	}
	return pool, nil
}

// Run starts the HTTP server, Kafka consumers and the lock sweeper, then
// blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1+len(a.consumers))

	// Start HTTP server.
	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Start Kafka consumers.
	for topic, c := range a.consumers {
		go func() {
			if err := c.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s consumer: %w", topic, err)
			}
		}()
	}

	// Start background lock sweeper.
	a.sweeper.Start(ctx)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		_ = a.Shutdown()
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Lock sweeper
// 3. Tracer (flush pending spans from drained requests)
// 4. Kafka consumers
// 5. Kafka producer
// 6. Redis client
// 7. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Stop the sweeper before its store and lease go away.
	a.sweeper.Stop()

	// 3. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close Kafka consumers.
	for topic, c := range a.consumers {
		if err := c.Close(); err != nil {
			a.logger.Error("kafka consumer close error",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}

	// 5. Close Kafka producer.
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 6. Close Redis.
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 7. Close PostgreSQL pool.
	if a.pool != nil {
		a.pool.Close()
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// pingKafkaWithRetry attempts to ping the Kafka producer with exponential
// backoff (3 attempts, 1s/2s/4s with ±25% jitter).
func pingKafkaWithRetry(ctx context.Context, producer *pkgkafka.Producer, logger *slog.Logger) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := producer.Ping(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < 2 {
			base := time.Duration(1<<uint(attempt)) * time.Second
			jitter := time.Duration(float64(base) * 0.25 * (2*rand.Float64() - 1)) // #nosec G404 -- non-cryptographic jitter for retry backoff
			wait := base + jitter
			logger.Warn("kafka producer ping failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", 3),
				slog.Duration("backoff", wait),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("kafka ping: context canceled during retry: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("kafka ping failed after 3 attempts: %w", lastErr)
}
