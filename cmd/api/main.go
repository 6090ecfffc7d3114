package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/notify-router/internal/config"
	"github.com/kursadbilgin/notify-router/internal/directory"
	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/governor"
	"github.com/kursadbilgin/notify-router/internal/handler"
	"github.com/kursadbilgin/notify-router/internal/health"
	"github.com/kursadbilgin/notify-router/internal/infra/postgresql"
	"github.com/kursadbilgin/notify-router/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/notify-router/internal/infra/redis"
	"github.com/kursadbilgin/notify-router/internal/observability"
	"github.com/kursadbilgin/notify-router/internal/provider"
	"github.com/kursadbilgin/notify-router/internal/queue"
	"github.com/kursadbilgin/notify-router/internal/ratelimit"
	"github.com/kursadbilgin/notify-router/internal/registry"
	"github.com/kursadbilgin/notify-router/internal/repository"
	"github.com/kursadbilgin/notify-router/internal/routing"
	"github.com/kursadbilgin/notify-router/internal/service"
	"github.com/kursadbilgin/notify-router/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("notify-router stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL, queue.WithLogger(logger.Named("rabbitmq")))
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer broker.Close()

	metrics := observability.NewMetrics()

	reg := registry.New(nil)
	watcher, err := directory.NewWatcher(cfg.ProvidersFile, reg, logger.Named("directory"))
	if err != nil {
		return err
	}
	if err := watcher.Load(); err != nil {
		return fmt.Errorf("provider directory load failed: %w", err)
	}

	limiter, err := newRateLimiter(cfg, rdb)
	if err != nil {
		return err
	}
	gov, err := governor.New(limiter, logger.Named("governor"),
		governor.WithBackoff(cfg.RetryBaseDelay(), cfg.RetryMaxDelay()),
		governor.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	resolver, err := routing.NewResolver(reg, logger.Named("routing"))
	if err != nil {
		return err
	}

	adapters := provider.NewPool(nil)
	monitor, err := health.NewMonitor(
		reg,
		adapters,
		repository.NewGormHealthCheckRepo(db),
		repository.NewGormIncidentRepo(db),
		repository.NewGormProviderStateRepo(db),
		logger.Named("health"),
		health.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	reg.OnSwap(func(_, next *registry.Snapshot) {
		adapters.Reset()
		monitor.Sync(next)
	})
	if err := monitor.Restore(ctx); err != nil {
		logger.Warn("failed to restore provider health, starting from UNKNOWN", zap.Error(err))
	}

	environment, err := domain.ParseEnvironmentFromString(cfg.Environment)
	if err != nil {
		return err
	}
	notifications := repository.NewGormNotificationRepo(db)
	deliveryLogs := repository.NewGormDeliveryLogRepo(db)
	publisher := queue.NewRabbitMQPublisher(broker)
	delivery, err := service.NewDeliveryService(service.Dependencies{
		Notifications: notifications,
		Logs:          deliveryLogs,
		Publisher:     publisher,
		Registry:      reg,
		Resolver:      resolver,
		Governor:      gov,
		Adapters:      adapters,
		Health:        monitor,
		Metrics:       metrics,
	}, service.DeliveryConfig{
		DispatchTimeout: cfg.DispatchTimeout(),
		MaxRetriesLimit: cfg.MaxRetriesLimit,
		Environment:     environment,
	}, logger.Named("delivery"))
	if err != nil {
		return err
	}

	consumer := queue.NewRabbitMQConsumer(broker, 1, logger.Named("consumer"))
	workers, err := service.NewWorkerService(consumer, delivery, cfg.WorkerConcurrency, logger.Named("worker"))
	if err != nil {
		return err
	}
	recovery, err := service.NewRecoveryScanner(notifications, deliveryLogs, publisher, service.RecoveryConfig{
		Interval:        cfg.RecoveryScanInterval(),
		PendingAfter:    cfg.PendingRecoveryAfter(),
		ProcessingAfter: cfg.DispatchTimeout() + cfg.PendingRecoveryAfter(),
	}, logger.Named("recovery"))
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger.Named("http")),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	handler.RegisterHealthRoutes(app,
		handler.ReadinessCheck{Name: "postgres", Check: sqlDB.PingContext},
		handler.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		handler.ReadinessCheck{Name: "rabbitmq", Check: func(context.Context) error {
			if !broker.IsConnected() {
				return errors.New("rabbitmq connection closed")
			}
			return nil
		}},
	)
	handler.RegisterMetricsRoute(app, metrics)
	if err := handler.RegisterNotificationRoutes(app, delivery); err != nil {
		return err
	}
	if err := handler.RegisterProviderRoutes(app, monitor); err != nil {
		return err
	}

	monitor.Start(ctx)
	defer monitor.Stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Watch(groupCtx) })
	g.Go(func() error { return workers.Start(groupCtx) })
	g.Go(func() error { return recovery.Start(groupCtx) })
	g.Go(func() error {
		logger.Info("notify-router api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("notify-router stopped")
	return nil
}

func newRateLimiter(cfg *config.Config, rdb *goredis.Client) (ratelimit.RateLimiter, error) {
	if cfg.RateLimitBackend == config.RateLimitBackendMemory {
		return ratelimit.NewMemoryRateLimiter(), nil
	}
	return infraredis.NewRedisRateLimiter(rdb)
}
