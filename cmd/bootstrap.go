package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/notifyd/notifyd/internal/breaker"
	"github.com/notifyd/notifyd/internal/config"
	"github.com/notifyd/notifyd/internal/directory"
	"github.com/notifyd/notifyd/internal/eventbus"
	"github.com/notifyd/notifyd/internal/idempotency"
	"github.com/notifyd/notifyd/internal/logger"
	"github.com/notifyd/notifyd/internal/metrics"
	"github.com/notifyd/notifyd/internal/queue"
	"github.com/notifyd/notifyd/internal/render"
	"github.com/notifyd/notifyd/internal/storage"
	"github.com/notifyd/notifyd/internal/transport"
	"github.com/notifyd/notifyd/internal/worker"
)

// eventBusWorkers is the dispatch concurrency of the in-process event bus.
const eventBusWorkers = 4

// runtime holds the shared infrastructure both processes build on.
type runtime struct {
	cfg    *config.AppConfig
	logger *slog.Logger
	db     *sql.DB
	store  storage.NotificationStore
	bus    eventbus.EventBus
	broker *queue.Client
}

// newRuntime initializes logging, storage, the event bus with the metrics
// listener, and the broker connection.
func newRuntime(ctx context.Context, cfg *config.AppConfig) (*runtime, error) {
	if err := os.MkdirAll(cfg.LogDir(), 0750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	sysLogger, err := logger.NewSystemLogger(cfg.LogDir(), cfg.SlogLevel())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	db, err := storage.NewSQLiteDB(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	bus := eventbus.New(eventBusWorkers, sysLogger)
	bus.Subscribe(metrics.Listener())

	broker := queue.New(queue.Options{
		URL:        cfg.BrokerURL,
		MaxRetries: cfg.MaxRetries,
	}, sysLogger)
	if err := broker.Connect(ctx); err != nil {
		db.Close()
		bus.Close()
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	return &runtime{
		cfg:    cfg,
		logger: sysLogger,
		db:     db,
		store:  storage.NewSQLiteNotificationStore(db),
		bus:    bus,
		broker: broker,
	}, nil
}

// close releases runtime resources in reverse construction order.
func (rt *runtime) close() {
	if err := rt.broker.Close(); err != nil {
		rt.logger.Warn("broker close failed", "error", err)
	}
	rt.bus.Close()
	if err := rt.db.Close(); err != nil {
		rt.logger.Warn("database close failed", "error", err)
	}
}

// newIdempotencyStore picks the shared Redis store when configured, falling
// back to the in-process store for single-node deployments.
func newIdempotencyStore(rt *runtime) idempotency.Store {
	if rt.cfg.RedisAddr == "" {
		rt.logger.Info("using in-process idempotency store")
		return idempotency.NewMemoryStore(rt.cfg.IdempotencyTTL)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rt.cfg.RedisAddr,
		Password: rt.cfg.RedisPassword,
	})
	rt.logger.Info("using redis idempotency store", "addr", rt.cfg.RedisAddr)
	return idempotency.NewRedisStore(client, rt.cfg.IdempotencyTTL)
}

// newDeliveryWorker assembles the delivery worker with its transports and
// circuit breakers.
func newDeliveryWorker(rt *runtime) *worker.Worker {
	cfg := rt.cfg
	breakerOpts := breaker.Options{
		Threshold:    cfg.BreakerThreshold,
		CallTimeout:  cfg.BreakerCallTimeout,
		ResetTimeout: cfg.BreakerResetTimeout,
	}

	providers := map[string]transport.Provider{
		"email": transport.NewSMTPProvider(transport.SMTPConfig{
			Host:       cfg.SMTPHost,
			Port:       cfg.SMTPPort,
			Username:   cfg.SMTPUsername,
			Password:   cfg.SMTPPassword,
			FromAddr:   cfg.SMTPFromAddr,
			Encryption: cfg.SMTPEncryption,
		}),
		"push": transport.NewPushProvider(cfg.PushGatewayURL),
	}

	return worker.New(
		rt.store,
		directory.NewHTTPResolver(cfg.UserServiceURL),
		render.NewHTTPRenderer(cfg.TemplateServiceURL),
		providers,
		rt.broker,
		breaker.New("directory", breakerOpts, rt.logger, rt.bus),
		breaker.New("render", breakerOpts, rt.logger, rt.bus),
		breaker.New("transport", breakerOpts, rt.logger, rt.bus),
		rt.logger,
		rt.bus,
		worker.Options{
			MaxRetries:      cfg.MaxRetries,
			SendMaxAttempts: cfg.SendMaxAttempts,
			SendRetryDelay:  cfg.SendRetryDelay,
		},
	)
}
