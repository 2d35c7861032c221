package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/taskflow/migrations"
	"github.com/dmitrymomot/taskflow/pkg/api"
	"github.com/dmitrymomot/taskflow/pkg/config"
	"github.com/dmitrymomot/taskflow/pkg/httpserver"
	"github.com/dmitrymomot/taskflow/pkg/logger"
	"github.com/dmitrymomot/taskflow/pkg/pg"
	"github.com/dmitrymomot/taskflow/pkg/queue"
	"github.com/dmitrymomot/taskflow/pkg/redis"
)

// appConfig selects the storage backend and names the service.
type appConfig struct {
	ServiceName   string `env:"APP_NAME" envDefault:"taskflowd"`
	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"memory"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := config.MustLoad[appConfig]()
	log := logger.NewFromConfig(config.MustLoad[logger.Config](), logger.WithService(appCfg.ServiceName))
	slog.SetDefault(log)

	if err := run(ctx, appCfg, log); err != nil {
		log.Error("service exited with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("service stopped")
}

func run(ctx context.Context, appCfg appConfig, log *slog.Logger) error {
	storage, checks, cleanup, err := openStorage(ctx, appCfg.StorageDriver, log)
	if err != nil {
		return err
	}
	defer cleanup()

	queueCfg := config.MustLoad[queue.Config]()

	registry := queue.NewRegistry()
	if err := registerHandlers(registry, log); err != nil {
		return err
	}

	pool, err := queue.NewWorkerPool(storage, registry,
		queue.WithWorkers(queueCfg.Workers),
		queue.WithPollInterval(queueCfg.PollInterval),
		queue.WithLockTimeout(queueCfg.LockTimeout),
		queue.WithExecTimeout(queueCfg.ExecTimeout),
		queue.WithReclaimInterval(queueCfg.ReclaimInterval),
		queue.WithRetryPolicy(queue.NewRetryPolicy(
			queue.WithBaseDelay(queueCfg.RetryBaseDelay),
			queue.WithMaxDelay(queueCfg.RetryMaxDelay),
		)),
		queue.WithWorkerLogger(log.With(slog.String("component", "worker_pool"))),
	)
	if err != nil {
		return err
	}

	svc, err := queue.NewService(storage,
		queue.WithDefaultMaxAttempts(queueCfg.MaxAttempts),
		queue.WithServiceLogger(log.With(slog.String("component", "service"))),
		queue.WithSubmitNotifier(pool.Wake),
	)
	if err != nil {
		return err
	}

	server := httpserver.New(
		config.MustLoad[httpserver.Config](),
		api.Router(svc, log.With(slog.String("component", "api")), checks...),
		httpserver.WithLogger(log.With(slog.String("component", "http"))),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(pool.Run(ctx))
	g.Go(server.Run(ctx))

	log.Info("service started",
		slog.String("storage", appCfg.StorageDriver),
		slog.Int("workers", queueCfg.Workers))

	return g.Wait()
}

// openStorage builds the configured storage backend plus its readiness
// checks and cleanup function.
func openStorage(ctx context.Context, driver string, log *slog.Logger) (queue.Storage, []func(context.Context) error, func(), error) {
	switch driver {
	case "postgres":
		cfg := config.MustLoad[pg.Config]()
		dbPool, err := pg.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.Migrate(ctx, dbPool, migrations.FS, cfg, log); err != nil {
			dbPool.Close()
			return nil, nil, nil, err
		}
		storage, err := queue.NewPostgresStorage(dbPool)
		if err != nil {
			dbPool.Close()
			return nil, nil, nil, err
		}
		return storage, []func(context.Context) error{pg.Healthcheck(dbPool)}, dbPool.Close, nil

	case "redis":
		cfg := config.MustLoad[redis.Config]()
		client, err := redis.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		storage, err := queue.NewRedisStorage(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		cleanup := func() { _ = client.Close() }
		return storage, []func(context.Context) error{redis.Healthcheck(client)}, cleanup, nil

	default:
		log.Warn("using in-memory storage, tasks will not survive restarts",
			slog.String("driver", driver))
		return queue.NewMemoryStorage(), nil, func() {}, nil
	}
}

// registerHandlers wires the built-in task handlers. Deployments embedding
// the queue register their own alongside or instead of these.
func registerHandlers(registry *queue.Registry, log *slog.Logger) error {
	return registry.RegisterAll(
		queue.NewHandler("echo", func(ctx context.Context, payload map[string]any) (any, error) {
			log.InfoContext(ctx, "echo task executed", slog.Any("payload", payload))
			return payload, nil
		}),
		queue.NewHandler("noop", func(ctx context.Context, payload struct{}) (any, error) {
			return nil, nil
		}),
	)
}
