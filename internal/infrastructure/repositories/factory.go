package repositories

import (
	"context"

	"livegrid/internal/core/ports"
	"livegrid/internal/infrastructure/monitoring"
	"livegrid/internal/infrastructure/repositories/memory"
	redisrepo "livegrid/internal/infrastructure/repositories/redis"
	"livegrid/pkg/config"

	"go.uber.org/zap"
)

// RepositoryFactory picks the shared store backing every repository: Redis
// when enabled and reachable, an in-process store otherwise.
type RepositoryFactory struct {
	store    ports.SharedStore
	useRedis bool
	cfg      *config.Config
	logger   *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to memory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(cfg.Redis, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory store; cross-instance sync is disabled",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.store = redisrepo.NewRedisStore(client)
			logger.Info("using Redis store")
		}
	}

	if !factory.useRedis {
		factory.store = memory.NewMemoryStore()
		logger.Info("using memory store")
	}

	return factory, nil
}

// NewRepositoryFactoryWithStore wires an existing store, mainly for tests.
func NewRepositoryFactoryWithStore(store ports.SharedStore, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	_, isMemory := store.(*memory.MemoryStore)
	return &RepositoryFactory{store: store, useRedis: !isMemory, cfg: cfg, logger: logger}
}

func (f *RepositoryFactory) Store() ports.SharedStore {
	return f.store
}

// Distributed reports whether the store is shared with other processes.
func (f *RepositoryFactory) Distributed() bool {
	return f.useRedis
}

// CreateStreamRepository builds the stream repository on the selected store.
func (f *RepositoryFactory) CreateStreamRepository(events ports.EventEmitter, metrics *monitoring.PrometheusCollector) *StreamRepository {
	return NewStreamRepository(f.store, events, f.logger, StreamRepositoryOptions{
		LockTTL:        f.cfg.Locks.TTL,
		LockWait:       f.cfg.Locks.AcquireWait,
		IdempotencyTTL: f.cfg.Idempotency.TTL,
		Metrics:        metrics,
	})
}

func (f *RepositoryFactory) Close() error {
	return f.store.Close()
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	return f.store.Ping(ctx)
}
