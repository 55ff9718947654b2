package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/pkg/lock"
	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/absmach/shuffler/pkg/messaging/broker"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/task"
	"github.com/redis/go-redis/v9"
)

// BackendsConfig is read under SHUFFLER_ and shared by every service.
type BackendsConfig struct {
	RedisURL string         `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	Storage  storage.Config `envPrefix:"STORAGE_"`
	Lock     lock.Config    `envPrefix:"LOCK_"`
	Broker   broker.Config  `envPrefix:"BROKER_"`
	Blob     blob.Config    `envPrefix:"BLOB_"`
	Layout   task.Layout    `envPrefix:"LAYOUT_"`
}

// Backends owns the connections a service runs on. Fields the service did
// not ask for stay nil.
type Backends struct {
	Repos  *storage.Repositories
	Locks  lock.Registry
	Broker messaging.Broker
	Blobs  blob.Store
	redis  *redis.Client
}

type Needs struct {
	Store  bool
	Broker bool
	Blobs  bool
}

func (c BackendsConfig) usesRedis(n Needs) bool {
	return (n.Store && c.Lock.Type == "redis") || (n.Broker && c.Broker.Type == "redis")
}

func (c BackendsConfig) Open(ctx context.Context, n Needs, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	if c.usesRedis(n) {
		client, err := broker.NewRedisClient(c.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()

			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.redis = client
	}

	if n.Store {
		repos, err := storage.NewRepositories(c.Storage)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to open storage: %w", err), b.Close())
		}
		b.Repos = repos
		locks, err := lock.NewRegistry(c.Lock, lock.Backends{Redis: b.redisClient(), SQL: repos.SQL, SQLDialect: repos.SQLDialect})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create lock registry: %w", err), b.Close())
		}
		b.Locks = locks
	}

	if n.Broker {
		br, err := broker.New(c.Broker, b.redisClient(), logger)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create broker: %w", err), b.Close())
		}
		b.Broker = br
	}

	if n.Blobs {
		store, err := blob.NewStore(ctx, c.Blob)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create blob store: %w", err), b.Close())
		}
		b.Blobs = store
	}

	return b, nil
}

func (b *Backends) redisClient() redis.UniversalClient {
	if b.redis == nil {
		return nil
	}

	return b.redis
}

func (b *Backends) Close() error {
	var errs []error
	if b.Broker != nil {
		errs = append(errs, b.Broker.Close())
	}
	if b.Repos != nil && b.Repos.Closer != nil {
		errs = append(errs, b.Repos.Closer.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}

	return errors.Join(errs...)
}
