package lock

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Type string        `env:"TYPE" envDefault:"memory" toml:"type"`
	TTL  time.Duration `env:"TTL"  envDefault:"10s"    toml:"ttl"`
}

// Backends carries the shared connections a registry may be built on.
type Backends struct {
	Redis      redis.UniversalClient
	SQL        *sqlx.DB
	SQLDialect string
}

func NewRegistry(cfg Config, b Backends) (Registry, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryRegistry(nil), nil
	case "redis":
		if b.Redis == nil {
			return nil, fmt.Errorf("redis lock registry requires a redis client")
		}

		return NewRedisRegistry(b.Redis), nil
	case "sql":
		if b.SQL == nil {
			return nil, fmt.Errorf("sql lock registry requires a sqlite or postgres storage backend")
		}

		return NewSQLRegistry(b.SQL, b.SQLDialect, nil)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}
