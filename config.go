package shuffler

import (
	"errors"
	"fmt"
	"os"

	"github.com/absmach/shuffler/pkg/lock"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/pelletier/go-toml"
)

// Config is the operator CLI configuration. The CLI talks to the same store
// and lock registry the scheduler uses.
type Config struct {
	RedisURL string         `toml:"redis_url"`
	Storage  storage.Config `toml:"storage"`
	Lock     lock.Config    `toml:"lock"`
}

func DefaultConfig() Config {
	return Config{
		RedisURL: "redis://localhost:6379/0",
		Storage: storage.Config{
			Type:            "sqlite",
			PostgresHost:    "localhost",
			PostgresPort:    "5432",
			PostgresUser:    "shuffler",
			PostgresPass:    "shuffler",
			PostgresDB:      "shuffler",
			PostgresSSLMode: "disable",
			SQLitePath:      "./shuffler.db",
			BadgerPath:      "./data/badger",
		},
		Lock: lock.Config{Type: "sql", TTL: lock.DefaultTTL},
	}
}

// LoadConfig reads path over DefaultConfig. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return cfg, nil
	case err != nil:
		return Config{}, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := tree.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return cfg, nil
}
