// Package broker builds the configured messaging backend.
package broker

import (
	"fmt"
	"log/slog"

	"github.com/absmach/shuffler/pkg/messaging"
	streams "github.com/absmach/shuffler/pkg/messaging/redis"
	"github.com/absmach/shuffler/pkg/mqtt"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Type   string           `env:"TYPE" envDefault:"memory"`
	Policy messaging.Policy `envPrefix:"POLICY_"`
	Redis  streams.Config   `envPrefix:"REDIS_"`
	MQTT   mqtt.Config      `envPrefix:"MQTT_"`
}

// New returns the broker selected by cfg. The redis backend reuses client,
// which the caller owns.
func New(cfg Config, client redis.UniversalClient, logger *slog.Logger) (messaging.Broker, error) {
	switch cfg.Type {
	case "memory":
		return messaging.NewMemoryBroker(cfg.Policy), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis broker requires a redis client")
		}

		return streams.NewBroker(client, cfg.Redis, cfg.Policy, logger), nil
	case "mqtt":
		return mqtt.NewPubSub(cfg.MQTT, cfg.Policy, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

// NewRedisClient parses url ("redis://host:port/db").
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return redis.NewClient(opts), nil
}
