package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/shuffler/pkg/crypto"
)

// KeysConfig is read under SHUFFLER_KEYS_.
type KeysConfig struct {
	PublicKeysURL   string            `env:"PUBLIC_URL"        envDefault:"http://localhost:7001"`
	RefreshInterval time.Duration     `env:"REFRESH_INTERVAL"  envDefault:"8h"`
	CoordinatorAURL string            `env:"COORDINATOR_A_URL" envDefault:"http://localhost:7001"`
	CoordinatorBURL string            `env:"COORDINATOR_B_URL" envDefault:"http://localhost:7002"`
	Timeout         time.Duration     `env:"TIMEOUT"           envDefault:"10s"`
	MaxRetries      uint64            `env:"MAX_RETRIES"       envDefault:"3"`
	InitialBackoff  time.Duration     `env:"INITIAL_BACKOFF"   envDefault:"200ms"`
	CacheTTL        time.Duration     `env:"CACHE_TTL"         envDefault:"1h"`
	KEKsA           map[string]string `env:"KEKS_A" envKeyValSeparator:"="`
	KEKsB           map[string]string `env:"KEKS_B" envKeyValSeparator:"="`
}

// NewEncrypter returns an encryption service with a warm key cache. A
// service that cannot load keys at startup must not run.
func (c KeysConfig) NewEncrypter(ctx context.Context, logger *slog.Logger) (*crypto.EncryptionService, error) {
	enc := crypto.NewEncryptionService(crypto.NewHTTPKeyFetcher(c.PublicKeysURL, c.Timeout), c.RefreshInterval, logger)
	rctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	if err := enc.RefreshKeys(rctx); err != nil {
		return nil, fmt.Errorf("failed to load public encryption keys: %w", err)
	}

	return enc, nil
}

func (c KeysConfig) NewDecrypter(logger *slog.Logger) (*crypto.MultiPartyDecryptionService, error) {
	kmsA, err := crypto.NewLocalKMS(c.KEKsA)
	if err != nil {
		return nil, err
	}
	kmsB, err := crypto.NewLocalKMS(c.KEKsB)
	if err != nil {
		return nil, err
	}
	coordA := crypto.NewCoordinator(c.coordinator("a", c.CoordinatorAURL), kmsA, logger)
	coordB := crypto.NewCoordinator(c.coordinator("b", c.CoordinatorBURL), kmsB, logger)

	return crypto.NewMultiPartyDecryptionService(coordA, coordB, c.CacheTTL)
}

func (c KeysConfig) coordinator(name, url string) crypto.CoordinatorConfig {
	return crypto.CoordinatorConfig{
		Name:           name,
		URL:            url,
		Timeout:        c.Timeout,
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff,
	}
}
