// Package app holds the wiring shared by the service composition roots.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/absmach/shuffler/pkg/jaeger"
	"github.com/absmach/shuffler/pkg/server"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// EnvPrefix is shared by every variable the services read.
	EnvPrefix = "SHUFFLER_"
	pathEnv   = ".env"
)

// Config is the per-service part of the environment, read under
// SHUFFLER_<SERVICE>_.
type Config struct {
	LogLevel   string        `env:"LOG_LEVEL"   envDefault:"info"`
	InstanceID string        `env:"INSTANCE_ID"`
	OTELURL    url.URL       `env:"OTEL_URL"`
	TraceRatio float64       `env:"TRACE_RATIO" envDefault:"0"`
	Server     server.Config `envPrefix:"HTTP_"`
}

// Parse loads .env when present and fills cfg from variables under prefix.
func Parse(cfg any, prefix string) error {
	if _, err := os.Stat(pathEnv); err == nil {
		_ = godotenv.Load(pathEnv)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix + prefix}); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	return nil
}

func (c *Config) Setup(svcName, defPort string) (*slog.Logger, error) {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Server.Port == "" {
		c.Server.Port = defPort
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With(slog.String("service", svcName), slog.String("instance_id", c.InstanceID))
	slog.SetDefault(logger)

	return logger, nil
}

// TracerProvider is a noop provider unless an OTLP endpoint is configured.
// The returned shutdown func is never nil.
func (c Config) TracerProvider(ctx context.Context, svcName string) (trace.TracerProvider, func(context.Context) error, error) {
	if c.OTELURL == (url.URL{}) {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}
	tp, err := jaeger.NewProvider(ctx, svcName, c.OTELURL, c.InstanceID, c.TraceRatio)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize opentelemetry: %w", err)
	}

	return tp, tp.Shutdown, nil
}
