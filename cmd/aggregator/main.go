package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/absmach/shuffler/aggregator"
	"github.com/absmach/shuffler/aggregator/middleware"
	"github.com/absmach/shuffler/internal/app"
	"github.com/absmach/shuffler/pkg/fl"
	"github.com/absmach/shuffler/pkg/plan"
	"github.com/absmach/shuffler/pkg/prometheus"
	"github.com/absmach/shuffler/pkg/server"
	"golang.org/x/sync/errgroup"
)

const (
	svcName     = "aggregator"
	defHTTPPort = "7010"
)

type envConfig struct {
	app.Config
	Worker       aggregator.Config `envPrefix:"WORKER_"`
	ScratchDir   string            `env:"SCRATCH_DIR"   envDefault:"./data/scratch/aggregator"`
	SessionSlots int64             `env:"SESSION_SLOTS" envDefault:"1"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	cfg := envConfig{}
	if err := app.Parse(&cfg, "AGGREGATOR_"); err != nil {
		log.Fatal(err)
	}
	backendsCfg := app.BackendsConfig{}
	if err := app.Parse(&backendsCfg, ""); err != nil {
		log.Fatal(err)
	}
	keysCfg := app.KeysConfig{}
	if err := app.Parse(&keysCfg, "KEYS_"); err != nil {
		log.Fatal(err)
	}

	logger, err := cfg.Setup(svcName, defHTTPPort)
	if err != nil {
		log.Fatal(err)
	}

	tp, shutdown, err := cfg.TracerProvider(ctx, svcName)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("error shutting down tracer provider", slog.Any("error", err))
		}
	}()
	tracer := tp.Tracer(svcName)

	backends, err := backendsCfg.Open(ctx, app.Needs{Broker: true, Blobs: true}, logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	defer backends.Close()

	encrypter, err := keysCfg.NewEncrypter(ctx, logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	decrypter, err := keysCfg.NewDecrypter(logger)
	if err != nil {
		logger.Error("failed to create decryption service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer decrypter.Close()

	engine, err := fl.NewEngine(cfg.ScratchDir)
	if err != nil {
		logger.Error("failed to create plan engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	svc := aggregator.NewService(backends.Blobs, decrypter, encrypter, plan.Limit(engine, cfg.SessionSlots), cfg.Worker)
	svc = middleware.Logging(logger, svc)
	svc = middleware.Tracing(tracer, svc)
	counter, latency := prometheus.MakeMetrics(svcName, "worker")
	svc = middleware.Metrics(counter, latency, svc)

	worker := aggregator.NewWorker(svc, backends.Broker, logger)
	hs := server.NewServer(ctx, cancel, svcName, cfg.Server, server.MakeHandler(svcName, cfg.InstanceID), logger)

	g.Go(func() error {
		return encrypter.Start(ctx)
	})
	g.Go(func() error {
		return worker.Subscribe(ctx, backends.Broker)
	})
	g.Go(func() error {
		return hs.Start()
	})
	g.Go(func() error {
		return server.StopSignalHandler(ctx, cancel, logger, svcName, hs)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("%s service exited with error: %s", svcName, err))
	}
}
