package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/absmach/shuffler/collector"
	"github.com/absmach/shuffler/collector/middleware"
	"github.com/absmach/shuffler/internal/app"
	"github.com/absmach/shuffler/pkg/prometheus"
	"github.com/absmach/shuffler/pkg/server"
	"golang.org/x/sync/errgroup"
)

const (
	svcName     = "collector"
	defHTTPPort = "7021"
)

type envConfig struct {
	app.Config
	Collector collector.Config
	Loop      collector.LoopConfig `envPrefix:"LOOP_"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	cfg := envConfig{}
	if err := app.Parse(&cfg, "COLLECTOR_"); err != nil {
		log.Fatal(err)
	}
	backendsCfg := app.BackendsConfig{}
	if err := app.Parse(&backendsCfg, ""); err != nil {
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

	backends, err := backendsCfg.Open(ctx, app.Needs{Store: true, Broker: true, Blobs: true}, logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	defer backends.Close()

	cfg.Collector.LockTTL = backendsCfg.Lock.TTL
	svc := collector.NewService(
		backends.Repos.Tasks,
		backends.Repos.Iterations,
		backends.Locks,
		backends.Blobs,
		backends.Broker,
		backendsCfg.Layout,
		cfg.Collector,
		logger,
		nil,
	)
	svc = middleware.Logging(logger, svc)
	svc = middleware.Tracing(tracer, svc)
	counter, latency := prometheus.MakeMetrics(svcName, "loop")
	svc = middleware.Metrics(counter, latency, svc)

	loop := collector.NewLoop(svc, cfg.Loop, logger)
	notifications := collector.NewNotifications(svc, logger)
	hs := server.NewServer(ctx, cancel, svcName, cfg.Server, server.MakeHandler(svcName, cfg.InstanceID), logger)

	g.Go(func() error {
		return loop.Start(ctx)
	})
	g.Go(func() error {
		return notifications.Subscribe(ctx, backends.Broker)
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
