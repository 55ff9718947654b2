package collector

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultFastInterval = 200 * time.Millisecond
	defaultSlowInterval = time.Minute
)

type LoopConfig struct {
	FastInterval time.Duration `env:"FAST_INTERVAL" envDefault:"200ms"`
	SlowInterval time.Duration `env:"SLOW_INTERVAL" envDefault:"60s"`
}

// Loop drives the collector: the fast tick dispatches aggregation, the slow
// tick sweeps timeouts. It keeps no state between ticks.
type Loop struct {
	svc      Service
	cfg      LoopConfig
	logger   *slog.Logger
	stopChan chan struct{}
}

func NewLoop(svc Service, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = defaultFastInterval
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = defaultSlowInterval
	}

	return &Loop{
		svc:      svc,
		cfg:      cfg,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

func (l *Loop) Start(ctx context.Context) error {
	fast := time.NewTicker(l.cfg.FastInterval)
	defer fast.Stop()
	slow := time.NewTicker(l.cfg.SlowInterval)
	defer slow.Stop()

	l.logger.Info("collector loop started",
		slog.Duration("fast_interval", l.cfg.FastInterval),
		slog.Duration("slow_interval", l.cfg.SlowInterval))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("collector loop stopping")

			return ctx.Err()
		case <-l.stopChan:
			l.logger.Info("collector loop stopped")

			return nil
		case <-fast.C:
			if err := l.svc.ProcessCollecting(ctx); err != nil {
				l.logger.Error("error processing collecting iterations", slog.String("error", err.Error()))
			}
		case <-slow.C:
			if err := l.svc.ProcessTimeouts(ctx); err != nil {
				l.logger.Error("error processing iteration timeouts", slog.String("error", err.Error()))
			}
		}
	}
}

func (l *Loop) Stop() {
	close(l.stopChan)
}
