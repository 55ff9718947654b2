package scheduler

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

// Loop drives the scheduler. The fast tick opens tasks and creates
// iterations; the slow tick finalizes tasks and records metrics.
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

	l.logger.Info("scheduler loop started",
		slog.Duration("fast_interval", l.cfg.FastInterval),
		slog.Duration("slow_interval", l.cfg.SlowInterval))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler loop stopping")

			return ctx.Err()
		case <-l.stopChan:
			l.logger.Info("scheduler loop stopped")

			return nil
		case <-fast.C:
			if err := l.svc.ProcessCreatedTasks(ctx); err != nil {
				l.logger.Error("error processing created tasks", slog.String("error", err.Error()))
			}
			if err := l.svc.ProcessActiveTasks(ctx); err != nil {
				l.logger.Error("error processing active tasks", slog.String("error", err.Error()))
			}
		case <-slow.C:
			if err := l.svc.FinalizeTasks(ctx); err != nil {
				l.logger.Error("error finalizing tasks", slog.String("error", err.Error()))
			}
			if err := l.svc.ProcessCompletedIterations(ctx); err != nil {
				l.logger.Error("error processing completed iterations", slog.String("error", err.Error()))
			}
		}
	}
}

func (l *Loop) Stop() {
	close(l.stopChan)
}
