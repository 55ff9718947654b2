package middleware

import (
	"context"
	"time"

	"github.com/absmach/shuffler/scheduler"
	"github.com/go-kit/kit/metrics"
)

var _ scheduler.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     scheduler.Service
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, svc scheduler.Service) scheduler.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) ProcessCreatedTasks(ctx context.Context) error {
	defer mm.observe("process_created_tasks", time.Now())

	return mm.svc.ProcessCreatedTasks(ctx)
}

func (mm *metricsMiddleware) ProcessActiveTasks(ctx context.Context) error {
	defer mm.observe("process_active_tasks", time.Now())

	return mm.svc.ProcessActiveTasks(ctx)
}

func (mm *metricsMiddleware) FinalizeTasks(ctx context.Context) error {
	defer mm.observe("finalize_tasks", time.Now())

	return mm.svc.FinalizeTasks(ctx)
}

func (mm *metricsMiddleware) ProcessCompletedIterations(ctx context.Context) error {
	defer mm.observe("process_completed_iterations", time.Now())

	return mm.svc.ProcessCompletedIterations(ctx)
}

func (mm *metricsMiddleware) observe(method string, begin time.Time) {
	mm.counter.With("method", method).Add(1)
	mm.latency.With("method", method).Observe(time.Since(begin).Seconds())
}
