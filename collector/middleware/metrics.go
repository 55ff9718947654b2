package middleware

import (
	"context"
	"time"

	"github.com/absmach/shuffler/collector"
	"github.com/absmach/shuffler/pkg/workorder"
	"github.com/go-kit/kit/metrics"
)

var _ collector.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     collector.Service
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, svc collector.Service) collector.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) ProcessCollecting(ctx context.Context) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "process_collecting").Add(1)
		mm.latency.With("method", "process_collecting").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.ProcessCollecting(ctx)
}

func (mm *metricsMiddleware) ProcessTimeouts(ctx context.Context) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "process_timeouts").Add(1)
		mm.latency.With("method", "process_timeouts").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.ProcessTimeouts(ctx)
}

func (mm *metricsMiddleware) HandleNotification(ctx context.Context, n workorder.CompletionNotification) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "handle_notification").Add(1)
		mm.latency.With("method", "handle_notification").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.HandleNotification(ctx, n)
}
