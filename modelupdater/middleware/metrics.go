package middleware

import (
	"context"
	"time"

	"github.com/absmach/shuffler/modelupdater"
	"github.com/absmach/shuffler/pkg/workorder"
	"github.com/go-kit/kit/metrics"
)

var _ modelupdater.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     modelupdater.Service
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, svc modelupdater.Service) modelupdater.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) ApplyUpdate(ctx context.Context, req workorder.ApplyUpdateRequest) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "apply_update").Add(1)
		mm.latency.With("method", "apply_update").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.svc.ApplyUpdate(ctx, req)
}
