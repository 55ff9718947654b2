package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/shuffler/aggregator"
	"github.com/absmach/shuffler/pkg/workorder"
)

var _ aggregator.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    aggregator.Service
}

func Logging(logger *slog.Logger, svc aggregator.Service) aggregator.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) Aggregate(ctx context.Context, req workorder.AggregateRequest) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("request",
				slog.String("id", req.RequestID),
				slog.Int("gradients", len(req.Gradients)),
				slog.Bool("intermediate", req.AccumulateIntermediate),
				slog.String("output", req.Output.String()),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.WarnContext(ctx, "Aggregate failed", args...)

			return
		}
		lm.logger.InfoContext(ctx, "Aggregate completed successfully", args...)
	}(time.Now())

	return lm.svc.Aggregate(ctx, req)
}
