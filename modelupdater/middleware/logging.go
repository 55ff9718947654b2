package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/shuffler/modelupdater"
	"github.com/absmach/shuffler/pkg/workorder"
)

var _ modelupdater.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    modelupdater.Service
}

func Logging(logger *slog.Logger, svc modelupdater.Service) modelupdater.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) ApplyUpdate(ctx context.Context, req workorder.ApplyUpdateRequest) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("request",
				slog.String("id", req.RequestID),
				slog.String("checkpoint", req.Checkpoint.String()),
				slog.String("metrics", req.Metrics.String()),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.WarnContext(ctx, "Apply update failed", args...)

			return
		}
		lm.logger.InfoContext(ctx, "Apply update completed successfully", args...)
	}(time.Now())

	return lm.svc.ApplyUpdate(ctx, req)
}
