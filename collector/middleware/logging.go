package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/shuffler/collector"
	"github.com/absmach/shuffler/pkg/workorder"
)

var _ collector.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    collector.Service
}

func Logging(logger *slog.Logger, svc collector.Service) collector.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) ProcessCollecting(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		if err != nil {
			lm.logger.WarnContext(ctx, "Process collecting failed",
				slog.String("duration", time.Since(begin).String()),
				slog.Any("error", err))
		}
	}(time.Now())

	return lm.svc.ProcessCollecting(ctx)
}

func (lm *loggingMiddleware) ProcessTimeouts(ctx context.Context) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.WarnContext(ctx, "Process timeouts failed", args...)

			return
		}
		lm.logger.DebugContext(ctx, "Process timeouts completed successfully", args...)
	}(time.Now())

	return lm.svc.ProcessTimeouts(ctx)
}

func (lm *loggingMiddleware) HandleNotification(ctx context.Context, n workorder.CompletionNotification) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("notification",
				slog.String("request_id", n.RequestID),
				slog.String("status", string(n.Status)),
				slog.String("error_reason", string(n.ErrorReason)),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.WarnContext(ctx, "Handle notification failed", args...)

			return
		}
		lm.logger.InfoContext(ctx, "Handle notification completed successfully", args...)
	}(time.Now())

	return lm.svc.HandleNotification(ctx, n)
}
