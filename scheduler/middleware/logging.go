package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/shuffler/scheduler"
)

var _ scheduler.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    scheduler.Service
}

func Logging(logger *slog.Logger, svc scheduler.Service) scheduler.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) ProcessCreatedTasks(ctx context.Context) (err error) {
	defer lm.log(ctx, "Process created tasks", time.Now(), &err)

	return lm.svc.ProcessCreatedTasks(ctx)
}

func (lm *loggingMiddleware) ProcessActiveTasks(ctx context.Context) (err error) {
	defer lm.log(ctx, "Process active tasks", time.Now(), &err)

	return lm.svc.ProcessActiveTasks(ctx)
}

func (lm *loggingMiddleware) FinalizeTasks(ctx context.Context) (err error) {
	defer lm.log(ctx, "Finalize tasks", time.Now(), &err)

	return lm.svc.FinalizeTasks(ctx)
}

func (lm *loggingMiddleware) ProcessCompletedIterations(ctx context.Context) (err error) {
	defer lm.log(ctx, "Process completed iterations", time.Now(), &err)

	return lm.svc.ProcessCompletedIterations(ctx)
}

// Loop steps run several times a second, so success is logged at debug.
func (lm *loggingMiddleware) log(ctx context.Context, op string, begin time.Time, err *error) {
	args := []any{
		slog.String("duration", time.Since(begin).String()),
	}
	if *err != nil {
		args = append(args, slog.Any("error", *err))
		lm.logger.WarnContext(ctx, op+" failed", args...)

		return
	}
	lm.logger.DebugContext(ctx, op+" completed successfully", args...)
}
