package middleware

import (
	"context"

	"github.com/absmach/shuffler/scheduler"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ scheduler.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    scheduler.Service
}

func Tracing(tracer trace.Tracer, svc scheduler.Service) scheduler.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) ProcessCreatedTasks(ctx context.Context) error {
	return tm.span(ctx, "process_created_tasks", tm.svc.ProcessCreatedTasks)
}

func (tm *tracing) ProcessActiveTasks(ctx context.Context) error {
	return tm.span(ctx, "process_active_tasks", tm.svc.ProcessActiveTasks)
}

func (tm *tracing) FinalizeTasks(ctx context.Context) error {
	return tm.span(ctx, "finalize_tasks", tm.svc.FinalizeTasks)
}

func (tm *tracing) ProcessCompletedIterations(ctx context.Context) error {
	return tm.span(ctx, "process_completed_iterations", tm.svc.ProcessCompletedIterations)
}

func (tm *tracing) span(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tm.tracer.Start(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}
