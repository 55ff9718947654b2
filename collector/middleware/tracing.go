package middleware

import (
	"context"

	"github.com/absmach/shuffler/collector"
	"github.com/absmach/shuffler/pkg/workorder"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ collector.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    collector.Service
}

func Tracing(tracer trace.Tracer, svc collector.Service) collector.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) ProcessCollecting(ctx context.Context) (err error) {
	ctx, span := tm.tracer.Start(ctx, "process_collecting")
	defer end(span, &err)

	return tm.svc.ProcessCollecting(ctx)
}

func (tm *tracing) ProcessTimeouts(ctx context.Context) (err error) {
	ctx, span := tm.tracer.Start(ctx, "process_timeouts")
	defer end(span, &err)

	return tm.svc.ProcessTimeouts(ctx)
}

func (tm *tracing) HandleNotification(ctx context.Context, n workorder.CompletionNotification) (err error) {
	ctx, span := tm.tracer.Start(ctx, "handle_notification", trace.WithAttributes(
		attribute.String("request_id", n.RequestID),
		attribute.String("status", string(n.Status)),
	))
	defer end(span, &err)

	return tm.svc.HandleNotification(ctx, n)
}

func end(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
