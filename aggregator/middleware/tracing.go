package middleware

import (
	"context"

	"github.com/absmach/shuffler/aggregator"
	"github.com/absmach/shuffler/pkg/workorder"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ aggregator.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    aggregator.Service
}

func Tracing(tracer trace.Tracer, svc aggregator.Service) aggregator.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) Aggregate(ctx context.Context, req workorder.AggregateRequest) (err error) {
	ctx, span := tm.tracer.Start(ctx, "aggregate", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.Int("gradients", len(req.Gradients)),
		attribute.Bool("intermediate", req.AccumulateIntermediate),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return tm.svc.Aggregate(ctx, req)
}
