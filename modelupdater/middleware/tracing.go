package middleware

import (
	"context"

	"github.com/absmach/shuffler/modelupdater"
	"github.com/absmach/shuffler/pkg/workorder"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ modelupdater.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    modelupdater.Service
}

func Tracing(tracer trace.Tracer, svc modelupdater.Service) modelupdater.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) ApplyUpdate(ctx context.Context, req workorder.ApplyUpdateRequest) (err error) {
	ctx, span := tm.tracer.Start(ctx, "apply_update", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.Bool("new_checkpoint", !req.NewCheckpoint.IsZero()),
		attribute.Bool("new_client_checkpoint", !req.NewClientCheckpoint.IsZero()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return tm.svc.ApplyUpdate(ctx, req)
}
