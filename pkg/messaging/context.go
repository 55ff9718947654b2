package messaging

import "context"

type (
	correlationKey struct{}
	requestKey     struct{}
)

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)

	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestKey{}, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestKey{}).(string)

	return id
}

// ContextWithAttributes restores the ids carried by message attributes.
func ContextWithAttributes(ctx context.Context, attrs map[string]string) context.Context {
	if id := attrs[AttrCorrelationID]; id != "" {
		ctx = WithCorrelationID(ctx, id)
	}
	if id := attrs[AttrRequestID]; id != "" {
		ctx = WithRequestID(ctx, id)
	}

	return ctx
}

// AttributesFromContext merges the ids found in ctx into attrs without
// overwriting explicit values.
func AttributesFromContext(ctx context.Context, attrs map[string]string) map[string]string {
	out := cloneAttrs(attrs)
	if id := CorrelationID(ctx); id != "" && out[AttrCorrelationID] == "" {
		out[AttrCorrelationID] = id
	}
	if id := RequestID(ctx); id != "" && out[AttrRequestID] == "" {
		out[AttrRequestID] = id
	}

	return out
}
