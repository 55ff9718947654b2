package workorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/pkg/crypto"
	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/absmach/shuffler/pkg/plan"
)

// Classify maps a worker failure to the reason reported to the collector.
// fatal is false for failures that a later delivery may fix; those are
// nacked without a notification. Corrupt payloads are not fatal here: they
// exhaust their deliveries and the iteration is reclaimed by the timeout
// sweep.
func Classify(err error) (reason ErrorReason, fatal bool) {
	var kfe *crypto.KeyFetchError
	switch {
	case err == nil:
		return "", false
	case errors.As(err, &kfe) && !kfe.Retryable:
		return DecryptionError, true
	case errors.Is(err, plan.ErrComputation):
		return AggregationError, true
	case errors.Is(err, blob.ErrNotFound), errors.Is(err, ErrInvalidRequest):
		return UnknownError, true
	default:
		return "", false
	}
}

// Publish sends a work order with its request id attached as an attribute.
func Publish(ctx context.Context, pub messaging.Publisher, topic, requestID string, payload []byte) error {
	return pub.Publish(ctx, topic, payload, map[string]string{messaging.AttrRequestID: requestID})
}

func PublishAggregateRequest(ctx context.Context, pub messaging.Publisher, r AggregateRequest) error {
	payload, err := EncodeAggregateRequest(r)
	if err != nil {
		return err
	}

	return Publish(ctx, pub, TopicAggregate, r.RequestID, payload)
}

func PublishApplyUpdateRequest(ctx context.Context, pub messaging.Publisher, r ApplyUpdateRequest) error {
	payload, err := EncodeApplyUpdateRequest(r)
	if err != nil {
		return err
	}

	return Publish(ctx, pub, TopicApply, r.RequestID, payload)
}

func PublishNotification(ctx context.Context, pub messaging.Publisher, n CompletionNotification) error {
	payload, err := EncodeNotification(n)
	if err != nil {
		return err
	}

	return Publish(ctx, pub, TopicNotifications, n.RequestID, payload)
}

// ReportFailure publishes an ERROR notification for requestID when err is
// fatal and always returns err, so the caller nacks the message. A failure to
// publish is joined to err.
func ReportFailure(ctx context.Context, pub messaging.Publisher, requestID string, err error) error {
	reason, fatal := Classify(err)
	if !fatal || requestID == "" {
		return err
	}
	if perr := PublishNotification(ctx, pub, Failed(requestID, reason)); perr != nil {
		return errors.Join(err, fmt.Errorf("failed to publish %s notification: %w", reason, perr))
	}

	return err
}
