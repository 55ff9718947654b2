package aggregator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/absmach/shuffler/pkg/workorder"
)

// Worker consumes aggregate requests and reports their outcome on the
// notifications topic.
type Worker struct {
	svc    Service
	pub    messaging.Publisher
	logger *slog.Logger
}

func NewWorker(svc Service, pub messaging.Publisher, logger *slog.Logger) *Worker {
	return &Worker{svc: svc, pub: pub, logger: logger}
}

// Subscribe blocks consuming the aggregate topic until ctx is done.
func (w *Worker) Subscribe(ctx context.Context, sub messaging.Subscriber) error {
	return sub.Subscribe(ctx, workorder.TopicAggregate, workorder.GroupAggregator, w.Handle)
}

// Handle processes one delivery. Any error nacks the message; fatal errors
// are also reported to the collector.
func (w *Worker) Handle(ctx context.Context, msg messaging.Message) error {
	req, err := workorder.DecodeAggregateRequest(msg.Payload)
	requestID := req.RequestID
	if requestID == "" {
		requestID = messaging.RequestID(ctx)
	}
	if err == nil {
		err = w.svc.Aggregate(messaging.WithRequestID(ctx, requestID), req)
	}
	if err != nil {
		reason, fatal := workorder.Classify(err)
		w.logger.WarnContext(ctx, "aggregate request failed",
			slog.String("request_id", requestID),
			slog.Int("attempt", msg.Attempt),
			slog.Bool("fatal", fatal),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)

		return workorder.ReportFailure(ctx, w.pub, requestID, err)
	}

	if err := workorder.PublishNotification(ctx, w.pub, workorder.OK(requestID)); err != nil {
		return fmt.Errorf("failed to publish notification for %s: %w", requestID, err)
	}

	return nil
}
