package collector

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/pkg/workorder"
)

// Notifications feeds worker completion notifications to the service.
type Notifications struct {
	svc    Service
	logger *slog.Logger
}

func NewNotifications(svc Service, logger *slog.Logger) *Notifications {
	return &Notifications{svc: svc, logger: logger}
}

func (h *Notifications) Subscribe(ctx context.Context, sub messaging.Subscriber) error {
	return sub.Subscribe(ctx, workorder.TopicNotifications, workorder.GroupCollector, h.Handle)
}

// Handle nacks on any failure except a notification for an iteration that
// no longer exists, which can never succeed.
func (h *Notifications) Handle(ctx context.Context, msg messaging.Message) error {
	n, err := workorder.DecodeNotification(msg.Payload)
	if err == nil {
		err = h.svc.HandleNotification(messaging.WithRequestID(ctx, n.RequestID), n)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		h.logger.WarnContext(ctx, "dropping notification for unknown iteration",
			slog.String("request_id", n.RequestID),
			slog.String("error", err.Error()),
		)

		return nil
	default:
		h.logger.WarnContext(ctx, "failed to handle notification",
			slog.String("request_id", n.RequestID),
			slog.Int("attempt", msg.Attempt),
			slog.String("error", err.Error()),
		)

		return err
	}
}
