// Package workorder defines the messages exchanged between the collector and
// the workers, their JSON wire form and the failure classification that
// decides which errors are reported back.
package workorder

import (
	"errors"
	"fmt"

	"github.com/absmach/shuffler/pkg/blob"
)

// Queue topics and the consumer groups reading them.
const (
	TopicAggregate     = "aggregate"
	TopicApply         = "apply"
	TopicNotifications = "notifications"

	GroupAggregator   = "aggregator"
	GroupModelUpdater = "modelupdater"
	GroupCollector    = "collector"
)

var ErrInvalidRequest = errors.New("invalid work order")

type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

type ErrorReason string

const (
	AggregationError ErrorReason = "AGGREGATION_ERROR"
	DecryptionError  ErrorReason = "DECRYPTION_ERROR"
	UnknownError     ErrorReason = "UNKNOWN_ERROR"
)

// AggregateRequest asks a worker to fold Gradients into a single
// intermediate update written to Output. AccumulateIntermediate selects
// whether the inputs are client updates or previous intermediate outputs.
type AggregateRequest struct {
	Plan                   blob.Location
	Gradients              []blob.Location
	AccumulateIntermediate bool
	Output                 blob.Location
	RequestID              string
}

func (r AggregateRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidRequest)
	}
	if len(r.Gradients) == 0 {
		return fmt.Errorf("%w: %s has no gradients", ErrInvalidRequest, r.RequestID)
	}
	locs := append([]blob.Location{r.Plan, r.Output}, r.Gradients...)
	for _, l := range locs {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidRequest, r.RequestID, err)
		}
	}

	return nil
}

// ApplyUpdateRequest asks a worker to apply an aggregated update to
// Checkpoint. NewCheckpoint and NewClientCheckpoint are optional; a zero
// location means the artifact is not produced.
type ApplyUpdateRequest struct {
	Plan                blob.Location
	AggregatedGradient  blob.Location
	Checkpoint          blob.Location
	NewCheckpoint       blob.Location
	NewClientCheckpoint blob.Location
	Metrics             blob.Location
	RequestID           string
}

func (r ApplyUpdateRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidRequest)
	}
	for _, l := range []blob.Location{r.Plan, r.AggregatedGradient, r.Checkpoint, r.Metrics} {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidRequest, r.RequestID, err)
		}
	}
	for _, l := range []blob.Location{r.NewCheckpoint, r.NewClientCheckpoint} {
		if l.IsZero() {
			continue
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidRequest, r.RequestID, err)
		}
	}

	return nil
}

type CompletionNotification struct {
	RequestID   string
	Status      Status
	ErrorReason ErrorReason
}

func (n CompletionNotification) Validate() error {
	if n.RequestID == "" {
		return fmt.Errorf("%w: notification without request id", ErrInvalidRequest)
	}
	switch n.Status {
	case StatusOK:
		return nil
	case StatusError:
		switch n.ErrorReason {
		case AggregationError, DecryptionError, UnknownError:
			return nil
		}

		return fmt.Errorf("%w: %s: unknown error reason %q", ErrInvalidRequest, n.RequestID, n.ErrorReason)
	default:
		return fmt.Errorf("%w: %s: unknown status %q", ErrInvalidRequest, n.RequestID, n.Status)
	}
}

func OK(requestID string) CompletionNotification {
	return CompletionNotification{RequestID: requestID, Status: StatusOK}
}

func Failed(requestID string, reason ErrorReason) CompletionNotification {
	return CompletionNotification{RequestID: requestID, Status: StatusError, ErrorReason: reason}
}
