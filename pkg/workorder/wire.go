package workorder

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/shuffler/pkg/blob"
)

// Wire forms carry blob locations as "bucket/object" strings.

type AggregateRequestWire struct {
	PlanLocation           string   `json:"planLocation"`
	GradientLocations      []string `json:"gradientLocations"`
	AccumulateIntermediate bool     `json:"accumulateIntermediate"`
	OutputLocation         string   `json:"outputLocation"`
	RequestID              string   `json:"requestId"`
}

type ApplyUpdateRequestWire struct {
	PlanLocation                      string `json:"planLocation"`
	AggregatedGradientLocation        string `json:"aggregatedGradientLocation"`
	CheckpointLocation                string `json:"checkpointLocation"`
	NewCheckpointOutputLocation       string `json:"newCheckpointOutputLocation,omitempty"`
	NewClientCheckpointOutputLocation string `json:"newClientCheckpointOutputLocation,omitempty"`
	MetricsOutputLocation             string `json:"metricsOutputLocation"`
	RequestID                         string `json:"requestId"`
}

type CompletionNotificationWire struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	ErrorReason string `json:"errorReason,omitempty"`
}

func AggregateRequestToWire(r AggregateRequest) AggregateRequestWire {
	gradients := make([]string, len(r.Gradients))
	for i, g := range r.Gradients {
		gradients[i] = g.String()
	}

	return AggregateRequestWire{
		PlanLocation:           r.Plan.String(),
		GradientLocations:      gradients,
		AccumulateIntermediate: r.AccumulateIntermediate,
		OutputLocation:         r.Output.String(),
		RequestID:              r.RequestID,
	}
}

func AggregateRequestFromWire(w AggregateRequestWire) (AggregateRequest, error) {
	plan, err := blob.ParseLocation(w.PlanLocation)
	if err != nil {
		return AggregateRequest{}, fmt.Errorf("%w: plan: %w", ErrInvalidRequest, err)
	}
	output, err := blob.ParseLocation(w.OutputLocation)
	if err != nil {
		return AggregateRequest{}, fmt.Errorf("%w: output: %w", ErrInvalidRequest, err)
	}
	gradients := make([]blob.Location, len(w.GradientLocations))
	for i, g := range w.GradientLocations {
		if gradients[i], err = blob.ParseLocation(g); err != nil {
			return AggregateRequest{}, fmt.Errorf("%w: gradient %d: %w", ErrInvalidRequest, i, err)
		}
	}

	return AggregateRequest{
		Plan:                   plan,
		Gradients:              gradients,
		AccumulateIntermediate: w.AccumulateIntermediate,
		Output:                 output,
		RequestID:              w.RequestID,
	}, nil
}

func ApplyUpdateRequestToWire(r ApplyUpdateRequest) ApplyUpdateRequestWire {
	return ApplyUpdateRequestWire{
		PlanLocation:                      r.Plan.String(),
		AggregatedGradientLocation:        r.AggregatedGradient.String(),
		CheckpointLocation:                r.Checkpoint.String(),
		NewCheckpointOutputLocation:       optionalString(r.NewCheckpoint),
		NewClientCheckpointOutputLocation: optionalString(r.NewClientCheckpoint),
		MetricsOutputLocation:             r.Metrics.String(),
		RequestID:                         r.RequestID,
	}
}

func ApplyUpdateRequestFromWire(w ApplyUpdateRequestWire) (ApplyUpdateRequest, error) {
	r := ApplyUpdateRequest{RequestID: w.RequestID}
	required := []struct {
		name string
		src  string
		dst  *blob.Location
	}{
		{"plan", w.PlanLocation, &r.Plan},
		{"aggregated gradient", w.AggregatedGradientLocation, &r.AggregatedGradient},
		{"checkpoint", w.CheckpointLocation, &r.Checkpoint},
		{"metrics", w.MetricsOutputLocation, &r.Metrics},
	}
	for _, f := range required {
		l, err := blob.ParseLocation(f.src)
		if err != nil {
			return ApplyUpdateRequest{}, fmt.Errorf("%w: %s: %w", ErrInvalidRequest, f.name, err)
		}
		*f.dst = l
	}
	var err error
	if r.NewCheckpoint, err = optionalLocation(w.NewCheckpointOutputLocation); err != nil {
		return ApplyUpdateRequest{}, fmt.Errorf("%w: new checkpoint: %w", ErrInvalidRequest, err)
	}
	if r.NewClientCheckpoint, err = optionalLocation(w.NewClientCheckpointOutputLocation); err != nil {
		return ApplyUpdateRequest{}, fmt.Errorf("%w: new client checkpoint: %w", ErrInvalidRequest, err)
	}

	return r, nil
}

func NotificationToWire(n CompletionNotification) CompletionNotificationWire {
	return CompletionNotificationWire{
		RequestID:   n.RequestID,
		Status:      string(n.Status),
		ErrorReason: string(n.ErrorReason),
	}
}

func NotificationFromWire(w CompletionNotificationWire) CompletionNotification {
	return CompletionNotification{
		RequestID:   w.RequestID,
		Status:      Status(w.Status),
		ErrorReason: ErrorReason(w.ErrorReason),
	}
}

func EncodeAggregateRequest(r AggregateRequest) ([]byte, error) {
	return json.Marshal(AggregateRequestToWire(r))
}

// DecodeAggregateRequest parses and validates a queued aggregate request.
func DecodeAggregateRequest(data []byte) (AggregateRequest, error) {
	var w AggregateRequestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return AggregateRequest{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	r, err := AggregateRequestFromWire(w)
	if err != nil {
		return AggregateRequest{}, err
	}

	return r, r.Validate()
}

func EncodeApplyUpdateRequest(r ApplyUpdateRequest) ([]byte, error) {
	return json.Marshal(ApplyUpdateRequestToWire(r))
}

func DecodeApplyUpdateRequest(data []byte) (ApplyUpdateRequest, error) {
	var w ApplyUpdateRequestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return ApplyUpdateRequest{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	r, err := ApplyUpdateRequestFromWire(w)
	if err != nil {
		return ApplyUpdateRequest{}, err
	}

	return r, r.Validate()
}

func EncodeNotification(n CompletionNotification) ([]byte, error) {
	return json.Marshal(NotificationToWire(n))
}

func DecodeNotification(data []byte) (CompletionNotification, error) {
	var w CompletionNotificationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return CompletionNotification{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	n := NotificationFromWire(w)

	return n, n.Validate()
}

func optionalString(l blob.Location) string {
	if l.IsZero() {
		return ""
	}

	return l.String()
}

func optionalLocation(s string) (blob.Location, error) {
	if s == "" {
		return blob.Location{}, nil
	}

	return blob.ParseLocation(s)
}
