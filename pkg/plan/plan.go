// Package plan declares the computation engine the workers drive. The core
// never looks inside plans, checkpoints or updates; it only moves bytes
// between blobs and a session.
package plan

import (
	"context"
	"errors"
)

// ErrComputation marks failures raised by the engine itself, as opposed to
// I/O around it. Workers report these as AGGREGATION_ERROR.
var ErrComputation = errors.New("plan computation failed")

type Engine interface {
	// OpenSession starts a session scoped to plan. checkpoint may be nil
	// when the session only aggregates.
	OpenSession(ctx context.Context, plan, checkpoint []byte) (Session, error)
}

// Session accumulates updates for one request. A session owns the engine's
// scratch storage until Close, so callers never run two at once.
type Session interface {
	AccumulateClientUpdate(update []byte) error
	AccumulateIntermediateUpdate(update []byte) error
	ApplyAggregatedUpdates() error
	ToIntermediateUpdate() ([]byte, error)
	ToCheckpoint() ([]byte, error)
	ClientCheckpoint() ([]byte, error)
	Metrics() (map[string]float64, error)
	Close() error
}
