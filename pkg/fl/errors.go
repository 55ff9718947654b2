package fl

import "errors"

var (
	ErrNoUpdates       = errors.New("no updates provided for aggregation")
	ErrOverflow        = errors.New("sample count overflow during aggregation")
	ErrInvalidPlan     = errors.New("invalid plan")
	ErrMalformedUpdate = errors.New("malformed update")
	ErrShapeMismatch   = errors.New("parameter shape mismatch")
	ErrNoCheckpoint    = errors.New("session has no checkpoint")
	ErrNotApplied      = errors.New("aggregated updates not applied yet")
	ErrSessionActive   = errors.New("another session is using the scratch directory")
	ErrSessionClosed   = errors.New("session closed")
)
