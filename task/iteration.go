package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
)

type IterationStatus uint8

const (
	IterationOpen IterationStatus = iota
	IterationAggregating
	IterationApplying
	IterationCompleted
	IterationFailed
	IterationCanceled
)

func (s IterationStatus) String() string {
	switch s {
	case IterationOpen:
		return "OPEN"
	case IterationAggregating:
		return "AGGREGATING"
	case IterationApplying:
		return "APPLYING"
	case IterationCompleted:
		return "COMPLETED"
	case IterationFailed:
		return "FAILED"
	case IterationCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

func ParseIterationStatus(s string) (IterationStatus, error) {
	for st := IterationOpen; st <= IterationCanceled; st++ {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

func (s IterationStatus) IsTerminal() bool {
	return s == IterationCompleted || s == IterationFailed || s == IterationCanceled
}

// ActiveIterationStatuses lists every non-terminal iteration status.
var ActiveIterationStatuses = []IterationStatus{IterationOpen, IterationAggregating, IterationApplying}

type IterationKey struct {
	Population  string `json:"population"`
	TaskID      int64  `json:"task_id"`
	IterationID int64  `json:"iteration_id"`
	ResultID    int64  `json:"result_id"`
}

func (k IterationKey) TaskKey() TaskKey {
	return TaskKey{Population: k.Population, TaskID: k.TaskID}
}

func (k IterationKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Population, k.TaskID, k.IterationID, k.ResultID)
}

// ParseIterationKey parses the form produced by IterationKey.String.
func ParseIterationKey(s string) (IterationKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 || parts[0] == "" {
		return IterationKey{}, fmt.Errorf("%w: malformed iteration key %q", ErrInvalidTask, s)
	}
	ids := make([]int64, 3)
	for i, p := range parts[1:] {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return IterationKey{}, fmt.Errorf("%w: malformed iteration key %q", ErrInvalidTask, s)
		}
		ids[i] = id
	}

	return IterationKey{Population: parts[0], TaskID: ids[0], IterationID: ids[1], ResultID: ids[2]}, nil
}

type BatchStatus uint8

const (
	BatchPending BatchStatus = iota
	BatchDone
)

// Batch is one aggregation work order of an iteration. Level 0 batches
// accumulate client updates, level 1 combines level 0 outputs.
type Batch struct {
	ID        string          `json:"id"`
	Level     int             `json:"level"`
	Inputs    []blob.Location `json:"inputs"`
	Output    blob.Location   `json:"output"`
	Status    BatchStatus     `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Iteration struct {
	Population          string          `json:"population"`
	TaskID              int64           `json:"task_id"`
	IterationID         int64           `json:"iteration_id"`
	ResultID            int64           `json:"result_id"`
	Status              IterationStatus `json:"status"`
	ReportGoal          int             `json:"report_goal"`
	MaxAggregationSize  int             `json:"max_aggregation_size"`
	Contributions       int             `json:"contributions"`
	Plan                blob.Location   `json:"plan"`
	Checkpoint          blob.Location   `json:"checkpoint"`
	GradientPrefix      blob.Location   `json:"gradient_prefix"`
	AggregatedGradient  blob.Location   `json:"aggregated_gradient"`
	NewCheckpoint       blob.Location   `json:"new_checkpoint"`
	NewClientCheckpoint blob.Location   `json:"new_client_checkpoint"`
	Metrics             blob.Location   `json:"metrics"`
	Batches             []Batch         `json:"batches,omitempty"`
	CollectionDeadline  time.Time       `json:"collection_deadline"`
	Deadline            time.Time       `json:"deadline"`
	ErrorReason         string          `json:"error_reason,omitempty"`
	MetricsRecorded     bool            `json:"metrics_recorded"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (it Iteration) Key() IterationKey {
	return IterationKey{
		Population:  it.Population,
		TaskID:      it.TaskID,
		IterationID: it.IterationID,
		ResultID:    it.ResultID,
	}
}

// Advance moves the iteration to next, rejecting any move out of a terminal state.
func (it *Iteration) Advance(next IterationStatus, now time.Time) error {
	if !CanTransitionIteration(it.Status, next) {
		return fmt.Errorf("%w: iteration %s %s -> %s", ErrInvalidTransition, it.Key(), it.Status, next)
	}
	it.Status = next
	it.UpdatedAt = now

	return nil
}

// Batch returns the batch with the given id.
func (it Iteration) Batch(id string) (Batch, bool) {
	for _, b := range it.Batches {
		if b.ID == id {
			return b, true
		}
	}

	return Batch{}, false
}

// PendingAtLevel reports how many batches of level are not yet done.
func (it Iteration) PendingAtLevel(level int) int {
	n := 0
	for _, b := range it.Batches {
		if b.Level == level && b.Status != BatchDone {
			n++
		}
	}

	return n
}

func (it Iteration) MaxLevel() int {
	lvl := 0
	for _, b := range it.Batches {
		if b.Level > lvl {
			lvl = b.Level
		}
	}

	return lvl
}

type IterationPage struct {
	Total      uint64      `json:"total"`
	Iterations []Iteration `json:"iterations"`
}
