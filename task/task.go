package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
)

var (
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type TaskStatus uint8

const (
	TaskCreated TaskStatus = iota
	TaskOpen
	TaskCompleted
	TaskCanceled
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskCreated:
		return "CREATED"
	case TaskOpen:
		return "OPEN"
	case TaskCompleted:
		return "COMPLETED"
	case TaskCanceled:
		return "CANCELED"
	case TaskFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	for st := TaskCreated; st <= TaskFailed; st++ {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCanceled || s == TaskFailed
}

// TaskKey identifies a task within a population.
type TaskKey struct {
	Population string `json:"population"`
	TaskID     int64  `json:"task_id"`
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%d", k.Population, k.TaskID)
}

type Task struct {
	Population                string        `json:"population"`
	TaskID                    int64         `json:"task_id"`
	Status                    TaskStatus    `json:"status"`
	TotalIteration            int64         `json:"total_iteration"`
	MinAggregationSize        int           `json:"min_aggregation_size"`
	MaxAggregationSize        int           `json:"max_aggregation_size"`
	MaxParallel               int           `json:"max_parallel"`
	StartNoEarlierThan        time.Time     `json:"start_no_earlier_than"`
	DoNotCreateIterationAfter time.Time     `json:"do_not_create_iteration_after"`
	StartedTime               time.Time     `json:"started_time"`
	StopTime                  time.Time     `json:"stop_time"`
	CorrelationID             string        `json:"correlation_id,omitempty"`
	MinClientVersion          string        `json:"min_client_version,omitempty"`
	MaxClientVersion          string        `json:"max_client_version,omitempty"`
	Plan                      blob.Location `json:"plan"`
	InitCheckpoint            blob.Location `json:"init_checkpoint"`
	CollectionTimeout         time.Duration `json:"collection_timeout"`
	IterationTimeout          time.Duration `json:"iteration_timeout"`
	Info                      []byte        `json:"info,omitempty"`
	CreatedAt                 time.Time     `json:"created_at"`
	UpdatedAt                 time.Time     `json:"updated_at"`
}

func (t Task) Key() TaskKey {
	return TaskKey{Population: t.Population, TaskID: t.TaskID}
}

func (t Task) Validate() error {
	switch {
	case t.Population == "" || strings.Contains(t.Population, "/"):
		return fmt.Errorf("%w: population %q", ErrInvalidTask, t.Population)
	case t.TaskID <= 0:
		return fmt.Errorf("%w: task id must be positive", ErrInvalidTask)
	case t.TotalIteration <= 0:
		return fmt.Errorf("%w: total iteration must be positive", ErrInvalidTask)
	case t.MinAggregationSize <= 0:
		return fmt.Errorf("%w: min aggregation size must be positive", ErrInvalidTask)
	case t.MaxAggregationSize < t.MinAggregationSize:
		return fmt.Errorf("%w: max aggregation size below min", ErrInvalidTask)
	case t.MaxParallel < 0:
		return fmt.Errorf("%w: max parallel must not be negative", ErrInvalidTask)
	case t.IterationTimeout <= 0 || t.CollectionTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidTask)
	case t.CollectionTimeout > t.IterationTimeout:
		return fmt.Errorf("%w: collection timeout exceeds iteration timeout", ErrInvalidTask)
	}
	if err := t.Plan.Validate(); err != nil {
		return fmt.Errorf("%w: plan: %w", ErrInvalidTask, err)
	}
	if err := t.InitCheckpoint.Validate(); err != nil {
		return fmt.Errorf("%w: checkpoint: %w", ErrInvalidTask, err)
	}

	return nil
}

// Advance moves the task to next, stamping the lifecycle times.
func (t *Task) Advance(next TaskStatus, now time.Time) error {
	if !CanTransitionTask(t.Status, next) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.Key(), t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = now
	switch {
	case next == TaskOpen:
		t.StartedTime = now
	case next.IsTerminal():
		t.StopTime = now
	}

	return nil
}

type TaskPage struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
	Total  uint64 `json:"total"`
	Tasks  []Task `json:"tasks"`
}
