package storage

import (
	"context"

	"github.com/absmach/shuffler/task"
)

type TaskRepository interface {
	Create(ctx context.Context, t task.Task) error
	Get(ctx context.Context, key task.TaskKey) (task.Task, error)
	// Update stores t only if the persisted status still equals from.
	Update(ctx context.Context, from task.TaskStatus, t task.Task) (bool, error)
	ListByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]task.Task, error)
	List(ctx context.Context, offset, limit uint64) ([]task.Task, uint64, error)
}

type IterationRepository interface {
	Create(ctx context.Context, it task.Iteration) error
	Get(ctx context.Context, key task.IterationKey) (task.Iteration, error)
	// Update stores it only if the persisted status still equals from.
	Update(ctx context.Context, from task.IterationStatus, it task.Iteration) (bool, error)
	ListByStatus(ctx context.Context, statuses ...task.IterationStatus) ([]task.Iteration, error)
	// ListByTask returns the task's iterations ordered by iteration and result id.
	ListByTask(ctx context.Context, key task.TaskKey) ([]task.Iteration, error)
	// Last returns the task's newest iteration or errors.ErrNotFound.
	Last(ctx context.Context, key task.TaskKey) (task.Iteration, error)
}

type MetricsRepository interface {
	// Save upserts metrics keyed by iteration and name.
	Save(ctx context.Context, metrics []task.ModelMetric) error
	ListByIteration(ctx context.Context, key task.IterationKey) ([]task.ModelMetric, error)
	ListByTask(ctx context.Context, key task.TaskKey) ([]task.ModelMetric, error)
}
