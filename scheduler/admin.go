package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/shuffler/pkg/lock"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/task"
)

// Admin is the operator surface used by the CLI. It works on the same store
// and lock registry as the loops.
type Admin interface {
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	GetTask(ctx context.Context, key task.TaskKey) (task.Task, error)
	ListTasks(ctx context.Context, offset, limit uint64) (task.TaskPage, error)
	// CancelTask moves a created or open task to CANCELED. Its live
	// iterations are canceled by the collector's timeout sweep.
	CancelTask(ctx context.Context, key task.TaskKey) (task.Task, error)
	ListIterations(ctx context.Context, key task.TaskKey) (task.IterationPage, error)
	ListMetrics(ctx context.Context, key task.TaskKey) ([]task.ModelMetric, error)
}

type admin struct {
	repos   *storage.Repositories
	locks   lock.Registry
	lockTTL time.Duration
	now     func() time.Time
}

func NewAdmin(repos *storage.Repositories, locks lock.Registry, cfg Config, now func() time.Time) Admin {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if now == nil {
		now = time.Now
	}

	return &admin{repos: repos, locks: locks, lockTTL: cfg.LockTTL, now: now}
}

func (a *admin) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	now := a.now()
	t.Status = task.TaskCreated
	t.StartedTime = time.Time{}
	t.StopTime = time.Time{}
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := a.repos.Tasks.Create(ctx, t); err != nil {
		return task.Task{}, fmt.Errorf("failed to create task %s: %w", t.Key(), err)
	}

	return t, nil
}

func (a *admin) GetTask(ctx context.Context, key task.TaskKey) (task.Task, error) {
	return a.repos.Tasks.Get(ctx, key)
}

func (a *admin) ListTasks(ctx context.Context, offset, limit uint64) (task.TaskPage, error) {
	tasks, total, err := a.repos.Tasks.List(ctx, offset, limit)
	if err != nil {
		return task.TaskPage{}, err
	}

	return task.TaskPage{Offset: offset, Limit: limit, Total: total, Tasks: tasks}, nil
}

func (a *admin) CancelTask(ctx context.Context, key task.TaskKey) (task.Task, error) {
	var canceled task.Task
	acquired, err := lock.Run(ctx, a.locks, lock.Key{Type: lock.TaskScheduler, ID: key.String()}, a.lockTTL, func(ctx context.Context) error {
		t, err := a.repos.Tasks.Get(ctx, key)
		if err != nil {
			return err
		}
		from := t.Status
		if err := t.Advance(task.TaskCanceled, a.now()); err != nil {
			return err
		}
		ok, err := a.repos.Tasks.Update(ctx, from, t)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task %s changed concurrently", task.ErrInvalidTransition, key)
		}
		canceled = t

		return nil
	})
	if err != nil {
		return task.Task{}, err
	}
	if !acquired {
		return task.Task{}, fmt.Errorf("%w: %s", ErrLockBusy, key)
	}

	return canceled, nil
}

func (a *admin) ListIterations(ctx context.Context, key task.TaskKey) (task.IterationPage, error) {
	its, err := a.repos.Iterations.ListByTask(ctx, key)
	if err != nil {
		return task.IterationPage{}, err
	}

	return task.IterationPage{Total: uint64(len(its)), Iterations: its}, nil
}

func (a *admin) ListMetrics(ctx context.Context, key task.TaskKey) ([]task.ModelMetric, error) {
	return a.repos.Metrics.ListByTask(ctx, key)
}
