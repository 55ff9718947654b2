// Package scheduler promotes tasks, creates their iterations and closes
// tasks out once their iterations are done.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/pkg/lock"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/task"
)

var (
	ErrLockBusy       = errors.New("task is locked by another replica")
	ErrMetricsPayload = errors.New("malformed metrics payload")
)

type Config struct {
	// LockTTL is taken from the shared lock configuration.
	LockTTL time.Duration `env:"-"`
}

type Service interface {
	// ProcessCreatedTasks opens created tasks whose start time has passed.
	ProcessCreatedTasks(ctx context.Context) error
	// ProcessActiveTasks creates the next iteration of open tasks.
	ProcessActiveTasks(ctx context.Context) error
	// FinalizeTasks completes or fails open tasks based on their last iteration.
	FinalizeTasks(ctx context.Context) error
	// ProcessCompletedIterations records the metrics of completed iterations.
	ProcessCompletedIterations(ctx context.Context) error
}

type service struct {
	tasks      storage.TaskRepository
	iterations storage.IterationRepository
	metrics    storage.MetricsRepository
	locks      lock.Registry
	blobs      blob.Store
	layout     task.Layout
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(
	repos *storage.Repositories,
	locks lock.Registry,
	blobs blob.Store,
	layout task.Layout,
	cfg Config,
	logger *slog.Logger,
	now func() time.Time,
) Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if now == nil {
		now = time.Now
	}

	return &service{
		tasks:      repos.Tasks,
		iterations: repos.Iterations,
		metrics:    repos.Metrics,
		locks:      locks,
		blobs:      blobs,
		layout:     layout,
		cfg:        cfg,
		logger:     logger,
		now:        now,
	}
}

func (svc *service) ProcessCreatedTasks(ctx context.Context) error {
	created, err := svc.tasks.ListByStatus(ctx, task.TaskCreated)
	if err != nil {
		return fmt.Errorf("failed to list created tasks: %w", err)
	}

	return svc.eachTask(ctx, created, lock.TaskScheduler, func(ctx context.Context, t task.Task) error {
		if t.Status != task.TaskCreated || svc.now().Before(t.StartNoEarlierThan) {
			return nil
		}

		return svc.advanceTask(ctx, t, task.TaskOpen)
	})
}

func (svc *service) ProcessActiveTasks(ctx context.Context) error {
	open, err := svc.tasks.ListByStatus(ctx, task.TaskOpen)
	if err != nil {
		return fmt.Errorf("failed to list open tasks: %w", err)
	}

	return svc.eachTask(ctx, open, lock.TaskScheduler, func(ctx context.Context, t task.Task) error {
		if t.Status != task.TaskOpen {
			return nil
		}
		last, err := svc.iterations.Last(ctx, t.Key())
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if svc.creationClosed(t) {
				return nil
			}

			return svc.createIteration(ctx, t, 1, blob.Location{})
		case err != nil:
			return err
		}

		if last.Status != task.IterationCompleted || last.IterationID >= t.TotalIteration || svc.creationClosed(t) {
			return nil
		}

		return svc.createIteration(ctx, t, last.IterationID+1, last.NewCheckpoint)
	})
}

func (svc *service) FinalizeTasks(ctx context.Context) error {
	open, err := svc.tasks.ListByStatus(ctx, task.TaskOpen)
	if err != nil {
		return fmt.Errorf("failed to list open tasks: %w", err)
	}

	return svc.eachTask(ctx, open, lock.TaskScheduler, func(ctx context.Context, t task.Task) error {
		if t.Status != task.TaskOpen {
			return nil
		}
		last, err := svc.iterations.Last(ctx, t.Key())
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if svc.creationClosed(t) {
				return svc.advanceTask(ctx, t, task.TaskCompleted)
			}

			return nil
		case err != nil:
			return err
		}

		switch last.Status {
		case task.IterationFailed:
			return svc.advanceTask(ctx, t, task.TaskFailed)
		case task.IterationCompleted:
			if last.IterationID >= t.TotalIteration || svc.creationClosed(t) {
				return svc.advanceTask(ctx, t, task.TaskCompleted)
			}
		}

		return nil
	})
}

func (svc *service) ProcessCompletedIterations(ctx context.Context) error {
	completed, err := svc.iterations.ListByStatus(ctx, task.IterationCompleted)
	if err != nil {
		return fmt.Errorf("failed to list completed iterations: %w", err)
	}

	var errs []error
	for _, it := range completed {
		if it.MetricsRecorded {
			continue
		}
		key := lock.Key{Type: lock.CompletedIteration, ID: it.Key().String()}
		acquired, err := lock.Run(ctx, svc.locks, key, svc.cfg.LockTTL, func(ctx context.Context) error {
			return svc.recordMetrics(ctx, it.Key())
		})
		switch {
		case err != nil:
			errs = append(errs, err)
		case !acquired:
			svc.logger.DebugContext(ctx, "completed iteration locked, skipping", slog.String("iteration", it.Key().String()))
		}
	}

	return errors.Join(errs...)
}

func (svc *service) recordMetrics(ctx context.Context, key task.IterationKey) error {
	it, err := svc.iterations.Get(ctx, key)
	if err != nil {
		return err
	}
	if it.Status != task.IterationCompleted || it.MetricsRecorded {
		return nil
	}

	data, err := svc.blobs.Download(ctx, it.Metrics)
	if err != nil {
		return fmt.Errorf("failed to download metrics of %s: %w", key, err)
	}
	metrics, err := ParseMetrics(key, data, svc.now())
	switch {
	case errors.Is(err, ErrMetricsPayload):
		svc.logger.WarnContext(ctx, "discarding malformed metrics",
			slog.String("iteration", key.String()),
			slog.String("error", err.Error()))
	case err != nil:
		return err
	default:
		if err := svc.metrics.Save(ctx, metrics); err != nil {
			return fmt.Errorf("failed to save metrics of %s: %w", key, err)
		}
	}

	it.MetricsRecorded = true
	it.UpdatedAt = svc.now()
	if _, err := svc.iterations.Update(ctx, task.IterationCompleted, it); err != nil {
		return err
	}
	svc.logger.InfoContext(ctx, "iteration metrics recorded",
		slog.String("iteration", key.String()),
		slog.Int("metrics", len(metrics)))

	return nil
}

// ParseMetrics reads the flat name to number object written by the model
// updater, sorted by name.
func ParseMetrics(key task.IterationKey, data []byte, now time.Time) ([]task.ModelMetric, error) {
	var values map[string]float64
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetricsPayload, err)
	}

	metrics := make([]task.ModelMetric, 0, len(values))
	for name, v := range values {
		if name == "" || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: metric %q", ErrMetricsPayload, name)
		}
		metrics = append(metrics, task.ModelMetric{
			Population:  key.Population,
			TaskID:      key.TaskID,
			IterationID: key.IterationID,
			ResultID:    key.ResultID,
			Name:        name,
			Value:       v,
			CreatedAt:   now,
		})
	}
	slices.SortFunc(metrics, func(a, b task.ModelMetric) int { return strings.Compare(a.Name, b.Name) })

	return metrics, nil
}

func (svc *service) creationClosed(t task.Task) bool {
	return !t.DoNotCreateIterationAfter.IsZero() && svc.now().After(t.DoNotCreateIterationAfter)
}

func (svc *service) createIteration(ctx context.Context, t task.Task, id int64, checkpoint blob.Location) error {
	it := svc.layout.NewIteration(t, id, checkpoint, svc.now())
	if err := svc.iterations.Create(ctx, it); err != nil {
		if errors.Is(err, storage.ErrEntityExists) {
			return nil
		}

		return fmt.Errorf("failed to create iteration %s: %w", it.Key(), err)
	}
	svc.logger.InfoContext(ctx, "iteration created",
		slog.String("iteration", it.Key().String()),
		slog.String("checkpoint", it.Checkpoint.String()),
		slog.Time("deadline", it.Deadline))

	return nil
}

func (svc *service) advanceTask(ctx context.Context, t task.Task, next task.TaskStatus) error {
	from := t.Status
	if err := t.Advance(next, svc.now()); err != nil {
		return err
	}
	ok, err := svc.tasks.Update(ctx, from, t)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.Key(), err)
	}
	if !ok {
		svc.logger.WarnContext(ctx, "task changed concurrently, update skipped",
			slog.String("task", t.Key().String()),
			slog.String("to", next.String()))

		return nil
	}
	svc.logger.InfoContext(ctx, "task updated",
		slog.String("task", t.Key().String()),
		slog.String("from", from.String()),
		slog.String("to", next.String()))

	return nil
}

// eachTask runs fn for every task under its lock, with the task re-read
// after the lock is taken. Tasks locked elsewhere are skipped this tick.
func (svc *service) eachTask(ctx context.Context, tasks []task.Task, lockType string, fn func(ctx context.Context, t task.Task) error) error {
	var errs []error
	for _, t := range tasks {
		key := lock.Key{Type: lockType, ID: t.Key().String()}
		acquired, err := lock.Run(ctx, svc.locks, key, svc.cfg.LockTTL, func(ctx context.Context) error {
			cur, err := svc.tasks.Get(ctx, t.Key())
			if err != nil {
				return err
			}

			return fn(ctx, cur)
		})
		switch {
		case err != nil:
			errs = append(errs, err)
		case !acquired:
			svc.logger.DebugContext(ctx, "task locked, skipping", slog.String("task", t.Key().String()))
		}
	}

	return errors.Join(errs...)
}
