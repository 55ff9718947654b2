package storage

import (
	"context"
	"errors"
	"slices"
	"sort"

	pkgerrors "github.com/absmach/shuffler/pkg/errors"
	"github.com/absmach/shuffler/task"
)

const scanPageSize = 1024

func scanAll[T any](ctx context.Context, s Storage, match func(T) bool) ([]T, error) {
	var (
		offset uint64
		out    []T
	)
	for {
		data, total, err := s.List(ctx, offset, scanPageSize)
		if err != nil {
			return nil, err
		}
		for _, d := range data {
			v, ok := d.(T)
			if !ok {
				return nil, pkgerrors.ErrInvalidData
			}
			if match(v) {
				out = append(out, v)
			}
		}
		offset += uint64(len(data))
		if len(data) == 0 || offset >= total {
			return out, nil
		}
	}
}

type memoryTaskRepo struct {
	storage Storage
}

func newMemoryTaskRepository(s Storage) TaskRepository {
	return &memoryTaskRepo{storage: s}
}

func (r *memoryTaskRepo) Create(ctx context.Context, t task.Task) error {
	return r.storage.Create(ctx, t.Key().String(), t)
}

func (r *memoryTaskRepo) Get(ctx context.Context, key task.TaskKey) (task.Task, error) {
	data, err := r.storage.Get(ctx, key.String())
	if err != nil {
		return task.Task{}, err
	}
	t, ok := data.(task.Task)
	if !ok {
		return task.Task{}, pkgerrors.ErrInvalidData
	}

	return t, nil
}

func (r *memoryTaskRepo) Update(ctx context.Context, from task.TaskStatus, t task.Task) (bool, error) {
	return r.storage.UpdateIf(ctx, t.Key().String(), func(cur any) bool {
		c, ok := cur.(task.Task)

		return ok && c.Status == from
	}, t)
}

func (r *memoryTaskRepo) ListByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]task.Task, error) {
	return scanAll(ctx, r.storage, func(t task.Task) bool {
		return slices.Contains(statuses, t.Status)
	})
}

func (r *memoryTaskRepo) List(ctx context.Context, offset, limit uint64) ([]task.Task, uint64, error) {
	data, total, err := r.storage.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	tasks := make([]task.Task, len(data))
	for i, d := range data {
		t, ok := d.(task.Task)
		if !ok {
			return nil, 0, pkgerrors.ErrInvalidData
		}
		tasks[i] = t
	}

	return tasks, total, nil
}

type memoryIterationRepo struct {
	storage Storage
}

func newMemoryIterationRepository(s Storage) IterationRepository {
	return &memoryIterationRepo{storage: s}
}

func (r *memoryIterationRepo) Create(ctx context.Context, it task.Iteration) error {
	return r.storage.Create(ctx, it.Key().String(), cloneIteration(it))
}

func (r *memoryIterationRepo) Get(ctx context.Context, key task.IterationKey) (task.Iteration, error) {
	data, err := r.storage.Get(ctx, key.String())
	if err != nil {
		return task.Iteration{}, err
	}
	it, ok := data.(task.Iteration)
	if !ok {
		return task.Iteration{}, pkgerrors.ErrInvalidData
	}

	return cloneIteration(it), nil
}

func (r *memoryIterationRepo) Update(ctx context.Context, from task.IterationStatus, it task.Iteration) (bool, error) {
	return r.storage.UpdateIf(ctx, it.Key().String(), func(cur any) bool {
		c, ok := cur.(task.Iteration)

		return ok && c.Status == from
	}, cloneIteration(it))
}

func (r *memoryIterationRepo) ListByStatus(ctx context.Context, statuses ...task.IterationStatus) ([]task.Iteration, error) {
	return scanAll(ctx, r.storage, func(it task.Iteration) bool {
		return slices.Contains(statuses, it.Status)
	})
}

func (r *memoryIterationRepo) ListByTask(ctx context.Context, key task.TaskKey) ([]task.Iteration, error) {
	its, err := scanAll(ctx, r.storage, func(it task.Iteration) bool {
		return it.Key().TaskKey() == key
	})
	if err != nil {
		return nil, err
	}
	SortIterations(its)

	return its, nil
}

func (r *memoryIterationRepo) Last(ctx context.Context, key task.TaskKey) (task.Iteration, error) {
	its, err := r.ListByTask(ctx, key)
	if err != nil {
		return task.Iteration{}, err
	}
	if len(its) == 0 {
		return task.Iteration{}, pkgerrors.ErrNotFound
	}

	return its[len(its)-1], nil
}

// cloneIteration keeps callers from mutating stored batches in place.
func cloneIteration(it task.Iteration) task.Iteration {
	it.Batches = slices.Clone(it.Batches)

	return it
}

// SortIterations orders iterations by iteration id, then result id.
func SortIterations(its []task.Iteration) {
	sort.Slice(its, func(i, j int) bool {
		if its[i].IterationID != its[j].IterationID {
			return its[i].IterationID < its[j].IterationID
		}

		return its[i].ResultID < its[j].ResultID
	})
}

type memoryMetricsRepo struct {
	storage Storage
}

func newMemoryMetricsRepository(s Storage) MetricsRepository {
	return &memoryMetricsRepo{storage: s}
}

func (r *memoryMetricsRepo) Save(ctx context.Context, metrics []task.ModelMetric) error {
	for _, m := range metrics {
		key := m.IterationKey().String() + "/" + m.Name
		err := r.storage.Create(ctx, key, m)
		if errors.Is(err, pkgerrors.ErrEntityExists) {
			err = r.storage.Update(ctx, key, m)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (r *memoryMetricsRepo) ListByIteration(ctx context.Context, key task.IterationKey) ([]task.ModelMetric, error) {
	return scanAll(ctx, r.storage, func(m task.ModelMetric) bool {
		return m.IterationKey() == key
	})
}

func (r *memoryMetricsRepo) ListByTask(ctx context.Context, key task.TaskKey) ([]task.ModelMetric, error) {
	return scanAll(ctx, r.storage, func(m task.ModelMetric) bool {
		return m.IterationKey().TaskKey() == key
	})
}
