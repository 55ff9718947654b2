package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	pkgerrors "github.com/absmach/shuffler/pkg/errors"
	"github.com/absmach/shuffler/task"
)

const iterationPrefix = "iteration:"

type iterationRepo struct {
	db *Database
}

func NewIterationRepository(db *Database) IterationRepository {
	return &iterationRepo{db: db}
}

// Ids are zero padded so that key order within a task matches numeric order.
func iterationTaskPrefix(k task.TaskKey) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/", iterationPrefix, k.Population, k.TaskID))
}

func iterationKey(k task.IterationKey) []byte {
	return append(iterationTaskPrefix(k.TaskKey()), fmt.Sprintf("%020d/%020d", k.IterationID, k.ResultID)...)
}

func (r *iterationRepo) Create(_ context.Context, it task.Iteration) error {
	val, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return r.db.create(iterationKey(it.Key()), val)
}

func (r *iterationRepo) Get(_ context.Context, key task.IterationKey) (task.Iteration, error) {
	val, err := r.db.get(iterationKey(key))
	if err != nil {
		return task.Iteration{}, err
	}
	var it task.Iteration
	if err := json.Unmarshal(val, &it); err != nil {
		return task.Iteration{}, fmt.Errorf("unmarshal error: %w", err)
	}

	return it, nil
}

func (r *iterationRepo) Update(_ context.Context, from task.IterationStatus, it task.Iteration) (bool, error) {
	val, err := json.Marshal(it)
	if err != nil {
		return false, fmt.Errorf("marshal error: %w", err)
	}

	return r.db.compareAndSet(iterationKey(it.Key()), func(cur []byte) (bool, error) {
		var c task.Iteration
		if err := json.Unmarshal(cur, &c); err != nil {
			return false, fmt.Errorf("unmarshal error: %w", err)
		}

		return c.Status == from, nil
	}, val)
}

func (r *iterationRepo) ListByStatus(ctx context.Context, statuses ...task.IterationStatus) ([]task.Iteration, error) {
	return r.list(ctx, []byte(iterationPrefix), func(it task.Iteration) bool {
		return slices.Contains(statuses, it.Status)
	})
}

func (r *iterationRepo) ListByTask(ctx context.Context, key task.TaskKey) ([]task.Iteration, error) {
	return r.list(ctx, iterationTaskPrefix(key), func(task.Iteration) bool { return true })
}

func (r *iterationRepo) Last(ctx context.Context, key task.TaskKey) (task.Iteration, error) {
	its, err := r.ListByTask(ctx, key)
	if err != nil {
		return task.Iteration{}, err
	}
	if len(its) == 0 {
		return task.Iteration{}, pkgerrors.ErrNotFound
	}

	return its[len(its)-1], nil
}

func (r *iterationRepo) list(ctx context.Context, prefix []byte, match func(task.Iteration) bool) ([]task.Iteration, error) {
	its := make([]task.Iteration, 0)
	err := r.db.scan(ctx, prefix, func(val []byte) error {
		var it task.Iteration
		if err := json.Unmarshal(val, &it); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
		if match(it) {
			its = append(its, it)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return its, nil
}
