package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/absmach/shuffler/task"
)

const taskPrefix = "task:"

type taskRepo struct {
	db *Database
}

func NewTaskRepository(db *Database) TaskRepository {
	return &taskRepo{db: db}
}

func taskKey(k task.TaskKey) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", taskPrefix, k.Population, k.TaskID))
}

func (r *taskRepo) Create(_ context.Context, t task.Task) error {
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	return r.db.create(taskKey(t.Key()), val)
}

func (r *taskRepo) Get(_ context.Context, key task.TaskKey) (task.Task, error) {
	val, err := r.db.get(taskKey(key))
	if err != nil {
		return task.Task{}, err
	}
	var t task.Task
	if err := json.Unmarshal(val, &t); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal error: %w", err)
	}

	return t, nil
}

func (r *taskRepo) Update(_ context.Context, from task.TaskStatus, t task.Task) (bool, error) {
	val, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal error: %w", err)
	}

	return r.db.compareAndSet(taskKey(t.Key()), func(cur []byte) (bool, error) {
		var c task.Task
		if err := json.Unmarshal(cur, &c); err != nil {
			return false, fmt.Errorf("unmarshal error: %w", err)
		}

		return c.Status == from, nil
	}, val)
}

func (r *taskRepo) ListByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]task.Task, error) {
	tasks := make([]task.Task, 0)
	err := r.db.scan(ctx, []byte(taskPrefix), func(val []byte) error {
		var t task.Task
		if err := json.Unmarshal(val, &t); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
		if slices.Contains(statuses, t.Status) {
			tasks = append(tasks, t)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

func (r *taskRepo) List(_ context.Context, offset, limit uint64) ([]task.Task, uint64, error) {
	prefix := []byte(taskPrefix)
	total, err := r.db.countWithPrefix(prefix)
	if err != nil {
		return nil, 0, err
	}
	values, err := r.db.listWithPrefix(prefix, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	tasks := make([]task.Task, len(values))
	for i, val := range values {
		if err := json.Unmarshal(val, &tasks[i]); err != nil {
			return nil, 0, fmt.Errorf("unmarshal error: %w", err)
		}
	}

	return tasks, total, nil
}
