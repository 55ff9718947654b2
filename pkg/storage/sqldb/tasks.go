package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/absmach/shuffler/pkg/errors"
	"github.com/absmach/shuffler/task"
)

type taskRepo struct {
	db *Database
}

func NewTaskRepository(db *Database) TaskRepository {
	return &taskRepo{db: db}
}

type dbTask struct {
	Population                string         `db:"population"`
	TaskID                    int64          `db:"task_id"`
	Status                    uint8          `db:"status"`
	TotalIteration            int64          `db:"total_iteration"`
	MinAggregationSize        int            `db:"min_aggregation_size"`
	MaxAggregationSize        int            `db:"max_aggregation_size"`
	MaxParallel               int            `db:"max_parallel"`
	StartNoEarlierThan        sql.NullTime   `db:"start_no_earlier_than"`
	DoNotCreateIterationAfter sql.NullTime   `db:"do_not_create_iteration_after"`
	StartedTime               sql.NullTime   `db:"started_time"`
	StopTime                  sql.NullTime   `db:"stop_time"`
	CorrelationID             sql.NullString `db:"correlation_id"`
	MinClientVersion          sql.NullString `db:"min_client_version"`
	MaxClientVersion          sql.NullString `db:"max_client_version"`
	Plan                      sql.NullString `db:"plan"`
	InitCheckpoint            sql.NullString `db:"init_checkpoint"`
	CollectionTimeout         int64          `db:"collection_timeout"`
	IterationTimeout          int64          `db:"iteration_timeout"`
	Info                      []byte         `db:"info"`
	CreatedAt                 time.Time      `db:"created_at"`
	UpdatedAt                 time.Time      `db:"updated_at"`
}

const taskColumns = `population, task_id, status, total_iteration, min_aggregation_size, max_aggregation_size,
	max_parallel, start_no_earlier_than, do_not_create_iteration_after, started_time, stop_time,
	correlation_id, min_client_version, max_client_version, plan, init_checkpoint,
	collection_timeout, iteration_timeout, info, created_at, updated_at`

func (r *taskRepo) Create(ctx context.Context, t task.Task) error {
	query := r.db.Rebind(`INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (population, task_id) DO NOTHING`)

	res, err := r.db.ExecContext(ctx, query,
		t.Population, t.TaskID, uint8(t.Status), t.TotalIteration,
		t.MinAggregationSize, t.MaxAggregationSize, t.MaxParallel,
		nullTime(t.StartNoEarlierThan),
		nullTime(t.DoNotCreateIterationAfter),
		nullTime(t.StartedTime),
		nullTime(t.StopTime),
		nullString(t.CorrelationID),
		nullString(t.MinClientVersion),
		nullString(t.MaxClientVersion),
		location(t.Plan),
		location(t.InitCheckpoint),
		int64(t.CollectionTimeout), int64(t.IterationTimeout),
		t.Info,
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
	if n == 0 {
		return pkgerrors.ErrEntityExists
	}

	return nil
}

func (r *taskRepo) Get(ctx context.Context, key task.TaskKey) (task.Task, error) {
	query := r.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE population = ? AND task_id = ?`)

	var dbt dbTask
	if err := r.db.GetContext(ctx, &dbt, query, key.Population, key.TaskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, pkgerrors.ErrNotFound
		}

		return task.Task{}, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	return r.toTask(dbt)
}

func (r *taskRepo) Update(ctx context.Context, from task.TaskStatus, t task.Task) (bool, error) {
	query := r.db.Rebind(`UPDATE tasks SET
		status = ?, total_iteration = ?, min_aggregation_size = ?, max_aggregation_size = ?, max_parallel = ?,
		start_no_earlier_than = ?, do_not_create_iteration_after = ?, started_time = ?, stop_time = ?,
		correlation_id = ?, min_client_version = ?, max_client_version = ?, plan = ?, init_checkpoint = ?,
		collection_timeout = ?, iteration_timeout = ?, info = ?, updated_at = ?
		WHERE population = ? AND task_id = ? AND status = ?`)

	res, err := r.db.ExecContext(ctx, query,
		uint8(t.Status), t.TotalIteration,
		t.MinAggregationSize, t.MaxAggregationSize, t.MaxParallel,
		nullTime(t.StartNoEarlierThan),
		nullTime(t.DoNotCreateIterationAfter),
		nullTime(t.StartedTime),
		nullTime(t.StopTime),
		nullString(t.CorrelationID),
		nullString(t.MinClientVersion),
		nullString(t.MaxClientVersion),
		location(t.Plan),
		location(t.InitCheckpoint),
		int64(t.CollectionTimeout), int64(t.IterationTimeout),
		t.Info,
		t.UpdatedAt.UTC(),
		t.Population, t.TaskID, uint8(from),
	)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.Get(ctx, t.Key()); err != nil {
		return false, err
	}

	return false, nil
}

func (r *taskRepo) ListByStatus(ctx context.Context, statuses ...task.TaskStatus) ([]task.Task, error) {
	if len(statuses) == 0 {
		return []task.Task{}, nil
	}
	in, args := inClause(statuses)
	query := r.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE status IN ` + in + ` ORDER BY population, task_id`)

	return r.query(ctx, query, args...)
}

func (r *taskRepo) List(ctx context.Context, offset, limit uint64) ([]task.Task, uint64, error) {
	var total uint64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM tasks`); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	query := r.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks ORDER BY population, task_id LIMIT ? OFFSET ?`)
	tasks, err := r.query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	return tasks, total, nil
}

func (r *taskRepo) query(ctx context.Context, query string, args ...any) ([]task.Task, error) {
	var rows []dbTask
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	tasks := make([]task.Task, 0, len(rows))
	for _, row := range rows {
		t, err := r.toTask(row)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

func (r *taskRepo) toTask(dbt dbTask) (task.Task, error) {
	plan, err := parseLocation(dbt.Plan)
	if err != nil {
		return task.Task{}, fmt.Errorf("%w: %w", ErrDBScan, err)
	}
	checkpoint, err := parseLocation(dbt.InitCheckpoint)
	if err != nil {
		return task.Task{}, fmt.Errorf("%w: %w", ErrDBScan, err)
	}

	return task.Task{
		Population:                dbt.Population,
		TaskID:                    dbt.TaskID,
		Status:                    task.TaskStatus(dbt.Status),
		TotalIteration:            dbt.TotalIteration,
		MinAggregationSize:        dbt.MinAggregationSize,
		MaxAggregationSize:        dbt.MaxAggregationSize,
		MaxParallel:               dbt.MaxParallel,
		StartNoEarlierThan:        fromNullTime(dbt.StartNoEarlierThan),
		DoNotCreateIterationAfter: fromNullTime(dbt.DoNotCreateIterationAfter),
		StartedTime:               fromNullTime(dbt.StartedTime),
		StopTime:                  fromNullTime(dbt.StopTime),
		CorrelationID:             fromNullString(dbt.CorrelationID),
		MinClientVersion:          fromNullString(dbt.MinClientVersion),
		MaxClientVersion:          fromNullString(dbt.MaxClientVersion),
		Plan:                      plan,
		InitCheckpoint:            checkpoint,
		CollectionTimeout:         time.Duration(dbt.CollectionTimeout),
		IterationTimeout:          time.Duration(dbt.IterationTimeout),
		Info:                      dbt.Info,
		CreatedAt:                 dbt.CreatedAt.UTC(),
		UpdatedAt:                 dbt.UpdatedAt.UTC(),
	}, nil
}
