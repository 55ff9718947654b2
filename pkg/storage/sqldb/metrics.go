package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/shuffler/task"
)

type metricsRepo struct {
	db *Database
}

func NewMetricsRepository(db *Database) MetricsRepository {
	return &metricsRepo{db: db}
}

type dbMetric struct {
	Population  string    `db:"population"`
	TaskID      int64     `db:"task_id"`
	IterationID int64     `db:"iteration_id"`
	ResultID    int64     `db:"result_id"`
	Name        string    `db:"name"`
	Value       float64   `db:"value"`
	CreatedAt   time.Time `db:"created_at"`
}

const metricColumns = `population, task_id, iteration_id, result_id, name, value, created_at`

func (r *metricsRepo) Save(ctx context.Context, metrics []task.ModelMetric) error {
	if len(metrics) == 0 {
		return nil
	}
	query := r.db.Rebind(`INSERT INTO model_metrics (` + metricColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (population, task_id, iteration_id, result_id, name)
		DO UPDATE SET value = excluded.value, created_at = excluded.created_at`)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, m := range metrics {
		if _, err := tx.ExecContext(ctx, query,
			m.Population, m.TaskID, m.IterationID, m.ResultID, m.Name, m.Value, m.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("%w: %w", ErrCreate, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	return nil
}

func (r *metricsRepo) ListByIteration(ctx context.Context, key task.IterationKey) ([]task.ModelMetric, error) {
	query := r.db.Rebind(`SELECT ` + metricColumns + ` FROM model_metrics
		WHERE population = ? AND task_id = ? AND iteration_id = ? AND result_id = ? ORDER BY name`)

	return r.query(ctx, query, key.Population, key.TaskID, key.IterationID, key.ResultID)
}

func (r *metricsRepo) ListByTask(ctx context.Context, key task.TaskKey) ([]task.ModelMetric, error) {
	query := r.db.Rebind(`SELECT ` + metricColumns + ` FROM model_metrics
		WHERE population = ? AND task_id = ? ORDER BY iteration_id, result_id, name`)

	return r.query(ctx, query, key.Population, key.TaskID)
}

func (r *metricsRepo) query(ctx context.Context, query string, args ...any) ([]task.ModelMetric, error) {
	var rows []dbMetric
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDBQuery, err)
	}

	metrics := make([]task.ModelMetric, len(rows))
	for i, row := range rows {
		metrics[i] = task.ModelMetric{
			Population:  row.Population,
			TaskID:      row.TaskID,
			IterationID: row.IterationID,
			ResultID:    row.ResultID,
			Name:        row.Name,
			Value:       row.Value,
			CreatedAt:   row.CreatedAt.UTC(),
		}
	}

	return metrics, nil
}
