package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/shuffler/task"
)

const metricPrefix = "metric:"

type metricsRepo struct {
	db *Database
}

func NewMetricsRepository(db *Database) MetricsRepository {
	return &metricsRepo{db: db}
}

func metricTaskPrefix(k task.TaskKey) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/", metricPrefix, k.Population, k.TaskID))
}

func metricIterationPrefix(k task.IterationKey) []byte {
	return append(metricTaskPrefix(k.TaskKey()), fmt.Sprintf("%020d/%020d/", k.IterationID, k.ResultID)...)
}

func (r *metricsRepo) Save(_ context.Context, metrics []task.ModelMetric) error {
	for _, m := range metrics {
		val, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		if err := r.db.set(append(metricIterationPrefix(m.IterationKey()), m.Name...), val); err != nil {
			return err
		}
	}

	return nil
}

func (r *metricsRepo) ListByIteration(ctx context.Context, key task.IterationKey) ([]task.ModelMetric, error) {
	return r.list(ctx, metricIterationPrefix(key))
}

func (r *metricsRepo) ListByTask(ctx context.Context, key task.TaskKey) ([]task.ModelMetric, error) {
	return r.list(ctx, metricTaskPrefix(key))
}

func (r *metricsRepo) list(ctx context.Context, prefix []byte) ([]task.ModelMetric, error) {
	metrics := make([]task.ModelMetric, 0)
	err := r.db.scan(ctx, prefix, func(val []byte) error {
		var m task.ModelMetric
		if err := json.Unmarshal(val, &m); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
		metrics = append(metrics, m)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return metrics, nil
}
