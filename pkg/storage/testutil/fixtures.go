package testutil

import (
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/task"
)

var layout = task.Layout{
	GradientBucket:   "gradients",
	AggregatedBucket: "aggregated",
	ModelBucket:      "models",
	ClientBucket:     "checkpoints",
}

func TestTask(population string, id int64) task.Task {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return task.Task{
		Population:         population,
		TaskID:             id,
		Status:             task.TaskCreated,
		TotalIteration:     3,
		MinAggregationSize: 2,
		MaxAggregationSize: 10,
		StartNoEarlierThan: now.Add(-time.Minute),
		CorrelationID:      "corr-" + population,
		Plan:               blob.Location{Bucket: "plans", Object: population + "/plan"},
		InitCheckpoint:     blob.Location{Bucket: "models", Object: population + "/init"},
		CollectionTimeout:  time.Minute,
		IterationTimeout:   10 * time.Minute,
		Info:               []byte(`{"owner":"test"}`),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestIteration(t task.Task, iterationID int64) task.Iteration {
	return layout.NewIteration(t, iterationID, blob.Location{}, t.CreatedAt)
}

func TestMetric(it task.Iteration, name string, value float64) task.ModelMetric {
	return task.ModelMetric{
		Population:  it.Population,
		TaskID:      it.TaskID,
		IterationID: it.IterationID,
		ResultID:    it.ResultID,
		Name:        name,
		Value:       value,
		CreatedAt:   it.CreatedAt,
	}
}
