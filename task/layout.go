package task

import (
	"fmt"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
)

// Layout decides where each iteration's artifacts live.
type Layout struct {
	GradientBucket   string `env:"GRADIENT_BUCKET"   envDefault:"gradients"   toml:"gradient_bucket"`
	AggregatedBucket string `env:"AGGREGATED_BUCKET" envDefault:"aggregated"  toml:"aggregated_bucket"`
	ModelBucket      string `env:"MODEL_BUCKET"      envDefault:"models"      toml:"model_bucket"`
	ClientBucket     string `env:"CLIENT_BUCKET"     envDefault:"checkpoints" toml:"client_bucket"`
}

func (l Layout) base(k IterationKey) string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Population, k.TaskID, k.IterationID, k.ResultID)
}

func (l Layout) GradientPrefix(k IterationKey) blob.Location {
	return blob.Location{Bucket: l.GradientBucket, Object: l.base(k) + "/gradients/"}
}

func (l Layout) BatchOutput(k IterationKey, batchID string) blob.Location {
	return blob.Location{Bucket: l.AggregatedBucket, Object: l.base(k) + "/aggregated/" + batchID}
}

func (l Layout) AggregatedGradient(k IterationKey) blob.Location {
	return blob.Location{Bucket: l.AggregatedBucket, Object: l.base(k) + "/aggregated/final"}
}

func (l Layout) NewCheckpoint(k IterationKey) blob.Location {
	return blob.Location{Bucket: l.ModelBucket, Object: l.base(k) + "/checkpoint"}
}

func (l Layout) NewClientCheckpoint(k IterationKey) blob.Location {
	return blob.Location{Bucket: l.ClientBucket, Object: l.base(k) + "/client_checkpoint"}
}

func (l Layout) Metrics(k IterationKey) blob.Location {
	return blob.Location{Bucket: l.ModelBucket, Object: l.base(k) + "/metrics"}
}

// NewIteration builds iteration id of t. The input checkpoint is the previous
// iteration's output, or the task's initial checkpoint for the first one.
func (l Layout) NewIteration(t Task, iterationID int64, checkpoint blob.Location, now time.Time) Iteration {
	key := IterationKey{Population: t.Population, TaskID: t.TaskID, IterationID: iterationID}
	if checkpoint.IsZero() {
		checkpoint = t.InitCheckpoint
	}

	return Iteration{
		Population:          key.Population,
		TaskID:              key.TaskID,
		IterationID:         key.IterationID,
		ResultID:            key.ResultID,
		Status:              IterationOpen,
		ReportGoal:          t.MinAggregationSize,
		MaxAggregationSize:  t.MaxAggregationSize,
		Plan:                t.Plan,
		Checkpoint:          checkpoint,
		GradientPrefix:      l.GradientPrefix(key),
		AggregatedGradient:  l.AggregatedGradient(key),
		NewCheckpoint:       l.NewCheckpoint(key),
		NewClientCheckpoint: l.NewClientCheckpoint(key),
		Metrics:             l.Metrics(key),
		CollectionDeadline:  now.Add(t.CollectionTimeout),
		Deadline:            now.Add(t.IterationTimeout),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
