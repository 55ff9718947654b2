package task_test

import (
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/task"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask() task.Task {
	return task.Task{
		Population:         "mnist",
		TaskID:             1,
		TotalIteration:     3,
		MinAggregationSize: 2,
		MaxAggregationSize: 10,
		Plan:               blob.Location{Bucket: "plans", Object: "mnist/plan"},
		InitCheckpoint:     blob.Location{Bucket: "models", Object: "mnist/init"},
		CollectionTimeout:  time.Minute,
		IterationTimeout:   time.Hour,
	}
}

func TestTaskValidate(t *testing.T) {
	cases := []struct {
		desc   string
		mutate func(*task.Task)
		err    error
	}{
		{desc: "valid task", mutate: func(*task.Task) {}},
		{desc: "empty population", mutate: func(t *task.Task) { t.Population = "" }, err: task.ErrInvalidTask},
		{desc: "population with slash", mutate: func(t *task.Task) { t.Population = "a/b" }, err: task.ErrInvalidTask},
		{desc: "zero task id", mutate: func(t *task.Task) { t.TaskID = 0 }, err: task.ErrInvalidTask},
		{desc: "max below min", mutate: func(t *task.Task) { t.MaxAggregationSize = 1 }, err: task.ErrInvalidTask},
		{desc: "collection exceeds iteration timeout", mutate: func(t *task.Task) { t.CollectionTimeout = 2 * time.Hour }, err: task.ErrInvalidTask},
		{desc: "missing plan", mutate: func(t *task.Task) { t.Plan = blob.Location{} }, err: task.ErrInvalidTask},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			tk := validTask()
			tc.mutate(&tk)
			err := tk.Validate()
			if tc.err == nil {
				assert.NoError(t, err)

				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestTaskAdvance(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := validTask()

	require.NoError(t, tk.Advance(task.TaskOpen, now))
	assert.Equal(t, now, tk.StartedTime)

	require.NoError(t, tk.Advance(task.TaskCompleted, now.Add(time.Hour)))
	assert.Equal(t, now.Add(time.Hour), tk.StopTime)

	err := tk.Advance(task.TaskOpen, now)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
	assert.Equal(t, task.TaskCompleted, tk.Status)
}

func TestIterationKeyRoundTrip(t *testing.T) {
	cases := []struct {
		desc string
		in   string
		key  task.IterationKey
		err  bool
	}{
		{desc: "valid", in: "mnist_v2/4/7/0", key: task.IterationKey{Population: "mnist_v2", TaskID: 4, IterationID: 7}},
		{desc: "too few parts", in: "mnist/4/7", err: true},
		{desc: "non numeric", in: "mnist/4/x/0", err: true},
		{desc: "empty population", in: "/4/7/0", err: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			key, err := task.ParseIterationKey(tc.in)
			if tc.err {
				assert.Error(t, err)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.key, key)
			assert.Equal(t, tc.in, key.String())
		})
	}
}

func TestParseStatus(t *testing.T) {
	st, err := task.ParseTaskStatus("open")
	require.NoError(t, err)
	assert.Equal(t, task.TaskOpen, st)

	ist, err := task.ParseIterationStatus("AGGREGATING")
	require.NoError(t, err)
	assert.Equal(t, task.IterationAggregating, ist)

	_, err = task.ParseIterationStatus("DONE")
	assert.ErrorIs(t, err, task.ErrInvalidStatus)
}

func TestIterationStatusMonotonic(t *testing.T) {
	rank := map[task.IterationStatus]int{
		task.IterationOpen:        0,
		task.IterationAggregating: 1,
		task.IterationApplying:    2,
		task.IterationCompleted:   3,
		task.IterationFailed:      3,
		task.IterationCanceled:    3,
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("iteration status never moves backwards or leaves a terminal state", prop.ForAll(
		func(steps []int) bool {
			it := task.Iteration{Status: task.IterationOpen}
			now := time.Now()
			for _, s := range steps {
				prev := it.Status
				err := it.Advance(task.IterationStatus(s), now)
				if prev.IsTerminal() && (err == nil || it.Status != prev) {
					return false
				}
				if rank[it.Status] < rank[prev] {
					return false
				}
			}

			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.Property("task status never leaves a terminal state", prop.ForAll(
		func(steps []int) bool {
			tk := task.Task{Status: task.TaskCreated}
			now := time.Now()
			for _, s := range steps {
				prev := tk.Status
				err := tk.Advance(task.TaskStatus(s), now)
				if prev.IsTerminal() && (err == nil || tk.Status != prev) {
					return false
				}
				if prev == task.TaskOpen && tk.Status == task.TaskCreated {
					return false
				}
			}

			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}

func TestLayoutNewIteration(t *testing.T) {
	layout := task.Layout{GradientBucket: "g", AggregatedBucket: "a", ModelBucket: "m", ClientBucket: "c"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := validTask()

	first := layout.NewIteration(tk, 1, blob.Location{}, now)
	assert.Equal(t, tk.InitCheckpoint, first.Checkpoint)
	assert.Equal(t, "mnist/1/1/0/gradients/", first.GradientPrefix.Object)
	assert.Equal(t, now.Add(time.Minute), first.CollectionDeadline)
	assert.Equal(t, now.Add(time.Hour), first.Deadline)
	assert.Equal(t, task.IterationOpen, first.Status)

	second := layout.NewIteration(tk, 2, first.NewCheckpoint, now)
	assert.Equal(t, first.NewCheckpoint, second.Checkpoint)
	assert.Equal(t, blob.Location{Bucket: "m", Object: "mnist/1/2/0/checkpoint"}, second.NewCheckpoint)
}
