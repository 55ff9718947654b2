package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/task"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunRepositoryTests exercises repos against the behavior every storage
// backend must share.
func RunRepositoryTests(t *testing.T, repos *storage.Repositories) {
	t.Run("tasks", func(t *testing.T) { testTasks(t, repos.Tasks) })
	t.Run("task compare and set", func(t *testing.T) { testTaskCAS(t, repos.Tasks) })
	t.Run("iterations", func(t *testing.T) { testIterations(t, repos.Tasks, repos.Iterations) })
	t.Run("iteration compare and set", func(t *testing.T) { testIterationCAS(t, repos.Iterations) })
	t.Run("metrics", func(t *testing.T) { testMetrics(t, repos.Metrics) })
}

func population() string {
	return "pop-" + uuid.NewString()[:8]
}

func testTasks(t *testing.T, repo storage.TaskRepository) {
	ctx := context.Background()
	pop := population()
	tk := TestTask(pop, 1)

	cases := []struct {
		desc string
		task task.Task
		err  error
	}{
		{
			desc: "create new task successfully",
			task: tk,
			err:  nil,
		},
		{
			desc: "create duplicate task",
			task: tk,
			err:  storage.ErrEntityExists,
		},
		{
			desc: "create task with empty optional fields",
			task: func() task.Task {
				other := TestTask(pop, 2)
				other.CorrelationID = ""
				other.Info = nil
				other.StartNoEarlierThan = time.Time{}

				return other
			}(),
			err: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := repo.Create(ctx, tc.task)
			assert.ErrorIs(t, err, tc.err, fmt.Sprintf("%s: expected error %v, got %v", tc.desc, tc.err, err))
			if tc.err != nil {
				return
			}
			got, err := repo.Get(ctx, tc.task.Key())
			require.NoError(t, err)
			assert.Equal(t, tc.task, got)
		})
	}

	_, err := repo.Get(ctx, task.TaskKey{Population: pop, TaskID: 99})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	open, err := repo.ListByStatus(ctx, task.TaskOpen)
	require.NoError(t, err)
	for _, o := range open {
		assert.NotEqual(t, pop, o.Population)
	}
	created, err := repo.ListByStatus(ctx, task.TaskCreated, task.TaskOpen)
	require.NoError(t, err)
	assert.Len(t, filterTasks(created, pop), 2)

	page, total, err := repo.List(ctx, 0, 1000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, uint64(2))
	assert.Len(t, filterTasks(page, pop), 2)

	first, _, err := repo.List(ctx, 0, 1)
	require.NoError(t, err)
	assert.Len(t, first, 1)
}

func testTaskCAS(t *testing.T, repo storage.TaskRepository) {
	ctx := context.Background()
	tk := TestTask(population(), 1)
	require.NoError(t, repo.Create(ctx, tk))

	opened := tk
	require.NoError(t, opened.Advance(task.TaskOpen, tk.CreatedAt.Add(time.Second)))

	cases := []struct {
		desc    string
		from    task.TaskStatus
		task    task.Task
		swapped bool
		err     error
	}{
		{desc: "stale expected status", from: task.TaskOpen, task: opened, swapped: false},
		{desc: "matching expected status", from: task.TaskCreated, task: opened, swapped: true},
		{desc: "same transition twice", from: task.TaskCreated, task: opened, swapped: false},
		{desc: "missing task", from: task.TaskCreated, task: TestTask(population(), 5), err: storage.ErrNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			swapped, err := repo.Update(ctx, tc.from, tc.task)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.swapped, swapped)
		})
	}

	got, err := repo.Get(ctx, tk.Key())
	require.NoError(t, err)
	assert.Equal(t, task.TaskOpen, got.Status)
	assert.Equal(t, opened.StartedTime, got.StartedTime)
}

func testIterations(t *testing.T, tasks storage.TaskRepository, repo storage.IterationRepository) {
	ctx := context.Background()
	tk := TestTask(population(), 7)
	require.NoError(t, tasks.Create(ctx, tk))

	_, err := repo.Last(ctx, tk.Key())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Created out of order to check the listing order.
	for _, id := range []int64{2, 10, 1} {
		require.NoError(t, repo.Create(ctx, TestIteration(tk, id)))
	}
	assert.ErrorIs(t, repo.Create(ctx, TestIteration(tk, 1)), storage.ErrEntityExists)

	its, err := repo.ListByTask(ctx, tk.Key())
	require.NoError(t, err)
	require.Len(t, its, 3)
	assert.Equal(t, []int64{1, 2, 10}, []int64{its[0].IterationID, its[1].IterationID, its[2].IterationID})

	last, err := repo.Last(ctx, tk.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(10), last.IterationID)

	want := TestIteration(tk, 2)
	got, err := repo.Get(ctx, want.Key())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = repo.Get(ctx, task.IterationKey{Population: tk.Population, TaskID: tk.TaskID, IterationID: 3})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	open, err := repo.ListByStatus(ctx, task.IterationOpen)
	require.NoError(t, err)
	n := 0
	for _, it := range open {
		if it.Key().TaskKey() == tk.Key() {
			n++
		}
	}
	assert.Equal(t, 3, n)
}

func testIterationCAS(t *testing.T, repo storage.IterationRepository) {
	ctx := context.Background()
	tk := TestTask(population(), 1)
	it := TestIteration(tk, 1)
	require.NoError(t, repo.Create(ctx, it))

	aggregating := it
	aggregating.Contributions = 3
	aggregating.Batches = []task.Batch{{
		ID:     it.Key().String() + "_l0b0",
		Inputs: []blob.Location{it.GradientPrefix.Join("a"), it.GradientPrefix.Join("b")},
		Output: it.AggregatedGradient,
	}}
	require.NoError(t, aggregating.Advance(task.IterationAggregating, it.CreatedAt.Add(time.Second)))

	swapped, err := repo.Update(ctx, task.IterationOpen, aggregating)
	require.NoError(t, err)
	assert.True(t, swapped)

	got, err := repo.Get(ctx, it.Key())
	require.NoError(t, err)
	assert.Equal(t, aggregating, got)

	// Only one of many racing writers may win a transition.
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	failed := aggregating
	failed.ErrorReason = "AGGREGATION_ERROR"
	require.NoError(t, failed.Advance(task.IterationFailed, aggregating.UpdatedAt.Add(time.Second)))
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Update(ctx, task.IterationAggregating, failed)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err = repo.Get(ctx, it.Key())
	require.NoError(t, err)
	assert.Equal(t, task.IterationFailed, got.Status)
	assert.Equal(t, "AGGREGATION_ERROR", got.ErrorReason)
}

func testMetrics(t *testing.T, repo storage.MetricsRepository) {
	ctx := context.Background()
	tk := TestTask(population(), 1)
	first := TestIteration(tk, 1)
	second := TestIteration(tk, 2)

	require.NoError(t, repo.Save(ctx, []task.ModelMetric{
		TestMetric(first, "loss", 0.5),
		TestMetric(first, "accuracy", 0.7),
		TestMetric(second, "loss", 0.3),
	}))
	// Saving again replaces the value.
	require.NoError(t, repo.Save(ctx, []task.ModelMetric{TestMetric(first, "loss", 0.4)}))
	require.NoError(t, repo.Save(ctx, nil))

	got, err := repo.ListByIteration(ctx, first.Key())
	require.NoError(t, err)
	values := map[string]float64{}
	for _, m := range got {
		values[m.Name] = m.Value
	}
	assert.Equal(t, map[string]float64{"loss": 0.4, "accuracy": 0.7}, values)

	all, err := repo.ListByTask(ctx, tk.Key())
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := repo.ListByTask(ctx, task.TaskKey{Population: population(), TaskID: 1})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func filterTasks(tasks []task.Task, pop string) []task.Task {
	var out []task.Task
	for _, t := range tasks {
		if t.Population == pop {
			out = append(out, t)
		}
	}

	return out
}
