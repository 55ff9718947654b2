package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/pkg/lock"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/pkg/storage/testutil"
	"github.com/absmach/shuffler/scheduler"
	"github.com/absmach/shuffler/scheduler/middleware"
	"github.com/absmach/shuffler/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	layout = task.Layout{
		GradientBucket:   "gradients",
		AggregatedBucket: "aggregated",
		ModelBucket:      "models",
		ClientBucket:     "checkpoints",
	}
)

type fixture struct {
	repos *storage.Repositories
	locks lock.Registry
	blobs blob.Store
	task  task.Task
	now   time.Time
	svc   scheduler.Service
}

func newFixture(t *testing.T, status task.TaskStatus) *fixture {
	t.Helper()
	f := &fixture{
		repos: storage.NewMemoryRepositories(),
		locks: lock.NewMemoryRegistry(nil),
		blobs: blob.NewMemoryStore(),
	}
	f.task = testutil.TestTask("pop", 1)
	f.task.Status = status
	require.NoError(t, f.repos.Tasks.Create(context.Background(), f.task))
	f.now = f.task.CreatedAt.Add(time.Second)
	f.svc = middleware.Logging(logger, scheduler.NewService(f.repos, f.locks, f.blobs, layout, scheduler.Config{}, logger, f.clock))

	return f
}

func (f *fixture) clock() time.Time {
	return f.now
}

func (f *fixture) addIteration(t *testing.T, id int64, status task.IterationStatus) task.Iteration {
	t.Helper()
	it := layout.NewIteration(f.task, id, blob.Location{}, f.now)
	it.Status = status
	require.NoError(t, f.repos.Iterations.Create(context.Background(), it))

	return it
}

func (f *fixture) currentTask(t *testing.T) task.Task {
	t.Helper()
	cur, err := f.repos.Tasks.Get(context.Background(), f.task.Key())
	require.NoError(t, err)

	return cur
}

func (f *fixture) updateTask(t *testing.T, fn func(t *task.Task)) {
	t.Helper()
	cur := f.currentTask(t)
	fn(&cur)
	ok, err := f.repos.Tasks.Update(context.Background(), cur.Status, cur)
	require.NoError(t, err)
	require.True(t, ok)
	f.task = cur
}

func TestProcessCreatedTasks(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		desc   string
		start  time.Duration
		locked bool
		status task.TaskStatus
	}{
		{desc: "start time passed", start: -time.Minute, status: task.TaskOpen},
		{desc: "start time in the future", start: time.Hour, status: task.TaskCreated},
		{desc: "locked by another replica", start: -time.Minute, locked: true, status: task.TaskCreated},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, task.TaskCreated)
			f.updateTask(t, func(tk *task.Task) { tk.StartNoEarlierThan = f.now.Add(tc.start) })
			if tc.locked {
				_, ok, err := f.locks.TryAcquire(ctx, lock.Key{Type: lock.TaskScheduler, ID: f.task.Key().String()}, time.Minute)
				require.NoError(t, err)
				require.True(t, ok)
			}

			require.NoError(t, f.svc.ProcessCreatedTasks(ctx))
			cur := f.currentTask(t)
			assert.Equal(t, tc.status, cur.Status)
			if tc.status == task.TaskOpen {
				assert.Equal(t, f.now, cur.StartedTime)
			}
		})
	}
}

type countingTasks struct {
	storage.TaskRepository
	updates atomic.Int32
}

func (c *countingTasks) Update(ctx context.Context, from task.TaskStatus, t task.Task) (bool, error) {
	ok, err := c.TaskRepository.Update(ctx, from, t)
	if ok {
		c.updates.Add(1)
	}

	return ok, err
}

// Replicas racing on one created task must open it exactly once.
func TestProcessCreatedTasksRace(t *testing.T) {
	ctx := context.Background()
	repos := storage.NewMemoryRepositories()
	tasks := &countingTasks{TaskRepository: repos.Tasks}
	repos.Tasks = tasks
	tk := testutil.TestTask("pop", 1)
	require.NoError(t, repos.Tasks.Create(ctx, tk))
	locks := lock.NewMemoryRegistry(nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc := scheduler.NewService(repos, locks, blob.NewMemoryStore(), layout, scheduler.Config{}, logger, nil)
			for range 5 {
				assert.NoError(t, svc.ProcessCreatedTasks(ctx))
			}
		}()
	}
	wg.Wait()

	cur, err := repos.Tasks.Get(ctx, tk.Key())
	require.NoError(t, err)
	assert.Equal(t, task.TaskOpen, cur.Status)
	assert.Equal(t, int32(1), tasks.updates.Load())
}

func TestProcessActiveTasks(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		desc       string
		setup      func(t *testing.T, f *fixture)
		iterations int
		checkpoint func(f *fixture) blob.Location
	}{
		{
			desc:       "first iteration starts from the initial checkpoint",
			setup:      func(*testing.T, *fixture) {},
			iterations: 1,
			checkpoint: func(f *fixture) blob.Location { return f.task.InitCheckpoint },
		},
		{
			desc:       "last iteration still running",
			setup:      func(t *testing.T, f *fixture) { f.addIteration(t, 1, task.IterationAggregating) },
			iterations: 1,
		},
		{
			desc:       "next iteration chains the previous checkpoint",
			setup:      func(t *testing.T, f *fixture) { f.addIteration(t, 1, task.IterationCompleted) },
			iterations: 2,
			checkpoint: func(f *fixture) blob.Location {
				return layout.NewCheckpoint(task.IterationKey{Population: "pop", TaskID: 1, IterationID: 1})
			},
		},
		{
			desc:       "total iterations reached",
			setup:      func(t *testing.T, f *fixture) { f.addIteration(t, 3, task.IterationCompleted) },
			iterations: 1,
		},
		{
			desc:       "failed iteration is not retried",
			setup:      func(t *testing.T, f *fixture) { f.addIteration(t, 1, task.IterationFailed) },
			iterations: 1,
		},
		{
			desc: "creation window closed",
			setup: func(t *testing.T, f *fixture) {
				f.updateTask(t, func(tk *task.Task) { tk.DoNotCreateIterationAfter = f.now.Add(-time.Second) })
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, task.TaskOpen)
			tc.setup(t, f)

			require.NoError(t, f.svc.ProcessActiveTasks(ctx))
			// Ticks are idempotent.
			require.NoError(t, f.svc.ProcessActiveTasks(ctx))

			its, err := f.repos.Iterations.ListByTask(ctx, f.task.Key())
			require.NoError(t, err)
			require.Len(t, its, tc.iterations)
			if tc.checkpoint != nil {
				last := its[len(its)-1]
				assert.Equal(t, task.IterationOpen, last.Status)
				assert.Equal(t, tc.checkpoint(f), last.Checkpoint)
				assert.Equal(t, f.task.MinAggregationSize, last.ReportGoal)
				assert.Equal(t, f.now.Add(f.task.CollectionTimeout), last.CollectionDeadline)
			}
		})
	}
}

func TestFinalizeTasks(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		desc   string
		setup  func(t *testing.T, f *fixture)
		status task.TaskStatus
	}{
		{
			desc:   "last iteration failed",
			setup:  func(t *testing.T, f *fixture) { f.addIteration(t, 2, task.IterationFailed) },
			status: task.TaskFailed,
		},
		{
			desc:   "all iterations completed",
			setup:  func(t *testing.T, f *fixture) { f.addIteration(t, 3, task.IterationCompleted) },
			status: task.TaskCompleted,
		},
		{
			desc:   "more iterations to run",
			setup:  func(t *testing.T, f *fixture) { f.addIteration(t, 1, task.IterationCompleted) },
			status: task.TaskOpen,
		},
		{
			desc:   "iteration in flight",
			setup:  func(t *testing.T, f *fixture) { f.addIteration(t, 3, task.IterationApplying) },
			status: task.TaskOpen,
		},
		{
			desc: "creation window closed after a completed iteration",
			setup: func(t *testing.T, f *fixture) {
				f.addIteration(t, 1, task.IterationCompleted)
				f.updateTask(t, func(tk *task.Task) { tk.DoNotCreateIterationAfter = f.now.Add(-time.Second) })
			},
			status: task.TaskCompleted,
		},
		{
			desc: "creation window closed before any iteration",
			setup: func(t *testing.T, f *fixture) {
				f.updateTask(t, func(tk *task.Task) { tk.DoNotCreateIterationAfter = f.now.Add(-time.Second) })
			},
			status: task.TaskCompleted,
		},
		{
			desc:   "no iteration yet",
			setup:  func(*testing.T, *fixture) {},
			status: task.TaskOpen,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, task.TaskOpen)
			tc.setup(t, f)

			require.NoError(t, f.svc.FinalizeTasks(ctx))
			cur := f.currentTask(t)
			assert.Equal(t, tc.status, cur.Status)
			if cur.Status.IsTerminal() {
				assert.Equal(t, f.now, cur.StopTime)
			}
		})
	}
}

func TestProcessCompletedIterations(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		desc     string
		metrics  []byte
		recorded bool
		saved    map[string]float64
		fail     bool
	}{
		{
			desc:     "metrics recorded",
			metrics:  []byte(`{"loss":0.25,"accuracy":0.9}`),
			recorded: true,
			saved:    map[string]float64{"accuracy": 0.9, "loss": 0.25},
		},
		{
			desc:     "malformed metrics are discarded",
			metrics:  []byte(`["loss"]`),
			recorded: true,
		},
		{
			desc: "missing metrics retried next tick",
			fail: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, task.TaskOpen)
			it := f.addIteration(t, 1, task.IterationCompleted)
			if tc.metrics != nil {
				require.NoError(t, f.blobs.Upload(ctx, it.Metrics, tc.metrics))
			}

			err := f.svc.ProcessCompletedIterations(ctx)
			if tc.fail {
				assert.ErrorIs(t, err, blob.ErrNotFound)
			} else {
				require.NoError(t, err)
			}

			cur, err := f.repos.Iterations.Get(ctx, it.Key())
			require.NoError(t, err)
			assert.Equal(t, tc.recorded, cur.MetricsRecorded)

			saved, err := f.repos.Metrics.ListByIteration(ctx, it.Key())
			require.NoError(t, err)
			got := map[string]float64{}
			for _, m := range saved {
				got[m.Name] = m.Value
			}
			if tc.saved == nil {
				tc.saved = map[string]float64{}
			}
			assert.Equal(t, tc.saved, got)
		})
	}
}

func TestParseMetrics(t *testing.T) {
	key := task.IterationKey{Population: "pop", TaskID: 1, IterationID: 2}
	now := time.Unix(1700000000, 0).UTC()

	cases := []struct {
		desc  string
		data  string
		names []string
		err   error
	}{
		{desc: "sorted by name", data: `{"loss":1,"accuracy":0.5,"num_updates":3}`, names: []string{"accuracy", "loss", "num_updates"}},
		{desc: "empty object", data: `{}`, names: []string{}},
		{desc: "not an object", data: `[1,2]`, err: scheduler.ErrMetricsPayload},
		{desc: "non numeric value", data: `{"loss":"low"}`, err: scheduler.ErrMetricsPayload},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			metrics, err := scheduler.ParseMetrics(key, []byte(tc.data), now)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			require.NoError(t, err)
			names := []string{}
			for _, m := range metrics {
				assert.Equal(t, key, m.IterationKey())
				assert.Equal(t, now, m.CreatedAt)
				names = append(names, m.Name)
			}
			assert.Equal(t, tc.names, names)
		})
	}
}
