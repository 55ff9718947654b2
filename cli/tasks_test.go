package cli

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/lock"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/scheduler"
	"github.com/absmach/shuffler/task"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	m.Run()
}

func TestCreateFlagsTask(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	base := createFlags{
		totalIterations:   2,
		minSize:           5,
		maxSize:           10,
		plan:              "models/plan.bin",
		checkpoint:        "models/init.ckpt",
		collectionTimeout: time.Minute,
		iterationTimeout:  time.Hour,
		startAfter:        time.Second,
	}

	cases := []struct {
		desc   string
		mutate func(*createFlags)
		check  func(t *testing.T, tk task.Task)
		err    bool
	}{
		{
			desc: "defaults",
			check: func(t *testing.T, tk task.Task) {
				assert.Equal(t, "models", tk.Plan.Bucket)
				assert.Equal(t, "init.ckpt", tk.InitCheckpoint.Object)
				assert.Equal(t, now.Add(time.Second), tk.StartNoEarlierThan)
				assert.True(t, tk.DoNotCreateIterationAfter.IsZero())
				assert.Nil(t, tk.Info)
				assert.NoError(t, tk.Validate())
			},
		},
		{
			desc:   "stop after and info",
			mutate: func(f *createFlags) { f.stopAfter = time.Hour; f.info = "abc" },
			check: func(t *testing.T, tk task.Task) {
				assert.Equal(t, now.Add(time.Hour), tk.DoNotCreateIterationAfter)
				assert.Equal(t, []byte("abc"), tk.Info)
			},
		},
		{desc: "bad plan", mutate: func(f *createFlags) { f.plan = "noslash" }, err: true},
		{desc: "bad checkpoint", mutate: func(f *createFlags) { f.checkpoint = "" }, err: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f := base
			if tc.mutate != nil {
				tc.mutate(&f)
			}
			tk, err := f.task("pop", 7, now)
			if tc.err {
				assert.Error(t, err)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, task.TaskKey{Population: "pop", TaskID: 7}, tk.Key())
			tc.check(t, tk)
		})
	}
}

func TestParseKey(t *testing.T) {
	key, err := parseKey([]string{"pop", "12"})
	require.NoError(t, err)
	assert.Equal(t, task.TaskKey{Population: "pop", TaskID: 12}, key)

	_, err = parseKey([]string{"pop", "twelve"})
	assert.Error(t, err)
}

func TestTasksCmd(t *testing.T) {
	repos := storage.NewMemoryRepositories()
	SetAdmin(scheduler.NewAdmin(repos, lock.NewMemoryRegistry(nil), scheduler.Config{}, nil))
	t.Cleanup(func() { SetAdmin(nil) })

	run := func(args ...string) (string, string) {
		cmd := NewTasksCmd()
		var out, errOut bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&errOut)
		cmd.SetArgs(args)
		require.NoError(t, cmd.Execute())

		return out.String(), errOut.String()
	}

	out, errOut := run("create", "pop", "1",
		"--total-iterations=3", "--min-size=2", "--max-size=4",
		"--plan=models/plan.bin", "--checkpoint=models/init.ckpt")
	assert.Empty(t, errOut)
	var created task.Task
	require.NoError(t, json.Unmarshal(bytes.TrimSpace([]byte(out)), &created))
	assert.Equal(t, task.TaskCreated, created.Status)
	assert.Equal(t, int64(3), created.TotalIteration)

	_, errOut = run("create", "pop", "1", "--plan=models/plan.bin", "--checkpoint=models/init.ckpt")
	assert.Contains(t, errOut, "error:")

	out, _ = run("list")
	var page task.TaskPage
	require.NoError(t, json.Unmarshal(bytes.TrimSpace([]byte(out)), &page))
	assert.Equal(t, uint64(1), page.Total)

	out, _ = run("cancel", "pop", "1")
	var canceled task.Task
	require.NoError(t, json.Unmarshal(bytes.TrimSpace([]byte(out)), &canceled))
	assert.Equal(t, task.TaskCanceled, canceled.Status)

	out, _ = run("get")
	assert.Contains(t, out, "usage:")

	_, errOut = run("get", "pop", "2")
	assert.Contains(t, errOut, "error:")
}
