package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/scheduler"
	"github.com/absmach/shuffler/task"
	"github.com/spf13/cobra"
)

var (
	defOffset uint64 = 0
	defLimit  uint64 = 10

	errNoAdmin = errors.New("task admin is not configured")
)

var admin scheduler.Admin

func SetAdmin(a scheduler.Admin) {
	admin = a
}

type createFlags struct {
	totalIterations   int64
	minSize           int
	maxSize           int
	maxParallel       int
	plan              string
	checkpoint        string
	collectionTimeout time.Duration
	iterationTimeout  time.Duration
	startAfter        time.Duration
	stopAfter         time.Duration
	correlationID     string
	minClientVersion  string
	maxClientVersion  string
	info              string
}

func (f createFlags) task(population string, id int64, now time.Time) (task.Task, error) {
	planLoc, err := blob.ParseLocation(f.plan)
	if err != nil {
		return task.Task{}, fmt.Errorf("plan: %w", err)
	}
	ckptLoc, err := blob.ParseLocation(f.checkpoint)
	if err != nil {
		return task.Task{}, fmt.Errorf("checkpoint: %w", err)
	}
	t := task.Task{
		Population:         population,
		TaskID:             id,
		TotalIteration:     f.totalIterations,
		MinAggregationSize: f.minSize,
		MaxAggregationSize: f.maxSize,
		MaxParallel:        f.maxParallel,
		StartNoEarlierThan: now.Add(f.startAfter),
		CorrelationID:      f.correlationID,
		MinClientVersion:   f.minClientVersion,
		MaxClientVersion:   f.maxClientVersion,
		Plan:               planLoc,
		InitCheckpoint:     ckptLoc,
		CollectionTimeout:  f.collectionTimeout,
		IterationTimeout:   f.iterationTimeout,
	}
	if f.stopAfter > 0 {
		t.DoNotCreateIterationAfter = now.Add(f.stopAfter)
	}
	if f.info != "" {
		t.Info = []byte(f.info)
	}

	return t, nil
}

func parseKey(args []string) (task.TaskKey, error) {
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return task.TaskKey{}, fmt.Errorf("invalid task id %q: %w", args[1], err)
	}

	return task.TaskKey{Population: args[0], TaskID: id}, nil
}

// keyCmd builds a command that takes "<population> <task_id>" and prints
// what run returns.
func keyCmd(use, short string, run func(cmd *cobra.Command, key task.TaskKey) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <population> <task_id>",
		Short: short,
		Long:  short + ".",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}
			if admin == nil {
				logErrorCmd(*cmd, errNoAdmin)

				return
			}
			key, err := parseKey(args)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			v, err := run(cmd, key)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, v)
		},
	}
}

func NewTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks [create|get|list|cancel|iterations|metrics]",
		Short: "Tasks manager",
		Long:  `Create, inspect and cancel aggregation tasks.`,
	}

	var flags createFlags
	createCmd := &cobra.Command{
		Use:   "create <population> <task_id>",
		Short: "Create task",
		Long: `Create an aggregation task. The scheduler opens it once its start time passes.

Examples:
  # Three iterations of 10 to 100 clients each
  shuffler-cli tasks create mnist 1 --total-iterations=3 --min-size=10 --max-size=100 \
    --plan=models/mnist/plan.bin --checkpoint=models/mnist/init.ckpt`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 2 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}
			if admin == nil {
				logErrorCmd(*cmd, errNoAdmin)

				return
			}
			key, err := parseKey(args)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			t, err := flags.task(key.Population, key.TaskID, time.Now())
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			t, err = admin.CreateTask(cmd.Context(), t)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, t)
		},
	}

	fs := createCmd.Flags()
	fs.Int64Var(&flags.totalIterations, "total-iterations", 1, "Number of iterations to run")
	fs.IntVar(&flags.minSize, "min-size", 1, "Minimum contributions for an iteration to aggregate")
	fs.IntVar(&flags.maxSize, "max-size", 100, "Maximum contributions aggregated per iteration")
	fs.IntVar(&flags.maxParallel, "max-parallel", 0, "Maximum parallel batches (0 means unlimited)")
	fs.StringVar(&flags.plan, "plan", "", "Plan location as bucket/object")
	fs.StringVar(&flags.checkpoint, "checkpoint", "", "Initial checkpoint location as bucket/object")
	fs.DurationVar(&flags.collectionTimeout, "collection-timeout", 10*time.Minute, "Time allowed to collect contributions")
	fs.DurationVar(&flags.iterationTimeout, "iteration-timeout", 30*time.Minute, "Time allowed for a whole iteration")
	fs.DurationVar(&flags.startAfter, "start-after", 0, "Delay before the task opens")
	fs.DurationVar(&flags.stopAfter, "stop-after", 0, "Stop creating iterations after this delay (0 means never)")
	fs.StringVar(&flags.correlationID, "correlation-id", "", "Correlation id passed through to clients")
	fs.StringVar(&flags.minClientVersion, "min-client-version", "", "Minimum client version")
	fs.StringVar(&flags.maxClientVersion, "max-client-version", "", "Maximum client version")
	fs.StringVar(&flags.info, "info", "", "Opaque task info")

	getCmd := keyCmd("get", "Get task", func(cmd *cobra.Command, key task.TaskKey) (any, error) {
		return admin.GetTask(cmd.Context(), key)
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  `List tasks.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}
			if admin == nil {
				logErrorCmd(*cmd, errNoAdmin)

				return
			}
			page, err := admin.ListTasks(cmd.Context(), defOffset, defLimit)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, page)
		},
	}

	cancelCmd := keyCmd("cancel", "Cancel task", func(cmd *cobra.Command, key task.TaskKey) (any, error) {
		return admin.CancelTask(cmd.Context(), key)
	})

	iterationsCmd := keyCmd("iterations", "List task iterations", func(cmd *cobra.Command, key task.TaskKey) (any, error) {
		return admin.ListIterations(cmd.Context(), key)
	})

	metricsCmd := keyCmd("metrics", "List recorded task metrics", func(cmd *cobra.Command, key task.TaskKey) (any, error) {
		return admin.ListMetrics(cmd.Context(), key)
	})

	cmd.AddCommand(createCmd)
	cmd.AddCommand(getCmd)
	cmd.AddCommand(listCmd)
	cmd.AddCommand(cancelCmd)
	cmd.AddCommand(iterationsCmd)
	cmd.AddCommand(metricsCmd)

	cmd.PersistentFlags().Uint64VarP(
		&defOffset,
		"offset",
		"o",
		defOffset,
		"Offset",
	)

	cmd.PersistentFlags().Uint64VarP(
		&defLimit,
		"limit",
		"l",
		defLimit,
		"Limit",
	)

	return cmd
}
