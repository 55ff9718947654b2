// Package collector watches open iterations for contributions, dispatches
// aggregation work orders and advances iterations from worker notifications.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/pkg/lock"
	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/absmach/shuffler/pkg/storage"
	"github.com/absmach/shuffler/pkg/workorder"
	"github.com/absmach/shuffler/task"
)

const (
	defaultBatchSize = 100

	// ReasonDeadlineExceeded is stored on iterations failed by the timeout sweep.
	ReasonDeadlineExceeded = "DEADLINE_EXCEEDED"
)

var (
	// ErrLockBusy is returned for a notification whose iteration is locked by
	// another replica; the message is nacked and redelivered later.
	ErrLockBusy = errors.New("iteration is locked by another replica")
	ErrList     = errors.New("failed to list contributions")
	ErrPublish  = errors.New("failed to publish work order")
)

type Config struct {
	BatchSize int           `env:"BATCH_SIZE" envDefault:"100"`
	// LockTTL is taken from the shared lock configuration.
	LockTTL time.Duration `env:"-"`
}

type Service interface {
	// ProcessCollecting dispatches aggregation for open iterations that
	// reached their report goal or collection deadline.
	ProcessCollecting(ctx context.Context) error
	// ProcessTimeouts fails iterations past their deadline and cancels the
	// iterations of canceled tasks.
	ProcessTimeouts(ctx context.Context) error
	HandleNotification(ctx context.Context, n workorder.CompletionNotification) error
}

type service struct {
	tasks      storage.TaskRepository
	iterations storage.IterationRepository
	locks      lock.Registry
	blobs      blob.Store
	pub        messaging.Publisher
	layout     task.Layout
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(
	tasks storage.TaskRepository,
	iterations storage.IterationRepository,
	locks lock.Registry,
	blobs blob.Store,
	pub messaging.Publisher,
	layout task.Layout,
	cfg Config,
	logger *slog.Logger,
	now func() time.Time,
) Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	if now == nil {
		now = time.Now
	}

	return &service{
		tasks:      tasks,
		iterations: iterations,
		locks:      locks,
		blobs:      blobs,
		pub:        pub,
		layout:     layout,
		cfg:        cfg,
		logger:     logger,
		now:        now,
	}
}

func (svc *service) ProcessCollecting(ctx context.Context) error {
	open, err := svc.iterations.ListByStatus(ctx, task.IterationOpen)
	if err != nil {
		return fmt.Errorf("failed to list open iterations: %w", err)
	}

	var errs []error
	for _, it := range open {
		if err := svc.withLock(ctx, it.Key(), func(ctx context.Context) error {
			return svc.collect(ctx, it.Key())
		}); err != nil && !errors.Is(err, ErrLockBusy) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (svc *service) collect(ctx context.Context, key task.IterationKey) error {
	it, err := svc.iterations.Get(ctx, key)
	if err != nil {
		return err
	}
	if it.Status != task.IterationOpen {
		return nil
	}

	now := svc.now()
	if len(it.Batches) == 0 {
		planned, err := svc.freeze(ctx, it, now)
		if err != nil || len(planned.Batches) == 0 {
			return err
		}
		it = planned
	}

	for _, b := range it.Batches {
		if b.Level != 0 {
			continue
		}
		if err := svc.publishBatch(ctx, it, b); err != nil {
			return err
		}
	}
	if err := it.Advance(task.IterationAggregating, now); err != nil {
		return err
	}
	ok, err := svc.iterations.Update(ctx, task.IterationOpen, it)
	if err != nil {
		return err
	}
	if ok {
		svc.logger.InfoContext(ctx, "iteration aggregating",
			slog.String("iteration", key.String()),
			slog.Int("contributions", it.Contributions),
			slog.Int("batches", len(it.Batches)),
		)
	}

	return nil
}

// freeze lists the contributions and, once the iteration is ready, stores
// its batch plan while it is still OPEN. Later ticks publish the stored plan,
// so a request id always names the same inputs. The returned iteration has
// no batches when it is not ready or the store moved on.
func (svc *service) freeze(ctx context.Context, it task.Iteration, now time.Time) (task.Iteration, error) {
	key := it.Key()
	names, err := svc.blobs.List(ctx, it.GradientPrefix)
	if err != nil {
		return task.Iteration{}, fmt.Errorf("%w: %s: %w", ErrList, key, err)
	}
	ready := len(names) >= it.ReportGoal || (len(names) > 0 && !now.Before(it.CollectionDeadline))
	if !ready {
		if len(names) != it.Contributions {
			it.Contributions = len(names)
			it.UpdatedAt = now
			if _, err := svc.iterations.Update(ctx, task.IterationOpen, it); err != nil {
				return task.Iteration{}, err
			}
		}

		return task.Iteration{}, nil
	}

	if it.MaxAggregationSize > 0 && len(names) > it.MaxAggregationSize {
		names = names[:it.MaxAggregationSize]
	}
	gradients := make([]blob.Location, len(names))
	for i, name := range names {
		gradients[i] = blob.Location{Bucket: it.GradientPrefix.Bucket, Object: name}
	}
	it.Batches = svc.plan(it, gradients, now)
	it.Contributions = len(names)
	it.UpdatedAt = now
	ok, err := svc.iterations.Update(ctx, task.IterationOpen, it)
	if err != nil {
		return task.Iteration{}, err
	}
	if !ok {
		return task.Iteration{}, nil
	}

	return it, nil
}

// plan splits gradients into level 0 batches. With more than one of them, a
// level 1 batch combines their outputs into the final aggregate.
func (svc *service) plan(it task.Iteration, gradients []blob.Location, now time.Time) []task.Batch {
	key := it.Key()
	var level0 []task.Batch
	for i := 0; i < len(gradients); i += svc.cfg.BatchSize {
		end := min(i+svc.cfg.BatchSize, len(gradients))
		id := workorder.BatchRequestID(key, 0, len(level0))
		level0 = append(level0, task.Batch{
			ID:        id,
			Level:     0,
			Inputs:    gradients[i:end],
			Output:    svc.layout.BatchOutput(key, id),
			Status:    task.BatchPending,
			UpdatedAt: now,
		})
	}
	if len(level0) == 1 {
		level0[0].Output = it.AggregatedGradient

		return level0
	}

	inputs := make([]blob.Location, len(level0))
	for i, b := range level0 {
		inputs[i] = b.Output
	}

	return append(level0, task.Batch{
		ID:        workorder.BatchRequestID(key, 1, 0),
		Level:     1,
		Inputs:    inputs,
		Output:    it.AggregatedGradient,
		Status:    task.BatchPending,
		UpdatedAt: now,
	})
}

func (svc *service) publishBatch(ctx context.Context, it task.Iteration, b task.Batch) error {
	req := workorder.AggregateRequest{
		Plan:                   it.Plan,
		Gradients:              b.Inputs,
		AccumulateIntermediate: b.Level > 0,
		Output:                 b.Output,
		RequestID:              b.ID,
	}
	if err := workorder.PublishAggregateRequest(ctx, svc.pub, req); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublish, b.ID, err)
	}

	return nil
}

func (svc *service) publishApply(ctx context.Context, it task.Iteration) error {
	req := workorder.ApplyUpdateRequest{
		Plan:                it.Plan,
		AggregatedGradient:  it.AggregatedGradient,
		Checkpoint:          it.Checkpoint,
		NewCheckpoint:       it.NewCheckpoint,
		NewClientCheckpoint: it.NewClientCheckpoint,
		Metrics:             it.Metrics,
		RequestID:           workorder.ApplyRequestID(it.Key()),
	}
	if err := workorder.PublishApplyUpdateRequest(ctx, svc.pub, req); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublish, req.RequestID, err)
	}

	return nil
}

func (svc *service) HandleNotification(ctx context.Context, n workorder.CompletionNotification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	ref, err := workorder.ParseRequestID(n.RequestID)
	if err != nil {
		return err
	}

	return svc.withLock(ctx, ref.Iteration, func(ctx context.Context) error {
		return svc.advance(ctx, ref, n)
	})
}

func (svc *service) advance(ctx context.Context, ref workorder.RequestRef, n workorder.CompletionNotification) error {
	it, err := svc.iterations.Get(ctx, ref.Iteration)
	if err != nil {
		return err
	}
	from := it.Status
	if from.IsTerminal() {
		return nil
	}
	now := svc.now()

	if ref.Apply {
		if from != task.IterationApplying {
			return nil
		}
		if n.Status == workorder.StatusError {
			return svc.fail(ctx, from, it, n, now)
		}
		if err := it.Advance(task.IterationCompleted, now); err != nil {
			return err
		}

		return svc.save(ctx, from, it)
	}

	// Only a batch still pending on an aggregating iteration can move it.
	// Late or duplicate notifications, and ids the iteration never issued,
	// are dropped.
	if from != task.IterationAggregating {
		return nil
	}
	idx := slices.IndexFunc(it.Batches, func(b task.Batch) bool { return b.ID == n.RequestID })
	if idx < 0 || it.Batches[idx].Status == task.BatchDone {
		svc.logger.DebugContext(ctx, "ignoring stale notification",
			slog.String("request_id", n.RequestID),
			slog.String("status", string(n.Status)),
		)

		return nil
	}
	if n.Status == workorder.StatusError {
		return svc.fail(ctx, from, it, n, now)
	}
	it.Batches[idx].Status = task.BatchDone
	it.Batches[idx].UpdatedAt = now
	it.UpdatedAt = now
	done := it.Batches[idx]

	switch {
	case done.Output == it.AggregatedGradient:
		if err := svc.publishApply(ctx, it); err != nil {
			return err
		}
		if err := it.Advance(task.IterationApplying, now); err != nil {
			return err
		}
	case it.PendingAtLevel(done.Level) == 0:
		for _, b := range it.Batches {
			if b.Level == done.Level+1 {
				if err := svc.publishBatch(ctx, it, b); err != nil {
					return err
				}
			}
		}
	}

	return svc.save(ctx, from, it)
}

func (svc *service) fail(ctx context.Context, from task.IterationStatus, it task.Iteration, n workorder.CompletionNotification, now time.Time) error {
	if err := it.Advance(task.IterationFailed, now); err != nil {
		return err
	}
	it.ErrorReason = string(n.ErrorReason)

	return svc.save(ctx, from, it)
}

func (svc *service) ProcessTimeouts(ctx context.Context) error {
	active, err := svc.iterations.ListByStatus(ctx, task.ActiveIterationStatuses...)
	if err != nil {
		return fmt.Errorf("failed to list active iterations: %w", err)
	}

	var errs []error
	for _, it := range active {
		if err := svc.withLock(ctx, it.Key(), func(ctx context.Context) error {
			return svc.expire(ctx, it.Key())
		}); err != nil && !errors.Is(err, ErrLockBusy) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (svc *service) expire(ctx context.Context, key task.IterationKey) error {
	it, err := svc.iterations.Get(ctx, key)
	if err != nil {
		return err
	}
	from := it.Status
	if from.IsTerminal() {
		return nil
	}
	t, err := svc.tasks.Get(ctx, key.TaskKey())
	if err != nil {
		return err
	}
	now := svc.now()

	switch {
	case t.Status == task.TaskCanceled:
		if err := it.Advance(task.IterationCanceled, now); err != nil {
			return err
		}
	case now.After(it.Deadline):
		if err := it.Advance(task.IterationFailed, now); err != nil {
			return err
		}
		it.ErrorReason = ReasonDeadlineExceeded
	default:
		return nil
	}

	return svc.save(ctx, from, it)
}

func (svc *service) save(ctx context.Context, from task.IterationStatus, it task.Iteration) error {
	ok, err := svc.iterations.Update(ctx, from, it)
	if err != nil {
		return err
	}
	if !ok {
		svc.logger.WarnContext(ctx, "iteration changed concurrently, update skipped",
			slog.String("iteration", it.Key().String()),
			slog.String("from", from.String()),
			slog.String("to", it.Status.String()),
		)

		return nil
	}
	svc.logger.InfoContext(ctx, "iteration updated",
		slog.String("iteration", it.Key().String()),
		slog.String("from", from.String()),
		slog.String("to", it.Status.String()),
	)

	return nil
}

func (svc *service) withLock(ctx context.Context, key task.IterationKey, fn func(ctx context.Context) error) error {
	acquired, err := lock.Run(ctx, svc.locks, lock.Key{Type: lock.Collector, ID: key.String()}, svc.cfg.LockTTL, fn)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrLockBusy, key)
	}

	return nil
}
