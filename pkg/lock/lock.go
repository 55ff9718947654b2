// Package lock provides TTL leases that let redundant replicas race for the
// right to advance a task or iteration.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	TaskScheduler      = "taskscheduler"
	Collector          = "collector"
	CompletedIteration = "completed_iteration"

	DefaultTTL = 10 * time.Second

	releaseTimeout = 5 * time.Second
)

var (
	ErrLockLost   = errors.New("lock no longer held")
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

type Key struct {
	Type string
	ID   string
}

func (k Key) String() string {
	return k.Type + "_" + k.ID
}

type Lock interface {
	Key() Key
	Token() string
	// Renew extends the lease, failing with ErrLockLost if it expired or
	// was taken over.
	Renew(ctx context.Context, ttl time.Duration) error
	// Release frees the lease if it is still held by this token.
	Release(ctx context.Context) error
}

// Registry hands out leases. TryAcquire never blocks on contention: a held
// key returns ok == false.
type Registry interface {
	TryAcquire(ctx context.Context, key Key, ttl time.Duration) (l Lock, ok bool, err error)
}

// Run acquires key and runs fn while renewing the lease every ttl/3. It
// reports acquired == false without calling fn when the key is held
// elsewhere. fn's context is canceled if the lease is lost.
func Run(ctx context.Context, reg Registry, key Key, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	l, ok, err := reg.TryAcquire(ctx, key, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := l.Renew(runCtx, ttl); err != nil {
					cancel(fmt.Errorf("%w: %s: %w", ErrLockLost, key, err))

					return
				}
			}
		}
	}()

	err = fn(runCtx)
	close(done)
	wg.Wait()
	lost := context.Cause(runCtx)
	cancel(nil)

	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer relCancel()
	if rerr := l.Release(relCtx); rerr != nil && !errors.Is(rerr, ErrLockLost) && err == nil {
		err = fmt.Errorf("failed to release lock %s: %w", key, rerr)
	}

	if err != nil && errors.Is(lost, ErrLockLost) {
		return true, errors.Join(err, lost)
	}

	return true, err
}
