package plan_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/shuffler/pkg/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEngine struct {
	open    atomic.Int32
	maxOpen atomic.Int32
	fail    bool
}

func (e *countingEngine) OpenSession(context.Context, []byte, []byte) (plan.Session, error) {
	if e.fail {
		return nil, plan.ErrComputation
	}
	n := e.open.Add(1)
	for {
		m := e.maxOpen.Load()
		if n <= m || e.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}

	return &countingSession{engine: e}, nil
}

type countingSession struct {
	plan.Session
	engine *countingEngine
	once   sync.Once
}

func (s *countingSession) Close() error {
	s.once.Do(func() { s.engine.open.Add(-1) })

	return nil
}

func TestLimitSerializesSessions(t *testing.T) {
	inner := &countingEngine{}
	engine := plan.Limit(inner, 1)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := engine.OpenSession(context.Background(), nil, nil)
			if !assert.NoError(t, err) {
				return
			}
			time.Sleep(5 * time.Millisecond)
			assert.NoError(t, s.Close())
			// A second close must not free a slot twice.
			assert.NoError(t, s.Close())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inner.maxOpen.Load())
}

func TestLimitHonorsContext(t *testing.T) {
	engine := plan.Limit(&countingEngine{}, 1)
	held, err := engine.OpenSession(context.Background(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = engine.OpenSession(ctx, nil, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, held.Close())
	s, err := engine.OpenSession(context.Background(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLimitReleasesOnOpenFailure(t *testing.T) {
	inner := &countingEngine{fail: true}
	engine := plan.Limit(inner, 1)

	_, err := engine.OpenSession(context.Background(), nil, nil)
	assert.ErrorIs(t, err, plan.ErrComputation)

	inner.fail = false
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := engine.OpenSession(ctx, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
