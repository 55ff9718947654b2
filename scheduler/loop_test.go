package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/shuffler/scheduler"
	"github.com/absmach/shuffler/scheduler/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	fastMethods = []string{"ProcessCreatedTasks", "ProcessActiveTasks"}
	slowMethods = []string{"FinalizeTasks", "ProcessCompletedIterations"}
)

func TestLoopCadence(t *testing.T) {
	cases := []struct {
		desc string
		cfg  scheduler.LoopConfig
		err  error
		fast bool
		slow bool
	}{
		{
			desc: "fast tick opens tasks and creates iterations",
			cfg:  scheduler.LoopConfig{FastInterval: 5 * time.Millisecond, SlowInterval: time.Hour},
			fast: true,
		},
		{
			desc: "slow tick finalizes tasks and records metrics",
			cfg:  scheduler.LoopConfig{FastInterval: time.Hour, SlowInterval: 5 * time.Millisecond},
			slow: true,
		},
		{
			desc: "errors do not stop the loop",
			cfg:  scheduler.LoopConfig{FastInterval: 5 * time.Millisecond, SlowInterval: 5 * time.Millisecond},
			err:  errors.New("store unavailable"),
			fast: true,
			slow: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			calls := map[string]*atomic.Int32{}
			svc := new(mocks.MockService)
			for _, m := range append(append([]string{}, fastMethods...), slowMethods...) {
				n := &atomic.Int32{}
				calls[m] = n
				svc.On(m, mock.Anything).Return(tc.err).Run(func(mock.Arguments) { n.Add(1) }).Maybe()
			}
			ran := func(methods []string) bool {
				for _, m := range methods {
					if calls[m].Load() < 2 {
						return false
					}
				}

				return true
			}

			loop := scheduler.NewLoop(svc, tc.cfg, logger)
			done := make(chan error, 1)
			go func() { done <- loop.Start(context.Background()) }()

			require.Eventually(t, func() bool {
				return (!tc.fast || ran(fastMethods)) && (!tc.slow || ran(slowMethods))
			}, time.Second, 5*time.Millisecond)

			loop.Stop()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("loop did not stop")
			}
			if !tc.fast {
				for _, m := range fastMethods {
					assert.Zero(t, calls[m].Load(), m)
				}
			}
			if !tc.slow {
				for _, m := range slowMethods {
					assert.Zero(t, calls[m].Load(), m)
				}
			}
		})
	}
}

func TestLoopContextCancel(t *testing.T) {
	svc := new(mocks.MockService)
	loop := scheduler.NewLoop(svc, scheduler.LoopConfig{FastInterval: time.Hour, SlowInterval: time.Hour}, logger)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- loop.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on cancel")
	}
	for _, m := range append(append([]string{}, fastMethods...), slowMethods...) {
		svc.AssertNotCalled(t, m, mock.Anything)
	}
}
