package collector_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/shuffler/collector"
	"github.com/absmach/shuffler/collector/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLoopCadence(t *testing.T) {
	cases := []struct {
		desc       string
		cfg        collector.LoopConfig
		err        error
		collecting bool
		timeouts   bool
	}{
		{
			desc:       "fast tick dispatches aggregation",
			cfg:        collector.LoopConfig{FastInterval: 5 * time.Millisecond, SlowInterval: time.Hour},
			collecting: true,
		},
		{
			desc:     "slow tick sweeps timeouts",
			cfg:      collector.LoopConfig{FastInterval: time.Hour, SlowInterval: 5 * time.Millisecond},
			timeouts: true,
		},
		{
			desc:       "errors do not stop the loop",
			cfg:        collector.LoopConfig{FastInterval: 5 * time.Millisecond, SlowInterval: 5 * time.Millisecond},
			err:        errors.New("store unavailable"),
			collecting: true,
			timeouts:   true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			var collecting, timeouts atomic.Int32
			svc := new(mocks.MockService)
			svc.On("ProcessCollecting", mock.Anything).Return(tc.err).Run(func(mock.Arguments) { collecting.Add(1) }).Maybe()
			svc.On("ProcessTimeouts", mock.Anything).Return(tc.err).Run(func(mock.Arguments) { timeouts.Add(1) }).Maybe()

			loop := collector.NewLoop(svc, tc.cfg, logger)
			done := make(chan error, 1)
			go func() { done <- loop.Start(context.Background()) }()

			require.Eventually(t, func() bool {
				return (!tc.collecting || collecting.Load() >= 2) && (!tc.timeouts || timeouts.Load() >= 2)
			}, time.Second, 5*time.Millisecond)

			loop.Stop()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("loop did not stop")
			}
			if !tc.collecting {
				assert.Zero(t, collecting.Load())
			}
			if !tc.timeouts {
				assert.Zero(t, timeouts.Load())
			}
		})
	}
}

func TestLoopContextCancel(t *testing.T) {
	svc := new(mocks.MockService)
	loop := collector.NewLoop(svc, collector.LoopConfig{FastInterval: time.Hour, SlowInterval: time.Hour}, logger)
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
	svc.AssertNotCalled(t, "ProcessCollecting", mock.Anything)
	svc.AssertNotCalled(t, "ProcessTimeouts", mock.Anything)
}
