package modelupdater_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/absmach/shuffler/modelupdater"
	"github.com/absmach/shuffler/modelupdater/middleware"
	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/pkg/crypto/cryptotest"
	"github.com/absmach/shuffler/pkg/fl"
	"github.com/absmach/shuffler/pkg/messaging"
	"github.com/absmach/shuffler/pkg/mqtt/mocks"
	"github.com/absmach/shuffler/pkg/plan"
	"github.com/absmach/shuffler/pkg/workorder"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	logger        = slog.New(slog.NewTextHandler(io.Discard, nil))
	planLoc       = blob.Location{Bucket: "plans", Object: "pop/plan"}
	checkpointLoc = blob.Location{Bucket: "checkpoints", Object: "pop/1/1/checkpoint"}
	aggLoc        = blob.Location{Bucket: "aggregated", Object: "pop/1/1/0/aggregated/final"}
	newCkptLoc    = blob.Location{Bucket: "checkpoints", Object: "pop/1/2/checkpoint"}
	clientLoc     = blob.Location{Bucket: "checkpoints", Object: "pop/1/2/client_checkpoint"}
	metricsLoc    = blob.Location{Bucket: "metrics", Object: "pop/1/1/0/metrics"}
)

type fixture struct {
	rig   *cryptotest.Rig
	blobs blob.Store
	svc   modelupdater.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	rig := cryptotest.NewRig(t, 2)
	blobs := blob.NewMemoryStore()
	engine, err := fl.NewEngine(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, blobs.Upload(ctx, planLoc, []byte(`{"algorithm":"fedavg","update_kind":"weights"}`)))
	require.NoError(t, blobs.Upload(ctx, checkpointLoc, []byte(`{"data":{"w":[0,0]},"metadata":{"round":2}}`)))

	partial, err := cbor.Marshal(fl.Partial{
		Samples: 4,
		Updates: 2,
		Sums:    map[string][]float64{"w": {16, 20}},
		Metrics: map[string]float64{"loss": 0.4},
	})
	require.NoError(t, err)
	require.NoError(t, blobs.Upload(ctx, aggLoc, rig.Seal(t, partial)))

	svc := modelupdater.NewService(blobs, rig.Decrypter, plan.Limit(engine, 1), modelupdater.Config{})
	svc = middleware.Logging(logger, svc)

	return &fixture{rig: rig, blobs: blobs, svc: svc}
}

func request() workorder.ApplyUpdateRequest {
	return workorder.ApplyUpdateRequest{
		Plan:                planLoc,
		AggregatedGradient:  aggLoc,
		Checkpoint:          checkpointLoc,
		NewCheckpoint:       newCkptLoc,
		NewClientCheckpoint: clientLoc,
		Metrics:             metricsLoc,
		RequestID:           "pop/1/1/0_apply",
	}
}

func (f *fixture) model(t *testing.T, loc blob.Location) fl.Model {
	t.Helper()
	data, err := f.blobs.Download(context.Background(), loc)
	require.NoError(t, err)
	var m fl.Model
	require.NoError(t, json.Unmarshal(data, &m))

	return m
}

func TestApplyUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.ApplyUpdate(ctx, request()))

	ckpt := f.model(t, newCkptLoc)
	assert.InDeltaSlice(t, []float64{4, 5}, ckpt.Data["w"], 1e-9)
	assert.Equal(t, 3.0, ckpt.Metadata["round"])

	client := f.model(t, clientLoc)
	assert.Equal(t, ckpt.Data, client.Data)
	assert.Equal(t, 3.0, client.Metadata["round"])

	data, err := f.blobs.Download(ctx, metricsLoc)
	require.NoError(t, err)
	var metrics map[string]float64
	require.NoError(t, json.Unmarshal(data, &metrics))
	assert.InDelta(t, 0.1, metrics["loss"], 1e-9)
	assert.Equal(t, 2.0, metrics["num_updates"])
	assert.Equal(t, 4.0, metrics["total_samples"])
	assert.InDelta(t, math.Sqrt(41), metrics["update_norm"], 1e-9)

	// Replays overwrite with the same content.
	require.NoError(t, f.svc.ApplyUpdate(ctx, request()))
	again, err := f.blobs.Download(ctx, metricsLoc)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestApplyUpdateOptionalOutputs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := request()
	req.NewCheckpoint = blob.Location{}
	req.NewClientCheckpoint = blob.Location{}
	require.NoError(t, f.svc.ApplyUpdate(ctx, req))

	for _, loc := range []blob.Location{newCkptLoc, clientLoc} {
		ok, err := f.blobs.Exists(ctx, loc)
		require.NoError(t, err)
		assert.False(t, ok, loc.String())
	}
	ok, err := f.blobs.Exists(ctx, metricsLoc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyUpdateFailures(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		desc   string
		setup  func(t *testing.T, f *fixture) workorder.ApplyUpdateRequest
		err    error
		reason workorder.ErrorReason
		fatal  bool
	}{
		{
			desc: "missing checkpoint",
			setup: func(_ *testing.T, _ *fixture) workorder.ApplyUpdateRequest {
				req := request()
				req.Checkpoint = checkpointLoc.Join("gone")

				return req
			},
			err:    blob.ErrNotFound,
			reason: workorder.UnknownError,
			fatal:  true,
		},
		{
			desc: "checkpoint shape differs from update",
			setup: func(t *testing.T, f *fixture) workorder.ApplyUpdateRequest {
				require.NoError(t, f.blobs.Upload(ctx, checkpointLoc, []byte(`{"data":{"w":[0,0,0]}}`)))

				return request()
			},
			err:    plan.ErrComputation,
			reason: workorder.AggregationError,
			fatal:  true,
		},
		{
			desc: "plan requires more samples",
			setup: func(t *testing.T, f *fixture) workorder.ApplyUpdateRequest {
				require.NoError(t, f.blobs.Upload(ctx, planLoc, []byte(`{"algorithm":"fedavg","min_samples":10}`)))

				return request()
			},
			err:    plan.ErrComputation,
			reason: workorder.AggregationError,
			fatal:  true,
		},
		{
			desc: "aggregate is not encrypted",
			setup: func(t *testing.T, f *fixture) workorder.ApplyUpdateRequest {
				require.NoError(t, f.blobs.Upload(ctx, aggLoc, []byte("plain")))

				return request()
			},
			err: modelupdater.ErrOpen,
		},
		{
			desc: "missing metrics location",
			setup: func(_ *testing.T, _ *fixture) workorder.ApplyUpdateRequest {
				req := request()
				req.Metrics = blob.Location{}

				return req
			},
			err:    workorder.ErrInvalidRequest,
			reason: workorder.UnknownError,
			fatal:  true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t)
			err := f.svc.ApplyUpdate(ctx, tc.setup(t, f))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.err)
			reason, fatal := workorder.Classify(err)
			assert.Equal(t, tc.reason, reason)
			assert.Equal(t, tc.fatal, fatal)

			for _, loc := range []blob.Location{newCkptLoc, clientLoc, metricsLoc} {
				ok, err := f.blobs.Exists(ctx, loc)
				require.NoError(t, err)
				assert.False(t, ok, "%s must not be written on failure", loc)
			}
		})
	}
}

func TestEncodeMetrics(t *testing.T) {
	cases := []struct {
		desc    string
		metrics map[string]float64
		out     string
		err     error
	}{
		{desc: "flat object", metrics: map[string]float64{"loss": 0.5, "acc": 1}, out: `{"acc":1,"loss":0.5}`},
		{desc: "empty", metrics: nil, out: `{}`},
		{desc: "not finite", metrics: map[string]float64{"loss": math.Inf(1)}, err: plan.ErrComputation},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			out, err := modelupdater.EncodeMetrics(tc.metrics)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)

				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tc.out, string(out))
		})
	}
}

func TestWorkerHandle(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		desc   string
		req    func(t *testing.T, f *fixture) workorder.ApplyUpdateRequest
		status workorder.Status
		reason workorder.ErrorReason
		fail   bool
	}{
		{
			desc:   "success publishes OK",
			req:    func(_ *testing.T, _ *fixture) workorder.ApplyUpdateRequest { return request() },
			status: workorder.StatusOK,
		},
		{
			desc: "computation failure publishes AGGREGATION_ERROR",
			req: func(t *testing.T, f *fixture) workorder.ApplyUpdateRequest {
				require.NoError(t, f.blobs.Upload(ctx, checkpointLoc, []byte(`{"data":{"v":[1]}}`)))

				return request()
			},
			status: workorder.StatusError,
			reason: workorder.AggregationError,
			fail:   true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t)
			pub := new(mocks.MockPubSub)
			var published []byte
			pub.On("Publish", mock.Anything, workorder.TopicNotifications, mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { published = args.Get(2).([]byte) }).
				Return(nil)

			payload, err := workorder.EncodeApplyUpdateRequest(tc.req(t, f))
			require.NoError(t, err)
			w := modelupdater.NewWorker(f.svc, pub, logger)
			err = w.Handle(ctx, messaging.Message{Topic: workorder.TopicApply, Payload: payload, Attempt: 1})
			if tc.fail {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			n, err := workorder.DecodeNotification(published)
			require.NoError(t, err)
			assert.Equal(t, "pop/1/1/0_apply", n.RequestID)
			assert.Equal(t, tc.status, n.Status)
			assert.Equal(t, tc.reason, n.ErrorReason)
		})
	}
}
