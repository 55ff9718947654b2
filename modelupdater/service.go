// Package modelupdater applies an aggregated update to a checkpoint and
// publishes the resulting checkpoints and metrics.
package modelupdater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/pkg/crypto"
	"github.com/absmach/shuffler/pkg/plan"
	"github.com/absmach/shuffler/pkg/workorder"
	"golang.org/x/sync/errgroup"
)

const defaultIOTimeout = time.Minute

var (
	ErrDownload = errors.New("failed to download blob")
	ErrOpen     = errors.New("failed to open aggregated update")
	ErrUpload   = errors.New("failed to upload result")
)

type Config struct {
	IOTimeout time.Duration `env:"IO_TIMEOUT" envDefault:"1m"`
}

type Service interface {
	// ApplyUpdate computes every requested artifact before uploading any.
	ApplyUpdate(ctx context.Context, req workorder.ApplyUpdateRequest) error
}

type service struct {
	blobs     blob.Store
	decrypter crypto.Decrypter
	engine    plan.Engine
	cfg       Config
}

func NewService(blobs blob.Store, decrypter crypto.Decrypter, engine plan.Engine, cfg Config) Service {
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultIOTimeout
	}

	return &service{
		blobs:     blobs,
		decrypter: decrypter,
		engine:    engine,
		cfg:       cfg,
	}
}

type result struct {
	checkpoint       []byte
	clientCheckpoint []byte
	metrics          []byte
}

func (svc *service) ApplyUpdate(ctx context.Context, req workorder.ApplyUpdateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	var update, checkpoint, planData []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := svc.download(gctx, req.AggregatedGradient)
		if err != nil {
			return err
		}
		if update, err = crypto.OpenPayload(gctx, svc.decrypter, data); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrOpen, req.AggregatedGradient, err)
		}

		return nil
	})
	g.Go(func() error {
		var err error
		checkpoint, err = svc.download(gctx, req.Checkpoint)

		return err
	})
	g.Go(func() error {
		var err error
		planData, err = svc.download(gctx, req.Plan)

		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	res, err := svc.apply(ctx, req, planData, checkpoint, update)
	if err != nil {
		return err
	}

	uploads := []struct {
		loc  blob.Location
		data []byte
	}{
		{req.NewCheckpoint, res.checkpoint},
		{req.Metrics, res.metrics},
		{req.NewClientCheckpoint, res.clientCheckpoint},
	}
	for _, u := range uploads {
		if u.loc.IsZero() {
			continue
		}
		if err := svc.upload(ctx, u.loc, u.data); err != nil {
			return err
		}
	}

	return nil
}

func (svc *service) apply(ctx context.Context, req workorder.ApplyUpdateRequest, planData, checkpoint, update []byte) (res result, err error) {
	s, err := svc.engine.OpenSession(ctx, planData, checkpoint)
	if err != nil {
		return result{}, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			res, err = result{}, cerr
		}
	}()

	if err := s.AccumulateIntermediateUpdate(update); err != nil {
		return result{}, err
	}
	if err := s.ApplyAggregatedUpdates(); err != nil {
		return result{}, err
	}
	if !req.NewCheckpoint.IsZero() {
		if res.checkpoint, err = s.ToCheckpoint(); err != nil {
			return result{}, err
		}
	}
	if !req.NewClientCheckpoint.IsZero() {
		if res.clientCheckpoint, err = s.ClientCheckpoint(); err != nil {
			return result{}, err
		}
	}
	metrics, err := s.Metrics()
	if err != nil {
		return result{}, err
	}
	if res.metrics, err = EncodeMetrics(metrics); err != nil {
		return result{}, err
	}

	return res, nil
}

// EncodeMetrics serializes metrics as a flat JSON object of numbers.
func EncodeMetrics(metrics map[string]float64) ([]byte, error) {
	if metrics == nil {
		metrics = map[string]float64{}
	}
	for name, v := range metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: metric %q is not finite", plan.ErrComputation, name)
		}
	}

	return json.Marshal(metrics)
}

func (svc *service) download(ctx context.Context, loc blob.Location) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, svc.cfg.IOTimeout)
	defer cancel()
	data, err := svc.blobs.Download(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDownload, loc, err)
	}

	return data, nil
}

func (svc *service) upload(ctx context.Context, loc blob.Location, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, svc.cfg.IOTimeout)
	defer cancel()
	if err := svc.blobs.Upload(ctx, loc, data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpload, loc, err)
	}

	return nil
}
