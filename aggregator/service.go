// Package aggregator folds a batch of encrypted updates into one encrypted
// intermediate update.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/shuffler/pkg/blob"
	"github.com/absmach/shuffler/pkg/crypto"
	"github.com/absmach/shuffler/pkg/plan"
	"github.com/absmach/shuffler/pkg/workorder"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDownload = errors.New("failed to download blob")
	ErrOpen     = errors.New("failed to open payload")
	ErrSeal     = errors.New("failed to seal aggregate")
	ErrUpload   = errors.New("failed to upload aggregate")
)

const defaultIOTimeout = time.Minute

type Config struct {
	FetchConcurrency int           `env:"FETCH_CONCURRENCY" envDefault:"8"`
	IOTimeout        time.Duration `env:"IO_TIMEOUT"        envDefault:"1m"`
}

type Service interface {
	// Aggregate runs req to completion. The output blob is written only
	// after every input was decrypted and accumulated.
	Aggregate(ctx context.Context, req workorder.AggregateRequest) error
}

type service struct {
	blobs     blob.Store
	decrypter crypto.Decrypter
	encrypter crypto.Encrypter
	engine    plan.Engine
	cfg       Config
}

func NewService(blobs blob.Store, decrypter crypto.Decrypter, encrypter crypto.Encrypter, engine plan.Engine, cfg Config) Service {
	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = 1
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultIOTimeout
	}

	return &service{
		blobs:     blobs,
		decrypter: decrypter,
		encrypter: encrypter,
		engine:    engine,
		cfg:       cfg,
	}
}

func (svc *service) Aggregate(ctx context.Context, req workorder.AggregateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	var planData []byte
	updates := make([][]byte, len(req.Gradients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(svc.cfg.FetchConcurrency)
	g.Go(func() error {
		var err error
		planData, err = svc.download(gctx, req.Plan)

		return err
	})
	for i, loc := range req.Gradients {
		g.Go(func() error {
			data, err := svc.download(gctx, loc)
			if err != nil {
				return err
			}
			if updates[i], err = crypto.OpenPayload(gctx, svc.decrypter, data); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrOpen, loc, err)
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out, err := svc.accumulate(ctx, planData, updates, req.AccumulateIntermediate)
	if err != nil {
		return err
	}
	sealed, err := crypto.SealPayload(svc.encrypter, out, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSeal, err)
	}

	uctx, cancel := context.WithTimeout(ctx, svc.cfg.IOTimeout)
	defer cancel()
	if err := svc.blobs.Upload(uctx, req.Output, sealed); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpload, req.Output, err)
	}

	return nil
}

// accumulate feeds every update into a single session using one method.
func (svc *service) accumulate(ctx context.Context, planData []byte, updates [][]byte, intermediate bool) (out []byte, err error) {
	s, err := svc.engine.OpenSession(ctx, planData, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			out, err = nil, cerr
		}
	}()

	add := s.AccumulateClientUpdate
	if intermediate {
		add = s.AccumulateIntermediateUpdate
	}
	for i, u := range updates {
		if err := add(u); err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
	}

	return s.ToIntermediateUpdate()
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
