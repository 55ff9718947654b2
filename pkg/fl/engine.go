package fl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"sync/atomic"

	"github.com/absmach/shuffler/pkg/plan"
	"github.com/fxamacker/cbor/v2"
)

const (
	partialFile = "partial"
	modelFile   = "model"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return em
}

var _ plan.Engine = (*Engine)(nil)

// Engine is a FedAvg plan engine. Session state lives in a single scratch
// directory, so the engine refuses to open a second session while one is
// active.
type Engine struct {
	scratch *scratch
	agg     *FedAvgAggregator
	active  atomic.Bool
}

func NewEngine(scratchDir string) (*Engine, error) {
	s, err := newScratch(scratchDir)
	if err != nil {
		return nil, err
	}

	return &Engine{scratch: s, agg: NewFedAvgAggregator()}, nil
}

func (e *Engine) OpenSession(ctx context.Context, planData, checkpoint []byte) (plan.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}

	p, err := ParsePlan(planData)
	if err != nil {
		e.active.Store(false)

		return nil, computation(err)
	}
	var base *Model
	if checkpoint != nil {
		var m Model
		if err := json.Unmarshal(checkpoint, &m); err != nil {
			e.active.Store(false)

			return nil, computation(fmt.Errorf("%w: checkpoint: %w", ErrMalformedUpdate, err))
		}
		base = &m
	}
	if err := e.scratch.clear(); err != nil {
		e.active.Store(false)

		return nil, computation(err)
	}

	return &session{engine: e, plan: p, base: base}, nil
}

// ParsePlan decodes a JSON plan and fills in defaults.
func ParsePlan(data []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	if p.Algorithm == "" {
		p.Algorithm = AlgorithmFedAvg
	}
	if p.UpdateKind == "" {
		p.UpdateKind = UpdateWeights
	}
	if p.ServerLearningRate == 0 {
		p.ServerLearningRate = 1
	}
	switch {
	case p.Algorithm != AlgorithmFedAvg:
		return Plan{}, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidPlan, p.Algorithm)
	case p.UpdateKind != UpdateWeights && p.UpdateKind != UpdateDelta:
		return Plan{}, fmt.Errorf("%w: unsupported update kind %q", ErrInvalidPlan, p.UpdateKind)
	case p.ServerLearningRate < 0 || math.IsNaN(p.ServerLearningRate):
		return Plan{}, fmt.Errorf("%w: server learning rate must be positive", ErrInvalidPlan)
	case p.MinSamples < 0:
		return Plan{}, fmt.Errorf("%w: min samples must not be negative", ErrInvalidPlan)
	}

	return p, nil
}

// DecodeUpdate accepts a client update as JSON or CBOR.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &u); err != nil {
			return Update{}, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
		}

		return u, nil
	}
	if err := cbor.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}

	return u, nil
}

// EncodeUpdate produces the CBOR form clients may upload.
func EncodeUpdate(u Update) ([]byte, error) {
	return encMode.Marshal(u)
}

type session struct {
	engine  *Engine
	plan    Plan
	base    *Model
	applied *Model
	metrics map[string]float64
	closed  bool
}

func (s *session) AccumulateClientUpdate(data []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	u, err := DecodeUpdate(data)
	if err != nil {
		return computation(err)
	}

	return s.update(func(p *Partial) error { return s.engine.agg.AddUpdate(p, u) })
}

func (s *session) AccumulateIntermediateUpdate(data []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	var other Partial
	if err := cbor.Unmarshal(data, &other); err != nil {
		return computation(fmt.Errorf("%w: intermediate: %w", ErrMalformedUpdate, err))
	}

	return s.update(func(p *Partial) error { return s.engine.agg.Merge(p, other) })
}

func (s *session) update(fn func(p *Partial) error) error {
	var p Partial
	if err := s.engine.scratch.load(partialFile, &p); err != nil {
		return computation(err)
	}
	if err := fn(&p); err != nil {
		return computation(err)
	}
	if err := s.engine.scratch.save(partialFile, p); err != nil {
		return computation(err)
	}

	return nil
}

func (s *session) partial() (Partial, error) {
	var p Partial
	if err := s.engine.scratch.load(partialFile, &p); err != nil {
		return Partial{}, computation(err)
	}
	if p.Updates == 0 {
		return Partial{}, computation(ErrNoUpdates)
	}

	return p, nil
}

func (s *session) ApplyAggregatedUpdates() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.base == nil {
		return computation(ErrNoCheckpoint)
	}
	p, err := s.partial()
	if err != nil {
		return err
	}
	if p.Samples < s.plan.MinSamples {
		return computation(fmt.Errorf("%w: %d samples, plan requires %d", ErrNoUpdates, p.Samples, s.plan.MinSamples))
	}
	avg, clientMetrics, err := s.engine.agg.Average(p)
	if err != nil {
		return computation(err)
	}

	lr := s.plan.ServerLearningRate
	data := make(map[string][]float64, len(s.base.Data))
	var norm float64
	for _, name := range sortedNames(s.base.Data) {
		old := s.base.Data[name]
		next := append([]float64(nil), old...)
		if values, ok := avg[name]; ok {
			if len(values) != len(old) {
				return computation(fmt.Errorf("%w: %q has %d values, checkpoint has %d", ErrShapeMismatch, name, len(values), len(old)))
			}
			for i := range next {
				step := values[i]
				if s.plan.UpdateKind == UpdateWeights {
					step -= old[i]
				}
				next[i] += lr * step
				norm += (lr * step) * (lr * step)
			}
		}
		data[name] = next
	}
	for _, name := range sortedNames(avg) {
		if _, ok := s.base.Data[name]; !ok {
			return computation(fmt.Errorf("%w: update has unknown parameter %q", ErrShapeMismatch, name))
		}
	}

	round := 0.0
	if r, ok := toFloat(s.base.Metadata["round"]); ok {
		round = r
	}
	s.applied = &Model{
		Data: data,
		Metadata: map[string]any{
			"algorithm":     s.plan.Algorithm,
			"round":         round + 1,
			"total_samples": p.Samples,
			"num_updates":   p.Updates,
		},
	}
	s.metrics = maps.Clone(clientMetrics)
	if s.metrics == nil {
		s.metrics = map[string]float64{}
	}
	s.metrics["num_updates"] = float64(p.Updates)
	s.metrics["total_samples"] = float64(p.Samples)
	s.metrics["update_norm"] = math.Sqrt(norm)

	if err := s.engine.scratch.save(modelFile, s.applied); err != nil {
		return computation(err)
	}

	return nil
}

func (s *session) ToIntermediateUpdate() ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	p, err := s.partial()
	if err != nil {
		return nil, err
	}
	out, err := encMode.Marshal(p)
	if err != nil {
		return nil, computation(err)
	}

	return out, nil
}

func (s *session) ToCheckpoint() ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.applied == nil {
		return nil, computation(ErrNotApplied)
	}

	return json.Marshal(s.applied)
}

// ClientCheckpoint is the checkpoint handed to devices: the parameters and
// the round they belong to.
func (s *session) ClientCheckpoint() ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.applied == nil {
		return nil, computation(ErrNotApplied)
	}

	return json.Marshal(Model{
		Data:     s.applied.Data,
		Metadata: map[string]any{"round": s.applied.Metadata["round"]},
	})
}

func (s *session) Metrics() (map[string]float64, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.applied == nil {
		return nil, computation(ErrNotApplied)
	}

	return maps.Clone(s.metrics), nil
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	defer s.engine.active.Store(false)

	return s.engine.scratch.clear()
}

func computation(err error) error {
	return fmt.Errorf("%w: %w", plan.ErrComputation, err)
}
