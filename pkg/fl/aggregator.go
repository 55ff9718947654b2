package fl

import (
	"fmt"
	"math"
	"sort"
)

// FedAvgAggregator keeps sample-weighted running sums so that any grouping
// of updates yields the same average.
type FedAvgAggregator struct{}

func NewFedAvgAggregator() *FedAvgAggregator {
	return &FedAvgAggregator{}
}

func (f *FedAvgAggregator) AddUpdate(p *Partial, u Update) error {
	if u.NumSamples <= 0 {
		return fmt.Errorf("%w: num_samples must be positive, got %d", ErrMalformedUpdate, u.NumSamples)
	}
	if len(u.Update) == 0 {
		return fmt.Errorf("%w: empty update", ErrMalformedUpdate)
	}
	if p.Samples > math.MaxInt64-u.NumSamples {
		return ErrOverflow
	}

	weight := float64(u.NumSamples)
	params := make(map[string][]float64, len(u.Update))
	for name, raw := range u.Update {
		values, err := toVector(raw)
		if err != nil {
			return fmt.Errorf("%w: parameter %q: %w", ErrMalformedUpdate, name, err)
		}
		params[name] = values
	}
	for name, values := range params {
		if err := addScaled(p, name, values, weight); err != nil {
			return err
		}
	}
	for name, v := range u.Metrics {
		if p.Metrics == nil {
			p.Metrics = map[string]float64{}
		}
		p.Metrics[name] += v * weight
	}
	p.Samples += u.NumSamples
	p.Updates++

	return nil
}

// Merge folds other into p.
func (f *FedAvgAggregator) Merge(p *Partial, other Partial) error {
	if other.Samples < 0 || other.Updates < 0 {
		return fmt.Errorf("%w: negative counters in intermediate update", ErrMalformedUpdate)
	}
	if p.Samples > math.MaxInt64-other.Samples {
		return ErrOverflow
	}
	for name, values := range other.Sums {
		if err := addScaled(p, name, values, 1); err != nil {
			return err
		}
	}
	for name, v := range other.Metrics {
		if p.Metrics == nil {
			p.Metrics = map[string]float64{}
		}
		p.Metrics[name] += v
	}
	p.Samples += other.Samples
	p.Updates += other.Updates

	return nil
}

// Average returns the weighted mean of every parameter and client metric.
func (f *FedAvgAggregator) Average(p Partial) (map[string][]float64, map[string]float64, error) {
	if p.Updates == 0 || p.Samples == 0 {
		return nil, nil, ErrNoUpdates
	}

	norm := float64(p.Samples)
	params := make(map[string][]float64, len(p.Sums))
	for name, sum := range p.Sums {
		avg := make([]float64, len(sum))
		for i, v := range sum {
			avg[i] = v / norm
		}
		params[name] = avg
	}
	metrics := make(map[string]float64, len(p.Metrics))
	for name, v := range p.Metrics {
		metrics[name] = v / norm
	}

	return params, metrics, nil
}

func addScaled(p *Partial, name string, values []float64, weight float64) error {
	if p.Sums == nil {
		p.Sums = map[string][]float64{}
	}
	sum, ok := p.Sums[name]
	switch {
	case !ok:
		sum = make([]float64, len(values))
		p.Sums[name] = sum
	case len(sum) != len(values):
		return fmt.Errorf("%w: %q has %d values, expected %d", ErrShapeMismatch, name, len(values), len(sum))
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %q[%d] is not finite", ErrMalformedUpdate, name, i)
		}
		sum[i] += v * weight
	}

	return nil
}

// toVector accepts a number or a list of numbers as decoded by encoding/json
// or cbor into an interface value.
func toVector(raw any) ([]float64, error) {
	if v, ok := toFloat(raw); ok {
		return []float64{v}, nil
	}
	switch list := raw.(type) {
	case []float64:
		return list, nil
	case []any:
		out := make([]float64, len(list))
		for i, item := range list {
			v, ok := toFloat(item)
			if !ok {
				return nil, fmt.Errorf("element %d has type %T", i, item)
			}
			out[i] = v
		}

		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", raw)
	}
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
