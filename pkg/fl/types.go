package fl

const (
	UpdateWeights = "weights"
	UpdateDelta   = "delta"

	AlgorithmFedAvg = "fedavg"
)

// Plan configures a FedAvg session. Clients either send their full local
// weights or a delta against the checkpoint they trained on.
type Plan struct {
	Algorithm          string  `json:"algorithm"`
	UpdateKind         string  `json:"update_kind,omitempty"`
	ServerLearningRate float64 `json:"server_learning_rate,omitempty"`
	MinSamples         int64   `json:"min_samples,omitempty"`
}

// Update is one client contribution. Values are decoded loosely so both a
// scalar and a list are accepted for a parameter.
type Update struct {
	NumSamples int64              `json:"num_samples"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Update     map[string]any     `json:"update"`
}

// Model is the checkpoint format: named flat parameter vectors.
type Model struct {
	Data     map[string][]float64 `json:"data"`
	Metadata map[string]any       `json:"metadata,omitempty"`
}

// Partial is the intermediate update: sample-weighted sums that combine
// associatively, so level 0 outputs can be merged again.
type Partial struct {
	Samples int64                `cbor:"samples"`
	Updates int64                `cbor:"updates"`
	Sums    map[string][]float64 `cbor:"sums"`
	Metrics map[string]float64   `cbor:"metrics,omitempty"`
}
