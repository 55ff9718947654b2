package task

import "time"

// ModelMetric is one named value reported by the model updater for a
// completed iteration.
type ModelMetric struct {
	Population  string    `json:"population"`
	TaskID      int64     `json:"task_id"`
	IterationID int64     `json:"iteration_id"`
	ResultID    int64     `json:"result_id"`
	Name        string    `json:"name"`
	Value       float64   `json:"value"`
	CreatedAt   time.Time `json:"created_at"`
}

func (m ModelMetric) IterationKey() IterationKey {
	return IterationKey{Population: m.Population, TaskID: m.TaskID, IterationID: m.IterationID, ResultID: m.ResultID}
}
