package task

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskCreated: {TaskOpen, TaskCanceled},
	TaskOpen:    {TaskCompleted, TaskCanceled, TaskFailed},
}

var iterationTransitions = map[IterationStatus][]IterationStatus{
	IterationOpen:        {IterationAggregating, IterationFailed, IterationCanceled},
	IterationAggregating: {IterationApplying, IterationFailed, IterationCanceled},
	IterationApplying:    {IterationCompleted, IterationFailed, IterationCanceled},
}

func CanTransitionTask(from, to TaskStatus) bool {
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// CanTransitionIteration reports whether from -> to is a legal forward move.
// Terminal states have no outgoing edges.
func CanTransitionIteration(from, to IterationStatus) bool {
	for _, s := range iterationTransitions[from] {
		if s == to {
			return true
		}
	}

	return false
}
