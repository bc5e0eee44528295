package models

// TraceEntry is one observer sample from an optimizer run: which stage and
// pyramid level it came from, and the cost and step factor at an iteration.
type TraceEntry struct {
	// Stage is "rigid" or "affine".
	Stage string `json:"stage"`

	// Level is the pyramid level, 0 being the coarsest.
	Level int `json:"level"`

	// Iteration within the level's optimizer run.
	Iteration int `json:"iteration"`

	// Cost at the iteration.
	Cost float64 `json:"cost"`

	// StepFactor is the optimizer's current step factor.
	StepFactor float64 `json:"stepFactor"`
}

// Result is the serializable outcome of one registration run: the final
// parameter vector together with how the run ended and the optimization
// trace. The CLI writes it as JSON.
type Result struct {
	// TransformType names the parameterization of Parameters:
	// "Rigid" (6 parameters) or "Affine" (12 parameters).
	TransformType string `json:"transformType"`

	// Parameters is the final parameter vector.
	Parameters []float64 `json:"parameters"`

	// StopCondition of the last optimizer run.
	StopCondition string `json:"stopCondition"`

	// FinalCost is the metric value at the final parameters.
	FinalCost float64 `json:"finalCost"`

	// FailedLevel is -1 on success, otherwise the pyramid level at which a
	// numerical failure stopped the run.
	FailedLevel int `json:"failedLevel"`

	// Trace holds the observer samples of every level and stage.
	Trace []TraceEntry `json:"trace"`
}
