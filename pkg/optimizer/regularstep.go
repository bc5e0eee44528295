package optimizer

import "gonum.org/v1/gonum/floats"

// RegularStepGradientDescent descends along the normalized scaled gradient
// with a step length that relaxes whenever the gradient direction reverses.
// It is the optimizer paired with the mutual-information metric, which only
// exposes a gradient.
type RegularStepGradientDescent struct {
	Cost      func() (float64, error)
	Params    func() []float64
	SetParams func([]float64) error
	Gradient  func() ([]float64, error)

	LearningRate               float64
	MinimumStepLength          float64
	NumberOfIterations         int
	RelaxationFactor           float64
	GradientMagnitudeTolerance float64
	ReturnBestParameters       bool
	Scales                     []float64
	Observer                   Observer
	ObserverInterval           int

	Iteration    int
	CurrentValue float64
	BestValue    float64
	BestParams   []float64
	StepFactor   float64
}

// NewRegularStepGradientDescent returns an optimizer with the documented
// defaults.
func NewRegularStepGradientDescent() *RegularStepGradientDescent {
	return &RegularStepGradientDescent{
		LearningRate:               1.0,
		MinimumStepLength:          1e-6,
		NumberOfIterations:         100,
		RelaxationFactor:           0.5,
		GradientMagnitudeTolerance: 1e-6,
		ReturnBestParameters:       true,
		ObserverInterval:           10,
	}
}

func (o *RegularStepGradientDescent) scale(p int) float64 {
	if p < len(o.Scales) && o.Scales[p] != 0 {
		return o.Scales[p]
	}
	return 1.0
}

// Run iterates until a terminal stop condition and returns it.
func (o *RegularStepGradientDescent) Run() (StopCondition, error) {
	stop := MaxIterations
	o.StepFactor = o.LearningRate

	cost, err := o.Cost()
	if err != nil {
		return SingularMatrix, err
	}
	o.CurrentValue = cost
	o.BestValue = cost
	o.BestParams = append([]float64(nil), o.Params()...)

	var prevScaled []float64
	interval := o.ObserverInterval
	if interval <= 0 {
		interval = 1
	}

loop:
	for o.Iteration = 0; o.Iteration < o.NumberOfIterations; o.Iteration++ {
		if o.Observer != nil && o.Iteration%interval == 0 {
			o.Observer(o.Iteration, o.CurrentValue, o.StepFactor)
		}

		grad, err := o.Gradient()
		if err != nil {
			return SingularMatrix, err
		}
		n := len(grad)

		scaled := make([]float64, n)
		for p := 0; p < n; p++ {
			scaled[p] = grad[p] / o.scale(p)
		}
		magnitude := floats.Norm(scaled, 2)
		if magnitude < o.GradientMagnitudeTolerance {
			stop = GradientTooSmall
			break loop
		}

		// A direction reversal means the step overshot a valley; relax it.
		if prevScaled != nil {
			if floats.Dot(prevScaled, scaled) < 0 {
				o.StepFactor *= o.RelaxationFactor
			}
		}
		prevScaled = scaled
		if o.StepFactor < o.MinimumStepLength {
			stop = StepTooSmall
			break loop
		}

		current := o.Params()
		newParams := make([]float64, n)
		for p := 0; p < n; p++ {
			s := o.scale(p)
			newParams[p] = current[p] - o.StepFactor*grad[p]/(s*s*magnitude)
		}
		if err := o.SetParams(newParams); err != nil {
			return SingularMatrix, err
		}
		value, err := o.Cost()
		if err != nil {
			return SingularMatrix, err
		}
		o.CurrentValue = value
		if value < o.BestValue {
			o.BestValue = value
			o.BestParams = append(o.BestParams[:0], newParams...)
		}
	}

	if o.ReturnBestParameters && o.BestParams != nil {
		if err := o.SetParams(o.BestParams); err != nil {
			return stop, err
		}
		o.CurrentValue = o.BestValue
	}
	if o.Observer != nil {
		o.Observer(o.Iteration, o.CurrentValue, o.StepFactor)
	}
	return stop, nil
}
