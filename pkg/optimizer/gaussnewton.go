// Package optimizer provides the optimizers the registration driver runs:
// a Gauss-Newton / Levenberg-Marquardt solver for least-squares metrics and
// a regular-step gradient descent for metrics that only expose a gradient.
// Optimizers hold function-valued capabilities rather than references to
// the metric, so the metric never observes the optimizer.
package optimizer

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrSingularMatrix is wrapped by Run when the damped normal equations stay
// non-positive-definite after the retry, or the solution is non-finite.
var ErrSingularMatrix = errors.New("singular normal equations")

// StopCondition tells why an optimization run ended.
type StopCondition int

const (
	// MaxIterations means the iteration cap was reached.
	MaxIterations StopCondition = iota
	// StepTooSmall means the scaled update magnitude or the relaxed step
	// factor fell below the minimum step length.
	StepTooSmall
	// GradientTooSmall means the scaled gradient magnitude fell below the
	// tolerance (gradient-descent path only).
	GradientTooSmall
	// Converged means the relative cost improvement fell below tolerance
	// on an accepted step.
	Converged
	// SingularMatrix means the normal equations could not be solved.
	SingularMatrix
)

func (s StopCondition) String() string {
	switch s {
	case MaxIterations:
		return "MaxIterations"
	case StepTooSmall:
		return "StepTooSmall"
	case GradientTooSmall:
		return "GradientTooSmall"
	case Converged:
		return "Converged"
	case SingularMatrix:
		return "SingularMatrix"
	}
	return fmt.Sprintf("StopCondition(%d)", int(s))
}

// Observer is invoked at iteration 0, every ObserverInterval iterations,
// and once more at exit.
type Observer func(iteration int, cost float64, stepFactor float64)

// GaussNewton minimizes a least-squares cost through the caller-provided
// capabilities. When ResidualsAndJacobian is nil it falls back to
// steepest descent on Gradient.
type GaussNewton struct {
	// Required capabilities.
	Cost      func() (float64, error)
	Params    func() []float64
	SetParams func([]float64) error
	// Least-squares capabilities; both nil selects the gradient fallback.
	ResidualsAndJacobian func() ([]float64, [][]float64, error)
	// Gradient is optional for Gauss-Newton (used by the line search when
	// present) and required for the fallback.
	Gradient func() ([]float64, error)

	LearningRate               float64
	MinimumStepLength          float64
	NumberOfIterations         int
	RelaxationFactor           float64
	GradientMagnitudeTolerance float64
	ReturnBestParameters       bool
	Scales                     []float64
	MaxParameterUpdate         []float64
	DampingFactor              float64
	UseLevenbergMarquardt      bool
	UseLineSearch              bool
	LineSearchMaxIterations    int
	LineSearchShrinkFactor     float64
	Observer                   Observer
	ObserverInterval           int

	// State, readable after Run.
	Iteration    int
	CurrentValue float64
	BestValue    float64
	BestParams   []float64
	StepFactor   float64

	damping float64
	stop    StopCondition
	halted  bool
}

// NewGaussNewton returns an optimizer with the documented defaults.
func NewGaussNewton() *GaussNewton {
	return &GaussNewton{
		LearningRate:               1.0,
		MinimumStepLength:          1e-6,
		NumberOfIterations:         100,
		RelaxationFactor:           0.5,
		GradientMagnitudeTolerance: 1e-6,
		ReturnBestParameters:       true,
		DampingFactor:              1e-3,
		UseLevenbergMarquardt:      true,
		UseLineSearch:              true,
		LineSearchMaxIterations:    10,
		LineSearchShrinkFactor:     0.5,
		ObserverInterval:           10,
	}
}

func (o *GaussNewton) scale(p int) float64 {
	if p < len(o.Scales) && o.Scales[p] != 0 {
		return o.Scales[p]
	}
	return 1.0
}

// Run iterates until a terminal stop condition and returns it. The error is
// non-nil only for SingularMatrix and capability failures.
func (o *GaussNewton) Run() (StopCondition, error) {
	if o.Cost == nil || o.Params == nil || o.SetParams == nil {
		return SingularMatrix, errors.New("cost and parameter capabilities must be set")
	}
	useGN := o.ResidualsAndJacobian != nil
	if !useGN && o.Gradient == nil {
		return SingularMatrix, errors.New("either residuals+jacobian or gradient must be set")
	}

	o.stop = MaxIterations
	o.halted = false
	o.StepFactor = o.LearningRate
	o.damping = o.DampingFactor

	cost, err := o.Cost()
	if err != nil {
		return SingularMatrix, err
	}
	o.CurrentValue = cost
	o.BestValue = cost
	o.BestParams = append([]float64(nil), o.Params()...)

	var runErr error
	for o.Iteration = 0; o.Iteration < o.NumberOfIterations; o.Iteration++ {
		o.observe(o.Iteration)

		if useGN {
			runErr = o.advanceGaussNewton()
		} else {
			runErr = o.advanceGradientDescent()
		}
		if runErr != nil || o.halted {
			break
		}
	}

	if o.ReturnBestParameters && o.BestParams != nil {
		if err := o.SetParams(o.BestParams); err != nil {
			return o.stop, err
		}
		o.CurrentValue = o.BestValue
	}
	o.observeFinal()
	return o.stop, runErr
}

func (o *GaussNewton) observe(iter int) {
	if o.Observer == nil {
		return
	}
	interval := o.ObserverInterval
	if interval <= 0 {
		interval = 1
	}
	if iter%interval == 0 {
		o.Observer(iter, o.CurrentValue, o.StepFactor)
	}
}

func (o *GaussNewton) observeFinal() {
	if o.Observer != nil {
		o.Observer(o.Iteration, o.CurrentValue, o.StepFactor)
	}
}

func (o *GaussNewton) halt(s StopCondition) {
	o.stop = s
	o.halted = true
}

// advanceGaussNewton performs one damped Gauss-Newton step with optional
// Armijo backtracking, accepting only strict cost decreases.
func (o *GaussNewton) advanceGaussNewton() error {
	currentParams := append([]float64(nil), o.Params()...)
	previousValue := o.CurrentValue

	f, jac, err := o.ResidualsAndJacobian()
	if err != nil {
		return err
	}
	if len(f) == 0 || len(jac) == 0 {
		o.halt(SingularMatrix)
		return fmt.Errorf("%w: empty residual vector", ErrSingularMatrix)
	}
	n := len(currentParams)
	if len(jac[0]) != n {
		o.halt(SingularMatrix)
		return fmt.Errorf("%w: jacobian has %d columns, want %d", ErrSingularMatrix, len(jac[0]), n)
	}

	// Normal equations in scaled parameter space.
	a := mat.NewSymDense(n, nil)
	b := make([]float64, n)
	for i := range f {
		if !isFinite(f[i]) {
			o.halt(SingularMatrix)
			return fmt.Errorf("%w: non-finite residual", ErrSingularMatrix)
		}
	}
	for p := 0; p < n; p++ {
		sp := o.scale(p)
		for q := p; q < n; q++ {
			sq := o.scale(q)
			sum := 0.0
			for i := range jac {
				sum += (jac[i][p] / sp) * (jac[i][q] / sq)
			}
			a.SetSym(p, q, sum)
		}
		sum := 0.0
		for i := range jac {
			sum += (jac[i][p] / sp) * f[i]
		}
		b[p] = sum
	}

	u, err := o.solveNormalEquations(a, b, n)
	if err != nil {
		o.halt(SingularMatrix)
		return err
	}

	update := make([]float64, n)
	for p := 0; p < n; p++ {
		update[p] = u[p] / o.scale(p)
		if p < len(o.MaxParameterUpdate) {
			if max := o.MaxParameterUpdate[p]; max > 0 && math.Abs(update[p]) > max {
				update[p] = math.Copysign(max, update[p])
			}
		}
	}

	if o.scaledMagnitude(update) < o.MinimumStepLength {
		o.halt(StepTooSmall)
		return nil
	}

	alpha := 1.0
	if o.UseLineSearch {
		alpha, err = o.lineSearch(currentParams, update, previousValue, f, jac)
		if err != nil {
			return err
		}
	}

	newParams := make([]float64, n)
	for p := 0; p < n; p++ {
		newParams[p] = currentParams[p] - alpha*update[p]
	}
	if err := o.SetParams(newParams); err != nil {
		return err
	}
	newValue, err := o.Cost()
	if err != nil {
		return err
	}

	if newValue < o.CurrentValue {
		o.CurrentValue = newValue
		o.StepFactor = alpha
		if newValue < o.BestValue {
			o.BestValue = newValue
			o.BestParams = append(o.BestParams[:0], newParams...)
		}
		if o.UseLevenbergMarquardt {
			o.damping = math.Max(o.damping*0.5, 1e-10)
		}
	} else {
		if err := o.SetParams(currentParams); err != nil {
			return err
		}
		o.CurrentValue = previousValue
		o.StepFactor *= o.RelaxationFactor
		if o.UseLevenbergMarquardt {
			o.damping = math.Min(o.damping*2.0, 1e6)
		}
		if o.StepFactor < o.MinimumStepLength {
			o.halt(StepTooSmall)
		}
		return nil
	}

	relative := math.Abs(previousValue-o.CurrentValue) / (math.Abs(previousValue) + 1e-10)
	if relative < o.GradientMagnitudeTolerance {
		o.halt(Converged)
	}
	return nil
}

// solveNormalEquations solves the damped normal equations with a Cholesky
// factorization, retrying once with stronger damping before giving up.
func (o *GaussNewton) solveNormalEquations(a *mat.SymDense, b []float64, n int) ([]float64, error) {
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(a)
	if o.UseLevenbergMarquardt {
		for p := 0; p < n; p++ {
			damped.SetSym(p, p, a.At(p, p)+o.damping*(a.At(p, p)+1e-6))
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		// Non-positive-definite: retry once with a strong absolute damping.
		strong := math.Max(o.damping*10, 1e-3)
		retry := mat.NewSymDense(n, nil)
		retry.CopySym(a)
		for p := 0; p < n; p++ {
			retry.SetSym(p, p, a.At(p, p)+strong)
		}
		if !chol.Factorize(retry) {
			return nil, fmt.Errorf("%w: not positive definite after damping retry", ErrSingularMatrix)
		}
	}

	// The Gauss-Newton step applied below is q - update, so the solve keeps
	// b on the right-hand side: update = (J~T J~)^-1 J~T f.
	rhs := mat.NewVecDense(n, nil)
	for p := 0; p < n; p++ {
		rhs.SetVec(p, b[p])
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, rhs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularMatrix, err)
	}
	u := make([]float64, n)
	for p := 0; p < n; p++ {
		u[p] = sol.AtVec(p)
		if !isFinite(u[p]) {
			return nil, fmt.Errorf("%w: non-finite solution", ErrSingularMatrix)
		}
	}
	return u, nil
}

// lineSearch backtracks along -update with the Armijo condition. The slope
// comes from the gradient capability when present, otherwise from J^T f.
// A non-descent direction degrades to a fixed small step factor.
func (o *GaussNewton) lineSearch(currentParams, update []float64, initialValue float64, f []float64, jac [][]float64) (float64, error) {
	n := len(currentParams)
	grad := make([]float64, n)
	if o.Gradient != nil {
		g, err := o.Gradient()
		if err != nil {
			return 0, err
		}
		copy(grad, g)
	} else {
		for p := 0; p < n; p++ {
			sum := 0.0
			for i := range jac {
				sum += jac[i][p] * f[i]
			}
			grad[p] = sum
		}
	}

	// Directional derivative along the actual step direction -update.
	slope := -floats.Dot(grad, update)
	if slope >= 0 {
		return 0.1, nil
	}

	const c = 1e-4
	alpha := 1.0
	trial := make([]float64, n)
	for iter := 0; iter < o.LineSearchMaxIterations; iter++ {
		for p := 0; p < n; p++ {
			trial[p] = currentParams[p] - alpha*update[p]
		}
		if err := o.SetParams(trial); err != nil {
			return 0, err
		}
		value, err := o.Cost()
		if err != nil {
			return 0, err
		}
		if value <= initialValue+c*alpha*slope {
			break
		}
		alpha *= o.LineSearchShrinkFactor
	}
	// Restore; the caller decides whether to accept the step.
	if err := o.SetParams(currentParams); err != nil {
		return 0, err
	}
	return alpha, nil
}

// advanceGradientDescent is the fallback when no residual/Jacobian
// capabilities exist: a normalized steepest-descent step in scaled space
// with the same accept/reject logic.
func (o *GaussNewton) advanceGradientDescent() error {
	currentParams := append([]float64(nil), o.Params()...)
	previousValue := o.CurrentValue

	grad, err := o.Gradient()
	if err != nil {
		return err
	}
	n := len(currentParams)

	magnitude := 0.0
	for p := 0; p < n; p++ {
		s := grad[p] / o.scale(p)
		magnitude += s * s
	}
	magnitude = math.Sqrt(magnitude)
	if magnitude < o.GradientMagnitudeTolerance {
		o.halt(GradientTooSmall)
		return nil
	}

	newParams := make([]float64, n)
	for p := 0; p < n; p++ {
		s := o.scale(p)
		direction := grad[p] / (s * s * magnitude)
		newParams[p] = currentParams[p] - o.StepFactor*direction
	}
	if err := o.SetParams(newParams); err != nil {
		return err
	}
	newValue, err := o.Cost()
	if err != nil {
		return err
	}

	if newValue < o.CurrentValue {
		o.CurrentValue = newValue
		if newValue < o.BestValue {
			o.BestValue = newValue
			o.BestParams = append(o.BestParams[:0], newParams...)
		}
	} else {
		if err := o.SetParams(currentParams); err != nil {
			return err
		}
		o.CurrentValue = previousValue
		o.StepFactor *= o.RelaxationFactor
		if o.StepFactor < o.MinimumStepLength {
			o.halt(StepTooSmall)
		}
	}
	return nil
}

func (o *GaussNewton) scaledMagnitude(update []float64) float64 {
	sum := 0.0
	for p := range update {
		s := update[p] / o.scale(p)
		sum += s * s
	}
	return math.Sqrt(sum)
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
