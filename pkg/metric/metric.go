// Package metric defines the similarity-metric contract shared by the
// registration driver and the optimizers, plus the Mattes mutual-information
// metric used for mono-modal runs. The MIND metric in pkg/mind implements
// the same contract and additionally the least-squares capability.
package metric

import (
	"errors"

	"mindreg/pkg/transform"
)

// ErrUninitialized is returned by metric operations invoked before
// Initialize has been called with both volumes and a transform bound.
var ErrUninitialized = errors.New("metric not initialized")

// Metric is the capability every similarity metric provides: a scalar cost
// to minimize and its gradient with respect to the transform parameters.
type Metric interface {
	// Initialize prepares internal state (descriptors, histograms, sample
	// sets) for the currently bound volumes and transform.
	Initialize() error
	// Value evaluates the cost at the transform's current parameters.
	Value() (float64, error)
	// Derivative evaluates the cost gradient with respect to the transform
	// parameters.
	Derivative() ([]float64, error)
	// NumValidSamples reports how many samples contributed to the last
	// Value, Derivative or residual evaluation.
	NumValidSamples() int
	// Transform exposes the metric's transform so the optimizer can read
	// and write parameters through the metric's single owner.
	Transform() transform.Transform
}

// LeastSquares is the optional capability a metric exposes when its cost is
// a sum of squared residuals with an analytical Jacobian. The registration
// driver discovers it by type assertion and hands it to the Gauss-Newton
// optimizer.
type LeastSquares interface {
	// Residuals returns the residual vector at the current parameters.
	Residuals() ([]float64, error)
	// ResidualsAndJacobian returns the residual vector together with the
	// Jacobian of the residuals with respect to the transform parameters,
	// one row per residual.
	ResidualsAndJacobian() ([]float64, [][]float64, error)
}

// Mask restricts sampling to a spatial region: only candidates whose
// physical point satisfies Inside are kept.
type Mask interface {
	Inside(p [3]float64) bool
}
