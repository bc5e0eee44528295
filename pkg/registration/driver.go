// Package registration drives a full multi-resolution registration run: it
// builds the image pyramid, wires the configured metric and optimizer at
// each level, carries parameters from coarse to fine, and optionally runs
// the rigid-then-affine two-stage schedule.
package registration

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"mindreg/internal/models"
	"mindreg/pkg/config"
	"mindreg/pkg/metric"
	"mindreg/pkg/mind"
	"mindreg/pkg/optimizer"
	"mindreg/pkg/transform"
	"mindreg/pkg/volume"
)

// ErrNoValidSamples is returned when a level's metric has no contributing
// samples, for example when the mask excludes every candidate.
var ErrNoValidSamples = errors.New("no valid samples")

// Params configures one registration run.
type Params struct {
	// Fixed and Moving are the volumes to align; the result maps fixed
	// physical points into the moving volume.
	Fixed  *volume.Volume
	Moving *volume.Volume

	// Mask optionally restricts sampling to a region of the fixed volume.
	Mask metric.Mask

	// Config is the parsed configuration record.
	Config *config.Config

	// InitialParameters optionally seeds the first stage's transform. The
	// length must match that stage's parameter count.
	InitialParameters []float64

	// Workers sizes the metric's worker pool; zero means all CPUs.
	Workers int
}

// Driver orchestrates the run. Construct with NewDriver, call Run once.
type Driver struct {
	params  Params
	cfg     *config.Config
	workers int
	trace   []models.TraceEntry
}

// NewDriver validates the run parameters and returns a driver.
func NewDriver(p Params) (*Driver, error) {
	if p.Fixed == nil || p.Moving == nil {
		return nil, errors.New("fixed and moving volumes must be set")
	}
	if p.Config == nil {
		p.Config = config.Default()
	}
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	if err := p.Fixed.Geom.Validate(); err != nil {
		return nil, fmt.Errorf("fixed volume: %w", err)
	}
	if err := p.Moving.Geom.Validate(); err != nil {
		return nil, fmt.Errorf("moving volume: %w", err)
	}
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Driver{params: p, cfg: p.Config, workers: workers}, nil
}

// pyramidLevel holds one level's smoothed and shrunk volume pair.
type pyramidLevel struct {
	fixed  *volume.Volume
	moving *volume.Volume
}

// buildPyramid smooths with the level sigma and downsamples by the level
// shrink factor. Level 0 is the coarsest.
func (d *Driver) buildPyramid() []pyramidLevel {
	levels := make([]pyramidLevel, d.cfg.NumberOfLevels)
	for l := 0; l < d.cfg.NumberOfLevels; l++ {
		sigma := d.cfg.SmoothingSigmas[l]
		shrink := d.cfg.ShrinkFactors[l]
		levels[l] = pyramidLevel{
			fixed:  d.params.Fixed.SmoothGaussian(sigma).Shrink(shrink),
			moving: d.params.Moving.SmoothGaussian(sigma).Shrink(shrink),
		}
	}
	return levels
}

// Run executes the configured schedule and returns the result record. On a
// numerical failure the result still carries the best parameters
// accumulated so far, alongside the error.
func (d *Driver) Run() (*models.Result, error) {
	d.trace = nil

	switch d.cfg.TransformType {
	case config.TransformRigid:
		trans := transform.NewRigid()
		if err := d.applyInitial(trans); err != nil {
			return nil, err
		}
		return d.runStages("rigid", trans)

	case config.TransformAffine:
		trans := transform.NewAffine()
		if err := d.applyInitial(trans); err != nil {
			return nil, err
		}
		return d.runStages("affine", trans)

	case config.TransformRigidThenAffine:
		rigid := transform.NewRigid()
		if err := d.applyInitial(rigid); err != nil {
			return nil, err
		}
		result, err := d.runStages("rigid", rigid)
		if err != nil {
			return result, err
		}
		affine := transform.NewAffineFromRigid(rigid)
		return d.runStages("affine", affine)
	}
	return nil, fmt.Errorf("%w: transformType %q", config.ErrInvalid, d.cfg.TransformType)
}

func (d *Driver) applyInitial(trans transform.Transform) error {
	if d.params.InitialParameters == nil {
		return nil
	}
	if err := trans.SetParameters(d.params.InitialParameters); err != nil {
		return fmt.Errorf("initial parameters: %w", err)
	}
	return nil
}

// runStages runs the whole pyramid for one stage's transform and assembles
// the result record.
func (d *Driver) runStages(stage string, trans transform.Transform) (*models.Result, error) {
	levels := d.buildPyramid()

	transformType := config.TransformRigid
	if trans.NumParameters() == 12 {
		transformType = config.TransformAffine
	}

	var stop optimizer.StopCondition
	var finalCost float64
	for l := range levels {
		var err error
		stop, finalCost, err = d.runLevel(stage, l, levels[l], trans)
		if err != nil {
			result := &models.Result{
				TransformType: transformType,
				Parameters:    trans.Parameters(),
				StopCondition: stop.String(),
				FinalCost:     finalCost,
				FailedLevel:   l,
				Trace:         d.trace,
			}
			return result, fmt.Errorf("level %d: %w", l, err)
		}
		// Parameters carry over to the next finer level through the shared
		// transform; the representation never changes between levels.
	}

	return &models.Result{
		TransformType: transformType,
		Parameters:    trans.Parameters(),
		StopCondition: stop.String(),
		FinalCost:     finalCost,
		FailedLevel:   -1,
		Trace:         d.trace,
	}, nil
}

// runLevel constructs and initializes the metric for one pyramid level,
// configures the optimizer, and runs it to a terminal stop condition.
func (d *Driver) runLevel(stage string, level int, lv pyramidLevel, trans transform.Transform) (optimizer.StopCondition, float64, error) {
	if d.cfg.Verbose {
		fmt.Printf("[registration] %s stage, level %d/%d: %dx%dx%d voxels\n",
			stage, level+1, d.cfg.NumberOfLevels,
			lv.fixed.Geom.Size[0], lv.fixed.Geom.Size[1], lv.fixed.Geom.Size[2])
	}

	met, err := d.buildMetric(lv, trans)
	if err != nil {
		return optimizer.SingularMatrix, 0, err
	}
	if err := met.Initialize(); err != nil {
		return optimizer.SingularMatrix, 0, err
	}

	if _, err := met.Value(); err != nil {
		return optimizer.SingularMatrix, 0, err
	}
	if met.NumValidSamples() == 0 {
		return optimizer.SingularMatrix, 0, fmt.Errorf("%w: mask or transform excludes every sample", ErrNoValidSamples)
	}

	observer := func(iteration int, cost, stepFactor float64) {
		d.trace = append(d.trace, models.TraceEntry{
			Stage:      stage,
			Level:      level,
			Iteration:  iteration,
			Cost:       cost,
			StepFactor: stepFactor,
		})
	}

	scales := d.defaultScales(trans, lv.fixed.Geom)

	optimizerType := d.cfg.OptimizerType
	if optimizerType == "" {
		if d.cfg.MetricType == config.MetricMIND {
			optimizerType = config.OptimizerGaussNewton
		} else {
			optimizerType = config.OptimizerRegularStepGradientDescent
		}
	}

	switch optimizerType {
	case config.OptimizerGaussNewton:
		opt := optimizer.NewGaussNewton()
		opt.LearningRate = d.cfg.LearningRateForLevel(level)
		opt.NumberOfIterations = d.cfg.IterationsForLevel(level)
		opt.MinimumStepLength = d.cfg.MinimumStepLength
		opt.RelaxationFactor = d.cfg.RelaxationFactor
		opt.GradientMagnitudeTolerance = d.cfg.GradientMagnitudeTolerance
		opt.DampingFactor = d.cfg.DampingFactor
		opt.UseLevenbergMarquardt = d.cfg.UseLevenbergMarquardt
		opt.UseLineSearch = d.cfg.UseLineSearch
		opt.Scales = scales
		opt.Observer = observer
		opt.Cost = met.Value
		opt.Params = trans.Parameters
		opt.SetParams = trans.SetParameters
		opt.Gradient = met.Derivative
		if ls, ok := met.(metric.LeastSquares); ok {
			opt.ResidualsAndJacobian = ls.ResidualsAndJacobian
		}
		stop, err := opt.Run()
		return stop, opt.CurrentValue, err

	case config.OptimizerRegularStepGradientDescent:
		opt := optimizer.NewRegularStepGradientDescent()
		opt.LearningRate = d.cfg.LearningRateForLevel(level)
		opt.NumberOfIterations = d.cfg.IterationsForLevel(level)
		opt.MinimumStepLength = d.cfg.MinimumStepLength
		opt.RelaxationFactor = d.cfg.RelaxationFactor
		opt.GradientMagnitudeTolerance = d.cfg.GradientMagnitudeTolerance
		opt.Scales = scales
		opt.Observer = observer
		opt.Cost = met.Value
		opt.Params = trans.Parameters
		opt.SetParams = trans.SetParameters
		opt.Gradient = met.Derivative
		stop, err := opt.Run()
		return stop, opt.CurrentValue, err
	}
	return optimizer.SingularMatrix, 0, fmt.Errorf("%w: optimizerType %q", config.ErrInvalid, optimizerType)
}

// buildMetric constructs the configured metric bound to the level volumes.
// A fresh metric per level keeps each level's bundles independently owned;
// the pyramid allocates fresh buffers per level so identity caching would
// not carry across levels anyway.
func (d *Driver) buildMetric(lv pyramidLevel, trans transform.Transform) (metric.Metric, error) {
	switch d.cfg.MetricType {
	case config.MetricMIND:
		m := mind.NewSSDMetric()
		m.Radius = d.cfg.MindRadius
		m.Sigma = d.cfg.MindSigma
		if d.cfg.MindNeighborhoodType == config.Neighborhood26 {
			m.Neighborhood = mind.TwentySixConnected
		}
		m.SamplingPercentage = d.cfg.SamplingPercentage
		m.NumberOfSamples = d.cfg.NumberOfSpatialSamples
		m.StratifiedSampling = d.cfg.UseStratifiedSampling
		m.RandomSeed = d.cfg.RandomSeed
		m.Workers = d.workers
		m.Verbose = d.cfg.Verbose
		m.SetVolumes(lv.fixed, lv.moving)
		m.SetMask(d.params.Mask)
		m.SetTransform(trans)
		return m, nil

	case config.MetricMattesMutualInformation:
		m := metric.NewMattesMI()
		m.NumberOfBins = d.cfg.NumberOfHistogramBins
		m.SamplingPercentage = d.cfg.SamplingPercentage
		m.NumberOfSamples = d.cfg.NumberOfSpatialSamples
		m.StratifiedSampling = d.cfg.UseStratifiedSampling
		m.RandomSeed = d.cfg.RandomSeed
		m.SetVolumes(lv.fixed, lv.moving)
		m.SetMask(d.params.Mask)
		m.SetTransform(trans)
		return m, nil
	}
	return nil, fmt.Errorf("%w: metricType %q", config.ErrInvalid, d.cfg.MetricType)
}

// defaultScales balances rotation (radians) and matrix entries against
// translations (physical units): translation columns are scaled down by the
// volume extent so a unit step in scaled space moves comparably to a
// radian of rotation.
func (d *Driver) defaultScales(trans transform.Transform, geom volume.Geometry) []float64 {
	extent := 0.0
	for axis := 0; axis < 3; axis++ {
		e := float64(geom.Size[axis]-1) * geom.Spacing[axis]
		extent += e * e
	}
	extent = math.Sqrt(extent)
	if extent <= 0 {
		extent = 1
	}
	ts := 1.0 / extent

	n := trans.NumParameters()
	scales := make([]float64, n)
	for i := range scales {
		scales[i] = 1.0
	}
	// The last three parameters are the translation for both
	// parameterizations.
	for i := n - 3; i < n; i++ {
		scales[i] = ts
	}
	return scales
}
