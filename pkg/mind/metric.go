package mind

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"mindreg/pkg/metric"
	"mindreg/pkg/transform"
	"mindreg/pkg/volume"
)

// SSDMetric is the MIND-SSD similarity metric: the mean squared difference
// between the fixed MIND bundle sampled at fixed points and the moving MIND
// bundle sampled at the transformed points. It implements metric.Metric and
// metric.LeastSquares, so the Gauss-Newton optimizer can consume residuals
// and their analytical Jacobian.
type SSDMetric struct {
	fixed  *volume.Volume
	moving *volume.Volume
	mask   metric.Mask
	trans  transform.Transform

	// Descriptor and sampling configuration. Sigma is carried from the
	// configuration record but not used; the patch statistic is the box
	// mean over (2*Radius+1)^3 voxels.
	Radius             int
	Sigma              float64
	Neighborhood       NeighborhoodType
	SamplingPercentage float64
	NumberOfSamples    int
	StratifiedSampling bool
	RandomSeed         uint64
	Workers            int
	Verbose            bool

	offsets [][3]int

	fixedBundle  []*volume.Volume
	movingBundle []*volume.Volume
	movingGrads  [][3]*volume.Volume

	// Bundles are cached by volume identity so repeated Initialize calls
	// with unchanged volumes skip the descriptor recomputation.
	cachedFixed  *volume.Volume
	cachedMoving *volume.Volume

	samples     []Sample
	numValid    int
	initialized bool
}

// NewSSDMetric returns a metric with the configuration defaults.
func NewSSDMetric() *SSDMetric {
	return &SSDMetric{
		Radius:             1,
		Sigma:              0.8,
		Neighborhood:       SixConnected,
		SamplingPercentage: 0.25,
		StratifiedSampling: true,
		RandomSeed:         121212,
		Workers:            runtime.NumCPU(),
	}
}

// SetVolumes binds the fixed and moving volumes. Passing a volume different
// from the cached one invalidates its bundle.
func (m *SSDMetric) SetVolumes(fixed, moving *volume.Volume) {
	m.fixed = fixed
	m.moving = moving
	m.initialized = false
}

// SetMask restricts sampling to the mask region.
func (m *SSDMetric) SetMask(mask metric.Mask) { m.mask = mask }

// SetTransform binds the transform the metric is evaluated through. The
// metric owns the transform for the duration of a registration level.
func (m *SSDMetric) SetTransform(t transform.Transform) {
	m.trans = t
	m.initialized = false
}

// Transform exposes the bound transform.
func (m *SSDMetric) Transform() transform.Transform { return m.trans }

// NumValidSamples reports the contributing sample count of the last
// evaluation.
func (m *SSDMetric) NumValidSamples() int { return m.numValid }

// NumChannels returns the descriptor channel count.
func (m *SSDMetric) NumChannels() int { return len(m.offsets) }

// Samples exposes the captured sample set.
func (m *SSDMetric) Samples() []Sample { return m.samples }

// ResetCache drops the cached bundles so the next Initialize recomputes
// them even for identical volume references.
func (m *SSDMetric) ResetCache() {
	m.cachedFixed = nil
	m.cachedMoving = nil
	m.fixedBundle = nil
	m.movingBundle = nil
	m.movingGrads = nil
}

// Initialize computes the MIND bundles for both volumes, the moving
// gradient bundle, and captures the fixed sample set. Bundles are reused
// when the same volume reference is initialized twice.
func (m *SSDMetric) Initialize() error {
	if m.fixed == nil || m.moving == nil || m.trans == nil {
		return fmt.Errorf("%w: fixed, moving and transform must be set", metric.ErrUninitialized)
	}
	if err := m.fixed.Geom.Validate(); err != nil {
		return fmt.Errorf("fixed volume: %w", err)
	}
	if err := m.moving.Geom.Validate(); err != nil {
		return fmt.Errorf("moving volume: %w", err)
	}

	m.offsets = Offsets(m.Neighborhood)

	if m.cachedFixed != m.fixed || m.fixedBundle == nil {
		if m.Verbose {
			fmt.Printf("[mind] computing fixed descriptor (%d channels, radius %d)\n",
				len(m.offsets), m.Radius)
		}
		bundle, err := ComputeDescriptor(m.fixed, m.offsets, m.Radius, m.Workers)
		if err != nil {
			return err
		}
		m.fixedBundle = bundle
		m.cachedFixed = m.fixed
	}

	if m.cachedMoving != m.moving || m.movingBundle == nil {
		if m.Verbose {
			fmt.Printf("[mind] computing moving descriptor and gradients\n")
		}
		bundle, err := ComputeDescriptor(m.moving, m.offsets, m.Radius, m.Workers)
		if err != nil {
			return err
		}
		m.movingBundle = bundle
		m.movingGrads = computeBundleGradients(bundle, m.Workers)
		m.cachedMoving = m.moving
	}

	m.resample()
	if m.Verbose {
		fmt.Printf("[mind] captured %d samples\n", len(m.samples))
	}
	m.initialized = true
	return nil
}

// forEachSample runs fn over disjoint sample ranges on the worker pool.
// Workers write only to per-sample output slots, so results do not depend
// on the worker count.
func (m *SSDMetric) forEachSample(fn func(lo, hi int)) {
	n := len(m.samples)
	workers := m.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	var g errgroup.Group
	per := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * per
		hi := lo + per
		if hi > n {
			hi = n
		}
		if lo >= hi {
			break
		}
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	g.Wait()
}

// evalSample interpolates every moving channel at the transformed point.
// ok is false when the point leaves any channel's interpolation buffer.
func (m *SSDMetric) evalSample(s *Sample, movingVals []float64) (tp [3]float64, ok bool) {
	tp = m.trans.Apply(s.Point)
	if !m.movingBundle[0].InsideBuffer(tp) {
		return tp, false
	}
	for ch := range m.movingBundle {
		v, inside := m.movingBundle[ch].SampleLinear(tp)
		if !inside {
			return tp, false
		}
		movingVals[ch] = v
	}
	return tp, true
}

// Value evaluates the MIND-SSD cost at the current transform parameters.
// With zero contributing samples the value is 0.0 and NumValidSamples
// reports zero; the driver treats that as a failed level.
func (m *SSDMetric) Value() (float64, error) {
	if !m.initialized {
		return 0, metric.ErrUninitialized
	}
	k := len(m.offsets)
	partial := make([]float64, len(m.samples))
	valid := make([]bool, len(m.samples))

	m.forEachSample(func(lo, hi int) {
		movingVals := make([]float64, k)
		for i := lo; i < hi; i++ {
			s := &m.samples[i]
			if _, ok := m.evalSample(s, movingVals); !ok {
				continue
			}
			ssd := 0.0
			for ch := 0; ch < k; ch++ {
				d := s.Fixed[ch] - movingVals[ch]
				ssd += d * d
			}
			partial[i] = ssd
			valid[i] = true
		}
	})

	// Fixed-order reduction keeps the sum deterministic.
	total := 0.0
	count := 0
	for i := range partial {
		if valid[i] {
			total += partial[i]
			count++
		}
	}
	m.numValid = count
	if count == 0 {
		return 0, nil
	}
	return total / float64(count*k), nil
}

// Derivative evaluates the analytical cost gradient: for every valid sample
// and channel, -2 (fixed - moving) * grad(MIND_moving) . dT/dq, averaged
// over contributing residuals.
func (m *SSDMetric) Derivative() ([]float64, error) {
	if !m.initialized {
		return nil, metric.ErrUninitialized
	}
	k := len(m.offsets)
	np := m.trans.NumParameters()
	partial := make([][]float64, len(m.samples))
	valid := make([]bool, len(m.samples))

	m.forEachSample(func(lo, hi int) {
		movingVals := make([]float64, k)
		for i := lo; i < hi; i++ {
			s := &m.samples[i]
			tp, ok := m.evalSample(s, movingVals)
			if !ok {
				continue
			}
			grad := make([]float64, np)
			tj := m.trans.Jacobian(s.Point)
			for ch := 0; ch < k; ch++ {
				diff := s.Fixed[ch] - movingVals[ch]
				var mg [3]float64
				for dim := 0; dim < 3; dim++ {
					mg[dim], _ = m.movingGrads[ch][dim].SampleLinear(tp)
				}
				for p := 0; p < np; p++ {
					dot := mg[0]*tj[p][0] + mg[1]*tj[p][1] + mg[2]*tj[p][2]
					grad[p] += -2 * diff * dot
				}
			}
			partial[i] = grad
			valid[i] = true
		}
	})

	out := make([]float64, np)
	count := 0
	for i := range partial {
		if valid[i] {
			for p := 0; p < np; p++ {
				out[p] += partial[i][p]
			}
			count++
		}
	}
	m.numValid = count
	if count == 0 {
		return out, nil
	}
	norm := 1.0 / float64(count*k)
	for p := range out {
		out[p] *= norm
	}
	return out, nil
}

// Residuals returns the signed differences fixed - moving(T(x)) for every
// valid sample and channel, in sample order.
func (m *SSDMetric) Residuals() ([]float64, error) {
	res, _, err := m.residualsAndJacobian(false)
	return res, err
}

// ResidualsAndJacobian returns the residual vector and the Jacobian of the
// residuals with respect to the transform parameters. Row (s, ch) of the
// Jacobian is -grad(MIND_moving_ch)(T(x_s)) . dT(x_s)/dq.
func (m *SSDMetric) ResidualsAndJacobian() ([]float64, [][]float64, error) {
	return m.residualsAndJacobian(true)
}

func (m *SSDMetric) residualsAndJacobian(withJacobian bool) ([]float64, [][]float64, error) {
	if !m.initialized {
		return nil, nil, metric.ErrUninitialized
	}
	k := len(m.offsets)
	np := m.trans.NumParameters()
	n := len(m.samples)

	resRows := make([][]float64, n)
	jacRows := make([][][]float64, n)

	m.forEachSample(func(lo, hi int) {
		movingVals := make([]float64, k)
		for i := lo; i < hi; i++ {
			s := &m.samples[i]
			tp, ok := m.evalSample(s, movingVals)
			if !ok {
				continue
			}
			res := make([]float64, k)
			for ch := 0; ch < k; ch++ {
				res[ch] = s.Fixed[ch] - movingVals[ch]
			}
			resRows[i] = res

			if !withJacobian {
				continue
			}
			tj := m.trans.Jacobian(s.Point)
			rows := make([][]float64, k)
			for ch := 0; ch < k; ch++ {
				var mg [3]float64
				for dim := 0; dim < 3; dim++ {
					mg[dim], _ = m.movingGrads[ch][dim].SampleLinear(tp)
				}
				row := make([]float64, np)
				for p := 0; p < np; p++ {
					row[p] = -(mg[0]*tj[p][0] + mg[1]*tj[p][1] + mg[2]*tj[p][2])
				}
				rows[ch] = row
			}
			jacRows[i] = rows
		}
	})

	// Compact valid rows in sample order.
	residuals := make([]float64, 0, n*k)
	var jacobian [][]float64
	if withJacobian {
		jacobian = make([][]float64, 0, n*k)
	}
	count := 0
	for i := range resRows {
		if resRows[i] == nil {
			continue
		}
		residuals = append(residuals, resRows[i]...)
		if withJacobian {
			jacobian = append(jacobian, jacRows[i]...)
		}
		count++
	}
	m.numValid = count
	return residuals, jacobian, nil
}
