package metric

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"

	"mindreg/pkg/transform"
	"mindreg/pkg/volume"
)

// MattesMI is a sampled joint-histogram mutual-information metric. The cost
// is the negative mutual information between fixed and warped moving
// intensities so that minimizing it aligns the volumes. The gradient is
// computed by forward finite differences; the metric therefore exposes only
// the base capability and optimizers fall back to gradient descent.
type MattesMI struct {
	fixed  *volume.Volume
	moving *volume.Volume
	mask   Mask
	trans  transform.Transform

	NumberOfBins       int
	SamplingPercentage float64
	NumberOfSamples    int
	StratifiedSampling bool
	RandomSeed         uint64
	FiniteDiffStep     float64

	samples     []miSample
	fixedMin    float64
	fixedRange  float64
	movingMin   float64
	movingRange float64

	numValid    int
	initialized bool
}

type miSample struct {
	point [3]float64
	fixed float64
}

// NewMattesMI returns a metric with the configuration defaults.
func NewMattesMI() *MattesMI {
	return &MattesMI{
		NumberOfBins:       32,
		SamplingPercentage: 0.25,
		StratifiedSampling: true,
		RandomSeed:         121212,
		FiniteDiffStep:     1e-4,
	}
}

// SetVolumes binds the fixed and moving volumes.
func (m *MattesMI) SetVolumes(fixed, moving *volume.Volume) {
	m.fixed = fixed
	m.moving = moving
	m.initialized = false
}

// SetMask restricts sampling to the mask region.
func (m *MattesMI) SetMask(mask Mask) { m.mask = mask }

// SetTransform binds the transform the metric is evaluated through.
func (m *MattesMI) SetTransform(t transform.Transform) {
	m.trans = t
	m.initialized = false
}

func (m *MattesMI) Transform() transform.Transform { return m.trans }

func (m *MattesMI) NumValidSamples() int { return m.numValid }

// Initialize computes intensity ranges and captures the sample set over the
// fixed volume.
func (m *MattesMI) Initialize() error {
	if m.fixed == nil || m.moving == nil || m.trans == nil {
		return fmt.Errorf("%w: fixed, moving and transform must be set", ErrUninitialized)
	}
	fmin, fmax := m.fixed.MinMax()
	mmin, mmax := m.moving.MinMax()
	m.fixedMin = float64(fmin)
	m.fixedRange = float64(fmax) - float64(fmin)
	m.movingMin = float64(mmin)
	m.movingRange = float64(mmax) - float64(mmin)
	if m.fixedRange <= 0 {
		m.fixedRange = 1
	}
	if m.movingRange <= 0 {
		m.movingRange = 1
	}

	m.sampleFixed()
	m.initialized = true
	return nil
}

// sampleFixed captures fixed-volume samples with a one-voxel boundary pad,
// stratified on a regular lattice or drawn from the seeded generator.
func (m *MattesMI) sampleFixed() {
	m.samples = m.samples[:0]
	size := m.fixed.Geom.Size
	total := m.fixed.Geom.NumVoxels()
	target := m.NumberOfSamples
	if target <= 0 {
		target = int(math.Round(m.SamplingPercentage * float64(total)))
	}
	if target < 1 {
		target = 1
	}
	const pad = 1
	for d := 0; d < 3; d++ {
		if size[d] <= 2*pad {
			return
		}
	}

	keep := func(i, j, k int) {
		p := m.fixed.Geom.IndexToPhysical(float64(i), float64(j), float64(k))
		if m.mask != nil && !m.mask.Inside(p) {
			return
		}
		m.samples = append(m.samples, miSample{point: p, fixed: float64(m.fixed.At(i, j, k))})
	}

	if m.StratifiedSampling {
		step := int(math.Ceil(math.Cbrt(float64(total) / float64(target))))
		if step < 1 {
			step = 1
		}
		for k := pad; k < size[2]-pad; k += step {
			for j := pad; j < size[1]-pad; j += step {
				for i := pad; i < size[0]-pad; i += step {
					if len(m.samples) >= target {
						return
					}
					keep(i, j, k)
				}
			}
		}
		return
	}

	rng := rand.New(rand.NewSource(m.RandomSeed))
	for attempts := 0; len(m.samples) < target && attempts < 3*target; attempts++ {
		i := pad + rng.Intn(size[0]-2*pad)
		j := pad + rng.Intn(size[1]-2*pad)
		k := pad + rng.Intn(size[2]-2*pad)
		keep(i, j, k)
	}
}

// Value returns the negative mutual information over the sample set.
func (m *MattesMI) Value() (float64, error) {
	if !m.initialized {
		return 0, ErrUninitialized
	}
	bins := m.NumberOfBins
	joint := make([]float64, bins*bins)
	marginalF := make([]float64, bins)
	marginalM := make([]float64, bins)

	valid := 0
	for _, s := range m.samples {
		tp := m.trans.Apply(s.point)
		mv, inside := m.moving.SampleLinear(tp)
		if !inside {
			continue
		}
		fb := m.binIndex(s.fixed, m.fixedMin, m.fixedRange)
		mb := m.binIndex(mv, m.movingMin, m.movingRange)
		joint[fb*bins+mb]++
		marginalF[fb]++
		marginalM[mb]++
		valid++
	}
	m.numValid = valid
	if valid == 0 {
		return 0, nil
	}

	n := float64(valid)
	for i := range joint {
		joint[i] /= n
	}
	for i := 0; i < bins; i++ {
		marginalF[i] /= n
		marginalM[i] /= n
	}
	mi := stat.Entropy(marginalF) + stat.Entropy(marginalM) - stat.Entropy(joint)
	return -mi, nil
}

func (m *MattesMI) binIndex(v, min, rng float64) int {
	b := int((v - min) / rng * float64(m.NumberOfBins))
	if b < 0 {
		b = 0
	}
	if b >= m.NumberOfBins {
		b = m.NumberOfBins - 1
	}
	return b
}

// Derivative computes the gradient by forward finite differences, restoring
// the parameters afterwards.
func (m *MattesMI) Derivative() ([]float64, error) {
	if !m.initialized {
		return nil, ErrUninitialized
	}
	q0 := m.trans.Parameters()
	v0, err := m.Value()
	if err != nil {
		return nil, err
	}
	grad := make([]float64, len(q0))
	q := make([]float64, len(q0))
	for p := range q0 {
		copy(q, q0)
		q[p] += m.FiniteDiffStep
		if err := m.trans.SetParameters(q); err != nil {
			return nil, err
		}
		vp, err := m.Value()
		if err != nil {
			return nil, err
		}
		grad[p] = (vp - v0) / m.FiniteDiffStep
	}
	if err := m.trans.SetParameters(q0); err != nil {
		return nil, err
	}
	return grad, nil
}
