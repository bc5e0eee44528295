package mind

import (
	"math"

	"golang.org/x/exp/rand"
)

// Sample is one fixed-volume measurement: the physical point, the voxel
// index it came from, and the fixed MIND vector captured there.
type Sample struct {
	Point [3]float64
	Index [3]int
	Fixed []float64
}

// sampleStratified walks a regular index lattice over the fixed volume,
// keeping at most target points. The step is the cube root of the inverse
// sampling density and the lattice is inset by pad voxels so every sample
// has a meaningful patch distance.
func (m *SSDMetric) sampleStratified(target, pad int) []Sample {
	size := m.fixed.Geom.Size
	total := m.fixed.Geom.NumVoxels()
	step := int(math.Ceil(math.Cbrt(float64(total) / float64(target))))
	if step < 1 {
		step = 1
	}

	samples := make([]Sample, 0, target)
	for k := pad; k < size[2]-pad; k += step {
		for j := pad; j < size[1]-pad; j += step {
			for i := pad; i < size[0]-pad; i += step {
				if len(samples) >= target {
					return samples
				}
				if s, ok := m.makeSample(i, j, k); ok {
					samples = append(samples, s)
				}
			}
		}
	}
	return samples
}

// sampleRandom draws uniform indices from [pad, size-pad) per axis with the
// metric's seeded generator, retrying up to three times the target count.
func (m *SSDMetric) sampleRandom(target, pad int) []Sample {
	size := m.fixed.Geom.Size
	rng := rand.New(rand.NewSource(m.RandomSeed))

	samples := make([]Sample, 0, target)
	for attempts := 0; len(samples) < target && attempts < 3*target; attempts++ {
		i := pad + rng.Intn(size[0]-2*pad)
		j := pad + rng.Intn(size[1]-2*pad)
		k := pad + rng.Intn(size[2]-2*pad)
		if s, ok := m.makeSample(i, j, k); ok {
			samples = append(samples, s)
		}
	}
	return samples
}

// makeSample builds the sample record at a voxel index, rejecting points
// outside the mask.
func (m *SSDMetric) makeSample(i, j, k int) (Sample, bool) {
	p := m.fixed.Geom.IndexToPhysical(float64(i), float64(j), float64(k))
	if m.mask != nil && !m.mask.Inside(p) {
		return Sample{}, false
	}
	fixed := make([]float64, len(m.fixedBundle))
	for ch := range m.fixedBundle {
		fixed[ch] = float64(m.fixedBundle[ch].At(i, j, k))
	}
	return Sample{Point: p, Index: [3]int{i, j, k}, Fixed: fixed}, true
}

// resample rebuilds the sample set from the current configuration.
func (m *SSDMetric) resample() {
	total := m.fixed.Geom.NumVoxels()
	target := m.NumberOfSamples
	if target <= 0 {
		target = int(math.Round(m.SamplingPercentage * float64(total)))
	}
	if target < 1 {
		target = 1
	}
	pad := m.Radius + maxOffsetMagnitude(m.offsets)

	// Degenerate grids leave no strict interior inside the pad; no samples
	// are captured.
	for d := 0; d < 3; d++ {
		if m.fixed.Geom.Size[d] <= 2*pad {
			m.samples = nil
			return
		}
	}

	if m.StratifiedSampling {
		m.samples = m.sampleStratified(target, pad)
	} else {
		m.samples = m.sampleRandom(target, pad)
	}
}
