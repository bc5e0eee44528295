package metric

import (
	"math"

	"mindreg/pkg/volume"
)

// VolumeMask adapts a volume into a spatial predicate: a physical point is
// inside when its nearest voxel holds a positive value. Because the
// predicate works in physical space it applies unchanged across pyramid
// levels.
type VolumeMask struct {
	vol *volume.Volume
}

// NewVolumeMask wraps a mask volume.
func NewVolumeMask(v *volume.Volume) *VolumeMask {
	return &VolumeMask{vol: v}
}

// Inside implements Mask.
func (m *VolumeMask) Inside(p [3]float64) bool {
	c := m.vol.Geom.PhysicalToContinuousIndex(p)
	var idx [3]int
	for d := 0; d < 3; d++ {
		i := int(math.Round(c[d]))
		if i < 0 || i >= m.vol.Geom.Size[d] {
			return false
		}
		idx[d] = i
	}
	return m.vol.At(idx[0], idx[1], idx[2]) > 0
}

// FuncMask adapts a plain predicate function into a Mask.
type FuncMask func(p [3]float64) bool

// Inside implements Mask.
func (f FuncMask) Inside(p [3]float64) bool { return f(p) }
