package volume

import "math"

// SmoothGaussian applies an isotropic Gaussian of the given sigma, expressed
// in physical units, as three separable passes. The per-axis kernel is a
// sampled Gaussian with radius ceil(3*sigma/spacing), renormalized over the
// in-domain taps at the boundary. A non-positive sigma returns a copy.
func (v *Volume) SmoothGaussian(sigma float64) *Volume {
	if sigma <= 0 {
		out := v.emptyLike()
		copy(out.Data, v.Data)
		return out
	}
	out := v
	for axis := 0; axis < 3; axis++ {
		sigmaVox := sigma / v.Geom.Spacing[axis]
		out = out.gaussAlongAxis(axis, sigmaVox)
	}
	return out
}

func (v *Volume) gaussAlongAxis(axis int, sigmaVox float64) *Volume {
	radius := int(math.Ceil(3 * sigmaVox))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	ksum := 0.0
	for t := -radius; t <= radius; t++ {
		w := math.Exp(-float64(t*t) / (2 * sigmaVox * sigmaVox))
		kernel[t+radius] = w
		ksum += w
	}
	for i := range kernel {
		kernel[i] /= ksum
	}

	out := v.emptyLike()
	n := [3]int{v.Geom.Size[0], v.Geom.Size[1], v.Geom.Size[2]}
	for k := 0; k < n[2]; k++ {
		for j := 0; j < n[1]; j++ {
			for i := 0; i < n[0]; i++ {
				idx := [3]int{i, j, k}
				sum := 0.0
				wsum := 0.0
				q := idx
				for t := -radius; t <= radius; t++ {
					p := idx[axis] + t
					if p < 0 || p > n[axis]-1 {
						continue
					}
					q[axis] = p
					w := kernel[t+radius]
					sum += w * float64(v.At(q[0], q[1], q[2]))
					wsum += w
				}
				out.set(i, j, k, float32(sum/wsum))
			}
		}
	}
	return out
}

// Shrink downsamples by an integer factor per axis, each output voxel being
// the mean of its factor^3 block of input voxels. Spacing is scaled by the
// factor and the origin moves to the center of the first block so voxel
// centers of coarse and fine grids stay aligned in physical space.
func (v *Volume) Shrink(factor int) *Volume {
	if factor <= 1 {
		out := v.emptyLike()
		copy(out.Data, v.Data)
		return out
	}
	var geom Geometry
	geom.Direction = v.Geom.Direction
	for d := 0; d < 3; d++ {
		size := v.Geom.Size[d] / factor
		if size < 1 {
			size = 1
		}
		geom.Size[d] = size
		geom.Spacing[d] = v.Geom.Spacing[d] * float64(factor)
	}
	shift := float64(factor-1) / 2.0
	origin := v.Geom.IndexToPhysical(
		shift*1.0, shift*1.0, shift*1.0)
	geom.Origin = origin

	out := &Volume{Geom: geom, Data: make([]float32, geom.NumVoxels())}
	for k := 0; k < geom.Size[2]; k++ {
		for j := 0; j < geom.Size[1]; j++ {
			for i := 0; i < geom.Size[0]; i++ {
				// Average over the factor^3 block; keeps the coarse level
				// consistent with the pre-smoothed fine level.
				sum := 0.0
				count := 0
				for dk := 0; dk < factor; dk++ {
					for dj := 0; dj < factor; dj++ {
						for di := 0; di < factor; di++ {
							si := i*factor + di
							sj := j*factor + dj
							sk := k*factor + dk
							if si >= v.Geom.Size[0] || sj >= v.Geom.Size[1] || sk >= v.Geom.Size[2] {
								continue
							}
							sum += float64(v.At(si, sj, sk))
							count++
						}
					}
				}
				out.set(i, j, k, float32(sum/float64(count)))
			}
		}
	}
	return out
}
