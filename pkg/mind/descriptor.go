// Package mind implements the Modality Independent Neighbourhood Descriptor
// and the MIND-SSD similarity metric built on it. The descriptor turns a
// volume into a bundle of self-similarity channels that are stable under
// monotonic intensity remappings, which is what lets the metric compare CT
// against CBCT or MRI.
package mind

import (
	"math"

	"golang.org/x/sync/errgroup"

	"mindreg/pkg/volume"
)

// NeighborhoodType selects the offset set the descriptor is computed over.
type NeighborhoodType int

const (
	// SixConnected uses the six axis neighbors and yields six channels.
	SixConnected NeighborhoodType = iota
	// TwentySixConnected uses every nonzero offset in {-1,0,1}^3 and yields
	// twenty-six channels. Memory use grows accordingly.
	TwentySixConnected
)

// Offsets returns the neighborhood offset list for the given type. The
// order is fixed and shared by every bundle built from it.
func Offsets(nt NeighborhoodType) [][3]int {
	if nt == SixConnected {
		return [][3]int{
			{1, 0, 0}, {-1, 0, 0},
			{0, 1, 0}, {0, -1, 0},
			{0, 0, 1}, {0, 0, -1},
		}
	}
	var offsets [][3]int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx != 0 || dy != 0 || dz != 0 {
					offsets = append(offsets, [3]int{dx, dy, dz})
				}
			}
		}
	}
	return offsets
}

// maxOffsetMagnitude returns the largest absolute offset component, which
// together with the patch radius determines the sampling boundary pad.
func maxOffsetMagnitude(offsets [][3]int) int {
	max := 0
	for _, o := range offsets {
		for _, c := range o {
			if c < 0 {
				c = -c
			}
			if c > max {
				max = c
			}
		}
	}
	return max
}

const varianceEpsilon = 1e-10

// ComputeDescriptor builds the MIND bundle of one volume: one channel per
// neighborhood offset, each sharing the source geometry.
//
// Per channel k with offset r the patch distance is
//
//	Dp_k(x) = meanBox((I - shift(I, r))^2, radius)
//
// the variance surrogate is V(x) = mean_k Dp_k(x) + eps, the raw channel is
// exp(-Dp_k/V), and finally every voxel is divided across channels by its
// channel maximum so the strongest response is exactly one.
func ComputeDescriptor(v *volume.Volume, offsets [][3]int, radius int, workers int) ([]*volume.Volume, error) {
	k := len(offsets)
	dp := make([]*volume.Volume, k)

	// Patch distances are independent per channel; compute them
	// concurrently.
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for ch := range offsets {
		ch := ch
		g.Go(func() error {
			off := offsets[ch]
			shifted := v.Shift(float64(off[0]), float64(off[1]), float64(off[2]))
			diff, err := v.Sub(shifted)
			if err != nil {
				return err
			}
			dp[ch] = diff.Square().MeanBox(radius)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := v.Geom.NumVoxels()
	bundle := make([]*volume.Volume, k)
	for ch := range bundle {
		bundle[ch] = &volume.Volume{Geom: v.Geom, Data: make([]float32, n)}
	}

	invK := 1.0 / float64(k)
	for i := 0; i < n; i++ {
		sum := 0.0
		for ch := 0; ch < k; ch++ {
			sum += float64(dp[ch].Data[i])
		}
		variance := sum*invK + varianceEpsilon

		maxVal := 0.0
		for ch := 0; ch < k; ch++ {
			m := math.Exp(-float64(dp[ch].Data[i]) / variance)
			bundle[ch].Data[i] = float32(m)
			if m > maxVal {
				maxVal = m
			}
		}
		norm := 1.0 / (maxVal + varianceEpsilon)
		for ch := 0; ch < k; ch++ {
			bundle[ch].Data[i] = float32(float64(bundle[ch].Data[i]) * norm)
		}
	}
	return bundle, nil
}

// computeBundleGradients returns the central-difference spatial gradient of
// every channel, three component volumes per channel.
func computeBundleGradients(bundle []*volume.Volume, workers int) [][3]*volume.Volume {
	grads := make([][3]*volume.Volume, len(bundle))
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for ch := range bundle {
		ch := ch
		g.Go(func() error {
			gx, gy, gz := bundle[ch].CentralGradient()
			grads[ch] = [3]*volume.Volume{gx, gy, gz}
			return nil
		})
	}
	g.Wait()
	return grads
}
