package metric

import (
	"errors"
	"math"
	"testing"

	"mindreg/pkg/transform"
	"mindreg/pkg/volume"
)

func makeVolume(n int, f func(i, j, k int) float64) *volume.Volume {
	geom := volume.Geometry{
		Size:      [3]int{n, n, n},
		Spacing:   [3]float64{1, 1, 1},
		Origin:    [3]float64{0, 0, 0},
		Direction: volume.IdentityDirection(),
	}
	v, err := volume.New(geom)
	if err != nil {
		panic(err)
	}
	for k := 0; k < n; k++ {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				v.Data[i+n*(j+n*k)] = float32(f(i, j, k))
			}
		}
	}
	return v
}

func pattern(i, j, k int) float64 {
	return math.Sin(0.5*float64(i)) + math.Cos(0.4*float64(j)) + 0.2*float64(k)
}

func TestMattesMIUninitialized(t *testing.T) {
	m := NewMattesMI()
	if _, err := m.Value(); !errors.Is(err, ErrUninitialized) {
		t.Errorf("Value before Initialize: err = %v, want ErrUninitialized", err)
	}
	if err := m.Initialize(); !errors.Is(err, ErrUninitialized) {
		t.Errorf("Initialize without volumes: err = %v, want ErrUninitialized", err)
	}
}

func TestMattesMIIdenticalVolumes(t *testing.T) {
	fixed := makeVolume(12, pattern)
	moving := makeVolume(12, pattern)

	m := NewMattesMI()
	m.SamplingPercentage = 0.5
	m.SetVolumes(fixed, moving)
	m.SetTransform(transform.NewRigid())
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}

	aligned, err := m.Value()
	if err != nil {
		t.Fatal(err)
	}
	if m.NumValidSamples() == 0 {
		t.Fatal("no valid samples")
	}

	// Misaligning identical volumes must lose mutual information, so the
	// negated cost rises.
	trans := m.Transform()
	if err := trans.SetParameters([]float64{0, 0, 0, 3.0, -2.0, 1.0}); err != nil {
		t.Fatal(err)
	}
	shifted, err := m.Value()
	if err != nil {
		t.Fatal(err)
	}
	if aligned >= shifted {
		t.Errorf("negative MI aligned (%f) should be below shifted (%f)", aligned, shifted)
	}
}

func TestMattesMIDerivativeRestoresParameters(t *testing.T) {
	fixed := makeVolume(10, pattern)
	moving := makeVolume(10, pattern)

	m := NewMattesMI()
	m.SetVolumes(fixed, moving)
	trans := transform.NewRigid()
	if err := trans.SetParameters([]float64{0, 0, 0, 0.5, 0.5, 0.5}); err != nil {
		t.Fatal(err)
	}
	m.SetTransform(trans)
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}

	before := trans.Parameters()
	grad, err := m.Derivative()
	if err != nil {
		t.Fatal(err)
	}
	if len(grad) != 6 {
		t.Errorf("gradient length = %d, want 6", len(grad))
	}
	after := trans.Parameters()
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("parameter %d changed by Derivative: %f vs %f", i, before[i], after[i])
		}
	}
}

func TestVolumeMask(t *testing.T) {
	mask := makeVolume(4, func(i, j, k int) float64 {
		if i >= 2 {
			return 1
		}
		return 0
	})
	vm := NewVolumeMask(mask)

	if vm.Inside([3]float64{0, 1, 1}) {
		t.Error("zero-valued voxel reported inside")
	}
	if !vm.Inside([3]float64{3, 1, 1}) {
		t.Error("positive voxel reported outside")
	}
	if vm.Inside([3]float64{10, 1, 1}) {
		t.Error("point beyond the grid reported inside")
	}
}

func TestFuncMask(t *testing.T) {
	half := FuncMask(func(p [3]float64) bool { return p[0] > 0 })
	if !half.Inside([3]float64{1, 0, 0}) || half.Inside([3]float64{-1, 0, 0}) {
		t.Error("predicate not forwarded")
	}
}
