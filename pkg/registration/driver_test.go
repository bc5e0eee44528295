package registration

import (
	"errors"
	"math"
	"testing"

	"mindreg/pkg/config"
	"mindreg/pkg/metric"
	"mindreg/pkg/volume"
)

// blockVolume builds a cube of zeros with a centered block of ones, the
// reduced-size analogue of the translation recovery scenario.
func blockVolume(n, half int) *volume.Volume {
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
	c := n / 2
	for k := c - half; k < c+half; k++ {
		for j := c - half; j < c+half; j++ {
			for i := c - half; i < c+half; i++ {
				v.Data[i+n*(j+n*k)] = 1
			}
		}
	}
	return v
}

func smoothVolume(n int) *volume.Volume {
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
				x, y, z := float64(i), float64(j), float64(k)
				v.Data[i+n*(j+n*k)] = float32(math.Sin(0.3*x)*math.Cos(0.25*y) + 0.4*math.Sin(0.2*z))
			}
		}
	}
	return v
}

func mindConfig(levels int) *config.Config {
	cfg := config.Default()
	cfg.MetricType = config.MetricMIND
	cfg.TransformType = config.TransformRigid
	cfg.NumberOfLevels = levels
	switch levels {
	case 1:
		cfg.ShrinkFactors = []int{1}
		cfg.SmoothingSigmas = []float64{0}
		cfg.LearningRate = config.FloatList{1.0}
		cfg.NumberOfIterations = config.IntList{50}
	case 2:
		cfg.ShrinkFactors = []int{2, 1}
		cfg.SmoothingSigmas = []float64{1.0, 0.5}
		cfg.LearningRate = config.FloatList{1.0, 1.0}
		cfg.NumberOfIterations = config.IntList{50, 30}
	}
	cfg.SamplingPercentage = 0.5
	cfg.RandomSeed = 42
	return cfg
}

func TestDriverValidation(t *testing.T) {
	if _, err := NewDriver(Params{}); err == nil {
		t.Error("driver accepted missing volumes")
	}

	fixed := smoothVolume(8)
	cfg := config.Default()
	cfg.NumberOfLevels = 2 // shrinkFactors keep their default length of 5
	if _, err := NewDriver(Params{Fixed: fixed, Moving: fixed, Config: cfg}); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("driver accepted inconsistent pyramid config, err = %v", err)
	}
}

func TestTranslationRecovery(t *testing.T) {
	fixed := blockVolume(32, 6)
	moving := fixed.Shift(2, -1, 1)

	driver, err := NewDriver(Params{
		Fixed:   fixed,
		Moving:  moving,
		Config:  mindConfig(2),
		Workers: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := driver.Run()
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	// moving(x) = fixed(x - d), so the recovered mapping from fixed into
	// moving space is a translation by d = (2, -1, 1) mm.
	want := [3]float64{2, -1, 1}
	for d := 0; d < 3; d++ {
		if got := result.Parameters[3+d]; math.Abs(got-want[d]) > 0.5 {
			t.Errorf("translation[%d] = %f, want %f within 0.5", d, got, want[d])
		}
	}
	for d := 0; d < 3; d++ {
		if got := result.Parameters[d]; math.Abs(got) > 0.02 {
			t.Errorf("rotation[%d] = %f, want ~0", d, got)
		}
	}
	if result.FailedLevel != -1 {
		t.Errorf("failed level = %d, want -1", result.FailedLevel)
	}
	if len(result.Trace) == 0 {
		t.Error("trace is empty")
	}
}

func TestMultiModalTranslationRecovery(t *testing.T) {
	fixed := smoothVolume(32)
	// The moving volume is a 1.5-voxel shift of the fixed one with the
	// intensity axis flipped, the kind of remapping MIND is built for.
	moving := fixed.Shift(1.5, 0, 0).MulScalar(-1)

	driver, err := NewDriver(Params{
		Fixed:   fixed,
		Moving:  moving,
		Config:  mindConfig(2),
		Workers: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := driver.Run()
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	if got := result.Parameters[3]; math.Abs(got-1.5) > 0.5 {
		t.Errorf("translation x = %f, want 1.5 within 0.5", got)
	}
	for _, d := range []int{4, 5} {
		if got := result.Parameters[d]; math.Abs(got) > 0.5 {
			t.Errorf("translation[%d] = %f, want ~0", d, got)
		}
	}
}

func TestDeterministicRuns(t *testing.T) {
	run := func() []float64 {
		fixed := blockVolume(32, 6)
		moving := fixed.Shift(2, -1, 1)
		driver, err := NewDriver(Params{
			Fixed:   fixed,
			Moving:  moving,
			Config:  mindConfig(2),
			Workers: 2,
		})
		if err != nil {
			t.Fatal(err)
		}
		result, err := driver.Run()
		if err != nil {
			t.Fatal(err)
		}
		return result.Parameters
	}

	first := run()
	second := run()
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("parameter %d differs between identical runs: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestZeroIterationsPreservesInitialParameters(t *testing.T) {
	fixed := smoothVolume(16)
	cfg := mindConfig(1)
	cfg.NumberOfIterations = config.IntList{0}

	initial := []float64{0.01, -0.02, 0.03, 1.5, -0.5, 0.25}
	driver, err := NewDriver(Params{
		Fixed:             fixed,
		Moving:            fixed,
		Config:            cfg,
		InitialParameters: initial,
		Workers:           2,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := driver.Run()
	if err != nil {
		t.Fatal(err)
	}
	if result.StopCondition != "MaxIterations" {
		t.Errorf("stop condition = %q, want MaxIterations", result.StopCondition)
	}
	for i := range initial {
		if result.Parameters[i] != initial[i] {
			t.Errorf("parameter %d = %v, want the initial %v", i, result.Parameters[i], initial[i])
		}
	}
}

func TestAffineRecoversIdentityFromPerturbation(t *testing.T) {
	fixed := smoothVolume(24)
	cfg := mindConfig(1)
	cfg.TransformType = config.TransformAffine
	cfg.NumberOfIterations = config.IntList{100}
	cfg.SamplingPercentage = 0.25

	initial := []float64{
		1.01, 0.015, -0.01,
		-0.02, 0.99, 0.01,
		0.005, -0.015, 1.02,
		0.5, -0.4, 0.3,
	}
	driver, err := NewDriver(Params{
		Fixed:             fixed,
		Moving:            fixed,
		Config:            cfg,
		InitialParameters: initial,
		Workers:           2,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := driver.Run()
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	if result.FinalCost > 1e-6 {
		t.Errorf("final cost = %g, want below 1e-6", result.FinalCost)
	}
	identity := []float64{1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0}
	diff := 0.0
	for i := range identity {
		d := result.Parameters[i] - identity[i]
		diff += d * d
	}
	diff = math.Sqrt(diff)
	if diff > 1e-2 {
		t.Errorf("parameter distance from identity = %g, want below 1e-2", diff)
	}
}

func TestRigidThenAffineOnIdenticalVolumes(t *testing.T) {
	fixed := smoothVolume(16)
	cfg := mindConfig(1)
	cfg.TransformType = config.TransformRigidThenAffine
	cfg.NumberOfIterations = config.IntList{10}

	driver, err := NewDriver(Params{
		Fixed:   fixed,
		Moving:  fixed,
		Config:  cfg,
		Workers: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := driver.Run()
	if err != nil {
		t.Fatalf("registration failed: %v", err)
	}

	if result.TransformType != config.TransformAffine {
		t.Errorf("result transform type = %q, want Affine", result.TransformType)
	}
	if len(result.Parameters) != 12 {
		t.Fatalf("parameter count = %d, want 12", len(result.Parameters))
	}
	if result.FinalCost > 1e-8 {
		t.Errorf("final cost = %g, want ~0", result.FinalCost)
	}
	// The affine linear part stays the identity it was seeded with.
	identity := [][2]int{{0, 0}, {4, 1}, {8, 2}}
	for _, e := range identity {
		if math.Abs(result.Parameters[e[0]]-1) > 1e-6 {
			t.Errorf("diagonal entry %d = %f, want 1", e[0], result.Parameters[e[0]])
		}
	}
	// Both stages must appear in the trace.
	stages := map[string]bool{}
	for _, entry := range result.Trace {
		stages[entry.Stage] = true
	}
	if !stages["rigid"] || !stages["affine"] {
		t.Errorf("trace stages = %v, want both rigid and affine", stages)
	}
}

func TestMaskExcludingAllFailsCleanly(t *testing.T) {
	fixed := smoothVolume(16)
	driver, err := NewDriver(Params{
		Fixed:   fixed,
		Moving:  fixed,
		Config:  mindConfig(1),
		Mask:    metric.FuncMask(func(p [3]float64) bool { return false }),
		Workers: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	result, err := driver.Run()
	if !errors.Is(err, ErrNoValidSamples) {
		t.Errorf("err = %v, want ErrNoValidSamples", err)
	}
	if result == nil {
		t.Fatal("failure should still report the accumulated result")
	}
	if result.FailedLevel != 0 {
		t.Errorf("failed level = %d, want 0", result.FailedLevel)
	}
}

func TestMattesMIDriverPath(t *testing.T) {
	fixed := smoothVolume(16)
	cfg := config.Default()
	cfg.MetricType = config.MetricMattesMutualInformation
	cfg.TransformType = config.TransformRigid
	cfg.NumberOfLevels = 1
	cfg.ShrinkFactors = []int{1}
	cfg.SmoothingSigmas = []float64{0}
	cfg.LearningRate = config.FloatList{0.5}
	cfg.NumberOfIterations = config.IntList{20}

	driver, err := NewDriver(Params{Fixed: fixed, Moving: fixed, Config: cfg, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	result, err := driver.Run()
	if err != nil {
		t.Fatalf("MI registration failed: %v", err)
	}
	if len(result.Parameters) != 6 {
		t.Errorf("parameter count = %d, want 6", len(result.Parameters))
	}
}
