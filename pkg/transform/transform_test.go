package transform

import (
	"math"
	"testing"
)

func TestRigidIdentity(t *testing.T) {
	r := NewRigid()
	p := [3]float64{1.5, -2, 3}
	got := r.Apply(p)
	if got != p {
		t.Errorf("identity transform moved %v to %v", p, got)
	}
}

func TestRigidKnownRotation(t *testing.T) {
	r := NewRigid()
	// Quarter turn about z plus a translation.
	if err := r.SetParameters([]float64{0, 0, math.Pi / 2, 1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	got := r.Apply([3]float64{1, 0, 0})
	want := [3]float64{1, 3, 3} // rotate (1,0,0) -> (0,1,0), then translate
	for d := 0; d < 3; d++ {
		if math.Abs(got[d]-want[d]) > 1e-12 {
			t.Errorf("apply = %v, want %v", got, want)
			break
		}
	}
}

func TestRigidParameterRoundTrip(t *testing.T) {
	r := NewRigid()
	q := []float64{0.1, -0.2, 0.3, 4, 5, -6}
	if err := r.SetParameters(q); err != nil {
		t.Fatal(err)
	}
	got := r.Parameters()
	for i := range q {
		if got[i] != q[i] {
			t.Errorf("parameter %d = %f, want %f", i, got[i], q[i])
		}
	}

	if err := r.SetParameters([]float64{1, 2, 3}); err == nil {
		t.Error("wrong-length parameter vector accepted")
	}
}

// jacobianByFiniteDifference perturbs each parameter and differentiates the
// applied point centrally.
func jacobianByFiniteDifference(tr Transform, p [3]float64, h float64) [][3]float64 {
	q0 := tr.Parameters()
	n := tr.NumParameters()
	jac := make([][3]float64, n)
	for i := 0; i < n; i++ {
		qp := append([]float64(nil), q0...)
		qm := append([]float64(nil), q0...)
		qp[i] += h
		qm[i] -= h
		tr.SetParameters(qp)
		plus := tr.Apply(p)
		tr.SetParameters(qm)
		minus := tr.Apply(p)
		for d := 0; d < 3; d++ {
			jac[i][d] = (plus[d] - minus[d]) / (2 * h)
		}
	}
	tr.SetParameters(q0)
	return jac
}

func TestRigidJacobianMatchesFiniteDifference(t *testing.T) {
	cases := [][]float64{
		{0, 0, 0, 0, 0, 0},
		{0.3, -0.1, 0.2, 5, -2, 1},
		{0, 0, 1.2, 0, 0, 0},
		{-0.05, 0.02, -0.01, 10, 20, 30},
	}
	point := [3]float64{12, -7, 4}

	for _, q := range cases {
		r := NewRigid()
		if err := r.SetParameters(q); err != nil {
			t.Fatal(err)
		}
		analytic := r.Jacobian(point)
		numeric := jacobianByFiniteDifference(r, point, 1e-6)

		for i := 0; i < 6; i++ {
			for d := 0; d < 3; d++ {
				diff := math.Abs(analytic[i][d] - numeric[i][d])
				scale := math.Max(1, math.Abs(numeric[i][d]))
				if diff/scale > 1e-4 {
					t.Errorf("params %v: jacobian[%d][%d] = %f, finite difference %f",
						q, i, d, analytic[i][d], numeric[i][d])
				}
			}
		}
	}
}

func TestAffineJacobianExact(t *testing.T) {
	a := NewAffine()
	p := [3]float64{2, -3, 5}
	jac := a.Jacobian(p)

	// Row for M12 must be (p_y, 0, 0).
	if jac[1] != [3]float64{-3, 0, 0} {
		t.Errorf("row for M12 = %v, want (-3,0,0)", jac[1])
	}
	// Row for M31 must be (0, 0, p_x).
	if jac[6] != [3]float64{0, 0, 2} {
		t.Errorf("row for M31 = %v, want (0,0,2)", jac[6])
	}
	// Translation rows are basis vectors.
	if jac[9] != [3]float64{1, 0, 0} || jac[10] != [3]float64{0, 1, 0} || jac[11] != [3]float64{0, 0, 1} {
		t.Error("translation rows are not basis vectors")
	}

	numeric := jacobianByFiniteDifference(a, p, 1e-6)
	for i := 0; i < 12; i++ {
		for d := 0; d < 3; d++ {
			if math.Abs(jac[i][d]-numeric[i][d]) > 1e-6 {
				t.Errorf("jacobian[%d][%d] = %f, finite difference %f",
					i, d, jac[i][d], numeric[i][d])
			}
		}
	}
}

func TestAffineFromRigid(t *testing.T) {
	r := NewRigid()
	if err := r.SetParameters([]float64{0, 0, math.Pi / 2, 7, 8, 9}); err != nil {
		t.Fatal(err)
	}
	a := NewAffineFromRigid(r)

	p := [3]float64{1, 2, 3}
	got := a.Apply(p)
	want := r.Apply(p)
	for d := 0; d < 3; d++ {
		if math.Abs(got[d]-want[d]) > 1e-12 {
			t.Errorf("seeded affine maps %v to %v, rigid maps to %v", p, got, want)
			break
		}
	}
	if a.NumParameters() != 12 {
		t.Errorf("affine has %d parameters, want 12", a.NumParameters())
	}
}

func TestSetParametersTakesEffectImmediately(t *testing.T) {
	r := NewRigid()
	p := [3]float64{1, 0, 0}

	if err := r.SetParameters([]float64{0, 0, 0, 1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	first := r.Apply(p)
	if err := r.SetParameters([]float64{0, 0, 0, 2, 0, 0}); err != nil {
		t.Fatal(err)
	}
	second := r.Apply(p)

	if first[0] != 2 || second[0] != 3 {
		t.Errorf("apply after SetParameters: first %v, second %v", first, second)
	}
}
