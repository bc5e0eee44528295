// Package transform provides the parameterized spatial mappings the
// registration engine optimizes over: a rigid transform with six parameters
// and an affine transform with twelve. Both expose the point mapping and the
// Jacobian of the mapped point with respect to the parameters, which the
// Gauss-Newton optimizer consumes.
package transform

import (
	"fmt"
	"math"
)

// Transform maps physical points to physical points under a parameter
// vector q, and reports the parameter Jacobian dT(p)/dq at a point.
type Transform interface {
	// NumParameters returns the length of the parameter vector.
	NumParameters() int
	// Parameters returns a copy of the current parameter vector.
	Parameters() []float64
	// SetParameters replaces the parameter vector. Subsequent Apply calls
	// reflect the new parameters.
	SetParameters(q []float64) error
	// Apply maps a physical point.
	Apply(p [3]float64) [3]float64
	// Jacobian returns the p x 3 parameter Jacobian at the point: row i is
	// the partial derivative of T(p) with respect to parameter i.
	Jacobian(p [3]float64) [][3]float64
}

func checkLen(q []float64, want int) error {
	if len(q) != want {
		return fmt.Errorf("parameter vector length %d, want %d", len(q), want)
	}
	return nil
}

// Rigid is a rotation-plus-translation transform. The parameter vector is
// (wx, wy, wz, tx, ty, tz): the first three entries are a Rodrigues
// axis-angle vector whose direction is the rotation axis and whose norm is
// the rotation angle in radians, the last three the translation.
type Rigid struct {
	omega [3]float64
	trans [3]float64
	// rotation matrix cached on SetParameters
	rot [3][3]float64
}

// NewRigid returns the identity rigid transform.
func NewRigid() *Rigid {
	r := &Rigid{}
	r.rot = rodrigues(r.omega)
	return r
}

func (r *Rigid) NumParameters() int { return 6 }

func (r *Rigid) Parameters() []float64 {
	return []float64{r.omega[0], r.omega[1], r.omega[2], r.trans[0], r.trans[1], r.trans[2]}
}

func (r *Rigid) SetParameters(q []float64) error {
	if err := checkLen(q, 6); err != nil {
		return err
	}
	r.omega = [3]float64{q[0], q[1], q[2]}
	r.trans = [3]float64{q[3], q[4], q[5]}
	r.rot = rodrigues(r.omega)
	return nil
}

// Rotation returns the current rotation matrix.
func (r *Rigid) Rotation() [3][3]float64 { return r.rot }

// Translation returns the current translation vector.
func (r *Rigid) Translation() [3]float64 { return r.trans }

func (r *Rigid) Apply(p [3]float64) [3]float64 {
	return [3]float64{
		r.rot[0][0]*p[0] + r.rot[0][1]*p[1] + r.rot[0][2]*p[2] + r.trans[0],
		r.rot[1][0]*p[0] + r.rot[1][1]*p[1] + r.rot[1][2]*p[2] + r.trans[1],
		r.rot[2][0]*p[0] + r.rot[2][1]*p[1] + r.rot[2][2]*p[2] + r.trans[2],
	}
}

// Jacobian rows 0..2 differentiate the rotated point with respect to the
// axis-angle components, rows 3..5 are the translation basis vectors.
//
// For theta = |w| away from zero the derivative of the rotation matrix uses
// the closed form of Gallego and Yezzi:
//
//	dR/dwi = (wi [w]x + [w x ((I - R) ei)]x) R / theta^2
//
// and in the small-angle limit dR/dwi = [ei]x.
func (r *Rigid) Jacobian(p [3]float64) [][3]float64 {
	jac := make([][3]float64, 6)
	theta2 := r.omega[0]*r.omega[0] + r.omega[1]*r.omega[1] + r.omega[2]*r.omega[2]

	if theta2 < 1e-16 {
		// [ei]x * p for each axis.
		jac[0] = [3]float64{0, -p[2], p[1]}
		jac[1] = [3]float64{p[2], 0, -p[0]}
		jac[2] = [3]float64{-p[1], p[0], 0}
	} else {
		rp := r.applyRotation(p)
		for i := 0; i < 3; i++ {
			var ei [3]float64
			ei[i] = 1
			// v = (I - R) ei
			v := [3]float64{
				ei[0] - r.rot[0][i],
				ei[1] - r.rot[1][i],
				ei[2] - r.rot[2][i],
			}
			wxv := cross(r.omega, v)
			// row = (wi * w x (R p) + (w x v) x (R p)) / theta^2
			a := cross(r.omega, rp)
			b := cross(wxv, rp)
			jac[i] = [3]float64{
				(r.omega[i]*a[0] + b[0]) / theta2,
				(r.omega[i]*a[1] + b[1]) / theta2,
				(r.omega[i]*a[2] + b[2]) / theta2,
			}
		}
	}

	jac[3] = [3]float64{1, 0, 0}
	jac[4] = [3]float64{0, 1, 0}
	jac[5] = [3]float64{0, 0, 1}
	return jac
}

func (r *Rigid) applyRotation(p [3]float64) [3]float64 {
	return [3]float64{
		r.rot[0][0]*p[0] + r.rot[0][1]*p[1] + r.rot[0][2]*p[2],
		r.rot[1][0]*p[0] + r.rot[1][1]*p[1] + r.rot[1][2]*p[2],
		r.rot[2][0]*p[0] + r.rot[2][1]*p[1] + r.rot[2][2]*p[2],
	}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// rodrigues converts an axis-angle vector to a rotation matrix:
// R = I + sin(theta)/theta [w]x + (1-cos(theta))/theta^2 [w]x^2.
func rodrigues(w [3]float64) [3][3]float64 {
	theta2 := w[0]*w[0] + w[1]*w[1] + w[2]*w[2]
	theta := math.Sqrt(theta2)

	var a, b float64
	if theta < 1e-8 {
		// Taylor expansions keep the matrix accurate near identity.
		a = 1 - theta2/6
		b = 0.5 - theta2/24
	} else {
		a = math.Sin(theta) / theta
		b = (1 - math.Cos(theta)) / theta2
	}

	wx, wy, wz := w[0], w[1], w[2]
	return [3][3]float64{
		{1 - b*(wy*wy+wz*wz), -a*wz + b*wx*wy, a*wy + b*wx*wz},
		{a*wz + b*wx*wy, 1 - b*(wx*wx+wz*wz), -a*wx + b*wy*wz},
		{-a*wy + b*wx*wz, a*wx + b*wy*wz, 1 - b*(wx*wx+wy*wy)},
	}
}

// Affine is a full linear transform T(p) = M p + t. The parameter vector is
// (M11, M12, M13, M21, ..., M33, t1, t2, t3), matrix entries row-major.
type Affine struct {
	mat   [3][3]float64
	trans [3]float64
}

// NewAffine returns the identity affine transform.
func NewAffine() *Affine {
	return &Affine{mat: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// NewAffineFromRigid seeds an affine transform from a rigid one: the linear
// part is the rigid rotation and the translation is carried over. Used by
// the two-stage registration schedule.
func NewAffineFromRigid(r *Rigid) *Affine {
	return &Affine{mat: r.Rotation(), trans: r.Translation()}
}

func (a *Affine) NumParameters() int { return 12 }

func (a *Affine) Parameters() []float64 {
	q := make([]float64, 12)
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			q[row*3+col] = a.mat[row][col]
		}
	}
	q[9], q[10], q[11] = a.trans[0], a.trans[1], a.trans[2]
	return q
}

func (a *Affine) SetParameters(q []float64) error {
	if err := checkLen(q, 12); err != nil {
		return err
	}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			a.mat[row][col] = q[row*3+col]
		}
	}
	a.trans = [3]float64{q[9], q[10], q[11]}
	return nil
}

// Matrix returns the current linear part.
func (a *Affine) Matrix() [3][3]float64 { return a.mat }

// Translation returns the current translation vector.
func (a *Affine) Translation() [3]float64 { return a.trans }

func (a *Affine) Apply(p [3]float64) [3]float64 {
	return [3]float64{
		a.mat[0][0]*p[0] + a.mat[0][1]*p[1] + a.mat[0][2]*p[2] + a.trans[0],
		a.mat[1][0]*p[0] + a.mat[1][1]*p[1] + a.mat[1][2]*p[2] + a.trans[1],
		a.mat[2][0]*p[0] + a.mat[2][1]*p[1] + a.mat[2][2]*p[2] + a.trans[2],
	}
}

// Jacobian row for matrix entry M(row,col) is p[col] times the row-th basis
// vector; translation rows are basis vectors.
func (a *Affine) Jacobian(p [3]float64) [][3]float64 {
	jac := make([][3]float64, 12)
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			var r [3]float64
			r[row] = p[col]
			jac[row*3+col] = r
		}
	}
	jac[9] = [3]float64{1, 0, 0}
	jac[10] = [3]float64{0, 1, 0}
	jac[11] = [3]float64{0, 0, 1}
	return jac
}
