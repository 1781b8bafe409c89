package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"medreg/internal/models"
)

// rotationAngles returns the number of rotation angles in dim dimensions.
func rotationAngles(dim int) (int, error) {
	switch dim {
	case 2:
		return 1, nil
	case 3:
		return 3, nil
	}
	return 0, fmt.Errorf("rotations of %d dimensions not supported", dim)
}

// rotationMatrix returns R and dR/da_k in row-major order. In 3D the angles
// rotate about x, y and z in that order: R = Rz(a2) Ry(a1) Rx(a0).
func rotationMatrix(dim int, a []float64) ([]float64, [][]float64) {
	if dim == 2 {
		c, s := math.Cos(a[0]), math.Sin(a[0])
		return []float64{c, -s, s, c}, [][]float64{{-s, -c, c, -s}}
	}
	ca, sa := math.Cos(a[0]), math.Sin(a[0])
	cb, sb := math.Cos(a[1]), math.Sin(a[1])
	cg, sg := math.Cos(a[2]), math.Sin(a[2])

	rx := mat.NewDense(3, 3, []float64{1, 0, 0, 0, ca, -sa, 0, sa, ca})
	ry := mat.NewDense(3, 3, []float64{cb, 0, sb, 0, 1, 0, -sb, 0, cb})
	rz := mat.NewDense(3, 3, []float64{cg, -sg, 0, sg, cg, 0, 0, 0, 1})
	drx := mat.NewDense(3, 3, []float64{0, 0, 0, 0, -sa, -ca, 0, ca, -sa})
	dry := mat.NewDense(3, 3, []float64{-sb, 0, cb, 0, 0, 0, -cb, 0, -sb})
	drz := mat.NewDense(3, 3, []float64{-sg, -cg, 0, cg, -sg, 0, 0, 0, 0})

	product := func(a, b, c mat.Matrix) []float64 {
		var ab, abc mat.Dense
		ab.Mul(a, b)
		abc.Mul(&ab, c)
		out := make([]float64, 9)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				out[i*3+j] = abc.At(i, j)
			}
		}
		return out
	}
	return product(rz, ry, rx), [][]float64{
		product(rz, ry, drx),
		product(rz, dry, rx),
		product(drz, ry, rx),
	}
}

// Rotation rotates about the grid center. Its parameters are one angle in
// 2D and three Euler angles in 3D, all in radians.
type Rotation struct {
	*linear
}

// NewRotation creates an identity rotation on a 2D or 3D grid.
func NewRotation(size models.Size) (*Rotation, error) {
	n, err := rotationAngles(size.Dim())
	if err != nil {
		return nil, err
	}
	l, err := newLinear("rotation", size, n, buildRotation)
	if err != nil {
		return nil, err
	}
	return &Rotation{linear: l}, nil
}

func buildRotation(dim int, p []float64) *linearCache {
	m, dm := rotationMatrix(dim, p)
	return &linearCache{
		m:  m,
		t:  make([]float64, dim),
		dm: dm,
		dt: make([][]float64, len(p)),
	}
}

// Clone returns an independent copy.
func (r *Rotation) Clone() Transformation {
	return &Rotation{linear: r.clone()}
}

// Upscale keeps the angles and moves the rotation center onto the finer grid.
func (r *Rotation) Upscale(size models.Size) (Transformation, error) {
	s, err := scaleFactors(r.size, size)
	if err != nil {
		return nil, err
	}
	return &Rotation{linear: r.scaleLinear(size, s)}, nil
}

// Invert negates the angle in 2D and returns the transposed rotation as
// an affine transformation in 3D.
func (r *Rotation) Invert() (Transformation, error) {
	if r.size.Dim() == 2 {
		inv := &Rotation{linear: r.clone()}
		inv.params[0] = -r.params[0]
		return inv, nil
	}
	return invertLinear(r.linear)
}

// Rigid is a rotation about the grid center followed by a translation.
// Parameters are the translation followed by the rotation angles.
type Rigid struct {
	*linear
}

// NewRigid creates an identity rigid transformation on a 2D or 3D grid.
func NewRigid(size models.Size) (*Rigid, error) {
	n, err := rotationAngles(size.Dim())
	if err != nil {
		return nil, err
	}
	l, err := newLinear("rigid", size, size.Dim()+n, buildRigid)
	if err != nil {
		return nil, err
	}
	return &Rigid{linear: l}, nil
}

func buildRigid(dim int, p []float64) *linearCache {
	m, dmr := rotationMatrix(dim, p[dim:])
	c := &linearCache{
		m:  m,
		t:  append([]float64(nil), p[:dim]...),
		dm: make([][]float64, len(p)),
		dt: make([][]float64, len(p)),
	}
	for i := 0; i < dim; i++ {
		unit := make([]float64, dim)
		unit[i] = 1
		c.dt[i] = unit
	}
	copy(c.dm[dim:], dmr)
	return c
}

// Clone returns an independent copy.
func (r *Rigid) Clone() Transformation {
	return &Rigid{linear: r.clone()}
}

// Upscale keeps the angles, moves the center onto the finer grid and scales
// the translation.
func (r *Rigid) Upscale(size models.Size) (Transformation, error) {
	s, err := scaleFactors(r.size, size)
	if err != nil {
		return nil, err
	}
	out := &Rigid{linear: r.scaleLinear(size, s)}
	for d := range s {
		out.params[d] *= s[d]
	}
	return out, nil
}

// Invert returns the rigid inverse in 2D, with t' = -R^T t, and an affine
// transformation in 3D.
func (r *Rigid) Invert() (Transformation, error) {
	if r.size.Dim() != 2 {
		return invertLinear(r.linear)
	}
	inv := &Rigid{linear: r.clone()}
	theta := r.params[2]
	c, s := math.Cos(theta), math.Sin(theta)
	tx, ty := r.params[0], r.params[1]
	inv.params[0] = -(c*tx + s*ty)
	inv.params[1] = -(-s*tx + c*ty)
	inv.params[2] = -theta
	return inv, nil
}

// Translate shifts every point by a constant vector t.
type Translate struct {
	*linear
}

// NewTranslate creates a zero translation on size.
func NewTranslate(size models.Size) (*Translate, error) {
	l, err := newLinear("translate", size, size.Dim(), buildTranslate)
	if err != nil {
		return nil, err
	}
	return &Translate{linear: l}, nil
}

func buildTranslate(dim int, p []float64) *linearCache {
	c := &linearCache{
		m:  make([]float64, dim*dim),
		t:  append([]float64(nil), p...),
		dm: make([][]float64, dim),
		dt: make([][]float64, dim),
	}
	for i := 0; i < dim; i++ {
		c.m[i*dim+i] = 1
		unit := make([]float64, dim)
		unit[i] = 1
		c.dt[i] = unit
	}
	return c
}

// Apply shifts x by the translation vector.
func (t *Translate) Apply(x, out []float64) {
	for d, v := range t.params {
		out[d] = x[d] + v
	}
}

// Translate sums the force field: the derivative of T(x) with respect to
// the translation is the identity at every point.
func (t *Translate) Translate(force *models.VectorField, grad []float64) error {
	if err := t.checkForce(force, grad); err != nil {
		return err
	}
	dim := t.size.Dim()
	for i := range grad {
		grad[i] = 0
	}
	for i := 0; i < force.Len(); i++ {
		floats.Add(grad, force.Data[i*dim:(i+1)*dim])
	}
	return nil
}

// MaxTransform is the length of the translation vector.
func (t *Translate) MaxTransform() float64 {
	return floats.Norm(t.params, 2)
}

// Clone returns an independent copy.
func (t *Translate) Clone() Transformation {
	return &Translate{linear: t.clone()}
}

// Upscale scales the translation by the block factor of the finer grid.
func (t *Translate) Upscale(size models.Size) (Transformation, error) {
	s, err := scaleFactors(t.size, size)
	if err != nil {
		return nil, err
	}
	out := &Translate{linear: t.scaleLinear(size, s)}
	floats.Mul(out.params, s)
	return out, nil
}

// Invert negates the translation.
func (t *Translate) Invert() (Transformation, error) {
	inv := &Translate{linear: t.clone()}
	floats.Scale(-1, inv.params)
	return inv, nil
}
