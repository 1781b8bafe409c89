// Package transform implements the spatial transformations estimated by the
// registration: translation, rotation, rigid, affine, dense displacement
// field and cubic B-spline free-form deformation.
//
// A transformation maps positions x of the reference grid to positions T(x)
// in the floating image. Its state is a parameter vector whose length is the
// number of degrees of freedom; the all-zero vector is the identity.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"medreg/internal/models"
	"medreg/pkg/factory"
)

var (
	// ErrParameterCount is returned when a parameter vector does not match
	// the degrees of freedom.
	ErrParameterCount = errors.New("parameter vector size mismatch")

	// ErrSingular is returned when inverting a transformation whose linear
	// part has a determinant close to zero.
	ErrSingular = errors.New("singular matrix")

	// ErrUnsupported is returned by operations a variant does not model.
	ErrUnsupported = errors.New("operation not supported")

	// ErrSizeMismatch is returned when a field does not match the transformation grid.
	ErrSizeMismatch = errors.New("grid size mismatch")
)

// singularTolerance is the smallest determinant magnitude accepted by Invert.
const singularTolerance = 1e-6

// Transformation is a spatial mapping with a mutable parameter vector.
type Transformation interface {
	// Name returns the registry name of the variant.
	Name() string

	// Size returns the grid the transformation is defined on.
	Size() models.Size

	// DegreesOfFreedom returns the length of the parameter vector.
	DegreesOfFreedom() int

	// Parameters returns a copy of the parameter vector.
	Parameters() []float64

	// SetParameters replaces the parameter vector.
	SetParameters(p []float64) error

	// SetIdentity resets the transformation to the identity.
	SetIdentity()

	// Apply writes T(x) into out.
	Apply(x, out []float64)

	// DerivativeAt returns the Jacobian matrix dT/dx at x.
	DerivativeAt(x []float64) *mat.Dense

	// Translate reduces a per-pixel force field, the derivative of a cost
	// with respect to T(x) at every grid point x, into the derivative of the
	// cost with respect to the parameters. It is linear in the force.
	Translate(force *models.VectorField, grad []float64) error

	// Upscale returns the equivalent transformation on a larger grid.
	Upscale(size models.Size) (Transformation, error)

	// Clone returns an independent copy.
	Clone() Transformation

	// Invert returns the inverse mapping.
	Invert() (Transformation, error)

	// MaxTransform returns the largest displacement |T(x)-x| over the
	// corners and the center of the grid.
	MaxTransform() float64
}

// Refiner is implemented by transformations that can increase their
// number of degrees of freedom without changing the mapping.
type Refiner interface {
	Refine() bool
}

// Perturber is implemented by transformations that can absorb an
// incremental displacement field.
type Perturber interface {
	Perturb(v *models.VectorField) (float64, error)
}

// FoldingDetector is implemented by transformations that can report the
// smallest local volume change, which drops below zero where the mapping folds.
type FoldingDetector interface {
	MinJacobian() float64
}

// Refine increases the degrees of freedom of t if the variant supports it
// and reports whether anything changed.
func Refine(t Transformation) bool {
	r, ok := t.(Refiner)
	return ok && r.Refine()
}

// Perturb composes t with the displacement v. It fails with ErrUnsupported
// for variants that do not model it.
func Perturb(t Transformation, v *models.VectorField) (float64, error) {
	p, ok := t.(Perturber)
	if !ok {
		return 0, fmt.Errorf("perturb %s: %w", t.Name(), ErrUnsupported)
	}
	return p.Perturb(v)
}

// MinJacobian returns the smallest Jacobian determinant over the grid of t.
// It fails with ErrUnsupported for variants that do not model it.
func MinJacobian(t Transformation) (float64, error) {
	f, ok := t.(FoldingDetector)
	if !ok {
		return 0, fmt.Errorf("jacobian %s: %w", t.Name(), ErrUnsupported)
	}
	return f.MinJacobian(), nil
}

// Creator builds an identity transformation on a grid.
type Creator func(size models.Size) (Transformation, error)

var registry = factory.NewRegistry[Creator]("transform")

// Parse returns the Creator for a description such as "affine" or "spline:rate=8".
func Parse(desc string) (Creator, error) {
	return registry.Create(desc)
}

// Names returns the registered transformation names.
func Names() []string {
	return registry.Names()
}

func init() {
	simple := func(name string, create func(models.Size) (Transformation, error)) {
		registry.Register(name, func(p factory.Params) (Creator, error) {
			if err := p.Check(name); err != nil {
				return nil, err
			}
			return create, nil
		})
	}
	simple("translate", func(s models.Size) (Transformation, error) { return NewTranslate(s) })
	simple("rotation", func(s models.Size) (Transformation, error) { return NewRotation(s) })
	simple("rigid", func(s models.Size) (Transformation, error) { return NewRigid(s) })
	simple("affine", func(s models.Size) (Transformation, error) { return NewAffine(s) })
	simple("vf", func(s models.Size) (Transformation, error) { return NewField(s) })
	registry.Register("spline", func(p factory.Params) (Creator, error) {
		if err := p.Check("spline", "rate"); err != nil {
			return nil, err
		}
		rate, err := p.Float("rate", 16)
		if err != nil {
			return nil, err
		}
		if rate < 1 {
			return nil, fmt.Errorf("spline: rate %g must be at least 1", rate)
		}
		return func(s models.Size) (Transformation, error) { return NewSpline(s, rate) }, nil
	})
}

func checkSize(size models.Size) error {
	if size.Dim() < 1 || size.Dim() > 3 {
		return fmt.Errorf("transformations of %d dimensions not supported", size.Dim())
	}
	for _, n := range size {
		if n < 1 {
			return fmt.Errorf("invalid grid size %s", size)
		}
	}
	return nil
}

// scaleFactors returns the block factor between a grid and a finer one, once
// per axis. The coarse grid must be the fine one downsampled by blocks of
// that factor, i.e. from = ceil(to/s) along every axis, so odd sizes such
// as 17 -> 33 still give a factor of 2.
func scaleFactors(from, to models.Size) ([]float64, error) {
	if from.Dim() != to.Dim() {
		return nil, fmt.Errorf("upscale %s to %s: %w", from, to, ErrSizeMismatch)
	}
	ratio := 1.0
	for d := range from {
		ratio = math.Max(ratio, float64(to[d])/float64(from[d]))
	}
	block := int(math.Ceil(ratio))
	for d := range from {
		if (to[d]+block-1)/block != from[d] {
			return nil, fmt.Errorf("upscale %s to %s: no common block factor: %w", from, to, ErrSizeMismatch)
		}
	}
	s := make([]float64, from.Dim())
	for d := range s {
		s[d] = float64(block)
	}
	return s, nil
}

// upscalePosition maps a pixel position of a coarse grid onto the grid it
// was downsampled from by blocks of s. Coarse pixel i averages the fine
// pixels s·i .. s·i+s-1, so its center lies at s·i + (s-1)/2.
func upscalePosition(x, s float64) float64 {
	return s*x + (s-1)/2
}

// downscalePosition is the inverse of upscalePosition.
func downscalePosition(x, s float64) float64 {
	return (x - (s-1)/2) / s
}

// gridCenter returns the center of a grid in pixel coordinates.
func gridCenter(size models.Size) []float64 {
	c := make([]float64, size.Dim())
	for d, n := range size {
		c[d] = float64(n-1) / 2
	}
	return c
}

// mapper is the part of a Transformation needed to measure displacements.
type mapper interface {
	Size() models.Size
	Apply(x, out []float64)
}

// maxCornerDisplacement evaluates |T(x)-x| over the grid corners and center.
func maxCornerDisplacement(t mapper) float64 {
	size := t.Size()
	dim := size.Dim()
	x := make([]float64, dim)
	y := make([]float64, dim)
	best := 0.0
	measure := func() {
		t.Apply(x, y)
		floats.Sub(y, x)
		best = math.Max(best, floats.Norm(y, 2))
	}
	for corner := 0; corner < 1<<dim; corner++ {
		for d := 0; d < dim; d++ {
			x[d] = 0
			if corner&(1<<d) != 0 {
				x[d] = float64(size[d] - 1)
			}
		}
		measure()
	}
	copy(x, gridCenter(size))
	measure()
	return best
}

// determinant returns the determinant of a dim x dim row-major matrix.
func determinant(m []float64, dim int) float64 {
	switch dim {
	case 1:
		return m[0]
	case 2:
		return m[0]*m[3] - m[1]*m[2]
	case 3:
		return m[0]*(m[4]*m[8]-m[5]*m[7]) -
			m[1]*(m[3]*m[8]-m[5]*m[6]) +
			m[2]*(m[3]*m[7]-m[4]*m[6])
	}
	return mat.Det(mat.NewDense(dim, dim, m))
}
