package transform

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"medreg/internal/models"
	"medreg/internal/parallel"
	"medreg/pkg/interpolation"
)

// subdivision is the two-scale mask of the cubic B-spline:
// β(t) = Σ_k h_k β(2t-k) for k = -2..2.
var subdivision = [5]float64{1.0 / 8, 4.0 / 8, 6.0 / 8, 4.0 / 8, 1.0 / 8}

// Spline is a cubic B-spline free-form deformation T(x) = x + u(x) with
//
//	u(x) = Σ_j c_j Π_d β((x_d+1/2)/rate_d + 1 - j_d)
//
// Knots are placed in pixel corner coordinates x+1/2, where refining a grid
// by blocks is a pure scaling; control point j sits at pixel position
// (j-1)·rate - 1/2. A grid of floor((n-1/2)/rate)+4 control points per axis
// covers n pixels. The parameters are the control vectors c_j stored
// interleaved.
type Spline struct {
	size   models.Size
	rate   []float64
	kernel *interpolation.Kernel
	coeffs *models.VectorField
}

// NewSpline creates an identity spline deformation with control spacing rate
// along every axis.
func NewSpline(size models.Size, rate float64) (*Spline, error) {
	rates := make([]float64, size.Dim())
	for d := range rates {
		rates[d] = rate
	}
	return newSpline(size, rates)
}

func newSpline(size models.Size, rates []float64) (*Spline, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	for _, r := range rates {
		if r <= 0 {
			return nil, fmt.Errorf("spline: invalid control spacing %g", r)
		}
	}
	return &Spline{
		size:   size.Clone(),
		rate:   append([]float64(nil), rates...),
		kernel: interpolation.MustKernel(3),
		coeffs: models.NewVectorField(controlSize(size, rates)),
	}, nil
}

func controlSize(size models.Size, rates []float64) models.Size {
	cs := make(models.Size, size.Dim())
	for d := range cs {
		cs[d] = int(math.Floor((float64(size[d])-0.5)/rates[d])) + 4
	}
	return cs
}

// Name returns "spline".
func (s *Spline) Name() string { return "spline" }

// Size returns the image grid the deformation is defined on.
func (s *Spline) Size() models.Size { return s.size }

// DegreesOfFreedom is the number of control points times the dimension.
func (s *Spline) DegreesOfFreedom() int { return len(s.coeffs.Data) }

// Rate returns the control point spacing per axis in pixels.
func (s *Spline) Rate() []float64 { return append([]float64(nil), s.rate...) }

// ControlSize returns the extent of the control point grid.
func (s *Spline) ControlSize() models.Size { return s.coeffs.Size }

// Coefficients gives direct access to the control vectors.
func (s *Spline) Coefficients() *models.VectorField { return s.coeffs }

// Parameters returns a copy of the control vectors, interleaved per point.
func (s *Spline) Parameters() []float64 {
	return append([]float64(nil), s.coeffs.Data...)
}

// SetParameters replaces the control vectors in the layout of Parameters.
func (s *Spline) SetParameters(p []float64) error {
	if len(p) != len(s.coeffs.Data) {
		return fmt.Errorf("spline: got %d parameters, want %d: %w", len(p), len(s.coeffs.Data), ErrParameterCount)
	}
	copy(s.coeffs.Data, p)
	return nil
}

// SetIdentity zeroes every control vector.
func (s *Spline) SetIdentity() { s.coeffs.Clear() }

// knot returns the spline argument of pixel position x for spacing rate.
func knot(x, rate float64) float64 {
	return (x+0.5)/rate + 1
}

// basis holds the non-zero basis weights of one position along every axis.
type basis struct {
	start [3]int
	w     [3][4]float64
	dw    [3][4]float64
}

func (s *Spline) basisAt(x []float64, b *basis, derivatives bool) {
	for d := range s.size {
		xi := knot(x[d], s.rate[d])
		b.start[d] = s.kernel.Weights(xi, b.w[d][:])
		if derivatives {
			s.kernel.Derivatives(xi, b.dw[d][:])
			for k := range b.dw[d] {
				b.dw[d][k] /= s.rate[d]
			}
		}
	}
}

// eval writes u(x) into u and, when jac is not nil, du/dx in row-major order.
func (s *Spline) eval(x []float64, u, jac []float64) {
	dim := s.size.Dim()
	var b basis
	s.basisAt(x, &b, jac != nil)
	for d := range u {
		u[d] = 0
	}
	for i := range jac {
		jac[i] = 0
	}
	cs := s.coeffs.Size
	var k [3]int
	var idx [3]int
	total := 1 << (2 * dim)
	for n := 0; n < total; n++ {
		inside := true
		for d := 0; d < dim; d++ {
			idx[d] = b.start[d] + k[d]
			if idx[d] < 0 || idx[d] >= cs[d] {
				inside = false
			}
		}
		if inside {
			c := s.coeffs.At(cs.Index(idx[:dim]))
			w := 1.0
			for d := 0; d < dim; d++ {
				w *= b.w[d][k[d]]
			}
			floats.AddScaled(u, w, c)
			if jac != nil {
				for e := 0; e < dim; e++ {
					g := b.dw[e][k[e]]
					for d := 0; d < dim; d++ {
						if d != e {
							g *= b.w[d][k[d]]
						}
					}
					for d := 0; d < dim; d++ {
						jac[d*dim+e] += g * c[d]
					}
				}
			}
		}
		for d := 0; d < dim; d++ {
			k[d]++
			if k[d] < 4 {
				break
			}
			k[d] = 0
		}
	}
}

// Apply returns x + u(x).
func (s *Spline) Apply(x, out []float64) {
	var u [3]float64
	dim := s.size.Dim()
	s.eval(x, u[:dim], nil)
	for d := 0; d < dim; d++ {
		out[d] = x[d] + u[d]
	}
}

// DerivativeAt returns the analytic Jacobian I + du/dx at x.
func (s *Spline) DerivativeAt(x []float64) *mat.Dense {
	dim := s.size.Dim()
	var u [3]float64
	jac := make([]float64, dim*dim)
	s.eval(x, u[:dim], jac)
	for d := 0; d < dim; d++ {
		jac[d*dim+d] += 1
	}
	return mat.NewDense(dim, dim, jac)
}

// Translate applies the adjoint of the basis expansion to the force field:
// grad_j = Σ_x f(x) Π_d β((x_d+1/2)/rate_d + 1 - j_d). The weights are separable,
// so they are tabulated once per axis.
func (s *Spline) Translate(force *models.VectorField, grad []float64) error {
	if !force.Size.Equal(s.size) {
		return fmt.Errorf("spline: force field %s on grid %s: %w", force.Size, s.size, ErrSizeMismatch)
	}
	if len(grad) != len(s.coeffs.Data) {
		return fmt.Errorf("spline: gradient has %d entries, want %d: %w", len(grad), len(s.coeffs.Data), ErrParameterCount)
	}
	dim := s.size.Dim()
	starts := make([][]int, dim)
	weights := make([][][4]float64, dim)
	for d := 0; d < dim; d++ {
		starts[d] = make([]int, s.size[d])
		weights[d] = make([][4]float64, s.size[d])
		for i := range starts[d] {
			starts[d][i] = s.kernel.Weights(knot(float64(i), s.rate[d]), weights[d][i][:])
		}
	}

	for i := range grad {
		grad[i] = 0
	}
	cs := s.coeffs.Size
	total := 1 << (2 * dim)
	var mu sync.Mutex
	parallel.Default().ParallelFor(force.Len(), func(start, end int) {
		partial := make([]float64, len(grad))
		c := make([]int, dim)
		var k, idx [3]int
		for i := start; i < end; i++ {
			f := force.At(i)
			if allZero(f) {
				continue
			}
			s.size.Coords(i, c)
			for n := 0; n < total; n++ {
				inside := true
				w := 1.0
				for d := 0; d < dim; d++ {
					idx[d] = starts[d][c[d]] + k[d]
					if idx[d] < 0 || idx[d] >= cs[d] {
						inside = false
					}
					w *= weights[d][c[d]][k[d]]
				}
				if inside && w != 0 {
					floats.AddScaled(partial[cs.Index(idx[:dim])*dim:][:dim], w, f)
				}
				for d := 0; d < dim; d++ {
					k[d]++
					if k[d] < 4 {
						break
					}
					k[d] = 0
				}
			}
		}
		mu.Lock()
		floats.Add(grad, partial)
		mu.Unlock()
	})
	return nil
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Refine halves the control spacing along every axis whose spacing is at
// least two pixels. The deformation is unchanged: the new coefficients
// follow from the two-scale relation of the cubic B-spline.
func (s *Spline) Refine() bool {
	refined := false
	for d := range s.rate {
		if s.rate[d] < 2 {
			continue
		}
		s.refineAxis(d)
		refined = true
	}
	return refined
}

func (s *Spline) refineAxis(axis int) {
	rates := append([]float64(nil), s.rate...)
	rates[axis] /= 2
	old := s.coeffs
	next := models.NewVectorField(controlSize(s.size, rates))
	dim := s.size.Dim()
	c := make([]int, dim)
	target := make([]int, dim)
	for i := 0; i < old.Len(); i++ {
		v := old.At(i)
		if allZero(v) {
			continue
		}
		old.Size.Coords(i, c)
		copy(target, c)
		for k := -2; k <= 2; k++ {
			j := 2*c[axis] + k - 1
			if j < 0 || j >= next.Size[axis] {
				continue
			}
			target[axis] = j
			floats.AddScaled(next.At(next.Size.Index(target)), subdivision[k+2], v)
		}
	}
	s.rate = rates
	s.coeffs = next
}

// Upscale keeps the control grid and stretches the spacing with the image,
// scaling the control vectors to the new pixel size. In corner coordinates
// the finer grid is the coarse one scaled by the block factor, so the
// deformation is unchanged.
func (s *Spline) Upscale(size models.Size) (Transformation, error) {
	f, err := scaleFactors(s.size, size)
	if err != nil {
		return nil, err
	}
	rates := make([]float64, len(f))
	for d := range rates {
		rates[d] = s.rate[d] * f[d]
	}
	out, err := newSpline(size, rates)
	if err != nil {
		return nil, err
	}
	dim := size.Dim()
	c := make([]int, dim)
	for i := 0; i < s.coeffs.Len(); i++ {
		s.coeffs.Size.Coords(i, c)
		inside := true
		for d := range c {
			if c[d] >= out.coeffs.Size[d] {
				inside = false
			}
		}
		if !inside {
			continue
		}
		v := out.coeffs.At(out.coeffs.Size.Index(c))
		for d, x := range s.coeffs.At(i) {
			v[d] = x * f[d]
		}
	}
	return out, nil
}

// Clone returns a deep copy sharing only the immutable kernel.
func (s *Spline) Clone() Transformation {
	return &Spline{
		size:   s.size.Clone(),
		rate:   append([]float64(nil), s.rate...),
		kernel: s.kernel,
		coeffs: s.coeffs.Clone(),
	}
}

// Invert is not available for splines.
func (s *Spline) Invert() (Transformation, error) {
	return nil, fmt.Errorf("invert spline: %w", ErrUnsupported)
}

// MaxTransform returns the largest displacement at a grid corner.
func (s *Spline) MaxTransform() float64 {
	return maxCornerDisplacement(s)
}

// MinJacobian returns the smallest det(dT/dx) over the pixel grid.
func (s *Spline) MinJacobian() float64 {
	dim := s.size.Dim()
	return minJacobian(s.size, func(c []int) *mat.Dense {
		x := make([]float64, dim)
		for d := range x {
			x[d] = float64(c[d])
		}
		return s.DerivativeAt(x)
	})
}
