package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"medreg/internal/models"
	"medreg/internal/parallel"
)

// Field is a dense free-form deformation T(x) = x + u(x). The parameters are
// the displacement vectors u of every grid point, stored interleaved. Between
// grid points u is interpolated linearly.
type Field struct {
	u *models.VectorField
}

// NewField creates a zero displacement field on size.
func NewField(size models.Size) (*Field, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	return &Field{u: models.NewVectorField(size)}, nil
}

// Name returns "vf".
func (f *Field) Name() string { return "vf" }

// Size returns the grid the field is defined on.
func (f *Field) Size() models.Size { return f.u.Size }

// DegreesOfFreedom is one displacement component per pixel and axis.
func (f *Field) DegreesOfFreedom() int { return len(f.u.Data) }

// Parameters returns a copy of the displacements, interleaved per pixel.
func (f *Field) Parameters() []float64 {
	return append([]float64(nil), f.u.Data...)
}

// SetParameters replaces the displacements in the layout of Parameters.
func (f *Field) SetParameters(p []float64) error {
	if len(p) != len(f.u.Data) {
		return fmt.Errorf("vf: got %d parameters, want %d: %w", len(p), len(f.u.Data), ErrParameterCount)
	}
	copy(f.u.Data, p)
	return nil
}

// SetIdentity zeroes the field.
func (f *Field) SetIdentity() { f.u.Clear() }

// Field gives direct access to the displacement field.
func (f *Field) Field() *models.VectorField { return f.u }

// Apply returns x + u(x), interpolating u linearly between grid points.
func (f *Field) Apply(x, out []float64) {
	var u [3]float64
	dim := f.u.Dim()
	f.u.Sample(x, u[:dim])
	for d := 0; d < dim; d++ {
		out[d] = x[d] + u[d]
	}
}

// DerivativeAt returns I + du/dx at the grid point nearest to x, using central
// differences inside the grid and one-sided ones at the border.
func (f *Field) DerivativeAt(x []float64) *mat.Dense {
	size := f.u.Size
	dim := size.Dim()
	c := make([]int, dim)
	for d := range c {
		c[d] = min(max(int(math.Round(x[d])), 0), size[d]-1)
	}
	return f.jacobian(c)
}

func (f *Field) jacobian(c []int) *mat.Dense {
	size := f.u.Size
	dim := size.Dim()
	j := mat.NewDense(dim, dim, nil)
	for e := 0; e < dim; e++ {
		j.Set(e, e, 1)
		if size[e] < 2 {
			continue
		}
		lo, hi := c[e]-1, c[e]+1
		if lo < 0 {
			lo = 0
		}
		if hi >= size[e] {
			hi = size[e] - 1
		}
		idx := size.Index(c)
		stride := size.Stride(e)
		a := f.u.At(idx + (lo-c[e])*stride)
		b := f.u.At(idx + (hi-c[e])*stride)
		h := float64(hi - lo)
		for d := 0; d < dim; d++ {
			j.Set(d, e, j.At(d, e)+(b[d]-a[d])/h)
		}
	}
	return j
}

// Translate copies the force: dT(x)/du(x) is the identity at each grid point.
func (f *Field) Translate(force *models.VectorField, grad []float64) error {
	if !force.Size.Equal(f.u.Size) {
		return fmt.Errorf("vf: force field %s on grid %s: %w", force.Size, f.u.Size, ErrSizeMismatch)
	}
	if len(grad) != len(f.u.Data) {
		return fmt.Errorf("vf: gradient has %d entries, want %d: %w", len(grad), len(f.u.Data), ErrParameterCount)
	}
	copy(grad, force.Data)
	return nil
}

// Upscale resamples the field on the finer grid and scales the displacements.
func (f *Field) Upscale(size models.Size) (Transformation, error) {
	s, err := scaleFactors(f.u.Size, size)
	if err != nil {
		return nil, err
	}
	out := &Field{u: models.NewVectorField(size)}
	dim := size.Dim()
	parallel.Default().ParallelFor(size.Len(), func(start, end int) {
		c := make([]int, dim)
		x := make([]float64, dim)
		for i := start; i < end; i++ {
			size.Coords(i, c)
			for d := range x {
				x[d] = downscalePosition(float64(c[d]), s[d])
			}
			v := out.u.At(i)
			f.u.Sample(x, v)
			for d := range v {
				v[d] *= s[d]
			}
		}
	})
	return out, nil
}

// Clone returns a deep copy of the field.
func (f *Field) Clone() Transformation {
	return &Field{u: f.u.Clone()}
}

// Invert is not available for displacement fields.
func (f *Field) Invert() (Transformation, error) {
	return nil, fmt.Errorf("invert vf: %w", ErrUnsupported)
}

// MaxTransform returns the largest displacement at a grid corner.
func (f *Field) MaxTransform() float64 {
	return maxCornerDisplacement(f)
}

// Perturb composes the field with an update v, u(x) <- v(x) + u(x + v(x)),
// and returns the largest update length.
func (f *Field) Perturb(v *models.VectorField) (float64, error) {
	if !v.Size.Equal(f.u.Size) {
		return 0, fmt.Errorf("perturb vf: update %s on grid %s: %w", v.Size, f.u.Size, ErrSizeMismatch)
	}
	size := f.u.Size
	dim := size.Dim()
	next := models.NewVectorField(size)
	parallel.Default().ParallelFor(size.Len(), func(start, end int) {
		c := make([]int, dim)
		x := make([]float64, dim)
		for i := start; i < end; i++ {
			size.Coords(i, c)
			dv := v.At(i)
			for d := range x {
				x[d] = float64(c[d]) + dv[d]
			}
			out := next.At(i)
			f.u.Sample(x, out)
			for d := range out {
				out[d] += dv[d]
			}
		}
	})
	f.u = next
	return v.MaxNorm(), nil
}

// MinJacobian returns the smallest det(I + du/dx) over the grid.
func (f *Field) MinJacobian() float64 {
	return minJacobian(f.u.Size, f.jacobian)
}

// minJacobian evaluates a Jacobian at every grid point in parallel and
// returns the smallest determinant.
func minJacobian(size models.Size, jac func(c []int) *mat.Dense) float64 {
	dim := size.Dim()
	pool := parallel.Default()
	chunks := pool.Chunks(size.Len())
	mins := make([]float64, chunks)
	for i := range mins {
		mins[i] = math.Inf(1)
	}
	chunkSize := (size.Len() + chunks - 1) / max(chunks, 1)
	pool.ParallelFor(size.Len(), func(start, end int) {
		c := make([]int, dim)
		best := math.Inf(1)
		for i := start; i < end; i++ {
			size.Coords(i, c)
			if d := mat.Det(jac(c)); d < best {
				best = d
			}
		}
		mins[start/chunkSize] = best
	})
	best := math.Inf(1)
	for _, m := range mins {
		best = math.Min(best, m)
	}
	return best
}
