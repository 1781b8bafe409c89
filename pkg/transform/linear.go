package transform

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"medreg/internal/models"
	"medreg/internal/parallel"
)

// linearCache holds the matrix form of a linear transformation
//
//	T(x) = M (x - c) + c + t
//
// together with the derivatives of M and t with respect to every parameter.
// A nil derivative means the parameter does not enter that part.
type linearCache struct {
	m  []float64
	t  []float64
	dm [][]float64
	dt [][]float64
}

// linearBuilder computes the matrix form from a parameter vector.
type linearBuilder func(dim int, p []float64) *linearCache

// linear implements the parts shared by all transformations of the form
// M(x-c)+c+t. The matrix form is built lazily on first use after the
// parameters changed; concurrent readers may both build it, which is harmless.
type linear struct {
	name   string
	size   models.Size
	center []float64
	params []float64
	build  linearBuilder
	cache  atomic.Pointer[linearCache]
}

func newLinear(name string, size models.Size, dof int, build linearBuilder) (*linear, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	return &linear{
		name:   name,
		size:   size.Clone(),
		center: gridCenter(size),
		params: make([]float64, dof),
		build:  build,
	}, nil
}

func (l *linear) clone() *linear {
	return &linear{
		name:   l.name,
		size:   l.size.Clone(),
		center: append([]float64(nil), l.center...),
		params: append([]float64(nil), l.params...),
		build:  l.build,
	}
}

func (l *linear) get() *linearCache {
	if c := l.cache.Load(); c != nil {
		return c
	}
	c := l.build(l.size.Dim(), l.params)
	l.cache.Store(c)
	return c
}

func (l *linear) Name() string { return l.name }

func (l *linear) Size() models.Size { return l.size }

func (l *linear) DegreesOfFreedom() int { return len(l.params) }

func (l *linear) Parameters() []float64 {
	return append([]float64(nil), l.params...)
}

func (l *linear) SetParameters(p []float64) error {
	if len(p) != len(l.params) {
		return fmt.Errorf("%s: got %d parameters, want %d: %w", l.name, len(p), len(l.params), ErrParameterCount)
	}
	copy(l.params, p)
	l.cache.Store(nil)
	return nil
}

func (l *linear) SetIdentity() {
	for i := range l.params {
		l.params[i] = 0
	}
	l.cache.Store(nil)
}

// Center returns the point the linear part acts around.
func (l *linear) Center() []float64 {
	return append([]float64(nil), l.center...)
}

// SetCenter moves the point the linear part acts around.
func (l *linear) SetCenter(c []float64) error {
	if len(c) != len(l.center) {
		return fmt.Errorf("%s: center has %d components, want %d", l.name, len(c), len(l.center))
	}
	copy(l.center, c)
	return nil
}

// Matrix returns M and the offset o so that T(x) = M x + o.
func (l *linear) Matrix() (*mat.Dense, []float64) {
	c := l.get()
	dim := l.size.Dim()
	m := mat.NewDense(dim, dim, append([]float64(nil), c.m...))
	o := make([]float64, dim)
	for i := 0; i < dim; i++ {
		o[i] = l.center[i] + c.t[i]
		for j := 0; j < dim; j++ {
			o[i] -= c.m[i*dim+j] * l.center[j]
		}
	}
	return m, o
}

func (l *linear) Apply(x, out []float64) {
	c := l.get()
	dim := l.size.Dim()
	var y [3]float64
	for i := 0; i < dim; i++ {
		v := l.center[i] + c.t[i]
		for j := 0; j < dim; j++ {
			v += c.m[i*dim+j] * (x[j] - l.center[j])
		}
		y[i] = v
	}
	copy(out, y[:dim])
}

func (l *linear) DerivativeAt(x []float64) *mat.Dense {
	dim := l.size.Dim()
	return mat.NewDense(dim, dim, append([]float64(nil), l.get().m...))
}

func (l *linear) checkForce(force *models.VectorField, grad []float64) error {
	if !force.Size.Equal(l.size) {
		return fmt.Errorf("%s: force field %s on grid %s: %w", l.name, force.Size, l.size, ErrSizeMismatch)
	}
	if len(grad) != len(l.params) {
		return fmt.Errorf("%s: gradient has %d entries, want %d: %w", l.name, len(grad), len(l.params), ErrParameterCount)
	}
	return nil
}

// Translate uses dT/dp_k = dM_k (x-c) + dt_k, so that with
// S = sum_x f(x)(x-c)^T and F = sum_x f(x) the gradient is
// <dM_k, S> + <dt_k, F>.
func (l *linear) Translate(force *models.VectorField, grad []float64) error {
	if err := l.checkForce(force, grad); err != nil {
		return err
	}
	dim := l.size.Dim()
	S := make([]float64, dim*dim)
	F := make([]float64, dim)

	var mu sync.Mutex
	parallel.Default().ParallelFor(force.Len(), func(start, end int) {
		s := make([]float64, dim*dim)
		f := make([]float64, dim)
		c := make([]int, dim)
		for i := start; i < end; i++ {
			v := force.At(i)
			l.size.Coords(i, c)
			for a := 0; a < dim; a++ {
				if v[a] == 0 {
					continue
				}
				f[a] += v[a]
				for b := 0; b < dim; b++ {
					s[a*dim+b] += v[a] * (float64(c[b]) - l.center[b])
				}
			}
		}
		mu.Lock()
		floats.Add(S, s)
		floats.Add(F, f)
		mu.Unlock()
	})

	cache := l.get()
	for k := range grad {
		g := 0.0
		if dm := cache.dm[k]; dm != nil {
			g += floats.Dot(dm, S)
		}
		if dt := cache.dt[k]; dt != nil {
			g += floats.Dot(dt, F)
		}
		grad[k] = g
	}
	return nil
}

func (l *linear) MaxTransform() float64 {
	return maxCornerDisplacement(l)
}

// invertLinear returns the inverse of l as an affine transformation around
// the same center: x = M^-1 (y - c - t) + c.
func invertLinear(l *linear) (*Affine, error) {
	dim := l.size.Dim()
	c := l.get()
	if det := determinant(c.m, dim); det < singularTolerance && det > -singularTolerance {
		return nil, fmt.Errorf("invert %s: determinant %g: %w", l.name, det, ErrSingular)
	}
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(dim, dim, append([]float64(nil), c.m...))); err != nil {
		return nil, fmt.Errorf("invert %s: %v: %w", l.name, err, ErrSingular)
	}

	a, _ := NewAffine(l.size)
	copy(a.center, l.center)
	p := a.params
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			p[i*dim+j] = inv.At(i, j)
			if i == j {
				p[i*dim+j] -= 1
			}
		}
	}
	tinv := mat.NewVecDense(dim, nil)
	tinv.MulVec(&inv, mat.NewVecDense(dim, append([]float64(nil), c.t...)))
	for i := 0; i < dim; i++ {
		p[dim*dim+i] = -tinv.AtVec(i)
	}
	return a, nil
}

// scaleLinear moves the center onto a grid refined by blocks of s. The
// callers scale the translation and conjugate the matrix.
func (l *linear) scaleLinear(size models.Size, s []float64) *linear {
	out := l.clone()
	out.size = size.Clone()
	for d := range s {
		out.center[d] = upscalePosition(l.center[d], s[d])
	}
	return out
}

// Affine is the general linear transformation T(x) = (I+A)(x-c)+c+t.
// Parameters are the entries of A in row-major order followed by t.
type Affine struct {
	*linear
}

// NewAffine creates an identity affine transformation on size.
func NewAffine(size models.Size) (*Affine, error) {
	dim := size.Dim()
	l, err := newLinear("affine", size, dim*dim+dim, buildAffine)
	if err != nil {
		return nil, err
	}
	return &Affine{linear: l}, nil
}

func buildAffine(dim int, p []float64) *linearCache {
	n := dim * dim
	c := &linearCache{
		m:  make([]float64, n),
		t:  append([]float64(nil), p[n:]...),
		dm: make([][]float64, len(p)),
		dt: make([][]float64, len(p)),
	}
	for i := 0; i < n; i++ {
		c.m[i] = p[i]
		unit := make([]float64, n)
		unit[i] = 1
		c.dm[i] = unit
	}
	for i := 0; i < dim; i++ {
		c.m[i*dim+i] += 1
		unit := make([]float64, dim)
		unit[i] = 1
		c.dt[n+i] = unit
	}
	return c
}

// Clone returns an independent copy.
func (a *Affine) Clone() Transformation {
	return &Affine{linear: a.clone()}
}

// Upscale conjugates the matrix with the scaling, A'_ij = s_i A_ij / s_j,
// moves the center onto the finer grid and scales the translation.
func (a *Affine) Upscale(size models.Size) (Transformation, error) {
	s, err := scaleFactors(a.size, size)
	if err != nil {
		return nil, err
	}
	out := &Affine{linear: a.scaleLinear(size, s)}
	dim := size.Dim()
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			out.params[i*dim+j] *= s[i] / s[j]
		}
		out.params[dim*dim+i] *= s[i]
	}
	return out, nil
}

// Invert returns the inverse affine map about the same center, or
// ErrSingular when the matrix cannot be inverted.
func (a *Affine) Invert() (Transformation, error) {
	return invertLinear(a.linear)
}
