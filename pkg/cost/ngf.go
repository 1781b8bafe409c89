package cost

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"medreg/internal/models"
	"medreg/internal/parallel"
	"medreg/pkg/filter"
)

// ngfEvaluator computes the per-pixel cost of two normalized gradients and
// its derivative with respect to the moving one.
type ngfEvaluator interface {
	cost(nr, nm []float64) float64
	derivative(nr, nm, out []float64)
}

// ngfDifference compares directions: 0.5 |n_M - n_R|².
type ngfDifference struct{}

func (ngfDifference) cost(nr, nm []float64) float64 {
	s := 0.0
	for i := range nr {
		d := nm[i] - nr[i]
		s += d * d
	}
	return 0.5 * s
}

func (ngfDifference) derivative(nr, nm, out []float64) {
	for i := range nr {
		out[i] = nm[i] - nr[i]
	}
}

// ngfScalar ignores the gradient sign: 1 - (n_R·n_M)².
type ngfScalar struct{}

func (ngfScalar) cost(nr, nm []float64) float64 {
	d := floats.Dot(nr, nm)
	return 1 - d*d
}

func (ngfScalar) derivative(nr, nm, out []float64) {
	d := floats.Dot(nr, nm)
	for i := range nr {
		out[i] = -2 * d * nr[i]
	}
}

// ngfCross penalizes the cross product: 0.5 |n_R × n_M|² written as
// 0.5 (|n_R|²|n_M|² - (n_R·n_M)²) so it applies in any dimension.
type ngfCross struct{}

func (ngfCross) cost(nr, nm []float64) float64 {
	d := floats.Dot(nr, nm)
	return 0.5 * (floats.Dot(nr, nr)*floats.Dot(nm, nm) - d*d)
}

func (ngfCross) derivative(nr, nm, out []float64) {
	d := floats.Dot(nr, nm)
	rr := floats.Dot(nr, nr)
	for i := range nr {
		out[i] = rr*nm[i] - d*nr[i]
	}
}

var ngfEvaluators = map[string]ngfEvaluator{
	"ds":     ngfDifference{},
	"scalar": ngfScalar{},
	"cross":  ngfCross{},
}

// NGF is the normalized gradient field distance. Gradients are normalized
// as n = ∇I / sqrt(|∇I|² + ε²) and compared pixel by pixel; the cost is
// the mean of the per-pixel evaluator.
type NGF struct {
	eval      string
	evaluator ngfEvaluator
	fixedEps  float64

	eps    float64
	refN   *models.VectorField
	pixels int
}

// NewNGF creates an NGF cost with evaluator "ds", "scalar" or "cross".
// An eps of zero selects the mean gradient magnitude of the reference.
func NewNGF(eval string, eps float64) (*NGF, error) {
	e, ok := ngfEvaluators[eval]
	if !ok {
		return nil, fmt.Errorf("ngf: unknown evaluator %q (known: ds, scalar, cross)", eval)
	}
	return &NGF{eval: eval, evaluator: e, fixedEps: eps}, nil
}

func (c *NGF) Name() string { return "ngf" }

func (c *NGF) HasGradient() bool { return true }

// Epsilon returns the noise level used for the current images.
func (c *NGF) Epsilon() float64 { return c.eps }

func (c *NGF) Reinit(reference, floating *models.Image) error {
	g := filter.Gradient(reference)
	c.eps = c.fixedEps
	if c.eps == 0 {
		sum := 0.0
		for i := 0; i < g.Len(); i++ {
			sum += floats.Norm(g.At(i), 2)
		}
		c.eps = sum / float64(g.Len())
		if c.eps == 0 {
			c.eps = 1
		}
	}
	c.refN = c.normalize(g)
	c.pixels = reference.Size.Len()
	return nil
}

func (c *NGF) normalize(g *models.VectorField) *models.VectorField {
	out := g.Clone()
	eps2 := c.eps * c.eps
	for i := 0; i < out.Len(); i++ {
		v := out.At(i)
		floats.Scale(1/math.Sqrt(floats.Dot(v, v)+eps2), v)
	}
	return out
}

func (c *NGF) Value(moving *models.Image) (float64, error) {
	if c.refN == nil {
		return 0, errNotInitialized
	}
	if !moving.Size.Equal(c.refN.Size) {
		return 0, fmt.Errorf("ngf: image %s does not match reference %s", moving.Size, c.refN.Size)
	}
	nm := c.normalize(filter.Gradient(moving))
	sum := 0.0
	for i := 0; i < nm.Len(); i++ {
		sum += c.evaluator.cost(c.refN.At(i), nm.At(i))
	}
	return sum / float64(c.pixels), nil
}

// EvaluateForce chains the evaluator derivative through the normalization
// and the adjoint of the discrete gradient to get dCost/dW, then multiplies
// by the floating image gradient.
func (c *NGF) EvaluateForce(moving *models.Image, gradient *models.VectorField, scale float64, force *models.VectorField) (float64, error) {
	if c.refN == nil {
		return 0, errNotInitialized
	}
	if !moving.Size.Equal(c.refN.Size) {
		return 0, fmt.Errorf("ngf: image %s does not match reference %s", moving.Size, c.refN.Size)
	}
	q := filter.Gradient(moving)
	dim := q.Dim()
	dq := models.NewVectorField(q.Size)
	eps2 := c.eps * c.eps
	n := float64(c.pixels)

	partial := make([]float64, parallel.Default().Chunks(q.Len()))
	chunkSize := (q.Len() + len(partial) - 1) / max(len(partial), 1)
	parallel.Default().ParallelFor(q.Len(), func(start, end int) {
		nm := make([]float64, dim)
		dn := make([]float64, dim)
		sum := 0.0
		for i := start; i < end; i++ {
			g := q.At(i)
			s := math.Sqrt(floats.Dot(g, g) + eps2)
			floats.ScaleTo(nm, 1/s, g)
			nr := c.refN.At(i)
			sum += c.evaluator.cost(nr, nm)

			// dn/dq = I/s - q qᵀ/s³
			c.evaluator.derivative(nr, nm, dn)
			proj := floats.Dot(g, dn) / (s * s * s)
			out := dq.At(i)
			for k := range out {
				out[k] = dn[k]/s - g[k]*proj
			}
		}
		partial[start/chunkSize] = sum
	})

	dw := make([]float64, q.Len())
	filter.GradientAdjoint(dq, dw)

	s := scale / n
	for i, d := range dw {
		if d == 0 {
			continue
		}
		f := force.At(i)
		floats.AddScaled(f, s*d, gradient.At(i))
	}
	return floats.Sum(partial) / n, nil
}
