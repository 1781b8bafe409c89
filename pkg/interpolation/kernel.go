package interpolation

import (
	"fmt"
	"math"

	"medreg/pkg/factory"
)

// MaxDegree is the highest supported B-spline degree.
const MaxDegree = 5

// Kernel is a centred B-spline of a fixed degree. For a continuous position x
// it yields the weights β(x-k) of the Size() grid points k = start..start+Size()-1
// whose support covers x, and the derivatives of those weights with respect to x.
type Kernel struct {
	degree int
	poles  []float64
}

// NewKernel returns the B-spline kernel of the given degree.
func NewKernel(degree int) (*Kernel, error) {
	if degree < 0 || degree > MaxDegree {
		return nil, fmt.Errorf("B-spline degree %d out of range [0,%d]", degree, MaxDegree)
	}
	k := &Kernel{degree: degree}
	switch degree {
	case 2:
		k.poles = []float64{math.Sqrt(8) - 3}
	case 3:
		k.poles = []float64{math.Sqrt(3) - 2}
	case 4:
		k.poles = []float64{
			math.Sqrt(664-math.Sqrt(438976)) + math.Sqrt(304) - 19,
			math.Sqrt(664+math.Sqrt(438976)) - math.Sqrt(304) - 19,
		}
	case 5:
		k.poles = []float64{
			math.Sqrt(135.0/2-math.Sqrt(17745.0/4)) + math.Sqrt(105.0/4) - 13.0/2,
			math.Sqrt(135.0/2+math.Sqrt(17745.0/4)) - math.Sqrt(105.0/4) - 13.0/2,
		}
	}
	return k, nil
}

// MustKernel is like NewKernel but panics on an invalid degree.
func MustKernel(degree int) *Kernel {
	k, err := NewKernel(degree)
	if err != nil {
		panic(err)
	}
	return k
}

// Degree returns the polynomial degree of the spline.
func (k *Kernel) Degree() int { return k.degree }

// Size returns the support width in grid points.
func (k *Kernel) Size() int { return k.degree + 1 }

// Poles returns the poles of the interpolating prefilter; empty for degree < 2.
func (k *Kernel) Poles() []float64 { return k.poles }

// Start returns the first grid index whose weight at x may be non-zero.
func (k *Kernel) Start(x float64) int {
	if k.degree%2 == 1 {
		return int(math.Floor(x)) - (k.degree-1)/2
	}
	return int(math.Floor(x+0.5)) - k.degree/2
}

// Weights fills w[:Size()] with the kernel weights at x and returns the start index.
func (k *Kernel) Weights(x float64, w []float64) int {
	start := k.Start(x)
	for i := 0; i < k.Size(); i++ {
		w[i] = bspline(k.degree, x-float64(start+i))
	}
	return start
}

// Derivatives fills dw[:Size()] with d/dx of the kernel weights at x and
// returns the start index.
func (k *Kernel) Derivatives(x float64, dw []float64) int {
	start := k.Start(x)
	for i := 0; i < k.Size(); i++ {
		dw[i] = bsplineDerivative(k.degree, x-float64(start+i))
	}
	return start
}

func (k *Kernel) String() string {
	return fmt.Sprintf("bspline:d=%d", k.degree)
}

// bspline evaluates the centred B-spline of degree n at t. Degrees above
// three use the truncated power representation.
func bspline(n int, t float64) float64 {
	a := math.Abs(t)
	switch n {
	case 0:
		if t >= -0.5 && t < 0.5 {
			return 1
		}
		return 0
	case 1:
		if a < 1 {
			return 1 - a
		}
		return 0
	case 2:
		if a < 0.5 {
			return 0.75 - a*a
		}
		if a < 1.5 {
			d := a - 1.5
			return 0.5 * d * d
		}
		return 0
	case 3:
		if a < 1 {
			return 2.0/3.0 - a*a + 0.5*a*a*a
		}
		if a < 2 {
			d := 2 - a
			return d * d * d / 6
		}
		return 0
	}
	half := float64(n+1) / 2
	if t <= -half || t >= half {
		return 0
	}
	sum := 0.0
	binom := 1.0
	for k := 0; k <= n+1; k++ {
		if u := t + half - float64(k); u > 0 {
			term := binom * math.Pow(u, float64(n))
			if k%2 == 1 {
				term = -term
			}
			sum += term
		}
		binom = binom * float64(n+1-k) / float64(k+1)
	}
	return sum / factorial(n)
}

func bsplineDerivative(n int, t float64) float64 {
	if n == 0 {
		return 0
	}
	return bspline(n-1, t+0.5) - bspline(n-1, t-0.5)
}

func factorial(n int) float64 {
	f := 1.0
	for i := 2; i <= n; i++ {
		f *= float64(i)
	}
	return f
}

var kernels = factory.NewRegistry[*Kernel]("interpolator")

func init() {
	kernels.Register("nn", func(p factory.Params) (*Kernel, error) {
		return NewKernel(0)
	})
	kernels.Register("linear", func(p factory.Params) (*Kernel, error) {
		return NewKernel(1)
	})
	kernels.Register("bspline", func(p factory.Params) (*Kernel, error) {
		if err := p.Check("bspline", "d"); err != nil {
			return nil, err
		}
		d, err := p.Int("d", 3)
		if err != nil {
			return nil, err
		}
		return NewKernel(d)
	})
}

// ParseKernel creates a kernel from a description: "nn", "linear" or "bspline:d=N".
func ParseKernel(desc string) (*Kernel, error) {
	return kernels.Create(desc)
}
