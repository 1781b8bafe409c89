package cost

import (
	"log"

	"gonum.org/v1/gonum/floats"

	"medreg/internal/models"
	"medreg/internal/parallel"
	"medreg/pkg/interpolation"
	"medreg/pkg/parzen"
)

// MI is the negated spline Parzen mutual information between reference and
// moving intensities. The intensity ranges are fixed at Reinit from the
// reference and the floating image.
type MI struct {
	refBins, movBins int
	refKernel        *interpolation.Kernel
	movKernel        *interpolation.Kernel

	reference *models.Image
	estimator *parzen.SplineParzenMI
}

// NewMI creates an MI cost with the given bin counts and B-spline kernel degrees.
func NewMI(refBins, movBins, refDegree, movDegree int) (*MI, error) {
	rk, err := interpolation.NewKernel(refDegree)
	if err != nil {
		return nil, err
	}
	mk, err := interpolation.NewKernel(movDegree)
	if err != nil {
		return nil, err
	}
	if _, err := parzen.New(rk, mk, refBins, movBins); err != nil {
		return nil, err
	}
	return &MI{refBins: refBins, movBins: movBins, refKernel: rk, movKernel: mk}, nil
}

func (c *MI) Name() string { return "mi" }

func (c *MI) HasGradient() bool { return true }

func (c *MI) Reinit(reference, floating *models.Image) error {
	est, err := parzen.New(c.refKernel, c.movKernel, c.refBins, c.movBins)
	if err != nil {
		return err
	}
	rmin, rmax := reference.MinMax()
	mmin, mmax := floating.MinMax()
	if rmin == rmax || mmin == mmax {
		log.Printf("Warning: mi: constant image intensities (reference [%g,%g], floating [%g,%g])", rmin, rmax, mmin, mmax)
	}
	est.SetRange(rmin, rmax, mmin, mmax)
	c.reference = reference
	c.estimator = est
	return nil
}

func (c *MI) fill(moving *models.Image) error {
	if c.estimator == nil {
		return errNotInitialized
	}
	if err := checkSameSize("mi", c.reference, moving); err != nil {
		return err
	}
	return c.estimator.Fill(c.reference.Data, moving.Data)
}

func (c *MI) Value(moving *models.Image) (float64, error) {
	if err := c.fill(moving); err != nil {
		return 0, err
	}
	return c.estimator.Value(), nil
}

func (c *MI) EvaluateForce(moving *models.Image, gradient *models.VectorField, scale float64, force *models.VectorField) (float64, error) {
	if err := c.fill(moving); err != nil {
		return 0, err
	}
	s := scale / float64(len(moving.Data))
	parallel.Default().ParallelFor(len(moving.Data), func(start, end int) {
		for i := start; i < end; i++ {
			d := c.estimator.Gradient(c.reference.Data[i], moving.Data[i])
			if d == 0 {
				continue
			}
			floats.AddScaled(force.At(i), s*d, gradient.At(i))
		}
	})
	return c.estimator.Value(), nil
}
