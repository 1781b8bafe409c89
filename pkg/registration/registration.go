// Package registration aligns a floating image to a reference image by
// estimating a spatial transformation over a multi-resolution pyramid.
//
// Each level downsamples both images, carries the transformation estimate
// of the previous level over to the new grid and minimizes the aggregated
// cost with a gonum optimization method. Transformations that can refine
// their parametrization are optimized a second time after refinement.
package registration

import (
	"errors"
	"fmt"
	"log"

	"medreg/internal/models"
	"medreg/pkg/cost"
	"medreg/pkg/filter"
	"medreg/pkg/interpolation"
	"medreg/pkg/transform"
)

// ErrGradientRequired is returned when the minimizer needs a gradient that
// the selected costs cannot provide and finite differences are disabled.
// Every cost must provide a force field: a single cost without one makes the
// weighted sum non-differentiable, even when the others have gradients.
var ErrGradientRequired = errors.New("minimizer requires a gradient")

// Params holds the registration configuration.
type Params struct {
	// Levels is the number of pyramid levels. Level l works on images
	// downsampled by 2^l; the last level uses the full resolution.
	Levels int

	// Transform describes the transformation, e.g. "affine" or "spline:rate=16"
	Transform string

	// Minimizer describes the optimization method, e.g. "lbfgs:iter=100"
	Minimizer string

	// Costs describe the similarity measures, e.g. "ssd" or "ngf:eval=ds,weight=0.5"
	Costs []string

	// Interpolator describes the kernel used to resample the floating image
	Interpolator string

	// Smoothing scales the Gaussian applied before downsampling a level by
	// block b, with sigma = Smoothing * b / 2. Zero disables smoothing.
	Smoothing float64

	// Verbose enables progress logging
	Verbose bool
}

// DefaultParams returns the parameters used when nothing else is configured.
func DefaultParams() Params {
	return Params{
		Levels:       3,
		Transform:    "affine",
		Minimizer:    "lbfgs",
		Costs:        []string{"ssd"},
		Interpolator: "bspline:d=3",
	}
}

// LevelReport summarizes one optimization pass.
type LevelReport struct {
	// Level is the downsampling shift; 0 is the full resolution
	Level int

	// Size is the image size the pass worked on
	Size models.Size

	// DOF is the number of optimized parameters
	DOF int

	// Refined marks the pass run after refining the transformation
	Refined bool

	// StartCost and EndCost are the aggregated cost before and after the pass
	StartCost float64
	EndCost   float64

	// Evaluations counts cost evaluations, Iterations major iterations
	Evaluations int
	Iterations  int

	// Status is the termination status reported by the minimizer
	Status string

	// MaxTransform is the largest displacement of the transformation after the pass
	MaxTransform float64
}

// Registration runs the multi-resolution registration.
type Registration struct {
	params    Params
	create    transform.Creator
	minimizer *Minimizer
	kernel    *interpolation.Kernel
	agg       *cost.Aggregator
	reports   []LevelReport
}

// NewRegistration parses all descriptions in p and fails on the first
// invalid one, or when the minimizer cannot run with the selected costs.
func NewRegistration(p Params) (*Registration, error) {
	if p.Levels < 1 {
		return nil, fmt.Errorf("need at least one pyramid level, got %d", p.Levels)
	}
	if len(p.Costs) == 0 {
		return nil, cost.ErrNoCosts
	}
	if p.Smoothing < 0 {
		return nil, fmt.Errorf("smoothing must not be negative, got %g", p.Smoothing)
	}
	create, err := transform.Parse(p.Transform)
	if err != nil {
		return nil, err
	}
	m, err := ParseMinimizer(p.Minimizer)
	if err != nil {
		return nil, err
	}
	kernel, err := interpolation.ParseKernel(p.Interpolator)
	if err != nil {
		return nil, err
	}
	agg := cost.NewAggregator(kernel)
	for _, desc := range p.Costs {
		c, w, err := cost.Parse(desc)
		if err != nil {
			return nil, err
		}
		agg.Add(c, w)
	}
	if m.NeedsGradient() && !m.FiniteDifferences && !agg.HasGradient() {
		return nil, fmt.Errorf("%s with costs %v: %w (select a gradient-free minimizer or fd=true)", m.Name, agg.Names(), ErrGradientRequired)
	}
	return &Registration{
		params:    p,
		create:    create,
		minimizer: m,
		kernel:    kernel,
		agg:       agg,
	}, nil
}

// Kernel returns the interpolation kernel used to resample the floating image.
func (r *Registration) Kernel() *interpolation.Kernel { return r.kernel }

// Reports returns the summaries of all optimization passes of the last Run.
func (r *Registration) Reports() []LevelReport { return r.reports }

// Run registers floating to reference and returns the transformation on the
// reference grid that maps reference positions into the floating image.
func (r *Registration) Run(reference, floating *models.Image) (transform.Transformation, error) {
	if reference.Size.Dim() != floating.Size.Dim() {
		return nil, fmt.Errorf("reference is %d-dimensional, floating image %d-dimensional", reference.Size.Dim(), floating.Size.Dim())
	}
	r.reports = nil

	var t transform.Transformation
	for shift := r.params.Levels - 1; shift >= 0; shift-- {
		block := 1 << shift
		ref, err := r.prepare(reference, block)
		if err != nil {
			return nil, err
		}
		flt, err := r.prepare(floating, block)
		if err != nil {
			return nil, err
		}
		r.logf("Level %d: registering %s onto %s", shift, flt.Size, ref.Size)

		if t == nil {
			t, err = r.create(ref.Size)
		} else {
			t, err = t.Upscale(ref.Size)
		}
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", shift, err)
		}
		if err := r.agg.Reinit(ref, flt); err != nil {
			return nil, fmt.Errorf("level %d: %w", shift, err)
		}

		if err := r.optimize(t, shift, false); err != nil {
			return nil, fmt.Errorf("level %d: %w", shift, err)
		}
		if transform.Refine(t) {
			r.logf("Level %d: refined %s to %d parameters", shift, t.Name(), t.DegreesOfFreedom())
			if err := r.optimize(t, shift, true); err != nil {
				return nil, fmt.Errorf("level %d after refinement: %w", shift, err)
			}
		}
	}
	return t, nil
}

// prepare smooths and downsamples an image for the level with the given block.
func (r *Registration) prepare(img *models.Image, block int) (*models.Image, error) {
	if block == 1 {
		return img, nil
	}
	src := img
	if r.params.Smoothing > 0 {
		src = filter.Gaussian(img, r.params.Smoothing*float64(block)/2)
	}
	return filter.Downsample(src, block)
}

func (r *Registration) newProblem(t transform.Transformation) Problem {
	switch {
	case r.minimizer.FiniteDifferences:
		return NewFiniteDifferenceProblem(t, r.agg, r.minimizer.Step)
	case r.agg.HasGradient():
		return NewGradientProblem(t, r.agg)
	default:
		return NewDerivativeFreeProblem(t, r.agg)
	}
}

// optimize runs the minimizer once and commits the best parameters to t.
func (r *Registration) optimize(t transform.Transformation, shift int, refined bool) error {
	problem := r.newProblem(t)
	x0 := t.Parameters()
	start := problem.Value(x0)
	if err := problem.Err(); err != nil {
		return err
	}

	result, err := r.minimizer.Minimize(problem, x0)
	if perr := problem.Err(); perr != nil {
		return perr
	}
	if err != nil {
		if result == nil {
			return fmt.Errorf("%s: %w", r.minimizer.Name, err)
		}
		log.Printf("Warning: %s stopped early: %v", r.minimizer.Name, err)
	}

	report := LevelReport{
		Level:       shift,
		Size:        t.Size().Clone(),
		DOF:         t.DegreesOfFreedom(),
		Refined:     refined,
		StartCost:   start,
		EndCost:     start,
		Evaluations: problem.Evaluations(),
	}
	if result != nil {
		report.Iterations = result.MajorIterations
		report.Status = result.Status.String()
		if result.F <= start {
			if err := t.SetParameters(result.X); err != nil {
				return err
			}
			report.EndCost = result.F
		}
	}
	report.MaxTransform = t.MaxTransform()
	r.reports = append(r.reports, report)

	r.logf("Level %d: cost %.6g -> %.6g after %d evaluations (%s), max displacement %.3f",
		shift, report.StartCost, report.EndCost, report.Evaluations, report.Status, report.MaxTransform)
	return nil
}

func (r *Registration) logf(format string, args ...interface{}) {
	if r.params.Verbose {
		log.Printf(format, args...)
	}
}
