package cost

import (
	"errors"
	"fmt"

	"medreg/internal/models"
	"medreg/pkg/interpolation"
	"medreg/pkg/transform"
)

// ErrNoCosts is returned when an Aggregator without costs is evaluated.
var ErrNoCosts = errors.New("no cost functions")

type weightedCost struct {
	cost   ImageCost
	weight float64
}

// Aggregator evaluates a weighted sum of costs for a transformation. The
// floating image is warped once per evaluation and shared by all costs.
//
// The buffers are bound to one pair of images by Reinit; an Aggregator is
// not safe for concurrent evaluation.
type Aggregator struct {
	kernel *interpolation.Kernel
	costs  []weightedCost

	reference *models.Image
	floating  *interpolation.Interpolator
	moving    *models.Image
	gradient  *models.VectorField
	force     *models.VectorField
}

// NewAggregator creates an empty aggregator that resamples the floating
// image with kernel.
func NewAggregator(kernel *interpolation.Kernel) *Aggregator {
	return &Aggregator{kernel: kernel}
}

// Add appends a cost with its weight.
func (a *Aggregator) Add(c ImageCost, weight float64) {
	a.costs = append(a.costs, weightedCost{cost: c, weight: weight})
}

// Len returns the number of costs.
func (a *Aggregator) Len() int { return len(a.costs) }

// HasGradient reports whether every cost can produce a force field.
func (a *Aggregator) HasGradient() bool {
	for _, c := range a.costs {
		if !c.cost.HasGradient() {
			return false
		}
	}
	return len(a.costs) > 0
}

// Names lists the costs with their weights.
func (a *Aggregator) Names() []string {
	names := make([]string, len(a.costs))
	for i, c := range a.costs {
		names[i] = fmt.Sprintf("%s(%g)", c.cost.Name(), c.weight)
	}
	return names
}

// Size returns the reference grid of the current level.
func (a *Aggregator) Size() models.Size {
	if a.reference == nil {
		return nil
	}
	return a.reference.Size
}

// Reinit binds all costs to a new pair of images and resizes the buffers.
func (a *Aggregator) Reinit(reference, floating *models.Image) error {
	if len(a.costs) == 0 {
		return ErrNoCosts
	}
	if reference.Size.Dim() != floating.Size.Dim() {
		return fmt.Errorf("reference is %d-dimensional, floating image %d-dimensional", reference.Size.Dim(), floating.Size.Dim())
	}
	src, err := interpolation.New(floating, a.kernel)
	if err != nil {
		return err
	}
	for _, c := range a.costs {
		if err := c.cost.Reinit(reference, floating); err != nil {
			return fmt.Errorf("reinit %s: %w", c.cost.Name(), err)
		}
	}
	a.reference = reference
	a.floating = src
	a.moving = models.NewImage(reference.Size, floating.Type)
	a.gradient = models.NewVectorField(reference.Size)
	a.force = models.NewVectorField(reference.Size)
	return nil
}

func (a *Aggregator) check(t transform.Transformation) error {
	if a.reference == nil {
		return errNotInitialized
	}
	if !t.Size().Equal(a.reference.Size) {
		return fmt.Errorf("transform on %s, reference on %s: %w", t.Size(), a.reference.Size, transform.ErrSizeMismatch)
	}
	return nil
}

// Moving returns the floating image as resampled by the last evaluation.
func (a *Aggregator) Moving() *models.Image { return a.moving }

// CostValue returns Σ weight·cost of the floating image warped by t.
func (a *Aggregator) CostValue(t transform.Transformation) (float64, error) {
	if err := a.check(t); err != nil {
		return 0, err
	}
	if err := transform.Warp(t, a.floating, a.moving, nil); err != nil {
		return 0, err
	}
	sum := 0.0
	for _, c := range a.costs {
		v, err := c.cost.Value(a.moving)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", c.cost.Name(), err)
		}
		sum += c.weight * v
	}
	return sum, nil
}

// Evaluate returns the weighted cost for t and writes its gradient with
// respect to the parameters of t into grad. The weighted forces of all costs
// are summed into one field, which t.Translate reduces once; this equals the
// sum of the individually reduced gradients because Translate is linear.
func (a *Aggregator) Evaluate(t transform.Transformation, grad []float64) (float64, error) {
	if err := a.check(t); err != nil {
		return 0, err
	}
	if err := transform.Warp(t, a.floating, a.moving, a.gradient); err != nil {
		return 0, err
	}
	a.force.Clear()
	sum := 0.0
	for _, c := range a.costs {
		if !c.cost.HasGradient() {
			return 0, fmt.Errorf("%s: cost has no gradient", c.cost.Name())
		}
		v, err := c.cost.EvaluateForce(a.moving, a.gradient, c.weight, a.force)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", c.cost.Name(), err)
		}
		sum += c.weight * v
	}
	if err := t.Translate(a.force, grad); err != nil {
		return 0, err
	}
	return sum, nil
}
