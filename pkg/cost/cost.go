// Package cost implements image similarity measures and their aggregation
// into a single registration objective.
//
// A cost compares the reference image with the floating image resampled on
// the reference grid (the moving image). Costs with a gradient also produce
// a force field: the derivative of the cost with respect to the mapped
// position T(x) at every reference pixel x. The Aggregator sums the weighted
// forces of all costs and reduces them to a parameter gradient through the
// transformation once.
package cost

import (
	"fmt"

	"medreg/internal/models"
	"medreg/pkg/factory"
)

// ImageCost is a similarity measure between a reference and a moving image.
type ImageCost interface {
	// Name returns the registry name of the cost.
	Name() string

	// HasGradient reports whether EvaluateForce is implemented.
	HasGradient() bool

	// Reinit binds the cost to a new pair of images, typically once per
	// resolution level. Anything derived from the reference is computed here.
	Reinit(reference, floating *models.Image) error

	// Value returns the cost of the moving image.
	Value(moving *models.Image) (float64, error)

	// EvaluateForce returns the cost of the moving image and adds
	// scale * dCost/dT(x) to force at every pixel. gradient holds the
	// spatial gradient of the floating image at T(x).
	EvaluateForce(moving *models.Image, gradient *models.VectorField, scale float64, force *models.VectorField) (float64, error)
}

var registry = factory.NewRegistry[ImageCost]("cost")

// Register adds a cost constructor to the registry.
func Register(name string, ctor factory.Constructor[ImageCost]) {
	registry.Register(name, ctor)
}

// Names returns the registered cost names.
func Names() []string {
	return registry.Names()
}

// Parse creates a cost from a description such as "ngf:eval=ds,weight=0.5".
// The weight option is taken out of the description and returned separately.
func Parse(desc string) (ImageCost, float64, error) {
	d, err := factory.Parse(desc)
	if err != nil {
		return nil, 0, err
	}
	weight, err := d.Params.Float("weight", 1)
	if err != nil {
		return nil, 0, fmt.Errorf("cost %q: %w", d.Name, err)
	}
	delete(d.Params, "weight")
	c, err := registry.CreateFrom(d)
	if err != nil {
		return nil, 0, err
	}
	return c, weight, nil
}

func init() {
	Register("ssd", func(p factory.Params) (ImageCost, error) {
		if err := p.Check("ssd", "norm"); err != nil {
			return nil, err
		}
		norm, err := p.Bool("norm", true)
		if err != nil {
			return nil, err
		}
		return NewSSD(norm), nil
	})
	Register("ngf", func(p factory.Params) (ImageCost, error) {
		if err := p.Check("ngf", "eval", "eps"); err != nil {
			return nil, err
		}
		eps := 0.0
		if v := p.String("eps", "auto"); v != "auto" {
			var err error
			if eps, err = p.Float("eps", 0); err != nil {
				return nil, err
			}
			if eps <= 0 {
				return nil, fmt.Errorf("ngf: eps must be positive, got %g", eps)
			}
		}
		return NewNGF(p.String("eval", "ds"), eps)
	})
	Register("mi", func(p factory.Params) (ImageCost, error) {
		if err := p.Check("mi", "rbins", "mbins", "rdeg", "mdeg"); err != nil {
			return nil, err
		}
		var opts [4]int
		for i, o := range []struct {
			key string
			def int
		}{{"rbins", 64}, {"mbins", 64}, {"rdeg", 3}, {"mdeg", 3}} {
			v, err := p.Int(o.key, o.def)
			if err != nil {
				return nil, err
			}
			opts[i] = v
		}
		return NewMI(opts[0], opts[1], opts[2], opts[3])
	})
}

func checkSameSize(name string, a, b *models.Image) error {
	if !a.Size.Equal(b.Size) {
		return fmt.Errorf("%s: image %s does not match reference %s", name, b.Size, a.Size)
	}
	return nil
}
