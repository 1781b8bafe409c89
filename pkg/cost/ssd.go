package cost

import (
	"errors"

	"medreg/internal/models"
)

var errNotInitialized = errors.New("cost used before Reinit")

// SSD is the sum of squared differences 0.5 Σ (W(x) - R(x))², divided by
// the number of pixels when normalized.
type SSD struct {
	normalize bool
	reference *models.Image
}

// NewSSD creates an SSD cost.
func NewSSD(normalize bool) *SSD {
	return &SSD{normalize: normalize}
}

func (c *SSD) Name() string { return "ssd" }

func (c *SSD) HasGradient() bool { return true }

func (c *SSD) Reinit(reference, floating *models.Image) error {
	c.reference = reference
	return nil
}

func (c *SSD) norm() float64 {
	if c.normalize {
		return 1 / float64(len(c.reference.Data))
	}
	return 1
}

func (c *SSD) Value(moving *models.Image) (float64, error) {
	if c.reference == nil {
		return 0, errNotInitialized
	}
	if err := checkSameSize("ssd", c.reference, moving); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, r := range c.reference.Data {
		d := moving.Data[i] - r
		sum += d * d
	}
	return 0.5 * sum * c.norm(), nil
}

func (c *SSD) EvaluateForce(moving *models.Image, gradient *models.VectorField, scale float64, force *models.VectorField) (float64, error) {
	value, err := c.Value(moving)
	if err != nil {
		return 0, err
	}
	s := scale * c.norm()
	for i, r := range c.reference.Data {
		d := s * (moving.Data[i] - r)
		if d == 0 {
			continue
		}
		f := force.At(i)
		for k, g := range gradient.At(i) {
			f[k] += d * g
		}
	}
	return value, nil
}
