package transform

import (
	"fmt"

	"medreg/internal/models"
	"medreg/internal/parallel"
	"medreg/pkg/interpolation"
)

// Warp resamples src through t onto the grid of out: out(x) = src(T(x)).
// When grad is not nil it receives the spatial gradient of src at T(x).
func Warp(t Transformation, src *interpolation.Interpolator, out *models.Image, grad *models.VectorField) error {
	size := t.Size()
	if !out.Size.Equal(size) {
		return fmt.Errorf("warp: output %s on grid %s: %w", out.Size, size, ErrSizeMismatch)
	}
	if grad != nil && !grad.Size.Equal(size) {
		return fmt.Errorf("warp: gradient %s on grid %s: %w", grad.Size, size, ErrSizeMismatch)
	}
	if src.Size().Dim() != size.Dim() {
		return fmt.Errorf("warp: %d-dimensional source for %d-dimensional transform: %w", src.Size().Dim(), size.Dim(), ErrSizeMismatch)
	}
	dim := size.Dim()
	parallel.Default().ParallelFor(size.Len(), func(start, end int) {
		c := make([]int, dim)
		x := make([]float64, dim)
		y := make([]float64, dim)
		for i := start; i < end; i++ {
			size.Coords(i, c)
			for d := range x {
				x[d] = float64(c[d])
			}
			t.Apply(x, y)
			if grad != nil {
				out.Data[i] = src.ValueGradient(y, grad.At(i))
			} else {
				out.Data[i] = src.Value(y)
			}
		}
	})
	return nil
}

// Transformed returns img resampled through t with the given kernel, keeping
// the pixel type and attributes of img.
func Transformed(t Transformation, img *models.Image, kernel *interpolation.Kernel) (*models.Image, error) {
	src, err := interpolation.New(img, kernel)
	if err != nil {
		return nil, err
	}
	out := models.NewImage(t.Size(), img.Type)
	for k, v := range img.Attributes {
		out.Attributes[k] = v
	}
	if err := Warp(t, src, out, nil); err != nil {
		return nil, err
	}
	if !img.Type.IsFloat() {
		out = out.Convert(img.Type)
	}
	return out, nil
}

// Compose samples outer∘inner on the grid of inner into a dense field.
func Compose(outer, inner Transformation) (*Field, error) {
	size := inner.Size()
	if outer.Size().Dim() != size.Dim() {
		return nil, fmt.Errorf("compose %s with %s: %w", outer.Name(), inner.Name(), ErrSizeMismatch)
	}
	out, err := NewField(size)
	if err != nil {
		return nil, err
	}
	dim := size.Dim()
	parallel.Default().ParallelFor(size.Len(), func(start, end int) {
		c := make([]int, dim)
		x := make([]float64, dim)
		y := make([]float64, dim)
		for i := start; i < end; i++ {
			size.Coords(i, c)
			for d := range x {
				x[d] = float64(c[d])
			}
			inner.Apply(x, y)
			u := out.u.At(i)
			outer.Apply(y, u)
			for d := range u {
				u[d] -= x[d]
			}
		}
	})
	return out, nil
}
