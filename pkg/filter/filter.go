// Package filter implements the image filters of the registration pyramid:
// block downsampling, Gaussian smoothing and central-difference gradients.
package filter

import (
	"fmt"

	"medreg/internal/models"
	"medreg/internal/parallel"
)

// DownsampledSize returns the size of an image of the given size after
// downsampling by block along every axis.
func DownsampledSize(size models.Size, block int) models.Size {
	out := make(models.Size, size.Dim())
	for d, n := range size {
		out[d] = (n + block - 1) / block
	}
	return out
}

// Downsample reduces img by averaging blocks of block^dim pixels. Blocks
// at the upper border that extend past the image average the pixels they
// cover. A block of 1 returns a copy.
func Downsample(img *models.Image, block int) (*models.Image, error) {
	if block < 1 {
		return nil, fmt.Errorf("invalid downsampling block %d", block)
	}
	if block == 1 {
		return img.Clone(), nil
	}
	dim := img.Size.Dim()
	out := models.NewImage(DownsampledSize(img.Size, block), img.Type)
	for k, v := range img.Attributes {
		out.Attributes[k] = v
	}

	parallel.Default().ParallelFor(out.Size.Len(), func(start, end int) {
		oc := make([]int, dim)
		lo := make([]int, dim)
		hi := make([]int, dim)
		c := make([]int, dim)
		for i := start; i < end; i++ {
			out.Size.Coords(i, oc)
			for d := 0; d < dim; d++ {
				lo[d] = oc[d] * block
				hi[d] = min(lo[d]+block, img.Size[d])
			}
			copy(c, lo)
			sum, n := 0.0, 0
			for {
				sum += img.Data[img.Size.Index(c)]
				n++
				d := 0
				for ; d < dim; d++ {
					c[d]++
					if c[d] < hi[d] {
						break
					}
					c[d] = lo[d]
				}
				if d == dim {
					break
				}
			}
			out.Data[i] = sum / float64(n)
		}
	})
	return out, nil
}

// Gradient returns the central-difference gradient of img. Pixels on the
// image border, where the central difference is undefined along an axis,
// get a zero component for that axis.
func Gradient(img *models.Image) *models.VectorField {
	field := models.NewVectorField(img.Size)
	dim := img.Size.Dim()
	strides := make([]int, dim)
	for d := range strides {
		strides[d] = img.Size.Stride(d)
	}
	parallel.Default().ParallelFor(img.Size.Len(), func(start, end int) {
		c := make([]int, dim)
		for i := start; i < end; i++ {
			img.Size.Coords(i, c)
			g := field.At(i)
			for d := 0; d < dim; d++ {
				if c[d] == 0 || c[d] == img.Size[d]-1 {
					continue
				}
				g[d] = 0.5 * (img.Data[i+strides[d]] - img.Data[i-strides[d]])
			}
		}
	})
	return field
}

// GradientAdjoint accumulates the adjoint of Gradient applied to q into out:
// for every pixel x, out += sum_d dGradient_d(x)/dimg * q_d(x).
// It is the exact derivative of sum_x <q(x), Gradient(img)(x)> with respect to img.
func GradientAdjoint(q *models.VectorField, out []float64) {
	size := q.Size
	dim := size.Dim()
	c := make([]int, dim)
	for i := 0; i < size.Len(); i++ {
		size.Coords(i, c)
		v := q.At(i)
		for d := 0; d < dim; d++ {
			if c[d] == 0 || c[d] == size[d]-1 || v[d] == 0 {
				continue
			}
			stride := size.Stride(d)
			out[i+stride] += 0.5 * v[d]
			out[i-stride] -= 0.5 * v[d]
		}
	}
}
