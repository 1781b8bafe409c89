// Package interpolation provides B-spline kernels and spline interpolation of
// 1D, 2D and 3D images at continuous positions.
package interpolation

import (
	"fmt"
	"math"

	"medreg/internal/models"
	"medreg/internal/parallel"
)

// MaxDim is the highest image dimension the interpolator handles.
const MaxDim = 3

// Interpolator evaluates a spline model of an image and its spatial gradient
// at arbitrary positions. Positions outside the grid are mirrored back.
// Interpolator is read-only after construction and safe for concurrent use.
type Interpolator struct {
	kernel *Kernel
	size   models.Size
	coeffs []float64
}

// New builds an interpolator for img. Kernels of degree 2 and above are
// prefiltered so the spline passes through the pixel values.
func New(img *models.Image, kernel *Kernel) (*Interpolator, error) {
	if img.Size.Dim() < 1 || img.Size.Dim() > MaxDim {
		return nil, fmt.Errorf("interpolation of %d-dimensional images not supported", img.Size.Dim())
	}
	coeffs := make([]float64, len(img.Data))
	copy(coeffs, img.Data)
	if len(kernel.Poles()) > 0 {
		prefilter(coeffs, img.Size, kernel.Poles())
	}
	return &Interpolator{kernel: kernel, size: img.Size.Clone(), coeffs: coeffs}, nil
}

// Kernel returns the interpolation kernel.
func (ip *Interpolator) Kernel() *Kernel { return ip.kernel }

// Size returns the size of the interpolated image.
func (ip *Interpolator) Size() models.Size { return ip.size }

// Value returns the interpolated value at x.
func (ip *Interpolator) Value(x []float64) float64 {
	return ip.eval(x, nil)
}

// ValueGradient returns the interpolated value at x and writes the gradient
// of the spline model into grad.
func (ip *Interpolator) ValueGradient(x, grad []float64) float64 {
	return ip.eval(x, grad)
}

func (ip *Interpolator) eval(x, grad []float64) float64 {
	dim := ip.size.Dim()
	n := ip.kernel.Size()

	var w, dw [MaxDim][MaxDegree + 1]float64
	var idx [MaxDim][MaxDegree + 1]int
	for d := 0; d < dim; d++ {
		start := ip.kernel.Weights(x[d], w[d][:])
		if grad != nil {
			ip.kernel.Derivatives(x[d], dw[d][:])
		}
		stride := ip.size.Stride(d)
		for i := 0; i < n; i++ {
			idx[d][i] = mirror(start+i, ip.size[d]) * stride
		}
	}

	var g [MaxDim]float64
	value := 0.0
	var k [MaxDim]int
	total := 1
	for d := 0; d < dim; d++ {
		total *= n
	}
	for c := 0; c < total; c++ {
		offset := 0
		weight := 1.0
		for d := 0; d < dim; d++ {
			offset += idx[d][k[d]]
			weight *= w[d][k[d]]
		}
		coeff := ip.coeffs[offset]
		value += weight * coeff
		if grad != nil {
			for d := 0; d < dim; d++ {
				gw := dw[d][k[d]]
				for e := 0; e < dim; e++ {
					if e != d {
						gw *= w[e][k[e]]
					}
				}
				g[d] += gw * coeff
			}
		}
		for d := 0; d < dim; d++ {
			k[d]++
			if k[d] < n {
				break
			}
			k[d] = 0
		}
	}
	if grad != nil {
		copy(grad, g[:dim])
	}
	return value
}

// mirror folds index i into [0, n) with whole-sample symmetric boundaries.
func mirror(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2*n - 2
	if i < 0 {
		i = -i
	}
	i %= period
	if i >= n {
		i = period - i
	}
	return i
}

// prefilter converts pixel values into B-spline coefficients in place,
// running the recursive filter along every line of every axis.
func prefilter(data []float64, size models.Size, poles []float64) {
	for axis := 0; axis < size.Dim(); axis++ {
		starts, stride, length := size.Lines(axis)
		if length < 2 {
			continue
		}
		parallel.Default().ParallelFor(len(starts), func(begin, end int) {
			line := make([]float64, length)
			for _, s := range starts[begin:end] {
				for i := range line {
					line[i] = data[s+i*stride]
				}
				prefilterLine(line, poles)
				for i, v := range line {
					data[s+i*stride] = v
				}
			}
		})
	}
}

func prefilterLine(c []float64, poles []float64) {
	n := len(c)
	gain := 1.0
	for _, z := range poles {
		gain *= (1 - z) * (1 - 1/z)
	}
	for i := range c {
		c[i] *= gain
	}
	for _, z := range poles {
		c[0] = initialCausal(c, z)
		for i := 1; i < n; i++ {
			c[i] += z * c[i-1]
		}
		c[n-1] = initialAntiCausal(c, z)
		for i := n - 2; i >= 0; i-- {
			c[i] = z * (c[i+1] - c[i])
		}
	}
}

func initialCausal(c []float64, z float64) float64 {
	const tolerance = 1e-12
	n := len(c)
	horizon := int(math.Ceil(math.Log(tolerance) / math.Log(math.Abs(z))))
	if horizon < n {
		zn := z
		sum := c[0]
		for i := 1; i < horizon; i++ {
			sum += zn * c[i]
			zn *= z
		}
		return sum
	}
	zn := z
	iz := 1 / z
	z2n := math.Pow(z, float64(n-1))
	sum := c[0] + z2n*c[n-1]
	z2n *= z2n * iz
	for i := 1; i <= n-2; i++ {
		sum += (zn + z2n) * c[i]
		zn *= z
		z2n *= iz
	}
	return sum / (1 - zn*zn)
}

func initialAntiCausal(c []float64, z float64) float64 {
	n := len(c)
	return (z / (z*z - 1)) * (z*c[n-2] + c[n-1])
}
