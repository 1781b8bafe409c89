package filter

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"medreg/internal/models"
	"medreg/internal/parallel"
)

// Gaussian smooths img with an isotropic Gaussian of standard deviation sigma
// (in pixels). Each axis is filtered separately: every line is mirror padded,
// transformed with a real FFT, multiplied by the Gaussian transfer function
// and transformed back.
func Gaussian(img *models.Image, sigma float64) *models.Image {
	out := img.Clone()
	if sigma <= 0 {
		return out
	}
	for axis := 0; axis < img.Size.Dim(); axis++ {
		smoothAxis(out, axis, sigma)
	}
	return out
}

func smoothAxis(img *models.Image, axis int, sigma float64) {
	starts, stride, length := img.Size.Lines(axis)
	if length < 2 {
		return
	}
	pad := int(math.Ceil(3 * sigma))
	padded := length + 2*pad

	// Transfer function of the Gaussian at the real FFT frequencies
	transfer := make([]float64, padded/2+1)
	for k := range transfer {
		f := float64(k) / float64(padded)
		transfer[k] = math.Exp(-2 * math.Pi * math.Pi * sigma * sigma * f * f)
	}

	parallel.Default().ParallelFor(len(starts), func(begin, end int) {
		// fourier.FFT keeps work buffers, one per range
		fft := fourier.NewFFT(padded)
		seq := make([]float64, padded)
		coeff := make([]complex128, padded/2+1)
		for _, s := range starts[begin:end] {
			for i := range seq {
				seq[i] = img.Data[s+mirror(i-pad, length)*stride]
			}
			fft.Coefficients(coeff, seq)
			for k := range coeff {
				coeff[k] *= complex(transfer[k], 0)
			}
			fft.Sequence(seq, coeff)
			for i := 0; i < length; i++ {
				img.Data[s+i*stride] = seq[i+pad] / float64(padded)
			}
		}
	})
}

// mirror folds i into [0, n) with whole-sample symmetric boundaries.
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
