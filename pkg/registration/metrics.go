package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"medreg/internal/models"
)

// metricBins is the histogram resolution of the mutual information metric.
const metricBins = 64

// Metrics holds the agreement between the reference and the registered image.
type Metrics struct {
	// MI is the histogram mutual information in nats. Higher values mean
	// the intensities of one image predict those of the other better.
	MI float64

	// RMSE is the root mean square intensity difference. Lower is better.
	RMSE float64

	// Correlation is the Pearson correlation of the intensities, in [-1, 1].
	Correlation float64

	// SSIM is the global structural similarity index, in [-1, 1], with 1
	// for identical images.
	SSIM float64
}

func (m Metrics) String() string {
	return fmt.Sprintf("MI=%.4f RMSE=%.4f Correlation=%.4f SSIM=%.4f", m.MI, m.RMSE, m.Correlation, m.SSIM)
}

// Compare computes the quality metrics of a registered image against the reference.
func Compare(reference, registered *models.Image) (Metrics, error) {
	if !reference.Size.Equal(registered.Size) {
		return Metrics{}, fmt.Errorf("compare: registered image %s does not match reference %s", registered.Size, reference.Size)
	}
	x, y := reference.Data, registered.Data
	if len(x) == 0 {
		return Metrics{}, nil
	}
	return Metrics{
		MI:          mutualInformation(x, y),
		RMSE:        rmse(x, y),
		Correlation: correlation(x, y),
		SSIM:        ssim(x, y),
	}, nil
}

// mutualInformation computes H(X) + H(Y) - H(X,Y) on a joint histogram.
func mutualInformation(x, y []float64) float64 {
	joint := make([]float64, metricBins*metricBins)
	bx := binner(x)
	by := binner(y)
	w := 1 / float64(len(x))
	for i := range x {
		joint[bx(x[i])*metricBins+by(y[i])] += w
	}
	px := make([]float64, metricBins)
	py := make([]float64, metricBins)
	for i := 0; i < metricBins; i++ {
		row := joint[i*metricBins : (i+1)*metricBins]
		px[i] = floats.Sum(row)
		floats.Add(py, row)
	}
	return stat.Entropy(px) + stat.Entropy(py) - stat.Entropy(joint)
}

// binner maps values onto [0, metricBins) over their range.
func binner(v []float64) func(float64) int {
	lo, hi := floats.Min(v), floats.Max(v)
	if hi <= lo {
		return func(float64) int { return 0 }
	}
	scale := float64(metricBins) / (hi - lo)
	return func(x float64) int {
		return min(int((x-lo)*scale), metricBins-1)
	}
}

func rmse(x, y []float64) float64 {
	return floats.Distance(x, y, 2) / math.Sqrt(float64(len(x)))
}

func correlation(x, y []float64) float64 {
	if stat.Variance(x, nil) == 0 || stat.Variance(y, nil) == 0 {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// ssim computes the structural similarity over the whole image with the
// dynamic range taken from the reference.
func ssim(x, y []float64) float64 {
	const k1, k2 = 0.01, 0.03
	l := floats.Max(x) - floats.Min(x)
	if l == 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX := stat.Mean(x, nil)
	muY := stat.Mean(y, nil)
	sigmaX := stat.Variance(x, nil)
	sigmaY := stat.Variance(y, nil)
	sigmaXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}
