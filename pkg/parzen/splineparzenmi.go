// Package parzen estimates mutual information between two intensity
// distributions with B-spline Parzen windows, giving a histogram estimate
// that is differentiable in the moving intensities.
package parzen

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"medreg/internal/parallel"
	"medreg/pkg/interpolation"
)

// tiny is the probability below which a histogram cell is treated as empty
// when taking logarithms.
const tiny = 1e-12

// SplineParzenMI holds a joined histogram of (reference, moving) intensity
// pairs built with spline kernels. Each histogram axis carries border extra
// bins on both sides so the kernel support of a clamped intensity always
// fits; the kernel of width w needs w/2 of them.
//
// Value returns H(joined) - H(moving) - H(reference), the negated mutual
// information, so that lower is better.
type SplineParzenMI struct {
	refKernel *interpolation.Kernel
	movKernel *interpolation.Kernel

	refBins, movBins     int
	refBorder, movBorder int
	refReal, movReal     int

	refMin, refScale float64
	movMin, movScale float64

	joined   []float64
	refHist  []float64
	movHist  []float64
	logCache []float64

	pool *parallel.Pool
}

// New creates an estimator with the given kernels and nominal bin counts.
// The intensity ranges default to [0, bins-1].
func New(refKernel, movKernel *interpolation.Kernel, refBins, movBins int) (*SplineParzenMI, error) {
	if refBins < 2 || movBins < 2 {
		return nil, fmt.Errorf("parzen: need at least 2 bins per axis, got %d and %d", refBins, movBins)
	}
	p := &SplineParzenMI{
		refKernel: refKernel,
		movKernel: movKernel,
		refBins:   refBins,
		movBins:   movBins,
		refBorder: refKernel.Size() / 2,
		movBorder: movKernel.Size() / 2,
	}
	p.refReal = refBins + 2*p.refBorder
	p.movReal = movBins + 2*p.movBorder
	p.joined = make([]float64, p.refReal*p.movReal)
	p.refHist = make([]float64, p.refReal)
	p.movHist = make([]float64, p.movReal)
	p.logCache = make([]float64, p.refReal*p.movReal)
	p.SetRange(0, float64(refBins-1), 0, float64(movBins-1))
	return p, nil
}

// SetPool selects the workers that fill the histogram. A nil pool uses
// parallel.Default.
func (p *SplineParzenMI) SetPool(pool *parallel.Pool) { p.pool = pool }

func (p *SplineParzenMI) workers() *parallel.Pool {
	if p.pool != nil {
		return p.pool
	}
	return parallel.Default()
}

// SetRange fixes the intensity ranges mapped onto the bins. An empty range
// maps every intensity onto the first bin.
func (p *SplineParzenMI) SetRange(refMin, refMax, movMin, movMax float64) {
	p.refMin, p.refScale = refMin, binScale(refMin, refMax, p.refBins)
	p.movMin, p.movScale = movMin, binScale(movMin, movMax, p.movBins)
}

func binScale(lo, hi float64, bins int) float64 {
	if hi <= lo {
		return 0
	}
	return float64(bins-1) / (hi - lo)
}

// MovingScale returns the number of moving bins per intensity unit.
func (p *SplineParzenMI) MovingScale() float64 { return p.movScale }

// RealBins returns the padded histogram extents along the reference and moving axes.
func (p *SplineParzenMI) RealBins() (ref, mov int) { return p.refReal, p.movReal }

// Joined returns the joined histogram, reference-major.
func (p *SplineParzenMI) Joined() []float64 { return p.joined }

// ReferenceHistogram returns the reference marginal.
func (p *SplineParzenMI) ReferenceHistogram() []float64 { return p.refHist }

// MovingHistogram returns the moving marginal.
func (p *SplineParzenMI) MovingHistogram() []float64 { return p.movHist }

func (p *SplineParzenMI) refPosition(v float64) float64 {
	x := math.Max(0, math.Min(float64(p.refBins-1), (v-p.refMin)*p.refScale))
	return x + float64(p.refBorder)
}

func (p *SplineParzenMI) movPosition(v float64) float64 {
	x := math.Max(0, math.Min(float64(p.movBins-1), (v-p.movMin)*p.movScale))
	return x + float64(p.movBorder)
}

// Fill rebuilds the histograms from paired samples, each contributing 1/N.
func (p *SplineParzenMI) Fill(ref, mov []float64) error {
	return p.FillWeighted(ref, mov, nil)
}

// FillWeighted rebuilds the histograms from paired samples where sample i
// contributes values[i]. The values should sum to one. A nil values slice
// weights all samples equally.
func (p *SplineParzenMI) FillWeighted(ref, mov, values []float64) error {
	if len(ref) != len(mov) {
		return fmt.Errorf("parzen: %d reference and %d moving samples", len(ref), len(mov))
	}
	if values != nil && len(values) != len(ref) {
		return fmt.Errorf("parzen: %d values for %d samples", len(values), len(ref))
	}
	for i := range p.joined {
		p.joined[i] = 0
	}
	if len(ref) == 0 {
		p.update()
		return nil
	}
	uniform := 1 / float64(len(ref))

	var mu sync.Mutex
	p.workers().ParallelFor(len(ref), func(start, end int) {
		partial := make([]float64, len(p.joined))
		var rw, mw [interpolation.MaxDegree + 1]float64
		rn, mn := p.refKernel.Size(), p.movKernel.Size()
		for i := start; i < end; i++ {
			v := uniform
			if values != nil {
				v = values[i]
			}
			rs := p.refKernel.Weights(p.refPosition(ref[i]), rw[:])
			ms := p.movKernel.Weights(p.movPosition(mov[i]), mw[:])
			for r := 0; r < rn; r++ {
				row := partial[(rs+r)*p.movReal+ms:][:mn]
				floats.AddScaled(row, v*rw[r], mw[:mn])
			}
		}
		mu.Lock()
		floats.Add(p.joined, partial)
		mu.Unlock()
	})
	p.update()
	return nil
}

// update derives the marginals and the log ratio cache from the joined histogram.
func (p *SplineParzenMI) update() {
	for i := range p.refHist {
		p.refHist[i] = 0
	}
	for i := range p.movHist {
		p.movHist[i] = 0
	}
	for r := 0; r < p.refReal; r++ {
		row := p.joined[r*p.movReal : (r+1)*p.movReal]
		p.refHist[r] = floats.Sum(row)
		floats.Add(p.movHist, row)
	}
	for r := 0; r < p.refReal; r++ {
		for m := 0; m < p.movReal; m++ {
			i := r*p.movReal + m
			pj, pm := p.joined[i], p.movHist[m]
			if pj > tiny && pm > tiny {
				p.logCache[i] = math.Log(pj / pm)
			} else {
				p.logCache[i] = 0
			}
		}
	}
}

// Value returns H(joined) - H(moving) - H(reference).
func (p *SplineParzenMI) Value() float64 {
	return stat.Entropy(p.joined) - stat.Entropy(p.movHist) - stat.Entropy(p.refHist)
}

// Gradient returns the derivative of Value with respect to the moving
// intensity of a sample with unit contribution. Multiply by the sample's
// contribution value to get its actual derivative.
func (p *SplineParzenMI) Gradient(ref, mov float64) float64 {
	var rw, dmw [interpolation.MaxDegree + 1]float64
	rs := p.refKernel.Weights(p.refPosition(ref), rw[:])
	ms := p.movKernel.Derivatives(p.movPosition(mov), dmw[:])
	mn := p.movKernel.Size()
	sum := 0.0
	for r := 0; r < p.refKernel.Size(); r++ {
		if rw[r] == 0 {
			continue
		}
		sum += rw[r] * floats.Dot(dmw[:mn], p.logCache[(rs+r)*p.movReal+ms:][:mn])
	}
	return -p.movScale * sum
}

// GradientSlow computes the same derivative as Gradient directly from the
// histograms, as the difference of the joined and the moving entropy terms.
func (p *SplineParzenMI) GradientSlow(ref, mov float64) float64 {
	var rw, dmw [interpolation.MaxDegree + 1]float64
	rs := p.refKernel.Weights(p.refPosition(ref), rw[:])
	ms := p.movKernel.Derivatives(p.movPosition(mov), dmw[:])

	sumPxy, sumPx := 0.0, 0.0
	for r := 0; r < p.refKernel.Size(); r++ {
		for m := 0; m < p.movKernel.Size(); m++ {
			pj := p.joined[(rs+r)*p.movReal+ms+m]
			px := p.movHist[ms+m]
			if pj <= tiny || px <= tiny {
				continue
			}
			dp := rw[r] * dmw[m]
			sumPxy += dp * math.Log(pj)
			sumPx += dp * math.Log(px)
		}
	}
	return -p.movScale * (sumPxy - sumPx)
}
