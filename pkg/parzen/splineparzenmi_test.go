package parzen

import (
	"math"
	"math/rand"
	"testing"

	"medreg/internal/parallel"
	"medreg/pkg/interpolation"
)

func newEstimator(t *testing.T, degree, bins int) *SplineParzenMI {
	t.Helper()
	k := interpolation.MustKernel(degree)
	p, err := New(k, k, bins, bins)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

// TestSelfInformation fills identical distinct samples on both axes: every
// histogram is uniform over 256 cells so the value is -log(256).
//
// An earlier fixture expected -5.1013951881429653. That is the entropy of
// about 164 equally filled cells, so it belongs to a sample image that is
// not part of this repository and cannot be rebuilt from 256 distinct
// values; the analytic constant checks the same collapse to self-entropy.
func TestSelfInformation(t *testing.T) {
	p := newEstimator(t, 0, 256)
	p.SetRange(0, 255, 0, 255)

	samples := make([]float64, 256)
	for i := range samples {
		samples[i] = float64(i)
	}
	if err := p.Fill(samples, samples); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	want := -math.Log(256)
	if v := p.Value(); math.Abs(v-want) > 1e-12 {
		t.Errorf("Expected %.16f, got %.16f", want, v)
	}
}

// TestIndependentSamples checks a product distribution has zero information
func TestIndependentSamples(t *testing.T) {
	p := newEstimator(t, 0, 16)
	p.SetRange(0, 15, 0, 15)

	ref := make([]float64, 256)
	mov := make([]float64, 256)
	for i := range ref {
		ref[i] = float64(i % 16)
		mov[i] = float64(i / 16)
	}
	if err := p.Fill(ref, mov); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}
	if v := p.Value(); math.Abs(v) > 1e-12 {
		t.Errorf("Expected 0 for independent samples, got %g", v)
	}
}

// TestHistogramMass checks the marginals and the padded layout
func TestHistogramMass(t *testing.T) {
	p := newEstimator(t, 3, 32)
	rb, mb := p.RealBins()
	if rb != 36 || mb != 36 {
		t.Fatalf("Expected 36x36 real bins, got %dx%d", rb, mb)
	}

	rng := rand.New(rand.NewSource(1))
	ref := make([]float64, 1000)
	mov := make([]float64, 1000)
	for i := range ref {
		// include values outside the range to exercise clamping
		ref[i] = rng.Float64()*40 - 4
		mov[i] = rng.Float64() * 31
	}
	if err := p.Fill(ref, mov); err != nil {
		t.Fatalf("Fill failed: %v", err)
	}

	for name, h := range map[string][]float64{
		"joined":    p.Joined(),
		"reference": p.ReferenceHistogram(),
		"moving":    p.MovingHistogram(),
	} {
		sum := 0.0
		for _, v := range h {
			if v < -1e-15 {
				t.Errorf("%s histogram has negative bin %g", name, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("Expected %s mass 1, got %f", name, sum)
		}
	}

	mh := p.MovingHistogram()
	if mh[0] != 0 || mh[mb-1] != 0 {
		t.Errorf("Outer padding bins should stay empty, got %g and %g", mh[0], mh[mb-1])
	}
}

func TestFillRejectsMismatchedSamples(t *testing.T) {
	p := newEstimator(t, 3, 16)
	if err := p.Fill([]float64{1, 2}, []float64{1}); err == nil {
		t.Error("Expected error for unpaired samples")
	}
	if err := p.FillWeighted([]float64{1}, []float64{1}, []float64{0.5, 0.5}); err == nil {
		t.Error("Expected error for mismatched values")
	}
}

func correlatedSamples(n int, seed int64) (ref, mov []float64) {
	rng := rand.New(rand.NewSource(seed))
	ref = make([]float64, n)
	mov = make([]float64, n)
	for i := range ref {
		ref[i] = 0.05 + 0.9*rng.Float64()
		mov[i] = 0.8*ref[i] + 0.1*rng.Float64() + 0.02
	}
	return ref, mov
}

// TestGradientPaths compares the cached and the direct gradient
func TestGradientPaths(t *testing.T) {
	for _, degree := range []int{1, 2, 3} {
		p := newEstimator(t, degree, 24)
		p.SetRange(0, 1, 0, 1)
		ref, mov := correlatedSamples(400, 2)
		if err := p.Fill(ref, mov); err != nil {
			t.Fatalf("Fill failed: %v", err)
		}
		for i := 0; i < len(ref); i += 13 {
			fast := p.Gradient(ref[i], mov[i])
			slow := p.GradientSlow(ref[i], mov[i])
			if math.Abs(fast-slow) > 1e-9*math.Max(1, math.Abs(fast)) {
				t.Errorf("Degree %d sample %d: fast %g, slow %g", degree, i, fast, slow)
			}
		}
	}
}

// TestGradientMatchesFiniteDifferences perturbs one moving intensity and
// compares the change of the value with the analytic derivative
func TestGradientMatchesFiniteDifferences(t *testing.T) {
	p := newEstimator(t, 3, 20)
	p.SetRange(0, 1, 0, 1)
	ref, mov := correlatedSamples(300, 3)
	n := float64(len(ref))
	const h = 1e-5

	for _, j := range []int{0, 17, 123, 299} {
		if err := p.Fill(ref, mov); err != nil {
			t.Fatalf("Fill failed: %v", err)
		}
		analytic := p.Gradient(ref[j], mov[j]) / n

		orig := mov[j]
		mov[j] = orig + h
		p.Fill(ref, mov)
		plus := p.Value()
		mov[j] = orig - h
		p.Fill(ref, mov)
		minus := p.Value()
		mov[j] = orig

		fd := (plus - minus) / (2 * h)
		if math.Abs(fd-analytic) > 1e-3*math.Abs(fd)+1e-7 {
			t.Errorf("Sample %d: analytic %g, finite difference %g", j, analytic, fd)
		}
	}
}

func TestNewRejectsTooFewBins(t *testing.T) {
	k := interpolation.MustKernel(3)
	if _, err := New(k, k, 1, 16); err == nil {
		t.Error("Expected error for a single reference bin")
	}
}

// TestParallelFillMatchesSequential fills enough samples for every worker
// to get its own partial histogram and compares the merge with one worker.
func TestParallelFillMatchesSequential(t *testing.T) {
	const n = 50000
	ref, mov := correlatedSamples(n, 11)
	values := make([]float64, n)
	rng := rand.New(rand.NewSource(12))
	total := 0.0
	for i := range values {
		values[i] = rng.Float64()
		total += values[i]
	}
	for i := range values {
		values[i] /= total
	}

	single := parallel.New(1)
	defer single.Close()
	multi := parallel.New(4)
	defer multi.Close()
	if c := multi.Chunks(n); c != 4 {
		t.Fatalf("Expected 4 chunks for %d samples, got %d", n, c)
	}

	for _, weights := range [][]float64{nil, values} {
		seq := newEstimator(t, 3, 32)
		seq.SetRange(0, 1, 0, 1)
		seq.SetPool(single)
		par := newEstimator(t, 3, 32)
		par.SetRange(0, 1, 0, 1)
		par.SetPool(multi)
		if err := seq.FillWeighted(ref, mov, weights); err != nil {
			t.Fatalf("FillWeighted failed: %v", err)
		}
		if err := par.FillWeighted(ref, mov, weights); err != nil {
			t.Fatalf("FillWeighted failed: %v", err)
		}

		mass := 0.0
		for i, v := range seq.Joined() {
			mass += par.Joined()[i]
			if math.Abs(v-par.Joined()[i]) > 1e-12 {
				t.Fatalf("Bin %d: one worker %g, four workers %g", i, v, par.Joined()[i])
			}
		}
		if math.Abs(mass-1) > 1e-9 {
			t.Errorf("Expected unit mass, got %.12f", mass)
		}
		if math.Abs(seq.Value()-par.Value()) > 1e-10 {
			t.Errorf("Value: one worker %.14f, four workers %.14f", seq.Value(), par.Value())
		}
	}
}
