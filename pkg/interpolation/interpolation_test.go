package interpolation

import (
	"math"
	"testing"

	"medreg/internal/models"
)

// TestKernelPartitionOfUnity verifies weights sum to one and derivatives to zero
func TestKernelPartitionOfUnity(t *testing.T) {
	positions := []float64{0, 0.25, 0.5, 1.7, 3.999, 10.5}
	for degree := 0; degree <= MaxDegree; degree++ {
		k := MustKernel(degree)
		w := make([]float64, k.Size())
		dw := make([]float64, k.Size())
		for _, x := range positions {
			k.Weights(x, w)
			k.Derivatives(x, dw)
			sum, dsum := 0.0, 0.0
			for i := range w {
				sum += w[i]
				dsum += dw[i]
			}
			if math.Abs(sum-1) > 1e-12 {
				t.Errorf("Degree %d at %f: weights sum to %f", degree, x, sum)
			}
			if math.Abs(dsum) > 1e-12 {
				t.Errorf("Degree %d at %f: derivative weights sum to %f", degree, x, dsum)
			}
		}
	}
}

// TestKernelKnownValues compares against closed form B-spline values
func TestKernelKnownValues(t *testing.T) {
	cases := []struct {
		degree int
		t      float64
		want   float64
	}{
		{1, 0, 1},
		{1, 0.5, 0.5},
		{2, 0, 0.75},
		{2, 1, 0.125},
		{3, 0, 2.0 / 3.0},
		{3, 1, 1.0 / 6.0},
		{3, 2, 0},
	}
	for _, c := range cases {
		if got := bspline(c.degree, c.t); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("beta%d(%f) = %f, want %f", c.degree, c.t, got, c.want)
		}
	}

	// Derivative against central differences
	for degree := 1; degree <= MaxDegree; degree++ {
		for _, x := range []float64{-1.3, -0.2, 0.4, 1.1} {
			h := 1e-6
			fd := (bspline(degree, x+h) - bspline(degree, x-h)) / (2 * h)
			if got := bsplineDerivative(degree, x); math.Abs(got-fd) > 1e-5 {
				t.Errorf("Degree %d derivative at %f: got %f, finite difference %f", degree, x, got, fd)
			}
		}
	}
}

// TestParseKernel checks the kernel registry
func TestParseKernel(t *testing.T) {
	for desc, degree := range map[string]int{"nn": 0, "linear": 1, "bspline": 3, "bspline:d=5": 5} {
		k, err := ParseKernel(desc)
		if err != nil {
			t.Fatalf("ParseKernel(%q) failed: %v", desc, err)
		}
		if k.Degree() != degree {
			t.Errorf("%s: expected degree %d, got %d", desc, degree, k.Degree())
		}
	}
	if _, err := ParseKernel("bspline:d=9"); err == nil {
		t.Error("Expected error for degree 9")
	}
	if _, err := ParseKernel("sinc"); err == nil {
		t.Error("Expected error for unknown kernel")
	}
}

func testImage(size models.Size, f func(c []int) float64) *models.Image {
	img := models.NewImage(size, models.Float64)
	c := make([]int, size.Dim())
	for i := range img.Data {
		size.Coords(i, c)
		img.Data[i] = f(c)
	}
	return img
}

// TestInterpolationReproducesGrid verifies interpolating splines hit pixel values
func TestInterpolationReproducesGrid(t *testing.T) {
	img := testImage(models.Size{9, 7}, func(c []int) float64 {
		return math.Sin(float64(c[0])*0.7) + math.Cos(float64(c[1])*0.4)
	})
	for _, degree := range []int{0, 1, 2, 3, 4, 5} {
		ip, err := New(img, MustKernel(degree))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		c := make([]int, 2)
		for i, want := range img.Data {
			img.Size.Coords(i, c)
			got := ip.Value([]float64{float64(c[0]), float64(c[1])})
			if math.Abs(got-want) > 1e-8 {
				t.Errorf("Degree %d at %v: got %f, want %f", degree, c, got, want)
			}
		}
	}
}

// TestLinearGradient checks the gradient of a linear ramp is exact
func TestLinearGradient(t *testing.T) {
	img := testImage(models.Size{8, 8, 4}, func(c []int) float64 {
		return 2*float64(c[0]) - 0.5*float64(c[1]) + 3*float64(c[2])
	})
	ip, _ := New(img, MustKernel(1))
	grad := make([]float64, 3)
	v := ip.ValueGradient([]float64{3.3, 4.6, 1.2}, grad)
	if want := 2*3.3 - 0.5*4.6 + 3*1.2; math.Abs(v-want) > 1e-12 {
		t.Errorf("Expected value %f, got %f", want, v)
	}
	want := []float64{2, -0.5, 3}
	for d := range want {
		if math.Abs(grad[d]-want[d]) > 1e-12 {
			t.Errorf("Gradient component %d: expected %f, got %f", d, want[d], grad[d])
		}
	}
}

// TestCubicGradientMatchesFiniteDifference compares analytic and numeric gradients
func TestCubicGradientMatchesFiniteDifference(t *testing.T) {
	img := testImage(models.Size{16, 12}, func(c []int) float64 {
		dx, dy := float64(c[0])-7, float64(c[1])-5
		return math.Exp(-(dx*dx + dy*dy) / 18)
	})
	ip, _ := New(img, MustKernel(3))
	x := []float64{6.3, 4.7}
	grad := make([]float64, 2)
	ip.ValueGradient(x, grad)
	h := 1e-5
	for d := 0; d < 2; d++ {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[d] += h
		xm[d] -= h
		fd := (ip.Value(xp) - ip.Value(xm)) / (2 * h)
		if math.Abs(fd-grad[d]) > 1e-6 {
			t.Errorf("Axis %d: analytic %f, finite difference %f", d, grad[d], fd)
		}
	}
}

// TestMirror verifies the boundary folding
func TestMirror(t *testing.T) {
	cases := []struct{ i, n, want int }{
		{-1, 5, 1}, {-4, 5, 4}, {5, 5, 3}, {8, 5, 0}, {2, 5, 2}, {3, 1, 0},
	}
	for _, c := range cases {
		if got := mirror(c.i, c.n); got != c.want {
			t.Errorf("mirror(%d,%d) = %d, want %d", c.i, c.n, got, c.want)
		}
	}
}
