package filter

import (
	"math"
	"testing"

	"medreg/internal/models"
)

// createRamp creates an image whose value is a linear function of the coordinates
func createRamp(size models.Size, slope []float64) *models.Image {
	img := models.NewImage(size, models.Float64)
	c := make([]int, size.Dim())
	for i := range img.Data {
		size.Coords(i, c)
		for d := range c {
			img.Data[i] += slope[d] * float64(c[d])
		}
	}
	return img
}

// TestDownsample verifies block averaging and the resulting size
func TestDownsample(t *testing.T) {
	img := createRamp(models.Size{5, 4}, []float64{1, 10})

	out, err := Downsample(img, 2)
	if err != nil {
		t.Fatalf("Downsample failed: %v", err)
	}
	if !out.Size.Equal(models.Size{3, 2}) {
		t.Fatalf("Expected size 3x2, got %s", out.Size)
	}

	// Block (0,0) covers x 0..1, y 0..1: mean = 0.5 + 5
	if v := out.At(0, 0); math.Abs(v-5.5) > 1e-12 {
		t.Errorf("Expected 5.5, got %f", v)
	}
	// Border block (2,1) covers x 4, y 2..3: mean = 4 + 25
	if v := out.At(2, 1); math.Abs(v-29) > 1e-12 {
		t.Errorf("Expected 29, got %f", v)
	}

	same, _ := Downsample(img, 1)
	if !same.Size.Equal(img.Size) {
		t.Errorf("Block 1 should keep the size, got %s", same.Size)
	}
	if _, err := Downsample(img, 0); err == nil {
		t.Error("Expected error for block 0")
	}
}

// TestGaussianPreservesConstant checks a constant image is unchanged
func TestGaussianPreservesConstant(t *testing.T) {
	img := models.NewImage(models.Size{17, 9, 5}, models.Float32)
	for i := range img.Data {
		img.Data[i] = 3.5
	}
	out := Gaussian(img, 1.5)
	for i, v := range out.Data {
		if math.Abs(v-3.5) > 1e-9 {
			t.Fatalf("Pixel %d changed to %f", i, v)
		}
	}
}

// TestGaussianSmoothsImpulse checks an impulse spreads into a normalized bump
func TestGaussianSmoothsImpulse(t *testing.T) {
	size := models.Size{41, 41}
	img := models.NewImage(size, models.Float64)
	img.Set(1, 20, 20)

	sigma := 2.0
	out := Gaussian(img, sigma)

	sum := 0.0
	for _, v := range out.Data {
		sum += v
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("Expected total mass 1, got %f", sum)
	}

	center := out.At(20, 20)
	want := 1 / (2 * math.Pi * sigma * sigma)
	if math.Abs(center-want)/want > 0.02 {
		t.Errorf("Expected peak about %f, got %f", want, center)
	}
	if out.At(22, 20) >= center || out.At(20, 23) >= out.At(20, 22) {
		t.Error("Smoothed impulse should decay away from the center")
	}
}

// TestGradient checks central differences of a ramp and zero borders
func TestGradient(t *testing.T) {
	size := models.Size{6, 5, 4}
	img := createRamp(size, []float64{2, -1, 0.5})
	g := Gradient(img)

	c := make([]int, 3)
	want := []float64{2, -1, 0.5}
	for i := 0; i < size.Len(); i++ {
		size.Coords(i, c)
		v := g.At(i)
		for d := 0; d < 3; d++ {
			expected := want[d]
			if c[d] == 0 || c[d] == size[d]-1 {
				expected = 0
			}
			if math.Abs(v[d]-expected) > 1e-12 {
				t.Fatalf("Gradient at %v axis %d: expected %f, got %f", c, d, expected, v[d])
			}
		}
	}
}

// TestGradientAdjoint verifies <q, G x> == <G^T q, x>
func TestGradientAdjoint(t *testing.T) {
	size := models.Size{7, 6}
	img := models.NewImage(size, models.Float64)
	q := models.NewVectorField(size)
	for i := range img.Data {
		img.Data[i] = math.Sin(float64(i) * 0.37)
	}
	for i := range q.Data {
		q.Data[i] = math.Cos(float64(i) * 0.91)
	}

	g := Gradient(img)
	lhs := 0.0
	for i := range g.Data {
		lhs += g.Data[i] * q.Data[i]
	}

	adj := make([]float64, size.Len())
	GradientAdjoint(q, adj)
	rhs := 0.0
	for i := range adj {
		rhs += adj[i] * img.Data[i]
	}

	if math.Abs(lhs-rhs) > 1e-10 {
		t.Errorf("Adjoint mismatch: %f vs %f", lhs, rhs)
	}
}
