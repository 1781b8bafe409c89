package transform

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medreg/internal/models"
	"medreg/pkg/factory"
	"medreg/pkg/interpolation"
)

var testSizes = []models.Size{{13, 11}, {6, 5, 4}}

var testDescriptions = []string{"translate", "rotation", "rigid", "affine", "vf", "spline:rate=4", "spline:rate=2"}

// create builds a transformation from a description or fails the test
func create(t *testing.T, desc string, size models.Size) Transformation {
	t.Helper()
	c, err := Parse(desc)
	require.NoError(t, err, desc)
	tr, err := c(size)
	require.NoError(t, err, desc)
	return tr
}

// randomize sets every parameter to a small random value
func randomize(t *testing.T, tr Transformation, rng *rand.Rand, scale float64) []float64 {
	t.Helper()
	p := make([]float64, tr.DegreesOfFreedom())
	for i := range p {
		p[i] = scale * (2*rng.Float64() - 1)
	}
	require.NoError(t, tr.SetParameters(p))
	return p
}

func gridPoint(size models.Size, i int) []float64 {
	c := make([]int, size.Dim())
	size.Coords(i, c)
	x := make([]float64, len(c))
	for d := range c {
		x[d] = float64(c[d])
	}
	return x
}

// linearCost is C(p) = Σ_x <f(x), T_p(x)>, whose gradient is Translate(f)
func linearCost(tr Transformation, f *models.VectorField) float64 {
	size := tr.Size()
	y := make([]float64, size.Dim())
	sum := 0.0
	for i := 0; i < size.Len(); i++ {
		tr.Apply(gridPoint(size, i), y)
		for d, v := range f.At(i) {
			sum += v * y[d]
		}
	}
	return sum
}

func TestParametersContract(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, size := range testSizes {
		for _, desc := range testDescriptions {
			tr := create(t, desc, size)
			assert.Equal(t, tr.DegreesOfFreedom(), len(tr.Parameters()), desc)
			for _, v := range tr.Parameters() {
				assert.Zero(t, v, "%s should start at identity", desc)
			}

			p := randomize(t, tr, rng, 0.1)
			assert.Equal(t, p, tr.Parameters(), desc)

			err := tr.SetParameters(make([]float64, tr.DegreesOfFreedom()+1))
			assert.True(t, errors.Is(err, ErrParameterCount), "%s: expected ErrParameterCount, got %v", desc, err)

			clone := tr.Clone()
			tr.SetIdentity()
			assert.Equal(t, p, clone.Parameters(), "%s: clone must be independent", desc)
			assert.Equal(t, clone.DegreesOfFreedom(), len(clone.Parameters()))

			up, err := clone.Upscale(doubled(size))
			require.NoError(t, err)
			assert.Equal(t, up.DegreesOfFreedom(), len(up.Parameters()), desc)
		}
	}
}

func doubled(size models.Size) models.Size {
	out := size.Clone()
	for d := range out {
		out[d] *= 2
	}
	return out
}

func TestIdentityApply(t *testing.T) {
	for _, size := range testSizes {
		for _, desc := range testDescriptions {
			tr := create(t, desc, size)
			y := make([]float64, size.Dim())
			for i := 0; i < size.Len(); i += 7 {
				x := gridPoint(size, i)
				tr.Apply(x, y)
				assert.InDeltaSlice(t, x, y, 1e-12, desc)
			}
			assert.InDelta(t, 0, tr.MaxTransform(), 1e-12, desc)
		}
	}
}

func TestTranslateMatchesFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const h = 1e-6
	for _, size := range testSizes {
		for _, desc := range testDescriptions {
			tr := create(t, desc, size)
			p := randomize(t, tr, rng, 0.1)

			force := models.NewVectorField(size)
			for i := range force.Data {
				force.Data[i] = 2*rng.Float64() - 1
			}
			grad := make([]float64, len(p))
			require.NoError(t, tr.Translate(force, grad), desc)

			shifted := tr.Clone()
			q := append([]float64(nil), p...)
			for k := range p {
				q[k] = p[k] + h
				require.NoError(t, shifted.SetParameters(q))
				plus := linearCost(shifted, force)
				q[k] = p[k] - h
				require.NoError(t, shifted.SetParameters(q))
				minus := linearCost(shifted, force)
				q[k] = p[k]

				fd := (plus - minus) / (2 * h)
				tol := 1e-4 * math.Max(1, math.Abs(fd))
				if math.Abs(fd-grad[k]) > tol {
					t.Fatalf("%s %s: parameter %d: analytic %g, finite difference %g", desc, size, k, grad[k], fd)
				}
			}
		}
	}
}

func TestTranslateRejectsMismatchedForce(t *testing.T) {
	for _, desc := range testDescriptions {
		tr := create(t, desc, models.Size{8, 8})
		err := tr.Translate(models.NewVectorField(models.Size{8, 9}), make([]float64, tr.DegreesOfFreedom()))
		assert.True(t, errors.Is(err, ErrSizeMismatch), desc)
	}
}

func TestInvertRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, size := range testSizes {
		for _, desc := range []string{"translate", "rotation", "rigid", "affine"} {
			tr := create(t, desc, size)
			randomize(t, tr, rng, 0.3)
			inv, err := tr.Invert()
			require.NoError(t, err, desc)

			y := make([]float64, size.Dim())
			z := make([]float64, size.Dim())
			for i := 0; i < size.Len(); i += 5 {
				x := gridPoint(size, i)
				tr.Apply(x, y)
				inv.Apply(y, z)
				assert.InDeltaSlice(t, x, z, 1e-9, "%s %s at %v", desc, size, x)
			}
		}
	}
}

func TestInvertSingular(t *testing.T) {
	a, err := NewAffine(models.Size{10, 10})
	require.NoError(t, err)
	// A = -I makes the linear part vanish
	require.NoError(t, a.SetParameters([]float64{-1, 0, 0, -1, 2, 3}))
	_, err = a.Invert()
	assert.True(t, errors.Is(err, ErrSingular), "expected ErrSingular, got %v", err)
}

func TestInvertUnsupported(t *testing.T) {
	for _, desc := range []string{"vf", "spline"} {
		_, err := create(t, desc, models.Size{10, 10}).Invert()
		assert.True(t, errors.Is(err, ErrUnsupported), desc)
	}
}

// oddDoubled is the grid that downsamples to size by blocks of 2 with a
// partial last block on every axis.
func oddDoubled(size models.Size) models.Size {
	out := doubled(size)
	for d := range out {
		out[d]--
	}
	return out
}

// TestUpscaleIsEquivalent checks T'(x') = s·T(x) + (s-1)/2 for every fine
// pixel x', where x = (x' - (s-1)/2)/s is the same point on the coarse grid.
func TestUpscaleIsEquivalent(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const s = 2.0
	for _, size := range testSizes {
		for _, big := range []models.Size{doubled(size), oddDoubled(size)} {
			for _, desc := range testDescriptions {
				tr := create(t, desc, size)
				randomize(t, tr, rng, 0.2)
				up, err := tr.Upscale(big)
				require.NoError(t, err, desc)
				require.True(t, up.Size().Equal(big))

				x := make([]float64, size.Dim())
				y := make([]float64, size.Dim())
				z := make([]float64, size.Dim())
				for i := 0; i < big.Len(); i++ {
					xf := gridPoint(big, i)
					for d := range x {
						x[d] = (xf[d] - (s-1)/2) / s
					}
					tr.Apply(x, y)
					for d := range y {
						y[d] = s*y[d] + (s-1)/2
					}
					up.Apply(xf, z)
					assert.InDeltaSlice(t, y, z, 1e-9, "%s %s -> %s at %v", desc, size, big, xf)
				}
			}
		}
	}
}

func TestUpscaleFactorFromBlocks(t *testing.T) {
	for _, tc := range []struct {
		from, to models.Size
		want     float64
	}{
		{models.Size{13, 11}, models.Size{26, 22}, 2},
		{models.Size{13, 11}, models.Size{25, 21}, 2},
		{models.Size{13, 11}, models.Size{26, 21}, 2},
		{models.Size{7, 1}, models.Size{13, 1}, 2},
		{models.Size{5, 5}, models.Size{13, 15}, 3},
		{models.Size{8, 8}, models.Size{8, 8}, 1},
	} {
		s, err := scaleFactors(tc.from, tc.to)
		require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		for _, v := range s {
			assert.Equal(t, tc.want, v, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestUpscaleInconsistentSize(t *testing.T) {
	for _, to := range []models.Size{{30, 22}, {26, 30}, {26, 22, 2}} {
		for _, desc := range testDescriptions {
			_, err := create(t, desc, models.Size{13, 11}).Upscale(to)
			assert.True(t, errors.Is(err, ErrSizeMismatch), "%s to %s: %v", desc, to, err)
		}
	}
}

// TestUpscaleKeepsBlockCenter checks that the rotation center of a coarse
// grid lands on the center of the block it averages.
func TestUpscaleKeepsBlockCenter(t *testing.T) {
	r, err := NewRotation(models.Size{32, 32})
	require.NoError(t, err)
	require.NoError(t, r.SetParameters([]float64{0.1}))
	up, err := r.Upscale(models.Size{64, 64})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{31.5, 31.5}, up.(*Rotation).Center(), 1e-12)
	assert.InDeltaSlice(t, []float64{0.1}, up.Parameters(), 1e-12)
}

func TestRotationMatrixDerivatives(t *testing.T) {
	angles := []float64{0.3, -0.2, 0.7}
	_, dm := rotationMatrix(3, angles)
	const h = 1e-6
	for k := range angles {
		plus := append([]float64(nil), angles...)
		minus := append([]float64(nil), angles...)
		plus[k] += h
		minus[k] -= h
		mp, _ := rotationMatrix(3, plus)
		mm, _ := rotationMatrix(3, minus)
		for i := range mp {
			fd := (mp[i] - mm[i]) / (2 * h)
			assert.InDelta(t, fd, dm[k][i], 1e-8, "angle %d entry %d", k, i)
		}
	}
	m, _ := rotationMatrix(3, angles)
	assert.InDelta(t, 1, determinant(m, 3), 1e-12)
}

func TestSplineRefineIsExact(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for _, size := range []models.Size{{40, 33}, {17, 12, 9}} {
		s, err := NewSpline(size, 8)
		require.NoError(t, err)
		randomize(t, s, rng, 2)

		before := make([][]float64, size.Len())
		for i := range before {
			before[i] = make([]float64, size.Dim())
			s.Apply(gridPoint(size, i), before[i])
		}
		dof := s.DegreesOfFreedom()

		require.True(t, s.Refine())
		assert.Equal(t, []float64{4, 4, 4}[:size.Dim()], s.Rate())
		assert.Greater(t, s.DegreesOfFreedom(), dof)
		assert.Equal(t, s.DegreesOfFreedom(), len(s.Parameters()))

		y := make([]float64, size.Dim())
		for i := range before {
			s.Apply(gridPoint(size, i), y)
			assert.InDeltaSlice(t, before[i], y, 1e-10)
		}
	}

	s, _ := NewSpline(models.Size{10, 10}, 1)
	assert.False(t, s.Refine(), "spacing 1 cannot be refined")
}

func TestSplineControlGrid(t *testing.T) {
	s, err := NewSpline(models.Size{64, 65}, 16)
	require.NoError(t, err)
	assert.Equal(t, models.Size{7, 8}, s.ControlSize())
	assert.Equal(t, 2*7*8, s.DegreesOfFreedom())
}

func TestSplineDerivative(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	s, _ := NewSpline(models.Size{30, 25}, 5)
	randomize(t, s, rng, 1)
	x := []float64{11.3, 7.8}
	j := s.DerivativeAt(x)
	const h = 1e-6
	yp := make([]float64, 2)
	ym := make([]float64, 2)
	for e := 0; e < 2; e++ {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[e] += h
		xm[e] -= h
		s.Apply(xp, yp)
		s.Apply(xm, ym)
		for d := 0; d < 2; d++ {
			assert.InDelta(t, (yp[d]-ym[d])/(2*h), j.At(d, e), 1e-6)
		}
	}
}

func TestFieldPerturb(t *testing.T) {
	size := models.Size{9, 7}
	f, _ := NewField(size)

	v := models.NewVectorField(size)
	for i := 0; i < v.Len(); i++ {
		copy(v.At(i), []float64{0.5, -0.25})
	}
	n, err := Perturb(f, v)
	require.NoError(t, err)
	assert.InDelta(t, math.Hypot(0.5, 0.25), n, 1e-12)

	w := models.NewVectorField(size)
	for i := 0; i < w.Len(); i++ {
		copy(w.At(i), []float64{0.1, 0.2})
	}
	_, err = Perturb(f, w)
	require.NoError(t, err)
	for i := 0; i < f.Field().Len(); i++ {
		assert.InDeltaSlice(t, []float64{0.6, -0.05}, f.Field().At(i), 1e-12)
	}

	_, err = Perturb(create(t, "affine", size), v)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestMinJacobian(t *testing.T) {
	size := models.Size{10, 8}
	f, _ := NewField(size)
	got, err := MinJacobian(f)
	require.NoError(t, err)
	assert.InDelta(t, 1, got, 1e-12)

	// u_x = -1.5 x folds the mapping along x
	for i := 0; i < f.Field().Len(); i++ {
		f.Field().At(i)[0] = -1.5 * gridPoint(size, i)[0]
	}
	assert.InDelta(t, -0.5, f.MinJacobian(), 1e-12)

	s, _ := NewSpline(size, 4)
	assert.InDelta(t, 1, s.MinJacobian(), 1e-12)

	_, err = MinJacobian(create(t, "rigid", size))
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestRefineCapability(t *testing.T) {
	assert.False(t, Refine(create(t, "affine", models.Size{16, 16})))
	assert.True(t, Refine(create(t, "spline:rate=4", models.Size{16, 16})))
}

func TestWarpTranslation(t *testing.T) {
	size := models.Size{12, 9}
	img := models.NewImage(size, models.Float64)
	for i := range img.Data {
		x := gridPoint(size, i)
		img.Data[i] = 3*x[0] + x[1]
	}
	src, err := interpolation.New(img, interpolation.MustKernel(1))
	require.NoError(t, err)

	tr, _ := NewTranslate(size)
	require.NoError(t, tr.SetParameters([]float64{2, 1}))
	out := models.NewImage(size, models.Float64)
	grad := models.NewVectorField(size)
	require.NoError(t, Warp(tr, src, out, grad))

	// interior points whose image stays inside the grid
	assert.InDelta(t, 3*5+2, out.At(3, 1), 1e-12)
	assert.InDelta(t, 3*9+5, out.At(7, 4), 1e-12)
	assert.InDeltaSlice(t, []float64{3, 1}, grad.At(size.Index([]int{3, 1})), 1e-12)

	err = Warp(tr, src, models.NewImage(models.Size{5, 5}, models.Float64), nil)
	assert.True(t, errors.Is(err, ErrSizeMismatch))
}

func TestCompose(t *testing.T) {
	size := models.Size{8, 6}
	a, _ := NewTranslate(size)
	b, _ := NewTranslate(size)
	require.NoError(t, a.SetParameters([]float64{1, 2}))
	require.NoError(t, b.SetParameters([]float64{-0.5, 0.25}))
	f, err := Compose(a, b)
	require.NoError(t, err)
	for i := 0; i < f.Field().Len(); i++ {
		assert.InDeltaSlice(t, []float64{0.5, 2.25}, f.Field().At(i), 1e-12)
	}
}

func TestSaveLoad(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, desc := range []string{"affine", "rigid", "vf", "spline:rate=3"} {
		tr := create(t, desc, models.Size{10, 9, 4})
		randomize(t, tr, rng, 0.5)

		var buf bytes.Buffer
		require.NoError(t, Save(&buf, tr))
		back, err := Load(&buf)
		require.NoError(t, err, desc)

		assert.Equal(t, tr.Name(), back.Name())
		assert.True(t, back.Size().Equal(tr.Size()))
		if diff := cmp.Diff(tr.Parameters(), back.Parameters()); diff != "" {
			t.Errorf("%s parameters differ (-want +got):\n%s", desc, diff)
		}
	}

	_, err := Load(bytes.NewBufferString("type: spline\nsize: [10, 10]\nparameters: [1, 2]\n"))
	assert.Error(t, err, "spline without rates")
}

func TestParse(t *testing.T) {
	s := create(t, "spline:rate=8", models.Size{33, 33})
	assert.Equal(t, []float64{8, 8}, s.(*Spline).Rate())

	_, err := Parse("spline:rate=0.5")
	assert.Error(t, err)
	_, err = Parse("affine:x=1")
	assert.Error(t, err)
	_, err = Parse("warp")
	assert.True(t, errors.Is(err, factory.ErrUnknown))

	assert.Equal(t, []string{"affine", "rigid", "rotation", "spline", "translate", "vf"}, Names())

	c, _ := Parse("rotation")
	_, err = c(models.Size{10})
	assert.Error(t, err, "rotation needs two or three dimensions")
}
