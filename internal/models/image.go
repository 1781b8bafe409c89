package models

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// PixelType tags the storage type an image was read from or will be written as.
// Pixel values are always held as float64 in memory.
type PixelType int

const (
	Bool PixelType = iota
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
)

var pixelTypeNames = []string{
	"bool", "sbyte", "ubyte", "sshort", "ushort", "sint", "uint", "slong", "ulong", "float", "double",
}

func (t PixelType) String() string {
	if t < Bool || t > Float64 {
		return fmt.Sprintf("PixelType(%d)", int(t))
	}
	return pixelTypeNames[t]
}

// ParsePixelType returns the pixel type with the given name.
func ParsePixelType(name string) (PixelType, error) {
	for i, n := range pixelTypeNames {
		if n == strings.ToLower(name) {
			return PixelType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown pixel type %q", name)
}

// Range returns the representable value range of the pixel type.
func (t PixelType) Range() (lo, hi float64) {
	switch t {
	case Bool:
		return 0, 1
	case Int8:
		return math.MinInt8, math.MaxInt8
	case UInt8:
		return 0, math.MaxUint8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt16:
		return 0, math.MaxUint16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case UInt32:
		return 0, math.MaxUint32
	case Int64:
		return math.MinInt64, math.MaxInt64
	case UInt64:
		return 0, math.MaxUint64
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	default:
		return -math.MaxFloat64, math.MaxFloat64
	}
}

// IsFloat reports whether the pixel type stores fractional values.
func (t PixelType) IsFloat() bool {
	return t == Float32 || t == Float64
}

// Clamp maps v into the range of the pixel type, rounding for integer types.
func (t PixelType) Clamp(v float64) float64 {
	lo, hi := t.Range()
	if !t.IsFloat() {
		v = math.Round(v)
	}
	if t == Bool {
		if v > 0 {
			return 1
		}
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}

// Size holds the extent of a grid along each axis, x first.
type Size []int

// Dim returns the number of axes.
func (s Size) Dim() int { return len(s) }

// Len returns the number of grid points.
func (s Size) Len() int {
	n := 1
	for _, v := range s {
		n *= v
	}
	return n
}

// Equal reports whether both sizes have the same extents.
func (s Size) Equal(o Size) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the size.
func (s Size) Clone() Size {
	return append(Size(nil), s...)
}

// Index returns the linear index of the grid point c.
func (s Size) Index(c []int) int {
	idx := 0
	for d := len(s) - 1; d >= 0; d-- {
		idx = idx*s[d] + c[d]
	}
	return idx
}

// Coords writes the grid coordinates of linear index idx into c.
func (s Size) Coords(idx int, c []int) {
	for d := range s {
		c[d] = idx % s[d]
		idx /= s[d]
	}
}

// Stride returns the linear distance between neighbours along axis.
func (s Size) Stride(axis int) int {
	stride := 1
	for d := 0; d < axis; d++ {
		stride *= s[d]
	}
	return stride
}

// Lines returns the linear start offsets of all lines running along axis,
// together with the stride between elements of one line and its length.
// Separable filters use this as a view of the grid one line at a time.
func (s Size) Lines(axis int) (starts []int, stride, length int) {
	stride = s.Stride(axis)
	length = s[axis]
	n := s.Len() / length
	starts = make([]int, 0, n)
	block := stride * length
	for outer := 0; outer < s.Len(); outer += block {
		for inner := 0; inner < stride; inner++ {
			starts = append(starts, outer+inner)
		}
	}
	return starts, stride, length
}

func (s Size) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, "x")
}

// Image is a dense N-dimensional grid of scalar pixel values.
type Image struct {
	// Size is the extent of the image along each axis
	Size Size

	// Type is the pixel type the values originate from
	Type PixelType

	// Data holds the pixel values with x running fastest
	Data []float64

	// Attributes carries free-form metadata such as the source path
	Attributes map[string]string
}

// NewImage creates a zero-filled image of the given size and pixel type.
func NewImage(size Size, t PixelType) *Image {
	return &Image{
		Size:       size.Clone(),
		Type:       t,
		Data:       make([]float64, size.Len()),
		Attributes: make(map[string]string),
	}
}

// At returns the value at the grid point c.
func (img *Image) At(c ...int) float64 {
	return img.Data[img.Size.Index(c)]
}

// Set stores v at the grid point c.
func (img *Image) Set(v float64, c ...int) {
	img.Data[img.Size.Index(c)] = v
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	out := NewImage(img.Size, img.Type)
	copy(out.Data, img.Data)
	for k, v := range img.Attributes {
		out.Attributes[k] = v
	}
	return out
}

// MinMax returns the smallest and largest pixel value.
func (img *Image) MinMax() (min, max float64) {
	if len(img.Data) == 0 {
		return 0, 0
	}
	return floats.Min(img.Data), floats.Max(img.Data)
}

// Convert returns a copy of the image with values clamped to pixel type t.
func (img *Image) Convert(t PixelType) *Image {
	out := img.Clone()
	out.Type = t
	for i, v := range out.Data {
		out.Data[i] = t.Clamp(v)
	}
	return out
}

// VectorField is a dense grid of Size.Dim()-component vectors with the same
// indexing as an Image of the same size.
type VectorField struct {
	Size Size
	Data []float64
}

// NewVectorField creates a zero-filled vector field.
func NewVectorField(size Size) *VectorField {
	return &VectorField{
		Size: size.Clone(),
		Data: make([]float64, size.Len()*size.Dim()),
	}
}

// Dim returns the number of components per vector.
func (f *VectorField) Dim() int { return f.Size.Dim() }

// Len returns the number of grid points.
func (f *VectorField) Len() int { return f.Size.Len() }

// At returns a view of the vector stored at linear index i.
func (f *VectorField) At(i int) []float64 {
	d := f.Dim()
	return f.Data[i*d : (i+1)*d : (i+1)*d]
}

// Clear sets all vectors to zero.
func (f *VectorField) Clear() {
	for i := range f.Data {
		f.Data[i] = 0
	}
}

// Clone returns a deep copy of the field.
func (f *VectorField) Clone() *VectorField {
	out := NewVectorField(f.Size)
	copy(out.Data, f.Data)
	return out
}

// MaxNorm returns the largest Euclidean vector length in the field.
func (f *VectorField) MaxNorm() float64 {
	max := 0.0
	for i := 0; i < f.Len(); i++ {
		if n := floats.Norm(f.At(i), 2); n > max {
			max = n
		}
	}
	return max
}

// Sample returns the linearly interpolated vector at the continuous
// position x, clamping to the grid border.
func (f *VectorField) Sample(x, out []float64) {
	dim := f.Dim()
	for d := range out {
		out[d] = 0
	}
	var base [3]int
	var frac [3]float64
	for d := 0; d < dim; d++ {
		p := math.Max(0, math.Min(float64(f.Size[d]-1), x[d]))
		b := int(math.Floor(p))
		if b >= f.Size[d]-1 {
			b = max(f.Size[d]-2, 0)
		}
		base[d] = b
		frac[d] = p - float64(b)
	}
	corners := 1 << dim
	var c [3]int
	for k := 0; k < corners; k++ {
		w := 1.0
		for d := 0; d < dim; d++ {
			if k&(1<<d) != 0 {
				c[d] = min(base[d]+1, f.Size[d]-1)
				w *= frac[d]
			} else {
				c[d] = base[d]
				w *= 1 - frac[d]
			}
		}
		if w == 0 {
			continue
		}
		floats.AddScaled(out, w, f.At(f.Size.Index(c[:dim])))
	}
}
