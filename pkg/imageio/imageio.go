// Package imageio reads and writes registration images. 2D images are
// stored as grayscale PNG, JPEG, TIFF or BMP files; a 3D image is a
// directory of equally sized 2D slices ordered by the number in their names.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"

	"medreg/internal/models"
)

// SourceAttribute is the image attribute holding the path an image was loaded from.
const SourceAttribute = "source"

var extensions = []string{".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp"}

func supported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Load reads a 2D image file or, if path is a directory, a 3D slice stack.
func Load(path string) (*models.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadStack(path)
	}
	return loadFile(path)
}

func loadFile(path string) (*models.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load image %s: %w", path, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	out := fromImage(img)
	out.Attributes[SourceAttribute] = path
	return out, nil
}

// fromImage converts a decoded image to grayscale pixel values. Sources with
// 16 bits per channel keep their precision as UInt16, all others become UInt8.
func fromImage(img image.Image) *models.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	deep := false
	switch img.(type) {
	case *image.Gray16, *image.RGBA64, *image.NRGBA64:
		deep = true
	}
	t := models.UInt8
	if deep {
		t = models.UInt16
	}

	out := models.NewImage(models.Size{width, height}, t)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			v := float64(g.Y)
			if !deep {
				v = float64(g.Y >> 8)
			}
			out.Data[y*width+x] = v
		}
	}
	return out
}

// toImage converts a 2D image to a grayscale image, 16 bits deep for pixel
// types wider than a byte. Values are clamped and rounded.
func toImage(img *models.Image) image.Image {
	width, height := img.Size[0], img.Size[1]
	switch img.Type {
	case models.Bool, models.Int8, models.UInt8, models.Float32, models.Float64:
		out := image.NewGray(image.Rect(0, 0, width, height))
		for i, v := range img.Data {
			out.Pix[i] = uint8(models.UInt8.Clamp(v))
		}
		return out
	}
	out := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.SetGray16(x, y, color.Gray16{Y: uint16(models.UInt16.Clamp(img.Data[y*width+x]))})
		}
	}
	return out
}

// Save writes a 2D image in the format given by the extension of path. A
// 3D image is written as a PNG slice stack into the directory path.
func Save(path string, img *models.Image) error {
	switch img.Size.Dim() {
	case 2:
	case 3:
		return SaveStack(path, img, ".png")
	default:
		return fmt.Errorf("cannot save %d-dimensional image %s", img.Size.Dim(), path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if !supported(path) {
		return fmt.Errorf("unsupported image format %q for %s", ext, path)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image %s: %w", path, err)
	}

	dst := toImage(img)
	switch ext {
	case ".png":
		err = png.Encode(file, dst)
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, dst, &jpeg.Options{Quality: 90})
	case ".tif", ".tiff":
		err = tiff.Encode(file, dst, &tiff.Options{Compression: tiff.Deflate})
	case ".bmp":
		err = bmp.Encode(file, dst)
	}
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to encode image %s: %w", path, err)
	}
	return file.Close()
}

// LoadStack reads all images in dir, ordered by the number in their file
// names, as the z slices of a 3D image.
func LoadStack(dir string) (*models.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read slice directory %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && supported(e.Name()) {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Slice(files, func(i, j int) bool {
		ni, nj := extractNumber(files[i]), extractNumber(files[j])
		if ni != nj {
			return ni < nj
		}
		return files[i] < files[j]
	})

	slices := make([]*models.Image, len(files))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			img, err := loadFile(filepath.Join(dir, name))
			slices[i] = img
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	first := slices[0]
	size := models.Size{first.Size[0], first.Size[1], len(slices)}
	out := models.NewImage(size, first.Type)
	plane := first.Size.Len()
	for z, s := range slices {
		if !s.Size.Equal(first.Size) {
			return nil, fmt.Errorf("slice %s is %s, expected %s", files[z], s.Size, first.Size)
		}
		if s.Type > out.Type {
			out.Type = s.Type
		}
		copy(out.Data[z*plane:], s.Data)
	}
	out.Attributes[SourceAttribute] = dir
	return out, nil
}

// SaveStack writes the z slices of a 3D image into dir as slice_NNN files
// with the given extension.
func SaveStack(dir string, img *models.Image, ext string) error {
	if img.Size.Dim() != 3 {
		return fmt.Errorf("slice stack needs a 3D image, got %s", img.Size)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create slice directory %s: %w", dir, err)
	}
	for z := 0; z < img.Size[2]; z++ {
		s, err := Slice(img, z)
		if err != nil {
			return err
		}
		if err := Save(filepath.Join(dir, fmt.Sprintf("slice_%03d%s", z, ext)), s); err != nil {
			return err
		}
	}
	return nil
}

// Slice extracts the 2D plane at depth z of a 3D image.
func Slice(img *models.Image, z int) (*models.Image, error) {
	if img.Size.Dim() != 3 {
		return nil, fmt.Errorf("slice needs a 3D image, got %s", img.Size)
	}
	if z < 0 || z >= img.Size[2] {
		return nil, fmt.Errorf("slice %d out of range [0,%d)", z, img.Size[2])
	}
	out := models.NewImage(models.Size{img.Size[0], img.Size[1]}, img.Type)
	plane := out.Size.Len()
	copy(out.Data, img.Data[z*plane:(z+1)*plane])
	return out, nil
}

// extractNumber returns the number formed by the digits of a file name, or 0.
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if n, err := strconv.Atoi(digits.String()); err == nil {
		return n
	}
	return 0
}
