package transform

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"medreg/internal/models"
)

// record is the YAML form of a transformation.
type record struct {
	Type       string    `yaml:"type"`
	Size       []int     `yaml:"size,flow"`
	Center     []float64 `yaml:"center,omitempty,flow"`
	Rate       []float64 `yaml:"rate,omitempty,flow"`
	Parameters []float64 `yaml:"parameters,flow"`
}

type centered interface {
	Center() []float64
	SetCenter(c []float64) error
}

// Save writes t as a YAML document.
func Save(w io.Writer, t Transformation) error {
	rec := record{
		Type:       t.Name(),
		Size:       t.Size(),
		Parameters: t.Parameters(),
	}
	if c, ok := t.(centered); ok {
		rec.Center = c.Center()
	}
	if s, ok := t.(*Spline); ok {
		rec.Rate = s.Rate()
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&rec); err != nil {
		return fmt.Errorf("error encoding %s transform: %w", t.Name(), err)
	}
	return enc.Close()
}

// Load reads a transformation written by Save.
func Load(r io.Reader) (Transformation, error) {
	var rec record
	if err := yaml.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("error decoding transform: %w", err)
	}
	size := models.Size(rec.Size)

	var t Transformation
	var err error
	switch rec.Type {
	case "spline":
		if len(rec.Rate) != size.Dim() {
			return nil, fmt.Errorf("spline transform needs %d rates, got %d", size.Dim(), len(rec.Rate))
		}
		t, err = newSpline(size, rec.Rate)
	default:
		var create Creator
		if create, err = Parse(rec.Type); err == nil {
			t, err = create(size)
		}
	}
	if err != nil {
		return nil, err
	}
	if c, ok := t.(centered); ok && rec.Center != nil {
		if err := c.SetCenter(rec.Center); err != nil {
			return nil, err
		}
	}
	if err := t.SetParameters(rec.Parameters); err != nil {
		return nil, err
	}
	return t, nil
}

// SaveFile writes t to path.
func SaveFile(path string, t Transformation) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating transform file: %v", err)
	}
	if err := Save(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a transformation from path.
func LoadFile(path string) (Transformation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening transform file: %v", err)
	}
	defer f.Close()
	return Load(f)
}
