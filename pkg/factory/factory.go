// Package factory parses object descriptions of the form
//
//	name:key=value,key=value
//
// and creates configured objects from string-keyed registries. Costs,
// transformations, minimizers and interpolation kernels are all selected
// this way, e.g. "ngf:eval=ds" or "spline:rate=8".
package factory

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// ErrUnknown is returned when a description names no registered constructor.
var ErrUnknown = errors.New("unknown plugin")

// Params holds the key=value options of a description.
type Params map[string]string

// Description is a parsed object description.
type Description struct {
	Name   string
	Params Params
}

func (d Description) String() string {
	if len(d.Params) == 0 {
		return d.Name
	}
	keys := lo.Keys(d.Params)
	slices.Sort(keys)
	opts := lo.Map(keys, func(k string, _ int) string { return k + "=" + d.Params[k] })
	return d.Name + ":" + strings.Join(opts, ",")
}

// Parse splits a description into its name and options.
func Parse(s string) (Description, error) {
	s = strings.TrimSpace(s)
	name, opts, _ := strings.Cut(s, ":")
	if name == "" {
		return Description{}, fmt.Errorf("empty description %q", s)
	}
	d := Description{Name: strings.ToLower(name), Params: Params{}}
	if opts == "" {
		return d, nil
	}
	for _, opt := range strings.Split(opts, ",") {
		key, value, ok := strings.Cut(opt, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return Description{}, fmt.Errorf("%s: option %q is not of the form key=value", name, opt)
		}
		if _, dup := d.Params[key]; dup {
			return Description{}, fmt.Errorf("%s: option %q given twice", name, key)
		}
		d.Params[key] = strings.TrimSpace(value)
	}
	return d, nil
}

// Check fails if p contains an option not listed in allowed.
func (p Params) Check(name string, allowed ...string) error {
	for key := range p {
		if !slices.Contains(allowed, key) {
			return fmt.Errorf("%s: unknown option %q (known: %s)", name, key, strings.Join(allowed, ", "))
		}
	}
	return nil
}

// Float returns the option key as float64, or def if it is not set.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("option %s=%q: %w", key, v, err)
	}
	return f, nil
}

// Int returns the option key as int, or def if it is not set.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("option %s=%q: %w", key, v, err)
	}
	return i, nil
}

// Bool returns the option key as bool, or def if it is not set.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("option %s=%q: %w", key, v, err)
	}
	return b, nil
}

// String returns the option key, or def if it is not set.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Constructor builds an object from its options.
type Constructor[T any] func(Params) (T, error)

// Registry maps names to constructors of one kind of object.
type Registry[T any] struct {
	kind  string
	mu    sync.RWMutex
	ctors map[string]Constructor[T]
}

// NewRegistry creates an empty registry. kind is used in error messages.
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, ctors: make(map[string]Constructor[T])}
}

// Register adds a constructor under name, replacing any previous one.
func (r *Registry[T]) Register(name string, ctor Constructor[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[strings.ToLower(name)] = ctor
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.ctors)
	slices.Sort(names)
	return names
}

// Create parses s and builds the described object.
func (r *Registry[T]) Create(s string) (T, error) {
	d, err := Parse(s)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.CreateFrom(d)
}

// CreateFrom builds the object of an already parsed description.
func (r *Registry[T]) CreateFrom(d Description) (T, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[d.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q (available: %s)", ErrUnknown, r.kind, d.Name, strings.Join(r.Names(), ", "))
	}
	obj, err := ctor(d.Params)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s %q: %w", r.kind, d.Name, err)
	}
	return obj, nil
}
