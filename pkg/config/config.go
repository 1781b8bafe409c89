// Package config provides configuration loading and management for medreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"medreg/pkg/registration"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Registration parameters
	Registration struct {
		// Levels is the number of multi-resolution pyramid levels
		Levels int `yaml:"levels"`

		// Transform describes the transformation, e.g. "affine" or "spline:rate=16"
		Transform string `yaml:"transform"`

		// Minimizer describes the optimization method, e.g. "lbfgs:iter=100"
		Minimizer string `yaml:"minimizer"`

		// Costs is the list of weighted similarity measures
		Costs []string `yaml:"costs"`

		// Interpolator describes the resampling kernel, e.g. "bspline:d=3"
		Interpolator string `yaml:"interpolator"`

		// Smoothing scales the Gaussian applied before downsampling
		Smoothing float64 `yaml:"smoothing"`
	} `yaml:"registration"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// TransformFile is where the final transformation is saved; empty disables saving
		TransformFile string `yaml:"transformFile"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	p := registration.DefaultParams()
	cfg.Registration.Levels = p.Levels
	cfg.Registration.Transform = p.Transform
	cfg.Registration.Minimizer = p.Minimizer
	cfg.Registration.Costs = p.Costs
	cfg.Registration.Interpolator = p.Interpolator
	cfg.Registration.Smoothing = p.Smoothing

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Verbose = false
	cfg.Output.TransformFile = ""

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks the values that can be checked without building the
// registration; descriptions are checked by registration.NewRegistration.
func (c *Config) Validate() error {
	if c.Registration.Levels < 1 {
		return fmt.Errorf("registration.levels must be at least 1, got %d", c.Registration.Levels)
	}
	if len(c.Registration.Costs) == 0 {
		return fmt.Errorf("registration.costs must name at least one cost")
	}
	if c.Registration.Smoothing < 0 {
		return fmt.Errorf("registration.smoothing must not be negative, got %g", c.Registration.Smoothing)
	}
	if c.Processing.NumCores < 0 {
		return fmt.Errorf("processing.numCores must not be negative, got %d", c.Processing.NumCores)
	}
	return nil
}

// Params converts the registration section into driver parameters.
func (c *Config) Params() registration.Params {
	return registration.Params{
		Levels:       c.Registration.Levels,
		Transform:    c.Registration.Transform,
		Minimizer:    c.Registration.Minimizer,
		Costs:        append([]string(nil), c.Registration.Costs...),
		Interpolator: c.Registration.Interpolator,
		Smoothing:    c.Registration.Smoothing,
		Verbose:      c.Output.Verbose,
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
