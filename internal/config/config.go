// Package config loads the YAML run configuration.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/born-ml/gemmcheck/internal/dispatch"
	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/kernels"
)

// Device backends.
const (
	BackendWebGPU   = "webgpu"
	BackendSoftware = "software"
	BackendAuto     = "auto" // WebGPU, falling back to software when no device is available
)

// Defaults applied to missing fields.
const (
	DefaultMatrixSize       = 5000
	DefaultVerbosity        = "info"
	DefaultPollTimeout      = 2 * time.Minute
	DefaultMaxReferenceSize = 2048
)

// Config is the run configuration loaded from YAML.
type Config struct {
	Matrix struct {
		Size     int    `yaml:"size"`
		TileSize int    `yaml:"tileSize"`
		Tiled    bool   `yaml:"tiled"`
		Seed     uint64 `yaml:"seed"` // Zero draws a random seed
	} `yaml:"matrix"`
	Verify struct {
		Enabled          *bool   `yaml:"enabled"`
		Tolerance        float32 `yaml:"tolerance"` // Zero selects the default or scaled tolerance
		Scaled           bool    `yaml:"scaled"`    // Derive the tolerance from the problem size
		Exhaustive       bool    `yaml:"exhaustive"`
		MaxReferenceSize int     `yaml:"maxReferenceSize"` // Skip the CPU reference above this size
	} `yaml:"verify"`
	Device struct {
		Backend     string        `yaml:"backend"`
		PollTimeout time.Duration `yaml:"pollTimeout"`
	} `yaml:"device"`
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"` // Empty disables the /metrics endpoint
	} `yaml:"metrics"`
	Output struct {
		Path string `yaml:"path"` // Empty disables writing the result
	} `yaml:"output"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads the YAML file at path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.ErrConfig, "config.Load", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fault.Wrap(fault.ErrConfig, "config.Parse", err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Matrix.Size == 0 {
		c.Matrix.Size = DefaultMatrixSize
	}
	if c.Matrix.TileSize == 0 {
		c.Matrix.TileSize = dispatch.DefaultTileSize
	}
	if c.Verify.Enabled == nil {
		enabled := true
		c.Verify.Enabled = &enabled
	}
	if c.Verify.MaxReferenceSize == 0 {
		c.Verify.MaxReferenceSize = DefaultMaxReferenceSize
	}
	if c.Device.Backend == "" {
		c.Device.Backend = BackendAuto
	}
	if c.Device.PollTimeout == 0 {
		c.Device.PollTimeout = DefaultPollTimeout
	}
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = DefaultVerbosity
	}
}

// VerifyEnabled reports whether results are checked against the CPU reference.
func (c *Config) VerifyEnabled() bool {
	return c.Verify.Enabled == nil || *c.Verify.Enabled
}

// Validate checks every field. Failures match fault.ErrConfig.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if c.Matrix.Size <= 0 {
		return fault.New(fault.ErrConfig, op, "matrix.size must be positive, got %d", c.Matrix.Size)
	}
	if c.Matrix.TileSize <= 0 || c.Matrix.TileSize*c.Matrix.TileSize > kernels.MaxInvocationsPerWorkgroup {
		return fault.New(fault.ErrConfig, op, "matrix.tileSize %d needs %d threads per workgroup, limit is %d",
			c.Matrix.TileSize, c.Matrix.TileSize*c.Matrix.TileSize, kernels.MaxInvocationsPerWorkgroup)
	}
	if _, err := dispatch.Compute2D(c.Matrix.Size, c.Matrix.TileSize); err != nil {
		return err
	}
	if c.Verify.Tolerance < 0 {
		return fault.New(fault.ErrConfig, op, "verify.tolerance must not be negative, got %g", c.Verify.Tolerance)
	}
	if c.Verify.MaxReferenceSize < 0 {
		return fault.New(fault.ErrConfig, op, "verify.maxReferenceSize must not be negative, got %d", c.Verify.MaxReferenceSize)
	}
	switch c.Device.Backend {
	case BackendWebGPU, BackendSoftware, BackendAuto:
	default:
		return fault.New(fault.ErrConfig, op, "device.backend must be %s, %s or %s, got %q",
			BackendWebGPU, BackendSoftware, BackendAuto, c.Device.Backend)
	}
	if c.Device.PollTimeout < 0 {
		return fault.New(fault.ErrConfig, op, "device.pollTimeout must not be negative, got %s", c.Device.PollTimeout)
	}
	return nil
}
