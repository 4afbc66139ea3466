// Package config loads gpubridge configuration from file, environment and
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"

	"github.com/orneryd/gpubridge/pkg/gpu"
	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
	"github.com/orneryd/gpubridge/pkg/gpu/kernels"
)

// Config represents the application configuration
type Config struct {
	GPU     GPUConfig     `mapstructure:"gpu"`
	Run     RunConfig     `mapstructure:"run"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type GPUConfig struct {
	Backend        string `mapstructure:"backend"`
	Device         int    `mapstructure:"device"`
	KernelManifest string `mapstructure:"kernel_manifest"`
	Fallback       bool   `mapstructure:"fallback"`
	MaxMemoryMB    int    `mapstructure:"max_memory_mb"`
	SimMemoryMB    int    `mapstructure:"sim_memory_mb"`
}

type RunConfig struct {
	Elements int            `mapstructure:"elements"`
	Kernels  []string       `mapstructure:"kernels"`
	DType    string         `mapstructure:"dtype"`
	Preview  int            `mapstructure:"preview"`
	Geometry GeometryConfig `mapstructure:"geometry"`
}

type GeometryConfig struct {
	GridX uint32 `mapstructure:"grid_x"`
	GridY uint32 `mapstructure:"grid_y"`
	GridZ uint32 `mapstructure:"grid_z"`
	Warps uint32 `mapstructure:"warps"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	baseDir := filepath.Join(home, ".gpubridge")

	return &Config{
		GPU: GPUConfig{
			Backend:  string(gpu.BackendAuto),
			Device:   0,
			Fallback: true,
		},
		Run: RunConfig{
			Elements: 16_000_000,
			Kernels:  []string{"vec_add_64", "vec_add_128"},
			DType:    "f32",
			Preview:  10,
			Geometry: GeometryConfig{GridX: 32, GridY: 1, GridZ: 1, Warps: 3},
		},
		Audit: AuditConfig{
			Enabled: false,
			Dir:     filepath.Join(baseDir, "audit"),
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: true,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	// Set defaults
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	// Config file setup
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".gpubridge"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("gpubridge")
	}

	// Environment variables
	v.SetEnvPrefix("GPUBRIDGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is okay, use defaults
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.ExpandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := gpu.ParseBackend(c.GPU.Backend); err != nil {
		return fmt.Errorf("gpu.backend: %w", err)
	}
	if c.GPU.Device < 0 {
		return errors.New("gpu.device must not be negative")
	}
	if c.GPU.MaxMemoryMB < 0 || c.GPU.SimMemoryMB < 0 {
		return errors.New("gpu memory limits must not be negative")
	}

	if c.Run.Elements <= 0 {
		return errors.New("run.elements must be positive")
	}
	if len(c.Run.Kernels) == 0 {
		return errors.New("run.kernels must name at least one kernel")
	}
	if !kernels.ValidDType(c.Run.DType) {
		return fmt.Errorf("run.dtype must be one of: %v", kernels.DTypes())
	}
	if err := c.Run.Geometry.Launch().Validate(); err != nil {
		return fmt.Errorf("run.geometry: %w", err)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// Launch converts the geometry section.
func (g GeometryConfig) Launch() cuda.LaunchGeometry {
	return cuda.LaunchGeometry{GridX: g.GridX, GridY: g.GridY, GridZ: g.GridZ, Warps: g.Warps}
}

// Session returns the gpu session configuration.
func (c *Config) Session() *gpu.Config {
	backend, _ := gpu.ParseBackend(c.GPU.Backend)
	return &gpu.Config{
		PreferredBackend: backend,
		FallbackOnError:  c.GPU.Fallback,
		DeviceID:         c.GPU.Device,
		KernelManifest:   c.GPU.KernelManifest,
		MaxMemoryMB:      c.GPU.MaxMemoryMB,
		SimMemoryMB:      c.GPU.SimMemoryMB,
	}
}

// Manifest returns the kernel manifest for the run section. Without
// gpu.kernel_manifest the stock library is assumed to be built for
// run.dtype. Every run.kernels entry must exist and take run.dtype.
func (c *Config) Manifest() (*kernels.Manifest, error) {
	m := kernels.DefaultFor(c.Run.DType)
	if c.GPU.KernelManifest != "" {
		var err error
		if m, err = kernels.Load(c.GPU.KernelManifest); err != nil {
			return nil, err
		}
	}
	if err := m.Require(c.Run.DType, c.Run.Kernels...); err != nil {
		return nil, fmt.Errorf("run.kernels: %w", err)
	}
	return m, nil
}

// ExpandPaths expands ~ and environment variables in paths
func (c *Config) ExpandPaths() {
	c.GPU.KernelManifest = expandPath(c.GPU.KernelManifest)
	c.Audit.Dir = expandPath(c.Audit.Dir)
	c.Logging.File = expandPath(c.Logging.File)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("gpu.backend", cfg.GPU.Backend)
	v.SetDefault("gpu.device", cfg.GPU.Device)
	v.SetDefault("gpu.kernel_manifest", cfg.GPU.KernelManifest)
	v.SetDefault("gpu.fallback", cfg.GPU.Fallback)
	v.SetDefault("gpu.max_memory_mb", cfg.GPU.MaxMemoryMB)
	v.SetDefault("gpu.sim_memory_mb", cfg.GPU.SimMemoryMB)

	v.SetDefault("run.elements", cfg.Run.Elements)
	v.SetDefault("run.kernels", cfg.Run.Kernels)
	v.SetDefault("run.dtype", cfg.Run.DType)
	v.SetDefault("run.preview", cfg.Run.Preview)
	v.SetDefault("run.geometry.grid_x", cfg.Run.Geometry.GridX)
	v.SetDefault("run.geometry.grid_y", cfg.Run.Geometry.GridY)
	v.SetDefault("run.geometry.grid_z", cfg.Run.Geometry.GridZ)
	v.SetDefault("run.geometry.warps", cfg.Run.Geometry.Warps)

	v.SetDefault("audit.enabled", cfg.Audit.Enabled)
	v.SetDefault("audit.dir", cfg.Audit.Dir)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}
