// Package gpu runs elementwise kernels on a GPU through a scoped Session.
//
// A Session acquires the whole resource chain for one device (driver
// runtime, context, stream, kernel module, dispatcher) and releases it in
// reverse order. The backend is either the CUDA driver or the simulated
// device in package sim, which doubles as the CPU fallback.
//
// Example Usage:
//
//	cfg := gpu.DefaultConfig()
//	cfg.PreferredBackend = gpu.BackendCUDA
//
//	s, err := gpu.NewSession(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Release()
//
//	g := cuda.LaunchGeometry{GridX: 32, GridY: 1, GridZ: 1, Warps: 3}
//	sum, err := gpu.ElementwiseBinary(s, "vec_add_64", g, x, y)
package gpu

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrGPUNotAvailable   = errors.New("gpu: no compatible GPU found")
	ErrDataTooLarge      = errors.New("gpu: data exceeds the session memory limit")
	ErrInvalidDimensions = errors.New("gpu: vector length mismatch")
	ErrUnknownBackend    = errors.New("gpu: unknown backend")
	ErrReleased          = errors.New("gpu: session released")
)

// Backend represents the GPU compute backend.
type Backend string

const (
	BackendAuto Backend = "auto" // CUDA if present
	BackendCUDA Backend = "cuda" // NVIDIA driver API
	BackendSim  Backend = "sim"  // Simulated device, runs on the CPU
	BackendNone Backend = "none" // No session acquired
)

// ParseBackend converts a backend name. The empty string means auto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendCUDA, BackendSim:
		return b, nil
	}
	return BackendNone, fmt.Errorf("%w: %q", ErrUnknownBackend, s)
}

// Config holds session configuration options.
//
// Example:
//
//	config := &gpu.Config{
//		PreferredBackend: gpu.BackendCUDA,
//		DeviceID:         0,
//		KernelManifest:   "/opt/kernels/kernels.yaml",
//		FallbackOnError:  false, // fail instead of simulating
//	}
type Config struct {
	// PreferredBackend selects the compute backend (auto-detected if empty
	// or BackendAuto)
	PreferredBackend Backend

	// FallbackOnError falls back to the simulated device when the preferred
	// backend cannot be acquired
	FallbackOnError bool

	// DeviceID selects the device ordinal
	DeviceID int

	// KernelManifest is the path of the kernel manifest (built-in manifest
	// if empty)
	KernelManifest string

	// MaxMemoryMB limits the device memory a session allocates (0 = no limit)
	MaxMemoryMB int

	// SimMemoryMB is the capacity of the simulated device (0 = sim default)
	SimMemoryMB int
}

// DefaultConfig returns defaults that work on any machine: CUDA when
// present, the simulated device otherwise.
func DefaultConfig() *Config {
	return &Config{
		PreferredBackend: BackendAuto,
		FallbackOnError:  true,
		DeviceID:         0,
		MaxMemoryMB:      0,
		SimMemoryMB:      0,
	}
}
