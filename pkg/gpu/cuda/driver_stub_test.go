//go:build !linux

package cuda

import (
	"errors"
	"testing"
)

func TestIsAvailableStub(t *testing.T) {
	if IsAvailable() {
		t.Error("IsAvailable() should return false on stub")
	}
}

func TestDeviceCountStub(t *testing.T) {
	if DeviceCount() != 0 {
		t.Error("DeviceCount() should return 0 on stub")
	}
}

func TestLoadDriverStub(t *testing.T) {
	drv, err := LoadDriver()
	if !errors.Is(err, ErrCUDANotAvailable) {
		t.Errorf("LoadDriver() error = %v, want ErrCUDANotAvailable", err)
	}
	if drv != nil {
		t.Error("LoadDriver() should return nil driver on stub")
	}
}

func TestOpenModuleStub(t *testing.T) {
	m, err := OpenModule("kernels.so", "tt_", nil)
	if !errors.Is(err, ErrCUDANotAvailable) {
		t.Errorf("OpenModule() error = %v, want ErrCUDANotAvailable", err)
	}
	if m != nil {
		t.Error("OpenModule() should return nil module on stub")
	}

	// Methods on the zero value should not panic.
	var zero SharedModule
	if _, ok := zero.Signature("x"); ok {
		t.Error("Signature() should report no entries")
	}
	if zero.Invoke("x", 0, LaunchGeometry{}, nil, 0) != ErrorNotFound {
		t.Error("Invoke() should return ErrorNotFound")
	}
	if err := zero.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
