//go:build linux

package cuda

import (
	"testing"
)

func TestIsAvailable(t *testing.T) {
	// This test runs on any Linux machine; the result depends on hardware.
	available := IsAvailable()
	t.Logf("CUDA available: %v", available)
}

func TestDeviceCount(t *testing.T) {
	count := DeviceCount()
	t.Logf("CUDA device count: %d", count)

	if IsAvailable() && count == 0 {
		t.Error("CUDA is available but device count is 0")
	}
}

func TestHardwareRoundTrip(t *testing.T) {
	if !IsAvailable() {
		t.Skip("CUDA not available")
	}

	drv, err := LoadDriver()
	if err != nil {
		t.Fatalf("LoadDriver failed: %v", err)
	}
	rt := NewRuntime(drv)
	if err := rt.Init(0); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	info, err := rt.DeviceInfo(0)
	if err != nil {
		t.Fatalf("DeviceInfo failed: %v", err)
	}
	t.Logf("Device: %s", info)

	ctx, err := rt.NewContext(0)
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	defer ctx.Release()

	data := []float32{1.0, 2.0, 3.0, 4.0, 5.0}
	buf, err := AllocFrom(ctx, data)
	if err != nil {
		t.Fatalf("AllocFrom failed: %v", err)
	}

	if buf.Len() != uint64(len(data)*4) {
		t.Errorf("Buffer size = %d, want %d", buf.Len(), len(data)*4)
	}

	got, err := ToHost[float32](buf)
	if err != nil {
		t.Fatalf("ToHost failed: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Errorf("got[%d] = %f, want %f", i, got[i], data[i])
		}
	}

	if err := buf.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	// Second release should be a no-op.
	if err := buf.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestHardwareInvalidOrdinal(t *testing.T) {
	if !IsAvailable() {
		t.Skip("CUDA not available")
	}

	drv, _ := LoadDriver()
	rt := NewRuntime(drv)
	if err := rt.Init(0); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	_, err := rt.NewContext(999)
	if err == nil {
		t.Fatal("NewContext(999) should fail")
	}
}

func TestOpenModuleMissingLibrary(t *testing.T) {
	_, err := OpenModule("/nonexistent/libkernels.so", "tt_", []Signature{{Name: "vec_add_64", Inputs: 2}})
	if err == nil {
		t.Fatal("OpenModule should fail for a missing library")
	}
}

func TestOpenModuleTooManyArguments(t *testing.T) {
	if !IsAvailable() {
		t.Skip("CUDA not available")
	}
	// libcuda is loadable here, so the arity check is reached.
	_, err := OpenModule("libcuda.so.1", "cu", []Signature{{Name: "Init", Inputs: 9}})
	if err == nil {
		t.Fatal("OpenModule should reject signatures beyond the syscall argument limit")
	}
}
