package cuda

import (
	"fmt"
	"unsafe"
)

// Opaque native handles. Their values are produced by the driver and are
// never dereferenced or constructed on the Go side.
type (
	// Device is a resolved device ordinal (CUdevice).
	Device int32
	// ContextHandle is a native driver context (CUcontext).
	ContextHandle uintptr
	// StreamHandle is a native stream (CUstream).
	StreamHandle uintptr
	// DevicePtr is an address in device memory (CUdeviceptr).
	DevicePtr uintptr
)

// Attribute is a CUdevice_attribute code.
type Attribute int32

// Device attributes queried by this package.
const (
	AttrMaxThreadsPerBlock     Attribute = 1
	AttrMaxGridDimX            Attribute = 5
	AttrMaxGridDimY            Attribute = 6
	AttrMaxGridDimZ            Attribute = 7
	AttrWarpSize               Attribute = 10
	AttrMultiprocessorCount    Attribute = 16
	AttrComputeCapabilityMajor Attribute = 75
	AttrComputeCapabilityMinor Attribute = 76
)

// StreamDefault is the CU_STREAM_DEFAULT creation flag.
const StreamDefault uint32 = 0

// Driver is the subset of the CUDA driver API the runtime depends on.
//
// Implementations return the raw status of every call; interpretation into
// typed errors happens in this package. LoadDriver returns the libcuda
// implementation; package sim provides an in-memory one.
type Driver interface {
	Init(flags uint32) Result
	DeviceCount() (int, Result)
	DeviceGet(ordinal int) (Device, Result)
	DeviceName(dev Device) (string, Result)
	DeviceTotalMem(dev Device) (uint64, Result)
	DeviceAttribute(dev Device, attr Attribute) (int, Result)

	CtxCreate(flags uint32, dev Device) (ContextHandle, Result)
	CtxSetCurrent(ctx ContextHandle) Result
	CtxDestroy(ctx ContextHandle) Result

	StreamCreate(flags uint32) (StreamHandle, Result)
	StreamSynchronize(s StreamHandle) Result
	StreamDestroy(s StreamHandle) Result

	MemAlloc(bytes uint64) (DevicePtr, Result)
	MemFree(p DevicePtr) Result
	MemcpyHtoD(dst DevicePtr, src unsafe.Pointer, bytes uint64) Result
	MemcpyDtoH(dst unsafe.Pointer, src DevicePtr, bytes uint64) Result
	MemGetInfo() (free, total uint64, res Result)
}

// DeviceInfo describes one physical device.
type DeviceInfo struct {
	Ordinal            int
	Name               string
	TotalMemory        uint64
	ComputeMajor       int
	ComputeMinor       int
	Multiprocessors    int
	MaxThreadsPerBlock int
	MaxGrid            [3]int
	WarpSize           int
}

// MemoryMB returns total device memory in megabytes.
func (d *DeviceInfo) MemoryMB() int {
	return int(d.TotalMemory / (1024 * 1024))
}

func (d *DeviceInfo) String() string {
	return fmt.Sprintf("%s (SM %d.%d, %d SMs, %d MB, %d max threads/block)",
		d.Name, d.ComputeMajor, d.ComputeMinor, d.Multiprocessors, d.MemoryMB(), d.MaxThreadsPerBlock)
}

func queryDevice(drv Driver, ordinal int) (*DeviceInfo, error) {
	dev, res := drv.DeviceGet(ordinal)
	if err := check(res, ErrResolution, "cuDeviceGet"); err != nil {
		return nil, err
	}

	info := &DeviceInfo{Ordinal: ordinal}

	var err error
	if info.Name, res = drv.DeviceName(dev); res != Success {
		err = check(res, ErrResolution, "cuDeviceGetName")
	} else if info.TotalMemory, res = drv.DeviceTotalMem(dev); res != Success {
		err = check(res, ErrResolution, "cuDeviceTotalMem")
	}
	if err != nil {
		return nil, err
	}

	// Attributes are informational; a failed query leaves the field zero.
	attr := func(a Attribute) int {
		v, res := drv.DeviceAttribute(dev, a)
		if res != Success {
			return 0
		}
		return v
	}
	info.ComputeMajor = attr(AttrComputeCapabilityMajor)
	info.ComputeMinor = attr(AttrComputeCapabilityMinor)
	info.Multiprocessors = attr(AttrMultiprocessorCount)
	info.MaxThreadsPerBlock = attr(AttrMaxThreadsPerBlock)
	info.MaxGrid = [3]int{attr(AttrMaxGridDimX), attr(AttrMaxGridDimY), attr(AttrMaxGridDimZ)}
	info.WarpSize = attr(AttrWarpSize)

	return info, nil
}

// IsAvailable reports whether the CUDA driver library can be loaded and
// initialized and exposes at least one device.
func IsAvailable() bool {
	return DeviceCount() > 0
}

// DeviceCount returns the number of CUDA devices, or 0 when the driver is
// missing or fails to initialize.
func DeviceCount() int {
	drv, err := LoadDriver()
	if err != nil {
		return 0
	}
	if drv.Init(0) != Success {
		return 0
	}
	n, res := drv.DeviceCount()
	if res != Success {
		return 0
	}
	return n
}
