//go:build linux

package cuda

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// libcuda names tried in order.
var driverLibraries = []string{"libcuda.so.1", "libcuda.so"}

// libDriver calls the CUDA driver API in libcuda through purego. No cgo is
// involved; the library is loaded with dlopen on first use.
type libDriver struct {
	cuInit               func(flags uint32) Result
	cuDeviceGetCount     func(count *int32) Result
	cuDeviceGet          func(dev *Device, ordinal int32) Result
	cuDeviceGetName      func(name *byte, n int32, dev Device) Result
	cuDeviceTotalMem     func(bytes *uint64, dev Device) Result
	cuDeviceGetAttribute func(v *int32, attr Attribute, dev Device) Result

	cuCtxCreate     func(ctx *ContextHandle, flags uint32, dev Device) Result
	cuCtxSetCurrent func(ctx ContextHandle) Result
	cuCtxDestroy    func(ctx ContextHandle) Result

	cuStreamCreate      func(s *StreamHandle, flags uint32) Result
	cuStreamSynchronize func(s StreamHandle) Result
	cuStreamDestroy     func(s StreamHandle) Result

	cuMemAlloc   func(p *DevicePtr, bytes uint64) Result
	cuMemFree    func(p DevicePtr) Result
	cuMemcpyHtoD func(dst DevicePtr, src unsafe.Pointer, bytes uint64) Result
	cuMemcpyDtoH func(dst unsafe.Pointer, src DevicePtr, bytes uint64) Result
	cuMemGetInfo func(free, total *uint64) Result
}

var loadDriver = sync.OnceValues(func() (*libDriver, error) {
	var (
		lib uintptr
		err error
	)
	for _, name := range driverLibraries {
		if lib, err = purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL); err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v (is the NVIDIA driver installed?)", ErrCUDANotAvailable, err)
	}

	d := &libDriver{}
	symbols := []struct {
		fptr any
		name string
	}{
		{&d.cuInit, "cuInit"},
		{&d.cuDeviceGetCount, "cuDeviceGetCount"},
		{&d.cuDeviceGet, "cuDeviceGet"},
		{&d.cuDeviceGetName, "cuDeviceGetName"},
		{&d.cuDeviceTotalMem, "cuDeviceTotalMem_v2"},
		{&d.cuDeviceGetAttribute, "cuDeviceGetAttribute"},
		{&d.cuCtxCreate, "cuCtxCreate_v2"},
		{&d.cuCtxSetCurrent, "cuCtxSetCurrent"},
		{&d.cuCtxDestroy, "cuCtxDestroy_v2"},
		{&d.cuStreamCreate, "cuStreamCreate"},
		{&d.cuStreamSynchronize, "cuStreamSynchronize"},
		{&d.cuStreamDestroy, "cuStreamDestroy_v2"},
		{&d.cuMemAlloc, "cuMemAlloc_v2"},
		{&d.cuMemFree, "cuMemFree_v2"},
		{&d.cuMemcpyHtoD, "cuMemcpyHtoD_v2"},
		{&d.cuMemcpyDtoH, "cuMemcpyDtoH_v2"},
		{&d.cuMemGetInfo, "cuMemGetInfo_v2"},
	}
	for _, s := range symbols {
		sym, err := purego.Dlsym(lib, s.name)
		if err != nil {
			return nil, fmt.Errorf("%w: missing symbol %s: %v", ErrCUDANotAvailable, s.name, err)
		}
		purego.RegisterFunc(s.fptr, sym)
	}
	return d, nil
})

// LoadDriver loads libcuda. The library is loaded once per process and
// shared by every caller.
func LoadDriver() (Driver, error) {
	d, err := loadDriver()
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *libDriver) Init(flags uint32) Result { return d.cuInit(flags) }

func (d *libDriver) DeviceCount() (int, Result) {
	var n int32
	res := d.cuDeviceGetCount(&n)
	return int(n), res
}

func (d *libDriver) DeviceGet(ordinal int) (Device, Result) {
	var dev Device
	res := d.cuDeviceGet(&dev, int32(ordinal))
	return dev, res
}

func (d *libDriver) DeviceName(dev Device) (string, Result) {
	buf := make([]byte, 256)
	if res := d.cuDeviceGetName(&buf[0], int32(len(buf)), dev); res != Success {
		return "", res
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), Success
		}
	}
	return string(buf), Success
}

func (d *libDriver) DeviceTotalMem(dev Device) (uint64, Result) {
	var n uint64
	res := d.cuDeviceTotalMem(&n, dev)
	return n, res
}

func (d *libDriver) DeviceAttribute(dev Device, attr Attribute) (int, Result) {
	var v int32
	res := d.cuDeviceGetAttribute(&v, attr, dev)
	return int(v), res
}

func (d *libDriver) CtxCreate(flags uint32, dev Device) (ContextHandle, Result) {
	var ctx ContextHandle
	res := d.cuCtxCreate(&ctx, flags, dev)
	return ctx, res
}

func (d *libDriver) CtxSetCurrent(ctx ContextHandle) Result { return d.cuCtxSetCurrent(ctx) }

func (d *libDriver) CtxDestroy(ctx ContextHandle) Result { return d.cuCtxDestroy(ctx) }

func (d *libDriver) StreamCreate(flags uint32) (StreamHandle, Result) {
	var s StreamHandle
	res := d.cuStreamCreate(&s, flags)
	return s, res
}

func (d *libDriver) StreamSynchronize(s StreamHandle) Result { return d.cuStreamSynchronize(s) }

func (d *libDriver) StreamDestroy(s StreamHandle) Result { return d.cuStreamDestroy(s) }

func (d *libDriver) MemAlloc(bytes uint64) (DevicePtr, Result) {
	var p DevicePtr
	res := d.cuMemAlloc(&p, bytes)
	return p, res
}

func (d *libDriver) MemFree(p DevicePtr) Result { return d.cuMemFree(p) }

func (d *libDriver) MemcpyHtoD(dst DevicePtr, src unsafe.Pointer, bytes uint64) Result {
	return d.cuMemcpyHtoD(dst, src, bytes)
}

func (d *libDriver) MemcpyDtoH(dst unsafe.Pointer, src DevicePtr, bytes uint64) Result {
	return d.cuMemcpyDtoH(dst, src, bytes)
}

func (d *libDriver) MemGetInfo() (free, total uint64, res Result) {
	res = d.cuMemGetInfo(&free, &total)
	return free, total, res
}
