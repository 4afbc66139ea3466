// Package sim provides an in-memory CUDA driver and kernel module.
//
// The simulated device keeps allocations in host memory and runs kernels on
// the CPU. Work issued to a stream is queued and runs when the stream is
// synchronized; synchronous copies and frees drain every queue of the
// context first, like the legacy default stream. It is used by tests and as
// the CPU fallback backend.
package sim

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
)

const (
	// DefaultMemory is the capacity of a device when DeviceSpec.Memory is 0.
	DefaultMemory = 8 << 30

	addrBase  = 0x7f00_0000_0000
	addrAlign = 256
)

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	Name               string
	Memory             uint64
	ComputeMajor       int
	ComputeMinor       int
	Multiprocessors    int
	MaxThreadsPerBlock int
	MaxGrid            [3]int
	WarpSize           int
}

// DefaultDevice returns a device shaped like a mid-range datacenter part.
func DefaultDevice() DeviceSpec {
	return DeviceSpec{
		Name:               "gpubridge simulated device",
		Memory:             DefaultMemory,
		ComputeMajor:       8,
		ComputeMinor:       0,
		Multiprocessors:    108,
		MaxThreadsPerBlock: 1024,
		MaxGrid:            [3]int{2147483647, 65535, 65535},
		WarpSize:           32,
	}
}

// Stats counts driver activity since the driver was created.
type Stats struct {
	Allocs       int
	Frees        int
	LiveAllocs   int
	BytesInUse   uint64
	CopiesToDev  int
	CopiesToHost int
	Launches     int
	Syncs        int
	Contexts     int
	Streams      int
}

type context struct {
	dev cuda.Device
}

type allocation struct {
	ctx  cuda.ContextHandle
	dev  cuda.Device
	data []byte
}

type work struct {
	name string
	run  func() cuda.Result
}

type stream struct {
	ctx   cuda.ContextHandle
	queue []work
	// err is an asynchronous failure waiting to be reported by the next
	// synchronization.
	err cuda.Result
}

// Driver is an in-memory implementation of cuda.Driver. It is safe for
// concurrent use.
type Driver struct {
	devices []DeviceSpec

	mu          sync.Mutex
	initialized bool
	closed      bool
	nextHandle  uintptr
	nextAddr    uintptr
	current     cuda.ContextHandle
	contexts    map[cuda.ContextHandle]*context
	streams     map[cuda.StreamHandle]*stream
	allocs      map[cuda.DevicePtr]*allocation
	used        []uint64
	faults      map[string]cuda.Result
	stats       Stats
	trace       []string
}

// NewDriver returns a driver exposing the given devices. With no devices it
// exposes one DefaultDevice.
func NewDriver(devices ...DeviceSpec) *Driver {
	if len(devices) == 0 {
		devices = []DeviceSpec{DefaultDevice()}
	}
	for i := range devices {
		if devices[i].Memory == 0 {
			devices[i].Memory = DefaultMemory
		}
		if devices[i].Name == "" {
			devices[i].Name = fmt.Sprintf("gpubridge simulated device %d", i)
		}
	}
	return &Driver{
		devices:    devices,
		nextHandle: 1,
		nextAddr:   addrBase,
		contexts:   make(map[cuda.ContextHandle]*context),
		streams:    make(map[cuda.StreamHandle]*stream),
		allocs:     make(map[cuda.DevicePtr]*allocation),
		used:       make([]uint64, len(devices)),
		faults:     make(map[string]cuda.Result),
	}
}

// Fail makes the next call of the named driver function (e.g. "cuMemAlloc",
// "cuInit", "cuStreamSynchronize") return res. Each injected fault fires once.
func (d *Driver) Fail(op string, res cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = res
}

// Stats returns a snapshot of the counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.LiveAllocs = len(d.allocs)
	s.Contexts = len(d.contexts)
	s.Streams = len(d.streams)
	return s
}

// Trace returns the driver calls made so far, in order. Queued stream work
// appears when it executes, as "exec <kernel>".
func (d *Driver) Trace() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.trace...)
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close implements io.Closer.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// enter records op and returns an injected fault or the initialization
// error. The caller holds d.mu.
func (d *Driver) enter(op string, needInit bool) cuda.Result {
	d.trace = append(d.trace, op)
	if res, ok := d.faults[op]; ok {
		delete(d.faults, op)
		return res
	}
	if needInit && !d.initialized {
		return cuda.ErrorNotInitialized
	}
	return cuda.Success
}

func (d *Driver) Init(flags uint32) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuInit", false); res != cuda.Success {
		return res
	}
	if flags != 0 {
		return cuda.ErrorInvalidValue
	}
	d.initialized = true
	return cuda.Success
}

func (d *Driver) DeviceCount() (int, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuDeviceGetCount", true); res != cuda.Success {
		return 0, res
	}
	return len(d.devices), cuda.Success
}

func (d *Driver) DeviceGet(ordinal int) (cuda.Device, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuDeviceGet", true); res != cuda.Success {
		return 0, res
	}
	if ordinal < 0 || ordinal >= len(d.devices) {
		return 0, cuda.ErrorInvalidDevice
	}
	return cuda.Device(ordinal), cuda.Success
}

func (d *Driver) spec(dev cuda.Device) (*DeviceSpec, cuda.Result) {
	if int(dev) < 0 || int(dev) >= len(d.devices) {
		return nil, cuda.ErrorInvalidDevice
	}
	return &d.devices[dev], cuda.Success
}

func (d *Driver) DeviceName(dev cuda.Device) (string, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuDeviceGetName", true); res != cuda.Success {
		return "", res
	}
	s, res := d.spec(dev)
	if res != cuda.Success {
		return "", res
	}
	return s.Name, cuda.Success
}

func (d *Driver) DeviceTotalMem(dev cuda.Device) (uint64, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuDeviceTotalMem", true); res != cuda.Success {
		return 0, res
	}
	s, res := d.spec(dev)
	if res != cuda.Success {
		return 0, res
	}
	return s.Memory, cuda.Success
}

func (d *Driver) DeviceAttribute(dev cuda.Device, attr cuda.Attribute) (int, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuDeviceGetAttribute", true); res != cuda.Success {
		return 0, res
	}
	s, res := d.spec(dev)
	if res != cuda.Success {
		return 0, res
	}
	switch attr {
	case cuda.AttrMaxThreadsPerBlock:
		return s.MaxThreadsPerBlock, cuda.Success
	case cuda.AttrMaxGridDimX:
		return s.MaxGrid[0], cuda.Success
	case cuda.AttrMaxGridDimY:
		return s.MaxGrid[1], cuda.Success
	case cuda.AttrMaxGridDimZ:
		return s.MaxGrid[2], cuda.Success
	case cuda.AttrWarpSize:
		return s.WarpSize, cuda.Success
	case cuda.AttrMultiprocessorCount:
		return s.Multiprocessors, cuda.Success
	case cuda.AttrComputeCapabilityMajor:
		return s.ComputeMajor, cuda.Success
	case cuda.AttrComputeCapabilityMinor:
		return s.ComputeMinor, cuda.Success
	}
	return 0, cuda.ErrorInvalidValue
}

func (d *Driver) handle() uintptr {
	h := d.nextHandle
	d.nextHandle++
	return h
}

func (d *Driver) CtxCreate(flags uint32, dev cuda.Device) (cuda.ContextHandle, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuCtxCreate", true); res != cuda.Success {
		return 0, res
	}
	if _, res := d.spec(dev); res != cuda.Success {
		return 0, res
	}
	h := cuda.ContextHandle(d.handle())
	d.contexts[h] = &context{dev: dev}
	d.current = h
	return h, cuda.Success
}

func (d *Driver) CtxSetCurrent(ctx cuda.ContextHandle) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuCtxSetCurrent", true); res != cuda.Success {
		return res
	}
	if _, ok := d.contexts[ctx]; !ok && ctx != 0 {
		return cuda.ErrorInvalidContext
	}
	d.current = ctx
	return cuda.Success
}

func (d *Driver) CtxDestroy(ctx cuda.ContextHandle) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuCtxDestroy", true); res != cuda.Success {
		return res
	}
	if _, ok := d.contexts[ctx]; !ok {
		return cuda.ErrorInvalidContext
	}
	// Destroying a context reclaims everything created under it.
	for h, s := range d.streams {
		if s.ctx == ctx {
			delete(d.streams, h)
		}
	}
	for p, a := range d.allocs {
		if a.ctx == ctx {
			d.used[a.dev] -= uint64(len(a.data))
			d.stats.BytesInUse -= uint64(len(a.data))
			delete(d.allocs, p)
		}
	}
	delete(d.contexts, ctx)
	if d.current == ctx {
		d.current = 0
	}
	return cuda.Success
}

// currentContext returns the current context or ErrorInvalidContext.
func (d *Driver) currentContext() (cuda.ContextHandle, *context, cuda.Result) {
	c, ok := d.contexts[d.current]
	if !ok {
		return 0, nil, cuda.ErrorInvalidContext
	}
	return d.current, c, cuda.Success
}

func (d *Driver) StreamCreate(flags uint32) (cuda.StreamHandle, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuStreamCreate", true); res != cuda.Success {
		return 0, res
	}
	ctx, _, res := d.currentContext()
	if res != cuda.Success {
		return 0, res
	}
	h := cuda.StreamHandle(d.handle())
	d.streams[h] = &stream{ctx: ctx}
	return h, cuda.Success
}

func (d *Driver) StreamSynchronize(h cuda.StreamHandle) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuStreamSynchronize", true); res != cuda.Success {
		return res
	}
	s, ok := d.streams[h]
	if !ok {
		return cuda.ErrorInvalidHandle
	}
	d.stats.Syncs++
	d.drain(s)
	res := s.err
	s.err = cuda.Success
	return res
}

func (d *Driver) StreamDestroy(h cuda.StreamHandle) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuStreamDestroy", true); res != cuda.Success {
		return res
	}
	s, ok := d.streams[h]
	if !ok {
		return cuda.ErrorInvalidHandle
	}
	// Queued work still completes after destroy.
	d.drain(s)
	delete(d.streams, h)
	return cuda.Success
}

// drain runs the queued work of s in issue order. After the first failure
// the rest of the queue is discarded. The caller holds d.mu.
func (d *Driver) drain(s *stream) {
	queue := s.queue
	s.queue = nil
	for _, w := range queue {
		d.trace = append(d.trace, "exec "+w.name)
		if res := w.run(); res != cuda.Success {
			if s.err == cuda.Success {
				s.err = res
			}
			return
		}
	}
}

// drainContext drains every stream of ctx. The caller holds d.mu.
func (d *Driver) drainContext(ctx cuda.ContextHandle) {
	for _, s := range d.streams {
		if s.ctx == ctx && len(s.queue) > 0 {
			d.drain(s)
		}
	}
}

func (d *Driver) MemAlloc(bytes uint64) (cuda.DevicePtr, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuMemAlloc", true); res != cuda.Success {
		return 0, res
	}
	ctx, c, res := d.currentContext()
	if res != cuda.Success {
		return 0, res
	}
	if bytes == 0 {
		return 0, cuda.ErrorInvalidValue
	}
	if bytes > d.devices[c.dev].Memory-d.used[c.dev] {
		return 0, cuda.ErrorOutOfMemory
	}

	// Backed by []uint64 so every element type is naturally aligned.
	words := make([]uint64, (bytes+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), bytes)

	p := cuda.DevicePtr(d.nextAddr)
	d.nextAddr += uintptr((bytes + addrAlign - 1) &^ (addrAlign - 1))
	d.allocs[p] = &allocation{ctx: ctx, dev: c.dev, data: data}
	d.used[c.dev] += bytes
	d.stats.Allocs++
	d.stats.BytesInUse += bytes
	return p, cuda.Success
}

func (d *Driver) MemFree(p cuda.DevicePtr) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuMemFree", true); res != cuda.Success {
		return res
	}
	a, ok := d.allocs[p]
	if !ok {
		return cuda.ErrorInvalidValue
	}
	d.drainContext(a.ctx)
	delete(d.allocs, p)
	d.used[a.dev] -= uint64(len(a.data))
	d.stats.Frees++
	d.stats.BytesInUse -= uint64(len(a.data))
	return cuda.Success
}

func (d *Driver) MemcpyHtoD(dst cuda.DevicePtr, src unsafe.Pointer, bytes uint64) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuMemcpyHtoD", true); res != cuda.Success {
		return res
	}
	a, ok := d.allocs[dst]
	if !ok || src == nil || bytes > uint64(len(a.data)) {
		return cuda.ErrorInvalidValue
	}
	d.drainContext(a.ctx)
	copy(a.data, unsafe.Slice((*byte)(src), bytes))
	d.stats.CopiesToDev++
	return cuda.Success
}

func (d *Driver) MemcpyDtoH(dst unsafe.Pointer, src cuda.DevicePtr, bytes uint64) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuMemcpyDtoH", true); res != cuda.Success {
		return res
	}
	a, ok := d.allocs[src]
	if !ok || dst == nil || bytes > uint64(len(a.data)) {
		return cuda.ErrorInvalidValue
	}
	d.drainContext(a.ctx)
	copy(unsafe.Slice((*byte)(dst), bytes), a.data)
	d.stats.CopiesToHost++
	return cuda.Success
}

func (d *Driver) MemGetInfo() (free, total uint64, res cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if res := d.enter("cuMemGetInfo", true); res != cuda.Success {
		return 0, 0, res
	}
	_, c, res := d.currentContext()
	if res != cuda.Success {
		return 0, 0, res
	}
	total = d.devices[c.dev].Memory
	return total - d.used[c.dev], total, cuda.Success
}

// enqueue appends work to stream h. The caller holds d.mu.
func (d *Driver) enqueue(h cuda.StreamHandle, name string, run func() cuda.Result) cuda.Result {
	s, ok := d.streams[h]
	if !ok {
		return cuda.ErrorInvalidHandle
	}
	s.queue = append(s.queue, work{name: name, run: run})
	d.stats.Launches++
	return cuda.Success
}

// memory returns the bytes of the allocation starting at p. The caller
// holds d.mu.
func (d *Driver) memory(p cuda.DevicePtr) ([]byte, bool) {
	a, ok := d.allocs[p]
	if !ok {
		return nil, false
	}
	return a.data, true
}

// streamDevice returns the device spec of the stream's context. The caller
// holds d.mu.
func (d *Driver) streamDevice(h cuda.StreamHandle) (*DeviceSpec, cuda.Result) {
	s, ok := d.streams[h]
	if !ok {
		return nil, cuda.ErrorInvalidHandle
	}
	c := d.contexts[s.ctx]
	return &d.devices[c.dev], cuda.Success
}

var _ cuda.Driver = (*Driver)(nil)
