package sim

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/x448/float16"

	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
)

// KernelFunc computes one launch on the host. in holds the input buffers,
// out the output buffer, each as raw device bytes.
type KernelFunc func(in [][]byte, out []byte, n uint64)

// Kernel is a simulated entry point.
type Kernel struct {
	Signature cuda.Signature
	Run       KernelFunc
}

// Call is one recorded Invoke.
type Call struct {
	Name     string
	Stream   cuda.StreamHandle
	Geometry cuda.LaunchGeometry
	Ptrs     []cuda.DevicePtr
	N        uint64
	Result   cuda.Result
}

// Module implements cuda.KernelModule on top of a simulated Driver.
// Launches are queued on the stream and run when the driver drains it.
type Module struct {
	drv *Driver

	mu      sync.Mutex
	kernels map[string]Kernel
	calls   []Call
	closed  bool
}

// NewModule returns an empty module whose kernels run against drv's memory.
func NewModule(drv *Driver) *Module {
	return &Module{drv: drv, kernels: make(map[string]Kernel)}
}

// Register adds or replaces a kernel under k.Signature.Name.
func (m *Module) Register(k Kernel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kernels[k.Signature.Name] = k
}

// Names returns the registered entry point names, sorted.
func (m *Module) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.kernels))
	for name := range m.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calls returns every Invoke made so far.
func (m *Module) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Signature implements cuda.KernelModule.
func (m *Module) Signature(name string) (cuda.Signature, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.kernels[name]
	return k.Signature, ok
}

// Invoke implements cuda.KernelModule. Launch-time problems are returned
// immediately; bad device pointers are only detected when the work runs and
// surface at the next synchronization as ErrorIllegalAddress.
func (m *Module) Invoke(name string, stream cuda.StreamHandle, g cuda.LaunchGeometry, ptrs []cuda.DevicePtr, n uint64) cuda.Result {
	m.mu.Lock()
	k, ok := m.kernels[name]
	closed := m.closed
	m.mu.Unlock()

	res := m.invoke(k, ok && !closed, stream, g, ptrs, n)

	m.mu.Lock()
	m.calls = append(m.calls, Call{
		Name:     name,
		Stream:   stream,
		Geometry: g,
		Ptrs:     append([]cuda.DevicePtr(nil), ptrs...),
		N:        n,
		Result:   res,
	})
	m.mu.Unlock()
	return res
}

func (m *Module) invoke(k Kernel, ok bool, stream cuda.StreamHandle, g cuda.LaunchGeometry, ptrs []cuda.DevicePtr, n uint64) cuda.Result {
	if !ok {
		return cuda.ErrorNotFound
	}
	if len(ptrs) != k.Signature.Inputs+1 {
		return cuda.ErrorInvalidValue
	}

	d := m.drv
	d.mu.Lock()
	defer d.mu.Unlock()

	if res := d.enter("cuLaunchKernel", true); res != cuda.Success {
		return res
	}
	spec, res := d.streamDevice(stream)
	if res != cuda.Success {
		return res
	}
	warp := spec.WarpSize
	if warp == 0 {
		warp = cuda.DefaultWarpSize
	}
	if spec.MaxThreadsPerBlock > 0 && int(g.Warps)*warp > spec.MaxThreadsPerBlock {
		return cuda.ErrorLaunchOutOfResources
	}

	args := append([]cuda.DevicePtr(nil), ptrs...)
	run := func() cuda.Result {
		bufs := make([][]byte, len(args))
		for i, p := range args {
			mem, ok := d.memory(p)
			if !ok || uint64(len(mem)) < n*uint64(k.Signature.ElemSize) {
				return cuda.ErrorIllegalAddress
			}
			bufs[i] = mem
		}
		k.Run(bufs[:len(bufs)-1], bufs[len(bufs)-1], n)
		return cuda.Success
	}
	return d.enqueue(stream, k.Signature.Name, run)
}

// Close implements cuda.KernelModule. Later launches fail with
// ErrorNotFound.
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Number is the set of element types VecAdd supports.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func view[T any](b []byte, n uint64) []T {
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// VecAdd returns a two-input kernel computing out[i] = a[i] + b[i].
func VecAdd[T Number](name string) Kernel {
	var zero T
	return Kernel{
		Signature: cuda.Signature{Name: name, Inputs: 2, ElemSize: unsafe.Sizeof(zero)},
		Run: func(in [][]byte, out []byte, n uint64) {
			a, b, c := view[T](in[0], n), view[T](in[1], n), view[T](out, n)
			for i := range c {
				c[i] = a[i] + b[i]
			}
		},
	}
}

// VecAddHalf is VecAdd over IEEE 754 half precision values. Each sum is
// computed in float32 and rounded back to half.
func VecAddHalf(name string) Kernel {
	return Kernel{
		Signature: cuda.Signature{Name: name, Inputs: 2, ElemSize: 2},
		Run: func(in [][]byte, out []byte, n uint64) {
			a, b, c := view[float16.Float16](in[0], n), view[float16.Float16](in[1], n), view[float16.Float16](out, n)
			for i := range c {
				c[i] = float16.Fromfloat32(a[i].Float32() + b[i].Float32())
			}
		},
	}
}

// KernelFor returns the simulated kernel implementing an entry point with
// the given element type. dtype is one of f16, f32, f64, i32, i64, u32.
func KernelFor(name, dtype string, inputs int) (Kernel, error) {
	if inputs != 2 {
		return Kernel{}, fmt.Errorf("sim: %s: only two-input elementwise kernels are simulated, got %d inputs", name, inputs)
	}
	switch dtype {
	case "f16":
		return VecAddHalf(name), nil
	case "f32":
		return VecAdd[float32](name), nil
	case "f64":
		return VecAdd[float64](name), nil
	case "i32":
		return VecAdd[int32](name), nil
	case "i64":
		return VecAdd[int64](name), nil
	case "u32":
		return VecAdd[uint32](name), nil
	}
	return Kernel{}, fmt.Errorf("sim: %s: unsupported dtype %q", name, dtype)
}

var _ cuda.KernelModule = (*Module)(nil)
