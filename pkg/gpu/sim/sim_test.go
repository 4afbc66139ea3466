package sim

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
)

func newContext(t *testing.T, d *Driver) cuda.ContextHandle {
	t.Helper()
	require.Equal(t, cuda.Success, d.Init(0))
	dev, res := d.DeviceGet(0)
	require.Equal(t, cuda.Success, res)
	ctx, res := d.CtxCreate(0, dev)
	require.Equal(t, cuda.Success, res)
	return ctx
}

func upload(t *testing.T, d *Driver, data []float32) cuda.DevicePtr {
	t.Helper()
	n := uint64(len(data)) * 4
	p, res := d.MemAlloc(n)
	require.Equal(t, cuda.Success, res)
	require.Equal(t, cuda.Success, d.MemcpyHtoD(p, unsafe.Pointer(&data[0]), n))
	return p
}

func download(t *testing.T, d *Driver, p cuda.DevicePtr, n int) []float32 {
	t.Helper()
	out := make([]float32, n)
	require.Equal(t, cuda.Success, d.MemcpyDtoH(unsafe.Pointer(&out[0]), p, uint64(n)*4))
	return out
}

func TestDriverRequiresInit(t *testing.T) {
	d := NewDriver()
	_, res := d.DeviceCount()
	assert.Equal(t, cuda.ErrorNotInitialized, res)

	require.Equal(t, cuda.Success, d.Init(0))
	n, res := d.DeviceCount()
	assert.Equal(t, cuda.Success, res)
	assert.Equal(t, 1, n)
}

func TestDriverInvalidDevice(t *testing.T) {
	d := NewDriver()
	require.Equal(t, cuda.Success, d.Init(0))

	_, res := d.DeviceGet(1)
	assert.Equal(t, cuda.ErrorInvalidDevice, res)
	_, res = d.DeviceGet(-1)
	assert.Equal(t, cuda.ErrorInvalidDevice, res)
}

func TestDriverDeviceAttributes(t *testing.T) {
	d := NewDriver(DeviceSpec{Name: "test", Memory: 1 << 20, MaxThreadsPerBlock: 256, WarpSize: 32})
	require.Equal(t, cuda.Success, d.Init(0))

	name, res := d.DeviceName(0)
	require.Equal(t, cuda.Success, res)
	assert.Equal(t, "test", name)

	mem, _ := d.DeviceTotalMem(0)
	assert.Equal(t, uint64(1<<20), mem)

	v, _ := d.DeviceAttribute(0, cuda.AttrMaxThreadsPerBlock)
	assert.Equal(t, 256, v)
}

func TestDriverAllocRequiresContext(t *testing.T) {
	d := NewDriver()
	require.Equal(t, cuda.Success, d.Init(0))
	_, res := d.MemAlloc(16)
	assert.Equal(t, cuda.ErrorInvalidContext, res)
}

func TestDriverOutOfMemory(t *testing.T) {
	d := NewDriver(DeviceSpec{Memory: 1024})
	newContext(t, d)

	p, res := d.MemAlloc(1000)
	require.Equal(t, cuda.Success, res)
	_, res = d.MemAlloc(100)
	assert.Equal(t, cuda.ErrorOutOfMemory, res)

	require.Equal(t, cuda.Success, d.MemFree(p))
	_, res = d.MemAlloc(100)
	assert.Equal(t, cuda.Success, res)

	free, total, res := d.MemGetInfo()
	require.Equal(t, cuda.Success, res)
	assert.Equal(t, uint64(1024), total)
	assert.Equal(t, uint64(1024-100), free)
}

func TestDriverCopyRoundTrip(t *testing.T) {
	d := NewDriver()
	newContext(t, d)

	p := upload(t, d, []float32{1, 2, 3})
	assert.Equal(t, []float32{1, 2, 3}, download(t, d, p, 3))

	st := d.Stats()
	assert.Equal(t, 1, st.Allocs)
	assert.Equal(t, 1, st.CopiesToDev)
	assert.Equal(t, 1, st.CopiesToHost)
	assert.Equal(t, uint64(12), st.BytesInUse)
}

func TestDriverDoubleFree(t *testing.T) {
	d := NewDriver()
	newContext(t, d)

	p, _ := d.MemAlloc(8)
	assert.Equal(t, cuda.Success, d.MemFree(p))
	assert.Equal(t, cuda.ErrorInvalidValue, d.MemFree(p))
	assert.Equal(t, 1, d.Stats().Frees)
}

func TestDriverInjectedFaultFiresOnce(t *testing.T) {
	d := NewDriver()
	newContext(t, d)

	d.Fail("cuMemAlloc", cuda.ErrorOutOfMemory)
	_, res := d.MemAlloc(8)
	assert.Equal(t, cuda.ErrorOutOfMemory, res)
	_, res = d.MemAlloc(8)
	assert.Equal(t, cuda.Success, res)
}

func TestDriverCtxDestroyReclaims(t *testing.T) {
	d := NewDriver()
	ctx := newContext(t, d)
	_, res := d.MemAlloc(64)
	require.Equal(t, cuda.Success, res)
	_, res = d.StreamCreate(0)
	require.Equal(t, cuda.Success, res)

	require.Equal(t, cuda.Success, d.CtxDestroy(ctx))
	st := d.Stats()
	assert.Zero(t, st.LiveAllocs)
	assert.Zero(t, st.Streams)
	assert.Zero(t, st.BytesInUse)
	assert.Equal(t, cuda.ErrorInvalidContext, d.CtxDestroy(ctx))
}

func TestModuleRunsOnSynchronize(t *testing.T) {
	d := NewDriver()
	newContext(t, d)
	m := NewModule(d)
	m.Register(VecAdd[float32]("add"))

	a := upload(t, d, []float32{1, 2, 3, 4})
	b := upload(t, d, []float32{10, 20, 30, 40})
	out, _ := d.MemAlloc(16)
	s, _ := d.StreamCreate(0)

	g := cuda.LaunchGeometry{GridX: 1, GridY: 1, GridZ: 1, Warps: 1}
	require.Equal(t, cuda.Success, m.Invoke("add", s, g, []cuda.DevicePtr{a, b, out}, 4))
	assert.NotContains(t, d.Trace(), "exec add", "launch must be queued, not run")

	require.Equal(t, cuda.Success, d.StreamSynchronize(s))
	assert.Contains(t, d.Trace(), "exec add")
	assert.Equal(t, []float32{11, 22, 33, 44}, download(t, d, out, 4))
	assert.Len(t, m.Calls(), 1)
}

func TestModuleStreamOrder(t *testing.T) {
	d := NewDriver()
	newContext(t, d)
	m := NewModule(d)
	m.Register(VecAdd[float32]("add"))

	x := upload(t, d, []float32{1, 1})
	acc := upload(t, d, []float32{0, 0})
	s, _ := d.StreamCreate(0)
	g := cuda.LaunchGeometry{GridX: 1, GridY: 1, GridZ: 1, Warps: 1}

	// acc = acc + x, three times; each launch reads the previous result.
	for i := 0; i < 3; i++ {
		require.Equal(t, cuda.Success, m.Invoke("add", s, g, []cuda.DevicePtr{acc, x, acc}, 2))
	}
	require.Equal(t, cuda.Success, d.StreamSynchronize(s))
	assert.Equal(t, []float32{3, 3}, download(t, d, acc, 2))
}

func TestModuleCopyDrainsQueue(t *testing.T) {
	d := NewDriver()
	newContext(t, d)
	m := NewModule(d)
	m.Register(VecAdd[float32]("add"))

	a := upload(t, d, []float32{1})
	out, _ := d.MemAlloc(4)
	s, _ := d.StreamCreate(0)
	g := cuda.LaunchGeometry{GridX: 1, GridY: 1, GridZ: 1, Warps: 1}
	require.Equal(t, cuda.Success, m.Invoke("add", s, g, []cuda.DevicePtr{a, a, out}, 1))

	assert.Equal(t, []float32{2}, download(t, d, out, 1))
}

func TestModuleIllegalAddressSurfacesAtSync(t *testing.T) {
	d := NewDriver()
	newContext(t, d)
	m := NewModule(d)
	m.Register(VecAdd[float32]("add"))

	a := upload(t, d, []float32{1})
	s, _ := d.StreamCreate(0)
	g := cuda.LaunchGeometry{GridX: 1, GridY: 1, GridZ: 1, Warps: 1}
	require.Equal(t, cuda.Success, m.Invoke("add", s, g, []cuda.DevicePtr{a, a, 0xdead}, 1))

	assert.Equal(t, cuda.ErrorIllegalAddress, d.StreamSynchronize(s))
	assert.Equal(t, cuda.Success, d.StreamSynchronize(s), "error is reported once")
}

func TestModuleLaunchErrors(t *testing.T) {
	d := NewDriver(DeviceSpec{MaxThreadsPerBlock: 64, WarpSize: 32})
	newContext(t, d)
	m := NewModule(d)
	m.Register(VecAdd[float32]("add"))
	a := upload(t, d, []float32{1})
	s, _ := d.StreamCreate(0)
	ok := cuda.LaunchGeometry{GridX: 1, GridY: 1, GridZ: 1, Warps: 2}

	tests := []struct {
		name   string
		kernel string
		stream cuda.StreamHandle
		g      cuda.LaunchGeometry
		ptrs   []cuda.DevicePtr
		want   cuda.Result
	}{
		{"unknown kernel", "mul", s, ok, []cuda.DevicePtr{a, a, a}, cuda.ErrorNotFound},
		{"arity", "add", s, ok, []cuda.DevicePtr{a, a}, cuda.ErrorInvalidValue},
		{"bad stream", "add", 9999, ok, []cuda.DevicePtr{a, a, a}, cuda.ErrorInvalidHandle},
		{"too many threads", "add", s, cuda.LaunchGeometry{GridX: 1, GridY: 1, GridZ: 1, Warps: 3}, []cuda.DevicePtr{a, a, a}, cuda.ErrorLaunchOutOfResources},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Invoke(tt.kernel, tt.stream, tt.g, tt.ptrs, 1))
		})
	}

	require.NoError(t, m.Close())
	assert.Equal(t, cuda.ErrorNotFound, m.Invoke("add", s, ok, []cuda.DevicePtr{a, a, a}, 1))
}

func TestVecAddHalf(t *testing.T) {
	k := VecAddHalf("h")
	a := []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}
	b := []float16.Float16{float16.Fromfloat32(0.25), float16.Fromfloat32(4)}
	out := make([]float16.Float16, 2)

	bytes := func(v []float16.Float16) []byte {
		return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*2)
	}
	k.Run([][]byte{bytes(a), bytes(b)}, bytes(out), 2)

	assert.Equal(t, float32(1.75), out[0].Float32())
	assert.Equal(t, float32(2), out[1].Float32())
	assert.Equal(t, uintptr(2), k.Signature.ElemSize)
}

func TestKernelFor(t *testing.T) {
	for _, dtype := range []string{"f16", "f32", "f64", "i32", "i64", "u32"} {
		k, err := KernelFor("k", dtype, 2)
		require.NoError(t, err, dtype)
		assert.Equal(t, 2, k.Signature.Inputs)
	}
	_, err := KernelFor("k", "bf16", 2)
	assert.Error(t, err)
	_, err = KernelFor("k", "f32", 3)
	assert.Error(t, err)
}
