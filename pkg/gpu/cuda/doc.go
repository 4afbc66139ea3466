// Package cuda manages NVIDIA GPU resources through the CUDA driver API and
// dispatches externally compiled kernels.
//
// This package requires, at run time:
//   - NVIDIA driver (libcuda.so.1) on Linux
//   - A kernel library exporting C entry points of the form
//     fn(stream, gridX, gridY, gridZ, warps, inputs..., output, n)
//
// No CUDA toolkit or cgo is needed to build. libcuda is loaded with purego
// on first use; on other platforms LoadDriver returns ErrCUDANotAvailable.
//
// Resources form a tree: Runtime -> Context -> Stream and Buffer. Every
// node is released explicitly, at most once, and an owner refuses release
// while dependents are alive. Contexts are bound to the OS thread that
// created them.
//
// Launches are asynchronous. Reading a buffer back, overwriting it from the
// host, or releasing it first waits for the streams that still have work
// on it.
//
// Errors carry one of five categories (ErrInitialization, ErrResolution,
// ErrAllocation, ErrTransfer, ErrDispatch) and, when the driver produced
// one, the Result code. Nothing is retried.
//
// Example usage:
//
//	drv, err := cuda.LoadDriver()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt := cuda.NewRuntime(drv)
//	if err := rt.Init(0); err != nil {
//	    log.Fatal(err)
//	}
//	ctx, _ := rt.NewContext(0)
//	defer ctx.Release()
//
//	stream, _ := ctx.NewStream()
//	defer stream.Release()
//
//	a, _ := cuda.AllocFrom(ctx, xs)
//	defer a.Release()
//	b, _ := cuda.AllocFrom(ctx, ys)
//	defer b.Release()
//	out, _ := cuda.Alloc[float32](ctx, len(xs))
//	defer out.Release()
//
//	d := cuda.NewDispatcher(module)
//	g := cuda.LaunchGeometry{GridX: 32, GridY: 1, GridZ: 1, Warps: 3}
//	_ = d.Launch(stream, "vec_add_64", g, []*cuda.Buffer{a, b}, out, uint64(len(xs)))
//	result, _ := cuda.ToHost[float32](out)
package cuda
