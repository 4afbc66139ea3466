package cuda

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/gpubridge/pkg/logging"
)

// DefaultWarpSize is used when the device does not report its warp size.
const DefaultWarpSize = 32

// LaunchGeometry is the grid layout and warps per block of one launch.
type LaunchGeometry struct {
	GridX, GridY, GridZ uint32
	Warps               uint32
}

// Validate rejects geometry with a zero dimension.
func (g LaunchGeometry) Validate() error {
	if g.GridX == 0 || g.GridY == 0 || g.GridZ == 0 || g.Warps == 0 {
		return fmt.Errorf("%w: geometry %v has a zero dimension", ErrDispatch, g)
	}
	return nil
}

// Blocks returns GridX*GridY*GridZ.
func (g LaunchGeometry) Blocks() uint64 {
	return uint64(g.GridX) * uint64(g.GridY) * uint64(g.GridZ)
}

// Threads returns the total number of threads for the given warp size.
func (g LaunchGeometry) Threads(warpSize int) uint64 {
	return g.Blocks() * uint64(g.Warps) * uint64(warpSize)
}

func (g LaunchGeometry) String() string {
	return fmt.Sprintf("grid(%d,%d,%d) warps=%d", g.GridX, g.GridY, g.GridZ, g.Warps)
}

// fits checks the geometry against the device limits. Zero limits are not
// enforced.
func (g LaunchGeometry) fits(l Limits) error {
	warp := l.WarpSize
	if warp == 0 {
		warp = DefaultWarpSize
	}
	if l.MaxThreadsPerBlock > 0 && uint64(g.Warps)*uint64(warp) > uint64(l.MaxThreadsPerBlock) {
		return fmt.Errorf("%w: %d warps x %d threads exceeds %d threads per block",
			ErrDispatch, g.Warps, warp, l.MaxThreadsPerBlock)
	}
	dims := [3]uint32{g.GridX, g.GridY, g.GridZ}
	for i, d := range dims {
		if l.MaxGrid[i] > 0 && uint64(d) > uint64(l.MaxGrid[i]) {
			return fmt.Errorf("%w: grid dimension %d is %d, device maximum is %d",
				ErrDispatch, i, d, l.MaxGrid[i])
		}
	}
	return nil
}

// Signature is the call contract of one kernel entry point:
//
//	(stream, gridX, gridY, gridZ, warps, input ptrs..., output ptr, n)
type Signature struct {
	// Name is the entry point name without the library prefix.
	Name string
	// Inputs is the number of input device pointers.
	Inputs int
	// ElemSize is the element size in bytes every buffer argument must have.
	// Zero disables the check.
	ElemSize uintptr
	// ReturnsStatus is set when the entry point returns a driver status
	// instead of void.
	ReturnsStatus bool
}

// KernelModule is a set of externally compiled kernel entry points.
type KernelModule interface {
	// Signature returns the call contract of the named entry point.
	Signature(name string) (Signature, bool)
	// Invoke enqueues the named kernel on stream. ptrs holds the input
	// pointers followed by the output pointer. The returned status is the
	// launch status, not the kernel's completion status.
	Invoke(name string, stream StreamHandle, g LaunchGeometry, ptrs []DevicePtr, n uint64) Result
	Close() error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(log logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// Dispatcher launches kernels from a KernelModule.
//
// It checks what it can see from the host (entry point, arity, geometry,
// buffer liveness, context pairing, element sizes and counts) and passes raw
// pointers to the module. It does not check what the kernel does with them.
type Dispatcher struct {
	module KernelModule
	log    logrus.FieldLogger
}

// NewDispatcher returns a dispatcher over module.
func NewDispatcher(module KernelModule, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		module: module,
		log:    logging.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Module returns the underlying kernel module.
func (d *Dispatcher) Module() KernelModule { return d.module }

// Launch enqueues kernel name on s with inputs and output and returns
// without waiting for it to finish. A rejected launch is returned as an
// ErrDispatch error and is not retried.
func (d *Dispatcher) Launch(s *Stream, name string, g LaunchGeometry, inputs []*Buffer, output *Buffer, n uint64) error {
	sig, ok := d.module.Signature(name)
	if !ok {
		return &Error{Kind: ErrDispatch, Op: name, Result: ErrorNotFound}
	}
	if len(inputs) != sig.Inputs {
		return fmt.Errorf("%w: %s takes %d input(s), got %d", ErrDispatch, name, sig.Inputs, len(inputs))
	}
	if output == nil {
		return fmt.Errorf("%w: %s: nil output buffer", ErrDispatch, name)
	}
	if err := g.Validate(); err != nil {
		return err
	}
	if err := s.alive(); err != nil {
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	if err := g.fits(s.ctx.limits); err != nil {
		return err
	}

	bufs := make([]*Buffer, 0, len(inputs)+1)
	bufs = append(bufs, inputs...)
	bufs = append(bufs, output)

	ptrs := make([]DevicePtr, len(bufs))
	for i, b := range bufs {
		if b == nil {
			return fmt.Errorf("%w: %s: argument %d is nil", ErrDispatch, name, i)
		}
		if err := b.alive(); err != nil {
			return fmt.Errorf("%w: %s: argument %d: %w", ErrDispatch, name, i, err)
		}
		if b.ctx != s.ctx {
			return fmt.Errorf("%w: %s: argument %d belongs to a different context than the stream", ErrDispatch, name, i)
		}
		if sig.ElemSize != 0 && b.elemSize != sig.ElemSize {
			return fmt.Errorf("%w: %s: argument %d has %d-byte elements, kernel expects %d (%w)",
				ErrDispatch, name, i, b.elemSize, sig.ElemSize, ErrElementSize)
		}
		if n > b.Count() {
			return fmt.Errorf("%w: %s: %d elements requested, argument %d holds %d",
				ErrDispatch, name, n, i, b.Count())
		}
		ptrs[i] = b.ptr
	}

	if res := d.module.Invoke(name, s.handle, g, ptrs, n); res != Success {
		err := &Error{Kind: ErrDispatch, Op: name, Result: res}
		d.log.WithError(err).WithField("kernel", name).Warn("launch rejected")
		return err
	}

	epoch := s.enqueue()
	for _, b := range bufs {
		b.markUsed(s, epoch)
	}

	s.ctx.rt.emit(Event{Kind: EventLaunch, Handle: uintptr(s.handle), Kernel: name, Geometry: g, Elements: n})
	d.log.WithFields(logrus.Fields{"kernel": name, "geometry": g.String(), "n": n}).Debug("kernel launched")
	return nil
}

// Close closes the underlying module.
func (d *Dispatcher) Close() error {
	return d.module.Close()
}
