package cuda

import (
	"fmt"
	"runtime"
	"sync"
)

// Limits are the launch limits of the context's device.
// A zero field means the driver did not report it and it is not enforced.
type Limits struct {
	MaxThreadsPerBlock int
	MaxGrid            [3]int
	WarpSize           int
}

// Context owns a native driver context bound to one device.
//
// Driver contexts are current per OS thread, so NewContext locks the calling
// goroutine to its thread until Release. Create, use and release a Context
// from the same goroutine.
type Context struct {
	rt      *Runtime
	ordinal int
	device  Device
	handle  ContextHandle
	limits  Limits

	mu       sync.Mutex
	streams  int
	buffers  int
	released bool
}

// NewContext resolves ordinal to a device and creates a context on it. The
// new context becomes current for the calling thread.
func (r *Runtime) NewContext(ordinal int) (*Context, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if ordinal < 0 {
		return nil, &Error{Kind: ErrResolution, Op: "cuDeviceGet", Result: ErrorInvalidDevice}
	}

	dev, res := r.drv.DeviceGet(ordinal)
	if err := check(res, ErrResolution, "cuDeviceGet"); err != nil {
		return nil, err
	}

	runtime.LockOSThread()
	handle, res := r.drv.CtxCreate(0, dev)
	if err := check(res, ErrResolution, "cuCtxCreate"); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}

	c := &Context{
		rt:      r,
		ordinal: ordinal,
		device:  dev,
		handle:  handle,
		limits:  queryLimits(r.drv, dev),
	}
	r.addContext(1)
	r.emit(Event{Kind: EventContextCreated, Handle: uintptr(handle)})
	r.log.WithField("device", ordinal).Debug("context created")
	return c, nil
}

func queryLimits(drv Driver, dev Device) Limits {
	attr := func(a Attribute) int {
		v, res := drv.DeviceAttribute(dev, a)
		if res != Success {
			return 0
		}
		return v
	}
	return Limits{
		MaxThreadsPerBlock: attr(AttrMaxThreadsPerBlock),
		MaxGrid:            [3]int{attr(AttrMaxGridDimX), attr(AttrMaxGridDimY), attr(AttrMaxGridDimZ)},
		WarpSize:           attr(AttrWarpSize),
	}
}

// Ordinal returns the device ordinal the context was created for.
func (c *Context) Ordinal() int { return c.ordinal }

// Device returns the resolved device.
func (c *Context) Device() Device { return c.device }

// Handle returns the native context handle.
func (c *Context) Handle() ContextHandle { return c.handle }

// Limits returns the launch limits of the device.
func (c *Context) Limits() Limits { return c.limits }

// Runtime returns the runtime the context was created from.
func (c *Context) Runtime() *Runtime { return c.rt }

// MakeCurrent binds the context to the calling thread.
func (c *Context) MakeCurrent() error {
	if err := c.alive(); err != nil {
		return err
	}
	return check(c.rt.drv.CtxSetCurrent(c.handle), ErrResolution, "cuCtxSetCurrent")
}

// Release destroys the native context. It fails with ErrContextBusy while
// streams or buffers created under the context are alive. Releasing twice
// is a no-op.
func (c *Context) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil
	}
	if c.streams > 0 || c.buffers > 0 {
		return fmt.Errorf("%w: %d stream(s), %d buffer(s) alive", ErrContextBusy, c.streams, c.buffers)
	}

	// The handle is considered gone even if destroy fails; a second destroy
	// of the same handle is never attempted.
	c.released = true
	res := c.rt.drv.CtxDestroy(c.handle)
	runtime.UnlockOSThread()
	c.rt.addContext(-1)
	c.rt.emit(Event{Kind: EventContextReleased, Handle: uintptr(c.handle)})

	return check(res, ErrResolution, "cuCtxDestroy")
}

func (c *Context) alive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return fmt.Errorf("%w: context", ErrReleased)
	}
	return nil
}

// acquire registers a dependent stream or buffer.
func (c *Context) acquire(stream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return fmt.Errorf("%w: context", ErrReleased)
	}
	if stream {
		c.streams++
	} else {
		c.buffers++
	}
	return nil
}

func (c *Context) drop(stream bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream {
		c.streams--
	} else {
		c.buffers--
	}
}
