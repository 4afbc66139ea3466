package cuda

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// Element is the set of host types that can be stored in a Buffer.
// Half precision values are carried as ~uint16 (e.g. float16.Float16).
type Element interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Buffer owns one device allocation.
//
// The byte length is always count*sizeof(T) for the T the buffer was
// allocated with. The device pointer is valid until Release, which frees the
// allocation exactly once.
type Buffer struct {
	ctx      *Context
	ptr      DevicePtr
	bytes    uint64
	elemSize uintptr

	mu       sync.Mutex
	released bool
	// pending maps each stream with launches touching this buffer to the
	// epoch of the latest such launch.
	pending map[*Stream]uint64
}

func sizeOf[T Element]() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}

// Alloc allocates device memory for n elements of T.
func Alloc[T Element](c *Context, n int) (*Buffer, error) {
	return alloc(c, n, sizeOf[T]())
}

func alloc(c *Context, n int, elemSize uintptr) (*Buffer, error) {
	if n <= 0 {
		return nil, &Error{Kind: ErrAllocation, Op: "cuMemAlloc", Result: ErrorInvalidValue}
	}
	bytes := uint64(n) * uint64(elemSize)
	if bytes/uint64(elemSize) != uint64(n) {
		return nil, &Error{Kind: ErrAllocation, Op: "cuMemAlloc", Result: ErrorInvalidValue}
	}

	if err := c.acquire(false); err != nil {
		return nil, err
	}

	ptr, res := c.rt.drv.MemAlloc(bytes)
	if err := check(res, ErrAllocation, "cuMemAlloc"); err != nil {
		c.drop(false)
		return nil, err
	}

	c.rt.emit(Event{Kind: EventAlloc, Handle: uintptr(ptr), Bytes: bytes})
	return &Buffer{ctx: c, ptr: ptr, bytes: bytes, elemSize: elemSize}, nil
}

// AllocFrom allocates a buffer sized for data and copies data into it.
// The allocation is released again if the copy fails.
func AllocFrom[T Element](c *Context, data []T) (*Buffer, error) {
	b, err := Alloc[T](c, len(data))
	if err != nil {
		return nil, err
	}
	if err := CopyFromHost(b, data); err != nil {
		return nil, errors.Join(err, b.Release())
	}
	return b, nil
}

// CopyFromHost synchronously copies data to the start of b.
func CopyFromHost[T Element](b *Buffer, data []T) error {
	size := sizeOf[T]()
	if size != b.elemSize {
		return fmt.Errorf("%w: buffer holds %d-byte elements, got %d-byte", ErrElementSize, b.elemSize, size)
	}
	n := uint64(len(data)) * uint64(size)
	if n == 0 || n > b.bytes {
		return &Error{Kind: ErrTransfer, Op: "cuMemcpyHtoD", Result: ErrorInvalidValue}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return fmt.Errorf("%w: buffer", ErrReleased)
	}
	// Launches still reading the buffer must finish before it is overwritten.
	if err := b.waitPendingLocked(); err != nil {
		return err
	}

	res := b.ctx.rt.drv.MemcpyHtoD(b.ptr, unsafe.Pointer(unsafe.SliceData(data)), n)
	return check(res, ErrTransfer, "cuMemcpyHtoD")
}

// ToHost copies the whole buffer into a new host slice of
// byteLength/sizeof(T) elements. Streams with launches still pending on the
// buffer are synchronized first.
func ToHost[T Element](b *Buffer) ([]T, error) {
	size := sizeOf[T]()
	if size != b.elemSize {
		return nil, fmt.Errorf("%w: buffer holds %d-byte elements, requested %d-byte", ErrElementSize, b.elemSize, size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, fmt.Errorf("%w: buffer", ErrReleased)
	}
	if err := b.waitPendingLocked(); err != nil {
		return nil, err
	}

	out := make([]T, b.bytes/uint64(size))
	res := b.ctx.rt.drv.MemcpyDtoH(unsafe.Pointer(unsafe.SliceData(out)), b.ptr, b.bytes)
	if err := check(res, ErrTransfer, "cuMemcpyDtoH"); err != nil {
		return nil, err
	}
	return out, nil
}

// DevicePtr returns the raw device address. It must not be used after
// Release.
func (b *Buffer) DevicePtr() DevicePtr { return b.ptr }

// Len returns the size of the allocation in bytes.
func (b *Buffer) Len() uint64 { return b.bytes }

// ElemSize returns the element size the buffer was allocated with.
func (b *Buffer) ElemSize() uintptr { return b.elemSize }

// Count returns the number of elements in the buffer.
func (b *Buffer) Count() uint64 { return b.bytes / uint64(b.elemSize) }

// Context returns the owning context.
func (b *Buffer) Context() *Context { return b.ctx }

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Release waits for pending launches that touch the buffer and frees the
// device allocation. Releasing twice is a no-op.
func (b *Buffer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return nil
	}

	waitErr := b.waitPendingLocked()

	b.released = true
	res := b.ctx.rt.drv.MemFree(b.ptr)
	b.ctx.drop(false)
	b.ctx.rt.emit(Event{Kind: EventFree, Handle: uintptr(b.ptr), Bytes: b.bytes})

	return errors.Join(waitErr, check(res, ErrAllocation, "cuMemFree"))
}

func (b *Buffer) markUsed(s *Stream, epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		b.pending = make(map[*Stream]uint64)
	}
	b.pending[s] = epoch
}

func (b *Buffer) alive() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return fmt.Errorf("%w: buffer", ErrReleased)
	}
	return nil
}

func (b *Buffer) waitPendingLocked() error {
	for s, epoch := range b.pending {
		if err := s.waitFor(epoch); err != nil {
			return err
		}
		delete(b.pending, s)
	}
	return nil
}
