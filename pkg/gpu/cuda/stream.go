package cuda

import (
	"fmt"
	"sync"
)

// Stream is an ordered queue of asynchronous device work.
//
// Work issued to one stream runs in issue order. There is no ordering
// between streams unless one of them is synchronized.
type Stream struct {
	ctx    *Context
	handle StreamHandle

	mu        sync.Mutex
	issued    uint64
	completed uint64
	released  bool
}

// NewStream creates a stream with default flags under c.
func (c *Context) NewStream() (*Stream, error) {
	if err := c.acquire(true); err != nil {
		return nil, err
	}

	handle, res := c.rt.drv.StreamCreate(StreamDefault)
	if err := check(res, ErrResolution, "cuStreamCreate"); err != nil {
		c.drop(true)
		return nil, err
	}

	c.rt.emit(Event{Kind: EventStreamCreated, Handle: uintptr(handle)})
	return &Stream{ctx: c, handle: handle}, nil
}

// Handle returns the native stream handle.
func (s *Stream) Handle() StreamHandle { return s.handle }

// Context returns the owning context.
func (s *Stream) Context() *Context { return s.ctx }

// Pending reports whether launches were issued since the last successful
// synchronization.
func (s *Stream) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed < s.issued
}

// Synchronize blocks until all work issued to the stream has finished.
// Failures of earlier asynchronous launches surface here as ErrDispatch.
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("%w: stream", ErrReleased)
	}
	return s.syncLocked()
}

func (s *Stream) syncLocked() error {
	target := s.issued
	if err := check(s.ctx.rt.drv.StreamSynchronize(s.handle), ErrDispatch, "cuStreamSynchronize"); err != nil {
		return err
	}
	s.completed = target
	return nil
}

// waitFor synchronizes the stream if work up to epoch may still be running.
func (s *Stream) waitFor(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.completed >= epoch {
		return nil
	}
	return s.syncLocked()
}

// enqueue records an issued launch and returns its epoch.
func (s *Stream) enqueue() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	return s.issued
}

func (s *Stream) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return fmt.Errorf("%w: stream", ErrReleased)
	}
	return nil
}

// Release waits for pending work and destroys the native stream. Releasing
// twice is a no-op.
func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}

	var syncErr error
	if s.completed < s.issued {
		syncErr = s.syncLocked()
	}

	s.released = true
	res := s.ctx.rt.drv.StreamDestroy(s.handle)
	s.ctx.drop(true)
	s.ctx.rt.emit(Event{Kind: EventStreamReleased, Handle: uintptr(s.handle)})

	if err := check(res, ErrResolution, "cuStreamDestroy"); err != nil {
		return err
	}
	return syncErr
}
