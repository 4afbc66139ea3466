package gpu

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
	"github.com/orneryd/gpubridge/pkg/gpu/kernels"
	"github.com/orneryd/gpubridge/pkg/gpu/sim"
	"github.com/orneryd/gpubridge/pkg/logging"
)

// Session owns the resources needed to run kernels on one device.
//
// Driver contexts are bound to the OS thread that created them, so a
// Session must be used and released from the goroutine that created it.
//
// Usage:
//
//	s, err := gpu.NewSession(nil)
//	if err != nil {
//		return err
//	}
//	defer s.Release()
//
//	out, err := gpu.ElementwiseBinary(s, "vec_add_64", geometry, x, y)
type Session struct {
	backend  Backend
	config   *Config
	log      logrus.FieldLogger
	obs      cuda.Observer
	manifest *kernels.Manifest

	rt     *cuda.Runtime
	ctx    *cuda.Context
	stream *cuda.Stream
	disp   *cuda.Dispatcher
	info   *cuda.DeviceInfo

	// simDriver is set for BackendSim.
	simDriver *sim.Driver

	// Stats
	mu    sync.RWMutex
	stats SessionStats
	inUse uint64
	// live maps buffers allocated through the session to their reserved
	// bytes until their release is observed.
	live     map[*cuda.Buffer]uint64
	closing  bool
	released bool
}

// SessionStats tracks device usage of a session.
type SessionStats struct {
	BytesUploaded    int64
	BytesDownloaded  int64
	KernelExecutions int64
	Allocations      int64
	PeakBytes        int64
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithObserver attaches an observer to the session's runtime.
func WithObserver(obs cuda.Observer) SessionOption {
	return func(s *Session) { s.obs = obs }
}

// WithLogger sets the session logger. Runtime and dispatcher log through it
// as well.
func WithLogger(log logrus.FieldLogger) SessionOption {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithManifest uses m instead of loading config.KernelManifest.
func WithManifest(m *kernels.Manifest) SessionOption {
	return func(s *Session) { s.manifest = m }
}

// NewSession acquires a session on the configured backend.
//
// Backends are tried in order: the preferred one, then CUDA when the
// preference is auto, then the simulated device if config.FallbackOnError
// is set. Every resource acquired by a failed attempt is released before the
// next one. A backend that fails is not tried twice.
func NewSession(config *Config, opts ...SessionOption) (*Session, error) {
	if config == nil {
		config = DefaultConfig()
	}

	s := &Session{
		config:  config,
		backend: BackendNone,
		log:     logging.WithComponent("gpu"),
		live:    make(map[*cuda.Buffer]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.manifest == nil {
		m := kernels.Default()
		if config.KernelManifest != "" {
			var err error
			if m, err = kernels.Load(config.KernelManifest); err != nil {
				return nil, err
			}
		}
		s.manifest = m
	}

	if err := s.initBackend(config.PreferredBackend); err != nil {
		return nil, err
	}
	return s, nil
}

// initBackend tries each candidate backend until one succeeds.
func (s *Session) initBackend(preferred Backend) error {
	var backends []Backend
	switch preferred {
	case "", BackendAuto:
		backends = append(backends, BackendCUDA)
	case BackendCUDA, BackendSim:
		backends = append(backends, preferred)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, preferred)
	}
	if s.config.FallbackOnError && backends[0] != BackendSim {
		backends = append(backends, BackendSim)
	}

	var errs []error
	for _, backend := range backends {
		err := s.tryBackend(backend)
		if err == nil {
			s.log.WithFields(logrus.Fields{
				"backend": backend,
				"device":  s.DeviceName(),
			}).Info("gpu session ready")
			return nil
		}
		s.log.WithError(err).WithField("backend", backend).Warn("backend unavailable")
		errs = append(errs, fmt.Errorf("%s: %w", backend, err))
	}

	// A single preferred backend reports its own error; the category
	// (initialization, resolution, ...) is what callers branch on.
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("%w: %w", ErrGPUNotAvailable, errors.Join(errs...))
}

// tryBackend acquires runtime, context, stream and module for backend.
func (s *Session) tryBackend(backend Backend) (err error) {
	var (
		drv    cuda.Driver
		module cuda.KernelModule
	)

	switch backend {
	case BackendCUDA:
		if drv, err = cuda.LoadDriver(); err != nil {
			return err
		}
	case BackendSim:
		spec := sim.DefaultDevice()
		if s.config.SimMemoryMB > 0 {
			spec.Memory = uint64(s.config.SimMemoryMB) << 20
		}
		s.simDriver = sim.NewDriver(spec)
		drv = s.simDriver
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}

	// Everything acquired below is released again if a later step fails.
	defer func() {
		if err != nil {
			err = errors.Join(err, s.teardown())
			s.simDriver = nil
		}
	}()

	opts := []cuda.Option{cuda.WithLogger(s.log)}
	if s.obs != nil {
		opts = append(opts, cuda.WithObserver(s.obs))
	}
	s.rt = cuda.NewRuntime(drv, opts...)
	if err = s.rt.Init(0); err != nil {
		return err
	}
	if s.info, err = s.rt.DeviceInfo(s.config.DeviceID); err != nil {
		return err
	}
	if s.ctx, err = s.rt.NewContext(s.config.DeviceID); err != nil {
		return err
	}
	if s.stream, err = s.ctx.NewStream(); err != nil {
		return err
	}

	if backend == BackendSim {
		module, err = s.manifest.Simulate(s.simDriver)
	} else {
		module, err = s.manifest.Open()
	}
	if err != nil {
		return err
	}
	s.disp = cuda.NewDispatcher(module, cuda.WithDispatchLogger(s.log))
	s.backend = backend
	return nil
}

// teardown releases whatever has been acquired, newest first. A context
// or runtime that refuses release is kept so a later call can finish.
func (s *Session) teardown() error {
	var errs []error
	if s.disp != nil {
		errs = append(errs, s.disp.Close())
		s.disp = nil
	}
	if s.stream != nil {
		errs = append(errs, s.stream.Release())
		s.stream = nil
	}
	if s.ctx != nil {
		if err := s.ctx.Release(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		s.ctx = nil
	}
	if s.rt != nil {
		// A runtime that never initialized has nothing to close.
		if s.rt.State() != cuda.StateFailed {
			if err := s.rt.Close(); err != nil {
				return errors.Join(append(errs, err)...)
			}
		}
		s.rt = nil
	}
	s.info = nil
	s.backend = BackendNone
	return errors.Join(errs...)
}

// Release frees all GPU resources. Buffers created through the session must
// be released first: while one is live the context refuses release, the
// error is returned and Release may be called again once the buffers are
// freed. The session accepts no new work after the first call. Releasing a
// released session is a no-op.
func (s *Session) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	if err := s.teardown(); err != nil {
		s.log.WithError(err).Error("gpu session release failed")
		return err
	}

	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

// IsEnabled returns whether the session holds a device.
func (s *Session) IsEnabled() bool {
	return s.backend != BackendNone
}

// Backend returns the active backend.
func (s *Session) Backend() Backend {
	return s.backend
}

// DeviceName returns the device name.
func (s *Session) DeviceName() string {
	if s.info != nil {
		return s.info.Name
	}
	return "none"
}

// DeviceMemoryMB returns the device memory in megabytes.
func (s *Session) DeviceMemoryMB() int {
	if s.info != nil {
		return s.info.MemoryMB()
	}
	return 0
}

// DeviceInfo returns the properties of the session's device.
func (s *Session) DeviceInfo() *cuda.DeviceInfo { return s.info }

// Context returns the driver context.
func (s *Session) Context() *cuda.Context { return s.ctx }

// Stream returns the session's stream.
func (s *Session) Stream() *cuda.Stream { return s.stream }

// Dispatcher returns the kernel dispatcher.
func (s *Session) Dispatcher() *cuda.Dispatcher { return s.disp }

// Manifest returns the kernel manifest in use.
func (s *Session) Manifest() *kernels.Manifest { return s.manifest }

// SimDriver returns the simulated driver, or nil for other backends.
func (s *Session) SimDriver() *sim.Driver { return s.simDriver }

// Stats returns session usage statistics.
func (s *Session) Stats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Launch enqueues kernel on the session stream and counts it.
func (s *Session) Launch(kernel string, g cuda.LaunchGeometry, inputs []*cuda.Buffer, output *cuda.Buffer, n uint64) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.disp.Launch(s.stream, kernel, g, inputs, output, n); err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.KernelExecutions++
	s.mu.Unlock()
	return nil
}

// Synchronize waits for all launches issued through the session.
func (s *Session) Synchronize() error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.stream.Synchronize()
}

// Free releases b and returns its bytes to the session budget. Buffers
// released directly with b.Release are returned to the budget as well, the
// next time the session allocates.
func (s *Session) Free(b *cuda.Buffer) error {
	err := b.Release()
	s.mu.Lock()
	s.forget(b)
	s.mu.Unlock()
	return err
}

// forget drops b from the live set. Callers hold s.mu.
func (s *Session) forget(b *cuda.Buffer) {
	if bytes, ok := s.live[b]; ok {
		delete(s.live, b)
		s.inUse -= bytes
	}
}

// reclaim forgets buffers released outside the session. Callers hold s.mu.
func (s *Session) reclaim() {
	for b := range s.live {
		if b.Released() {
			s.forget(b)
		}
	}
}

// InUse returns the bytes held by live session buffers.
func (s *Session) InUse() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaim()
	return s.inUse
}

func (s *Session) usable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closing || s.released || s.backend == BackendNone {
		return ErrReleased
	}
	return nil
}

// reserve checks bytes against MaxMemoryMB and records the allocation.
func (s *Session) reserve(bytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaim()
	if s.config.MaxMemoryMB > 0 {
		limit := uint64(s.config.MaxMemoryMB) << 20
		if s.inUse+bytes > limit {
			return fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrDataTooLarge, bytes, s.inUse, limit)
		}
	}
	s.inUse += bytes
	s.stats.Allocations++
	if int64(s.inUse) > s.stats.PeakBytes {
		s.stats.PeakBytes = int64(s.inUse)
	}
	return nil
}

func (s *Session) unreserve(bytes uint64) {
	s.mu.Lock()
	s.inUse -= bytes
	s.stats.Allocations--
	s.mu.Unlock()
}

// track records b as holding bytes reserved earlier.
func (s *Session) track(b *cuda.Buffer, bytes uint64) {
	s.mu.Lock()
	s.live[b] = bytes
	s.mu.Unlock()
}

func elemBytes[T cuda.Element](n int) uint64 {
	var zero T
	return uint64(n) * uint64(unsafe.Sizeof(zero))
}

// Alloc allocates an uninitialized buffer of n elements. Release it with
// Session.Free.
func Alloc[T cuda.Element](s *Session, n int) (*cuda.Buffer, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	bytes := elemBytes[T](n)
	if err := s.reserve(bytes); err != nil {
		return nil, err
	}
	b, err := cuda.Alloc[T](s.ctx, n)
	if err != nil {
		s.unreserve(bytes)
		return nil, err
	}
	s.track(b, bytes)
	return b, nil
}

// Upload allocates a buffer holding a copy of data. Release it with
// Session.Free.
func Upload[T cuda.Element](s *Session, data []T) (*cuda.Buffer, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	bytes := elemBytes[T](len(data))
	if err := s.reserve(bytes); err != nil {
		return nil, err
	}
	b, err := cuda.AllocFrom(s.ctx, data)
	if err != nil {
		s.unreserve(bytes)
		return nil, err
	}
	s.mu.Lock()
	s.live[b] = bytes
	s.stats.BytesUploaded += int64(bytes)
	s.mu.Unlock()
	return b, nil
}

// Download copies b to a new host slice after its pending launches finish.
func Download[T cuda.Element](s *Session, b *cuda.Buffer) ([]T, error) {
	out, err := cuda.ToHost[T](b)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.stats.BytesDownloaded += int64(b.Len())
	s.mu.Unlock()
	return out, nil
}

// ElementwiseBinary uploads x and y, runs kernel over them into a new
// output buffer and returns the output. Every buffer it allocates is
// released before it returns, whether or not the launch succeeded.
func ElementwiseBinary[T cuda.Element](s *Session, kernel string, g cuda.LaunchGeometry, x, y []T) (result []T, err error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("%w: %d and %d elements", ErrInvalidDimensions, len(x), len(y))
	}

	release := func(b *cuda.Buffer) {
		if rerr := s.Free(b); rerr != nil {
			err = errors.Join(err, rerr)
			result = nil
		}
	}

	a, err := Upload(s, x)
	if err != nil {
		return nil, err
	}
	defer release(a)

	b, err := Upload(s, y)
	if err != nil {
		return nil, err
	}
	defer release(b)

	out, err := Alloc[T](s, len(x))
	if err != nil {
		return nil, err
	}
	defer release(out)

	if err := s.Launch(kernel, g, []*cuda.Buffer{a, b}, out, uint64(len(x))); err != nil {
		return nil, err
	}
	return Download[T](s, out)
}
