package cuda

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/gpubridge/pkg/logging"
)

// State is the lifecycle state of a Runtime.
type State int32

const (
	StateNotStarted State = iota
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithObserver registers an observer for lifecycle events of every context,
// stream, buffer and launch created through the runtime.
func WithObserver(obs Observer) Option {
	return func(r *Runtime) {
		if obs != nil {
			r.obs = obs
		}
	}
}

// WithLogger sets the logger used for lifecycle tracing.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Runtime) {
		if log != nil {
			r.log = log
		}
	}
}

// Runtime owns the process-wide driver initialization.
//
// Init must succeed before any context is created. A failed Init is final:
// the recorded error is returned on every later call and the driver is not
// asked again.
type Runtime struct {
	drv Driver
	obs Observer
	log logrus.FieldLogger

	mu       sync.Mutex
	state    State
	err      error
	contexts int
}

// NewRuntime wraps drv. No driver call is made until Init.
func NewRuntime(drv Driver, opts ...Option) *Runtime {
	r := &Runtime{
		drv: drv,
		obs: nopObserver{},
		log: logging.WithComponent("cuda"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init activates the driver subsystem. flags is reserved and should be 0.
func (r *Runtime) Init(flags uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateReady:
		return nil
	case StateFailed:
		return r.err
	case StateClosed:
		return fmt.Errorf("%w: runtime closed", ErrNotInitialized)
	}

	if err := check(r.drv.Init(flags), ErrInitialization, "cuInit"); err != nil {
		r.state = StateFailed
		r.err = err
		r.log.WithError(err).Error("driver initialization failed")
		return err
	}

	r.state = StateReady
	r.log.Debug("driver initialized")
	return nil
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Driver returns the underlying driver.
func (r *Runtime) Driver() Driver { return r.drv }

// DeviceCount returns the number of devices visible to the driver.
func (r *Runtime) DeviceCount() (int, error) {
	if err := r.ready(); err != nil {
		return 0, err
	}
	n, res := r.drv.DeviceCount()
	if err := check(res, ErrResolution, "cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return n, nil
}

// DeviceInfo queries the properties of the device at ordinal.
func (r *Runtime) DeviceInfo(ordinal int) (*DeviceInfo, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if ordinal < 0 {
		return nil, &Error{Kind: ErrResolution, Op: "cuDeviceGet", Result: ErrorInvalidDevice}
	}
	return queryDevice(r.drv, ordinal)
}

// Close moves the runtime to its terminal state. It fails with
// ErrContextBusy while any context created by the runtime is still alive.
// Drivers implementing io.Closer are closed.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateClosed {
		return nil
	}
	if r.contexts > 0 {
		return fmt.Errorf("%w: %d context(s) alive", ErrContextBusy, r.contexts)
	}
	r.state = StateClosed

	if c, ok := r.drv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Runtime) ready() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateReady:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: %w", ErrNotInitialized, r.err)
	default:
		return ErrNotInitialized
	}
}

func (r *Runtime) addContext(delta int) {
	r.mu.Lock()
	r.contexts += delta
	r.mu.Unlock()
}

func (r *Runtime) emit(ev Event) {
	ev.Time = time.Now()
	r.obs.Observe(ev)
}
