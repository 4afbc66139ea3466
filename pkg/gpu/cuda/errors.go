package cuda

import (
	"errors"
	"fmt"
)

// Error categories. Every failure returned by this package matches exactly
// one of the first five with errors.Is.
var (
	ErrInitialization = errors.New("cuda: driver initialization failed")
	ErrResolution     = errors.New("cuda: device resolution failed")
	ErrAllocation     = errors.New("cuda: allocation failed")
	ErrTransfer       = errors.New("cuda: host/device transfer failed")
	ErrDispatch       = errors.New("cuda: kernel dispatch failed")
)

// Lifecycle and caller errors.
var (
	ErrCUDANotAvailable = errors.New("cuda: CUDA is not available (driver library not found or unsupported platform)")
	ErrNotInitialized   = errors.New("cuda: driver not initialized")
	ErrReleased         = errors.New("cuda: resource already released")
	ErrContextBusy      = errors.New("cuda: owner still has live dependents")
	ErrElementSize      = errors.New("cuda: element size mismatch")
)

// Error is a failed driver call.
type Error struct {
	// Kind is one of ErrInitialization, ErrResolution, ErrAllocation,
	// ErrTransfer or ErrDispatch.
	Kind error
	// Op names the driver call or kernel entry point that failed.
	Op     string
	Result Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Result)
}

// Unwrap exposes both the category and the driver code to errors.Is.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Result}
}

// check converts a driver status into an *Error of the given kind.
// An out-of-memory status is always reported as ErrAllocation.
func check(res Result, kind error, op string) error {
	if res == Success {
		return nil
	}
	if res == ErrorOutOfMemory {
		kind = ErrAllocation
	}
	return &Error{Kind: kind, Op: op, Result: res}
}

// ResultOf extracts the driver code from err, if it carries one.
func ResultOf(err error) (Result, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Result, true
	}
	var r Result
	if errors.As(err, &r) {
		return r, true
	}
	return Success, false
}
