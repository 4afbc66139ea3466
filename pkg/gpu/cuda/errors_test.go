package cuda

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultString(t *testing.T) {
	assert.Equal(t, "CUDA_ERROR_OUT_OF_MEMORY", ErrorOutOfMemory.String())
	assert.Equal(t, "CUDA_ERROR_OUT_OF_MEMORY (2)", ErrorOutOfMemory.Error())
	assert.Equal(t, "CUDA_ERROR(12345)", Result(12345).String())
	assert.True(t, Success.OK())
	assert.False(t, ErrorInvalidValue.OK())
}

func TestCheck(t *testing.T) {
	assert.NoError(t, check(Success, ErrTransfer, "op"))

	err := check(ErrorInvalidValue, ErrTransfer, "cuMemcpyHtoD")
	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, ErrorInvalidValue)
	assert.NotErrorIs(t, err, ErrorOutOfMemory)
	assert.Equal(t, "cuda: host/device transfer failed: cuMemcpyHtoD: CUDA_ERROR_INVALID_VALUE (1)", err.Error())

	// Out of memory is always an allocation failure.
	err = check(ErrorOutOfMemory, ErrTransfer, "cuMemcpyHtoD")
	assert.ErrorIs(t, err, ErrAllocation)
	assert.NotErrorIs(t, err, ErrTransfer)
}

func TestResultOf(t *testing.T) {
	wrapped := fmt.Errorf("uploading: %w", check(ErrorInvalidHandle, ErrDispatch, "launch"))
	r, ok := ResultOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, ErrorInvalidHandle, r)

	r, ok = ResultOf(fmt.Errorf("x: %w", ErrorNoDevice))
	assert.True(t, ok)
	assert.Equal(t, ErrorNoDevice, r)

	_, ok = ResultOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestLaunchGeometry(t *testing.T) {
	g := LaunchGeometry{GridX: 32, GridY: 1, GridZ: 1, Warps: 3}
	assert.NoError(t, g.Validate())
	assert.Equal(t, uint64(32), g.Blocks())
	assert.Equal(t, uint64(32*3*32), g.Threads(32))
	assert.Equal(t, "grid(32,1,1) warps=3", g.String())

	for _, bad := range []LaunchGeometry{
		{GridX: 0, GridY: 1, GridZ: 1, Warps: 1},
		{GridX: 1, GridY: 0, GridZ: 1, Warps: 1},
		{GridX: 1, GridY: 1, GridZ: 0, Warps: 1},
		{GridX: 1, GridY: 1, GridZ: 1, Warps: 0},
	} {
		assert.ErrorIs(t, bad.Validate(), ErrDispatch, bad.String())
	}
}

func TestLaunchGeometryFits(t *testing.T) {
	limits := Limits{MaxThreadsPerBlock: 1024, MaxGrid: [3]int{100, 10, 1}, WarpSize: 32}

	tests := []struct {
		name string
		g    LaunchGeometry
		ok   bool
	}{
		{"demo", LaunchGeometry{GridX: 32, GridY: 1, GridZ: 1, Warps: 3}, true},
		{"full block", LaunchGeometry{GridX: 1, GridY: 1, GridZ: 1, Warps: 32}, true},
		{"block too wide", LaunchGeometry{GridX: 1, GridY: 1, GridZ: 1, Warps: 33}, false},
		{"grid x", LaunchGeometry{GridX: 101, GridY: 1, GridZ: 1, Warps: 1}, false},
		{"grid z", LaunchGeometry{GridX: 1, GridY: 1, GridZ: 2, Warps: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.g.fits(limits)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrDispatch)
			}
		})
	}

	// Unreported limits are not enforced.
	assert.NoError(t, LaunchGeometry{GridX: 1 << 31, GridY: 1, GridZ: 1, Warps: 32}.fits(Limits{}))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "mem.alloc", EventAlloc.String())
	assert.Equal(t, "kernel.launch", EventLaunch.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not started", StateNotStarted.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "closed", StateClosed.String())
}
