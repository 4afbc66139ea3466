package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
	"github.com/orneryd/gpubridge/pkg/gpu/sim"
	"github.com/orneryd/gpubridge/pkg/logging"
)

func quietLedger(opts ...Option) *Ledger {
	return New(append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func ev(kind cuda.EventKind, handle uintptr, bytes uint64, offset int) cuda.Event {
	return cuda.Event{Kind: kind, Handle: handle, Bytes: bytes, Time: t0.Add(time.Duration(offset) * time.Second)}
}

func TestLedgerBalanced(t *testing.T) {
	l := quietLedger()
	for i, e := range []cuda.Event{
		ev(cuda.EventContextCreated, 1, 0, 0),
		ev(cuda.EventStreamCreated, 2, 0, 1),
		ev(cuda.EventAlloc, 0x100, 64, 2),
		ev(cuda.EventAlloc, 0x200, 32, 3),
		ev(cuda.EventFree, 0x100, 64, 4),
		ev(cuda.EventFree, 0x200, 32, 5),
		ev(cuda.EventStreamReleased, 2, 0, 6),
		ev(cuda.EventContextReleased, 1, 0, 7),
	} {
		l.Observe(e)
		assert.Equal(t, uint64(i+1), l.seq)
	}

	sum := l.Summary()
	assert.True(t, sum.Clean())
	assert.Equal(t, 2, sum.Allocs)
	assert.Equal(t, 2, sum.Frees)
	assert.Equal(t, uint64(96), sum.BytesAllocated)
	assert.Equal(t, uint64(96), sum.PeakBytes)
	assert.Equal(t, t0, sum.Started)
	assert.Equal(t, t0.Add(7*time.Second), sum.Ended)
	require.NoError(t, l.Close())
}

func TestLedgerLeak(t *testing.T) {
	l := quietLedger()
	l.Observe(ev(cuda.EventAlloc, 0x100, 64, 0))
	l.Observe(ev(cuda.EventAlloc, 0x200, 32, 1))
	l.Observe(ev(cuda.EventFree, 0x100, 64, 2))

	leaks := l.Leaks()
	require.Len(t, leaks, 1)
	assert.Equal(t, Leak{Class: ClassBuffer, Handle: 0x200, Bytes: 32, Since: t0.Add(time.Second)}, leaks[0])
	assert.Equal(t, "buffer 0x200 (32 bytes)", leaks[0].String())
	assert.False(t, l.Summary().Clean())
}

func TestLedgerDoubleFree(t *testing.T) {
	l := quietLedger()
	l.Observe(ev(cuda.EventAlloc, 0x100, 64, 0))
	l.Observe(ev(cuda.EventFree, 0x100, 64, 1))
	l.Observe(ev(cuda.EventFree, 0x100, 64, 2))

	sum := l.Summary()
	require.Len(t, sum.Violations, 1)
	assert.Equal(t, uint64(3), sum.Violations[0].Record.Seq)
	assert.Empty(t, sum.Leaks)
	assert.False(t, sum.Clean())
}

func TestLedgerClassesAreSeparate(t *testing.T) {
	l := quietLedger()
	// A stream and a buffer may share a numeric handle.
	l.Observe(ev(cuda.EventStreamCreated, 7, 0, 0))
	l.Observe(ev(cuda.EventAlloc, 7, 4, 1))
	l.Observe(ev(cuda.EventFree, 7, 4, 2))

	leaks := l.Leaks()
	require.Len(t, leaks, 1)
	assert.Equal(t, ClassStream, leaks[0].Class)
}

func TestLedgerWithRuntime(t *testing.T) {
	drv := sim.NewDriver()
	mod := sim.NewModule(drv)
	mod.Register(sim.VecAdd[float32]("vec_add_64"))
	l := quietLedger(WithSession("run-1"))

	rt := cuda.NewRuntime(drv, cuda.WithObserver(l), cuda.WithLogger(logging.Discard()))
	require.NoError(t, rt.Init(0))
	ctx, err := rt.NewContext(0)
	require.NoError(t, err)
	s, err := ctx.NewStream()
	require.NoError(t, err)

	a, err := cuda.AllocFrom(ctx, []float32{1, 2, 3})
	require.NoError(t, err)
	out, err := cuda.Alloc[float32](ctx, 3)
	require.NoError(t, err)

	d := cuda.NewDispatcher(mod, cuda.WithDispatchLogger(logging.Discard()))
	g := cuda.LaunchGeometry{GridX: 32, GridY: 1, GridZ: 1, Warps: 3}
	require.NoError(t, d.Launch(s, "vec_add_64", g, []*cuda.Buffer{a, a}, out, 3))

	require.NoError(t, out.Release())
	require.NoError(t, a.Release())
	require.NoError(t, a.Release())
	require.NoError(t, s.Release())
	require.NoError(t, ctx.Release())

	sum := l.Summary()
	assert.Equal(t, "run-1", sum.Session)
	assert.True(t, sum.Clean(), "leaks=%v violations=%v", sum.Leaks, sum.Violations)
	assert.Equal(t, 2, sum.Allocs)
	assert.Equal(t, 2, sum.Frees, "each allocation is freed exactly once")
	assert.Equal(t, 1, sum.Launches)
	assert.Equal(t, uint64(3), sum.Elements)
	assert.Equal(t, drv.Stats().Frees, sum.Frees)
}

func TestReplayMatchesLive(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	l := quietLedger(WithStore(store))
	l.Observe(ev(cuda.EventContextCreated, 1, 0, 0))
	l.Observe(ev(cuda.EventAlloc, 0x100, 64, 1))
	l.Observe(cuda.Event{Kind: cuda.EventLaunch, Handle: 2, Kernel: "k", Elements: 16, Time: t0.Add(2 * time.Second),
		Geometry: cuda.LaunchGeometry{GridX: 1, GridY: 1, GridZ: 1, Warps: 1}})
	live := l.Summary()

	records, err := store.Records(l.Session())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "grid(1,1,1) warps=1", records[2].Geometry)

	replayed := Replay(l.Session(), records)
	assert.Equal(t, live.Allocs, replayed.Allocs)
	assert.Equal(t, live.Launches, replayed.Launches)
	require.Len(t, replayed.Leaks, len(live.Leaks))
	for i := range live.Leaks {
		assert.Equal(t, live.Leaks[i].Handle, replayed.Leaks[i].Handle)
		assert.True(t, live.Leaks[i].Since.Equal(replayed.Leaks[i].Since))
	}
}
