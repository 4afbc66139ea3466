package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
)

func TestStorePersistsSessions(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	first := quietLedger(WithStore(store), WithSession("a"))
	first.Observe(ev(cuda.EventAlloc, 0x100, 8, 0))
	first.Observe(ev(cuda.EventFree, 0x100, 8, 1))
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second := quietLedger(WithStore(store), WithSession("b"))
	second.Observe(ev(cuda.EventAlloc, 0x200, 16, 10))
	require.NoError(t, second.Close())

	unfinished := quietLedger(WithStore(store), WithSession("c"))
	unfinished.Observe(ev(cuda.EventAlloc, 0x300, 4, 20))
	require.NoError(t, store.Close())

	// Reopen from disk.
	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()

	sessions, err := store.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "a", sessions[0].Session)
	assert.True(t, sessions[0].Clean())
	assert.Equal(t, "b", sessions[1].Session)
	require.Len(t, sessions[1].Leaks, 1)
	assert.Equal(t, uint64(0x200), sessions[1].Leaks[0].Handle)
	assert.True(t, sessions[1].Started.Equal(t0.Add(10*time.Second)))

	sum, err := store.Summary("a")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Frees)

	_, err = store.Summary("zzz")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	ids, err := store.Unfinished()
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)

	records, err := store.Records("c")
	require.NoError(t, err)
	leaks := Replay("c", records).Leaks
	require.Len(t, leaks, 1)
	assert.Equal(t, uint64(4), leaks[0].Bytes)
}

func TestRecordKeyOrder(t *testing.T) {
	// Big-endian sequence numbers keep records in order under prefix scans.
	assert.Less(t, string(recordKey("s", 9)), string(recordKey("s", 10)))
	assert.Less(t, string(recordKey("s", 255)), string(recordKey("s", 256)))
}

func TestStoreRecordsEmpty(t *testing.T) {
	store, err := OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	records, err := store.Records("none")
	require.NoError(t, err)
	assert.Empty(t, records)

	sessions, err := store.Sessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
