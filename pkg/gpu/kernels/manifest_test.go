package kernels

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
	"github.com/orneryd/gpubridge/pkg/gpu/sim"
)

const sample = `
library: build/libkernels.so
entries:
  - name: vec_add_64
    inputs: 2
    dtype: f32
  - name: vec_add_h
    inputs: 2
    dtype: f16
    returns_status: true
`

func TestDefault(t *testing.T) {
	m := Default()
	require.NoError(t, m.Validate())
	assert.Equal(t, "tt_", m.Prefix)

	sigs := m.Signatures()
	require.Len(t, sigs, 2)
	assert.Equal(t, cuda.Signature{Name: "vec_add_64", Inputs: 2, ElemSize: 4}, sigs[0])
	assert.Equal(t, "vec_add_128", sigs[1].Name)
}

func TestDefaultFor(t *testing.T) {
	m := DefaultFor("f16")
	require.NoError(t, m.Validate())
	for _, sig := range m.Signatures() {
		assert.Equal(t, uintptr(2), sig.ElemSize, sig.Name)
	}
	assert.Equal(t, Default().Entries[0].Name, m.Entries[0].Name)
}

func TestDTypes(t *testing.T) {
	assert.Equal(t, []string{"f16", "f32", "f64", "i32", "i64", "u32"}, DTypes())
	assert.True(t, ValidDType("u32"))
	assert.False(t, ValidDType("bf16"))
}

func TestRequire(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.NoError(t, m.Require("f32", "vec_add_64"))
	assert.NoError(t, m.Require("f16", "vec_add_h"))
	assert.ErrorIs(t, m.Require("f16", "vec_add_64"), ErrDTypeMismatch)
	assert.ErrorIs(t, m.Require("f32", "vec_add_64", "vec_add_h"), ErrDTypeMismatch)
	assert.ErrorIs(t, m.Require("f32", "vec_sub"), ErrUnknownKernel)
	assert.NoError(t, DefaultFor("i64").Require("i64", "vec_add_64", "vec_add_128"))
}

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, m.Prefix, "prefix defaults")
	assert.Equal(t, "build/libkernels.so", m.LibraryPath())

	e, ok := m.Entry("vec_add_h")
	require.True(t, ok)
	assert.Equal(t, uintptr(2), e.ElemSize())
	assert.True(t, e.Signature().ReturnsStatus)

	_, ok = m.Entry("missing")
	assert.False(t, ok)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "entries: [oops"},
		{"no library", "entries:\n  - {name: a, inputs: 2, dtype: f32}\n"},
		{"no entries", "library: x.so\n"},
		{"unnamed", "library: x.so\nentries:\n  - {inputs: 2, dtype: f32}\n"},
		{"duplicate", "library: x.so\nentries:\n  - {name: a, inputs: 2, dtype: f32}\n  - {name: a, inputs: 2, dtype: f32}\n"},
		{"no inputs", "library: x.so\nentries:\n  - {name: a, inputs: 0, dtype: f32}\n"},
		{"bad dtype", "library: x.so\nentries:\n  - {name: a, inputs: 2, dtype: bf16}\n"},
		{"bad checksum", "library: x.so\nchecksum: abc\nentries:\n  - {name: a, inputs: 2, dtype: f32}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "vec_add_128"))

	m, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, Default().Entries, m.Entries)
}

func TestLoadResolvesLibraryRelativeToManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "build", "libkernels.so"), m.LibraryPath())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libkernels.so")
	require.NoError(t, os.WriteFile(lib, []byte("not really an ELF file"), 0o644))

	sum, err := Checksum(lib)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	m := Default()
	m.Library = lib
	assert.NoError(t, m.Verify(), "no checksum always verifies")

	m.Checksum = sum
	require.NoError(t, m.Validate())
	assert.NoError(t, m.Verify())

	require.NoError(t, os.WriteFile(lib, []byte("tampered"), 0o644))
	assert.ErrorIs(t, m.Verify(), ErrChecksumMismatch)

	_, err = m.Open()
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestSimulate(t *testing.T) {
	m, err := Parse([]byte(sample))
	require.NoError(t, err)

	mod, err := m.Simulate(sim.NewDriver())
	require.NoError(t, err)
	assert.Equal(t, []string{"vec_add_64", "vec_add_h"}, mod.Names())

	sig, ok := mod.Signature("vec_add_h")
	require.True(t, ok)
	assert.Equal(t, uintptr(2), sig.ElemSize)
	assert.True(t, sig.ReturnsStatus)

	m.Entries = append(m.Entries, Entry{Name: "three", Inputs: 3, DType: "f32"})
	_, err = m.Simulate(sim.NewDriver())
	assert.Error(t, err)
}
