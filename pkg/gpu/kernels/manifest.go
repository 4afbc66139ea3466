// Package kernels describes externally compiled kernel libraries.
//
// A manifest names the shared library produced by the kernel toolchain, the
// symbol prefix its entry points share, and the call contract of each entry.
// It takes the place of generated bindings: the dispatcher needs nothing
// beyond what is written here.
//
//	library: libkernels.so
//	prefix: tt_
//	checksum: 6c1f...   # optional blake2b-256 of the library
//	entries:
//	  - name: vec_add_64
//	    inputs: 2
//	    dtype: f32
package kernels

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
	"github.com/orneryd/gpubridge/pkg/gpu/sim"
)

// DefaultPrefix is the symbol prefix of the stock kernel library.
const DefaultPrefix = "tt_"

var (
	ErrInvalidManifest  = errors.New("kernels: invalid manifest")
	ErrChecksumMismatch = errors.New("kernels: library checksum mismatch")
	ErrUnknownKernel    = errors.New("kernels: unknown kernel")
	ErrDTypeMismatch    = errors.New("kernels: element type mismatch")
)

// dtypeSizes maps element type names to their size in bytes.
var dtypeSizes = map[string]uintptr{
	"f16": 2,
	"f32": 4,
	"f64": 8,
	"i32": 4,
	"i64": 8,
	"u32": 4,
}

// DTypes returns the element type names a manifest entry may declare.
func DTypes() []string {
	names := make([]string, 0, len(dtypeSizes))
	for name := range dtypeSizes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidDType reports whether dtype is a known element type name.
func ValidDType(dtype string) bool {
	_, ok := dtypeSizes[dtype]
	return ok
}

// Entry is one kernel entry point.
type Entry struct {
	Name          string `yaml:"name"`
	Inputs        int    `yaml:"inputs"`
	DType         string `yaml:"dtype"`
	ReturnsStatus bool   `yaml:"returns_status,omitempty"`
}

// ElemSize returns the byte size of the entry's element type, or 0 if the
// type is unknown.
func (e Entry) ElemSize() uintptr { return dtypeSizes[e.DType] }

// Signature converts the entry into a dispatcher call contract.
func (e Entry) Signature() cuda.Signature {
	return cuda.Signature{
		Name:          e.Name,
		Inputs:        e.Inputs,
		ElemSize:      e.ElemSize(),
		ReturnsStatus: e.ReturnsStatus,
	}
}

// Manifest describes a kernel library.
type Manifest struct {
	Library  string  `yaml:"library"`
	Prefix   string  `yaml:"prefix"`
	Checksum string  `yaml:"checksum,omitempty"`
	Entries  []Entry `yaml:"entries"`

	// dir is the directory relative library paths resolve against.
	dir string
}

// Default returns the manifest of the stock library: two float32 vector
// additions that differ only in how they were compiled.
func Default() *Manifest {
	return DefaultFor("f32")
}

// DefaultFor returns the stock manifest built for elements of dtype.
func DefaultFor(dtype string) *Manifest {
	return &Manifest{
		Library: "libkernels.so",
		Prefix:  DefaultPrefix,
		Entries: []Entry{
			{Name: "vec_add_64", Inputs: 2, DType: dtype},
			{Name: "vec_add_128", Inputs: 2, DType: dtype},
		},
	}
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading kernel manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Parse decodes and validates a manifest. Relative library paths resolve
// against the working directory.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Prefix == "" {
		m.Prefix = DefaultPrefix
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// Validate checks that every entry is usable by the dispatcher.
func (m *Manifest) Validate() error {
	if m.Library == "" {
		return fmt.Errorf("%w: library is required", ErrInvalidManifest)
	}
	if len(m.Entries) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalidManifest)
	}
	seen := make(map[string]bool, len(m.Entries))
	for i, e := range m.Entries {
		switch {
		case e.Name == "":
			return fmt.Errorf("%w: entry %d has no name", ErrInvalidManifest, i)
		case seen[e.Name]:
			return fmt.Errorf("%w: duplicate entry %q", ErrInvalidManifest, e.Name)
		case e.Inputs < 1:
			return fmt.Errorf("%w: entry %q needs at least one input", ErrInvalidManifest, e.Name)
		case e.ElemSize() == 0:
			return fmt.Errorf("%w: entry %q has unknown dtype %q", ErrInvalidManifest, e.Name, e.DType)
		}
		seen[e.Name] = true
	}
	if m.Checksum != "" {
		if b, err := hex.DecodeString(m.Checksum); err != nil || len(b) != blake2b.Size256 {
			return fmt.Errorf("%w: checksum must be %d hex-encoded bytes", ErrInvalidManifest, blake2b.Size256)
		}
	}
	return nil
}

// Entry returns the named entry.
func (m *Manifest) Entry(name string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Require checks that every named kernel exists and takes elements of dtype.
func (m *Manifest) Require(dtype string, names ...string) error {
	for _, name := range names {
		e, ok := m.Entry(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKernel, name)
		}
		if e.DType != dtype {
			return fmt.Errorf("%w: %s takes %s, not %s", ErrDTypeMismatch, name, e.DType, dtype)
		}
	}
	return nil
}

// Signatures returns the call contract of every entry.
func (m *Manifest) Signatures() []cuda.Signature {
	sigs := make([]cuda.Signature, len(m.Entries))
	for i, e := range m.Entries {
		sigs[i] = e.Signature()
	}
	return sigs
}

// LibraryPath returns the library path, resolved against the manifest's
// directory when relative.
func (m *Manifest) LibraryPath() string {
	if filepath.IsAbs(m.Library) || m.dir == "" {
		return m.Library
	}
	return filepath.Join(m.dir, m.Library)
}

// Checksum returns the hex blake2b-256 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares the library against the manifest checksum. A manifest
// without a checksum always verifies.
func (m *Manifest) Verify() error {
	if m.Checksum == "" {
		return nil
	}
	got, err := Checksum(m.LibraryPath())
	if err != nil {
		return fmt.Errorf("hashing kernel library: %w", err)
	}
	if got != m.Checksum {
		return fmt.Errorf("%w: %s has %s, manifest expects %s", ErrChecksumMismatch, m.LibraryPath(), got, m.Checksum)
	}
	return nil
}

// Open verifies the library and loads its entry points.
func (m *Manifest) Open() (*cuda.SharedModule, error) {
	if err := m.Verify(); err != nil {
		return nil, err
	}
	return cuda.OpenModule(m.LibraryPath(), m.Prefix, m.Signatures())
}

// Simulate returns a simulated module implementing every entry on drv.
func (m *Manifest) Simulate(drv *sim.Driver) (*sim.Module, error) {
	mod := sim.NewModule(drv)
	for _, e := range m.Entries {
		k, err := sim.KernelFor(e.Name, e.DType, e.Inputs)
		if err != nil {
			return nil, err
		}
		k.Signature.ReturnsStatus = e.ReturnsStatus
		mod.Register(k)
	}
	return mod, nil
}
