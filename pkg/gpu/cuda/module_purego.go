//go:build linux

package cuda

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// maxSyscallArgs is the argument limit of purego.SyscallN.
const maxSyscallArgs = 15

type libEntry struct {
	sig Signature
	fn  uintptr
}

// SharedModule is a kernel module loaded from a shared library built by the
// kernel toolchain. Each entry point is the exported symbol prefix+name.
type SharedModule struct {
	path    string
	lib     uintptr
	entries map[string]libEntry
}

// OpenModule loads the library at path and resolves one symbol per
// signature. A missing symbol fails the whole load.
func OpenModule(path, prefix string, sigs []Signature) (*SharedModule, error) {
	lib, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("%w: loading kernel library %s: %v", ErrDispatch, path, err)
	}

	m := &SharedModule{path: path, lib: lib, entries: make(map[string]libEntry, len(sigs))}
	for _, sig := range sigs {
		if n := 5 + sig.Inputs + 2; n > maxSyscallArgs {
			purego.Dlclose(lib)
			return nil, fmt.Errorf("%w: %s takes %d arguments, at most %d supported", ErrDispatch, sig.Name, n, maxSyscallArgs)
		}
		fn, err := purego.Dlsym(lib, prefix+sig.Name)
		if err != nil {
			purego.Dlclose(lib)
			return nil, fmt.Errorf("%w: entry point %s%s not found in %s: %v", ErrDispatch, prefix, sig.Name, path, err)
		}
		m.entries[sig.Name] = libEntry{sig: sig, fn: fn}
	}
	return m, nil
}

// Signature implements KernelModule.
func (m *SharedModule) Signature(name string) (Signature, bool) {
	e, ok := m.entries[name]
	return e.sig, ok
}

// Invoke implements KernelModule.
func (m *SharedModule) Invoke(name string, stream StreamHandle, g LaunchGeometry, ptrs []DevicePtr, n uint64) Result {
	e, ok := m.entries[name]
	if !ok || m.lib == 0 {
		return ErrorNotFound
	}

	args := make([]uintptr, 0, 6+len(ptrs))
	args = append(args, uintptr(stream), uintptr(g.GridX), uintptr(g.GridY), uintptr(g.GridZ), uintptr(g.Warps))
	for _, p := range ptrs {
		args = append(args, uintptr(p))
	}
	args = append(args, uintptr(n))

	r1, _, _ := purego.SyscallN(e.fn, args...)
	if !e.sig.ReturnsStatus {
		return Success
	}
	return Result(int32(r1))
}

// Close unloads the library.
func (m *SharedModule) Close() error {
	if m.lib == 0 {
		return nil
	}
	err := purego.Dlclose(m.lib)
	m.lib = 0
	return err
}
