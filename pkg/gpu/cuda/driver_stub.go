//go:build !linux

package cuda

// LoadDriver returns ErrCUDANotAvailable on platforms where libcuda is not
// loaded.
func LoadDriver() (Driver, error) {
	return nil, ErrCUDANotAvailable
}

// SharedModule is unavailable on this platform.
type SharedModule struct{}

// OpenModule returns ErrCUDANotAvailable on this platform.
func OpenModule(path, prefix string, sigs []Signature) (*SharedModule, error) {
	return nil, ErrCUDANotAvailable
}

// Signature implements KernelModule.
func (m *SharedModule) Signature(name string) (Signature, bool) { return Signature{}, false }

// Invoke implements KernelModule.
func (m *SharedModule) Invoke(name string, stream StreamHandle, g LaunchGeometry, ptrs []DevicePtr, n uint64) Result {
	return ErrorNotFound
}

// Close is a no-op.
func (m *SharedModule) Close() error { return nil }
