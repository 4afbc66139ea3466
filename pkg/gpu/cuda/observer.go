package cuda

import "time"

// EventKind identifies a resource lifecycle event.
type EventKind uint8

const (
	EventContextCreated EventKind = iota + 1
	EventContextReleased
	EventStreamCreated
	EventStreamReleased
	EventAlloc
	EventFree
	EventLaunch
)

var eventNames = map[EventKind]string{
	EventContextCreated:  "context.create",
	EventContextReleased: "context.release",
	EventStreamCreated:   "stream.create",
	EventStreamReleased:  "stream.release",
	EventAlloc:           "mem.alloc",
	EventFree:            "mem.free",
	EventLaunch:          "kernel.launch",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is emitted after a native handle is acquired or released, and after
// every accepted kernel launch.
type Event struct {
	Kind EventKind
	Time time.Time
	// Handle is the context, stream or device pointer the event refers to.
	// For launches it is the stream.
	Handle   uintptr
	Bytes    uint64
	Kernel   string
	Geometry LaunchGeometry
	Elements uint64
}

// Observer receives lifecycle events. Observe is called synchronously on the
// goroutine that performed the operation and must not call back into the
// runtime.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
