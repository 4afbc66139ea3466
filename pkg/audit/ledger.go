// Package audit records the lifecycle of GPU resources and checks that every
// acquired handle is released exactly once.
//
// A Ledger is a cuda.Observer. Attach it with cuda.WithObserver; when the
// session ends, Close reports handles that were never released and persists
// the session to a Store when one is configured.
package audit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/gpubridge/pkg/gpu/cuda"
	"github.com/orneryd/gpubridge/pkg/logging"
)

// Resource classes tracked by the ledger.
const (
	ClassContext = "context"
	ClassStream  = "stream"
	ClassBuffer  = "buffer"
)

// Record is one observed event.
type Record struct {
	Seq      uint64
	Session  string
	Kind     string
	Time     time.Time
	Handle   uint64
	Bytes    uint64
	Kernel   string
	Geometry string
	Elements uint64
}

// Leak is a handle that was acquired and never released.
type Leak struct {
	Class  string
	Handle uint64
	Bytes  uint64
	Since  time.Time
}

func (l Leak) String() string {
	if l.Class == ClassBuffer {
		return fmt.Sprintf("%s %#x (%d bytes)", l.Class, l.Handle, l.Bytes)
	}
	return fmt.Sprintf("%s %#x", l.Class, l.Handle)
}

// Violation is a release of a handle that was not live: a double free or a
// release of something never acquired.
type Violation struct {
	Record Record
	Reason string
}

// Summary is the accounting of one session.
type Summary struct {
	Session        string
	Started        time.Time
	Ended          time.Time
	Contexts       int
	Streams        int
	Allocs         int
	Frees          int
	Launches       int
	Elements       uint64
	BytesAllocated uint64
	PeakBytes      uint64
	Leaks          []Leak
	Violations     []Violation
}

// Clean reports whether every acquired handle was released exactly once.
func (s Summary) Clean() bool {
	return len(s.Leaks) == 0 && len(s.Violations) == 0
}

type handleKey struct {
	class  string
	handle uint64
}

// tracker does the accounting shared by live ledgers and Replay.
type tracker struct {
	sum   Summary
	live  map[handleKey]Leak
	bytes uint64
}

func newTracker(session string) *tracker {
	return &tracker{
		sum:  Summary{Session: session},
		live: make(map[handleKey]Leak),
	}
}

func (t *tracker) acquire(class string, r Record) {
	t.live[handleKey{class, r.Handle}] = Leak{Class: class, Handle: r.Handle, Bytes: r.Bytes, Since: r.Time}
}

func (t *tracker) release(class string, r Record) {
	k := handleKey{class, r.Handle}
	if _, ok := t.live[k]; !ok {
		t.sum.Violations = append(t.sum.Violations, Violation{
			Record: r,
			Reason: fmt.Sprintf("%s %#x released but not live", class, r.Handle),
		})
		return
	}
	delete(t.live, k)
}

func (t *tracker) apply(r Record) {
	if t.sum.Started.IsZero() || r.Time.Before(t.sum.Started) {
		t.sum.Started = r.Time
	}
	if r.Time.After(t.sum.Ended) {
		t.sum.Ended = r.Time
	}

	switch r.Kind {
	case cuda.EventContextCreated.String():
		t.sum.Contexts++
		t.acquire(ClassContext, r)
	case cuda.EventContextReleased.String():
		t.release(ClassContext, r)
	case cuda.EventStreamCreated.String():
		t.sum.Streams++
		t.acquire(ClassStream, r)
	case cuda.EventStreamReleased.String():
		t.release(ClassStream, r)
	case cuda.EventAlloc.String():
		t.sum.Allocs++
		t.sum.BytesAllocated += r.Bytes
		t.bytes += r.Bytes
		if t.bytes > t.sum.PeakBytes {
			t.sum.PeakBytes = t.bytes
		}
		t.acquire(ClassBuffer, r)
	case cuda.EventFree.String():
		t.sum.Frees++
		if l, ok := t.live[handleKey{ClassBuffer, r.Handle}]; ok {
			t.bytes -= l.Bytes
		}
		t.release(ClassBuffer, r)
	case cuda.EventLaunch.String():
		t.sum.Launches++
		t.sum.Elements += r.Elements
	}
}

func (t *tracker) summary() Summary {
	s := t.sum
	s.Leaks = make([]Leak, 0, len(t.live))
	for _, l := range t.live {
		s.Leaks = append(s.Leaks, l)
	}
	sort.Slice(s.Leaks, func(i, j int) bool {
		if !s.Leaks[i].Since.Equal(s.Leaks[j].Since) {
			return s.Leaks[i].Since.Before(s.Leaks[j].Since)
		}
		return s.Leaks[i].Handle < s.Leaks[j].Handle
	})
	s.Violations = append([]Violation(nil), t.sum.Violations...)
	return s
}

// Replay recomputes the summary of a session from its records.
func Replay(session string, records []Record) Summary {
	t := newTracker(session)
	for _, r := range records {
		t.apply(r)
	}
	return t.summary()
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every record and the final summary to store.
func WithStore(store *Store) Option {
	return func(l *Ledger) { l.store = store }
}

// WithLogger sets the ledger logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithSession overrides the generated session ID.
func WithSession(id string) Option {
	return func(l *Ledger) {
		if id != "" {
			l.session = id
		}
	}
}

// Ledger is a cuda.Observer that accounts for every handle of one session.
// It is safe for concurrent use.
type Ledger struct {
	session string
	store   *Store
	log     logrus.FieldLogger

	mu       sync.Mutex
	seq      uint64
	tracker  *tracker
	storeErr error
	closed   bool
}

// New returns a ledger for a new session.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		session: uuid.NewString(),
		log:     logging.WithComponent("audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tracker = newTracker(l.session)
	return l
}

// Session returns the session ID.
func (l *Ledger) Session() string { return l.session }

// Observe implements cuda.Observer.
func (l *Ledger) Observe(ev cuda.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	r := Record{
		Seq:      l.seq,
		Session:  l.session,
		Kind:     ev.Kind.String(),
		Time:     ev.Time,
		Handle:   uint64(ev.Handle),
		Bytes:    ev.Bytes,
		Kernel:   ev.Kernel,
		Elements: ev.Elements,
	}
	if ev.Kind == cuda.EventLaunch {
		r.Geometry = ev.Geometry.String()
	}

	before := len(l.tracker.sum.Violations)
	l.tracker.apply(r)
	if len(l.tracker.sum.Violations) > before {
		l.log.WithFields(logrus.Fields{"event": r.Kind, "handle": fmt.Sprintf("%#x", r.Handle)}).
			Error("release of a handle that is not live")
	}

	// A failing store does not stop accounting; the first error is
	// returned from Close.
	if l.store != nil && l.storeErr == nil {
		if err := l.store.Append(r); err != nil {
			l.storeErr = err
			l.log.WithError(err).Warn("audit store append failed")
		}
	}
}

// Summary returns the accounting so far. Leaks lists the handles live at
// the time of the call.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.summary()
}

// Leaks returns the handles currently live.
func (l *Ledger) Leaks() []Leak {
	return l.Summary().Leaks
}

// Close ends the session, logs leaks and persists the summary. Closing twice
// is a no-op.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	sum := l.tracker.summary()
	for _, leak := range sum.Leaks {
		l.log.WithField("session", l.session).Warnf("leaked %s", leak)
	}
	l.log.WithFields(logrus.Fields{
		"session":  l.session,
		"allocs":   sum.Allocs,
		"frees":    sum.Frees,
		"launches": sum.Launches,
		"leaks":    len(sum.Leaks),
	}).Debug("audit session closed")

	if l.store == nil {
		return nil
	}
	if l.storeErr != nil {
		return l.storeErr
	}
	return l.store.PutSummary(sum)
}

var _ cuda.Observer = (*Ledger)(nil)
