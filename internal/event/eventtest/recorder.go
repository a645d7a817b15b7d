// Package eventtest provides an in-memory event.Sink for tests.
package eventtest

import (
	"sync"
	"time"

	"github.com/peacock0803sz/orthrus/internal/event"
)

// Recorder is an event.Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
	notify chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Emit appends e.
func (r *Recorder) Emit(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// Filter returns recorded events for sessionID with type t, in emission order.
func (r *Recorder) Filter(sessionID string, t event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []event.Event
	for _, e := range r.events {
		if e.SessionID == sessionID && e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor blocks until match returns true for the recorded events or the
// timeout elapses. It reports whether match succeeded.
func (r *Recorder) WaitFor(timeout time.Duration, match func([]event.Event) bool) bool {
	deadline := time.After(timeout)
	for {
		if match(r.Events()) {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return match(r.Events())
		}
	}
}

// WaitType waits until at least one event of type t for sessionID arrives.
func (r *Recorder) WaitType(timeout time.Duration, sessionID string, t event.Type) (event.Event, bool) {
	var found event.Event
	ok := r.WaitFor(timeout, func(events []event.Event) bool {
		for _, e := range events {
			if e.SessionID == sessionID && e.Type == t {
				found = e
				return true
			}
		}
		return false
	})
	return found, ok
}

var _ event.Sink = (*Recorder)(nil)
