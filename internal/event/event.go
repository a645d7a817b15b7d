// Package event defines the notifications the supervisors push toward the UI
// layer and the Sink contract that receives them.
package event

import "time"

// Type names an event. The string values are the wire names used by the hub.
type Type string

const (
	// PTYData carries decoded terminal output.
	PTYData Type = "pty_data"
	// PTYExit is emitted once when a terminal's output stream ends.
	PTYExit Type = "pty_exit"
	// PTYSpawned is emitted after a new terminal process is launched.
	PTYSpawned Type = "pty_spawned"
	// PTYKilled is emitted after a terminal session is explicitly removed.
	PTYKilled Type = "pty_killed"

	// BuildStarted carries the resolved port of a freshly launched build.
	BuildStarted Type = "build_started"
	// BuildComplete is emitted for a diagnostic line with a success or idle marker.
	BuildComplete Type = "build_complete"
	// BuildError carries a diagnostic line with an error marker.
	BuildError Type = "build_error"
	// BuildExit is emitted once when a build process has exited and been reaped.
	BuildExit Type = "build_exit"
	// BuildStopped is emitted after a build session is explicitly stopped.
	BuildStopped Type = "build_stopped"
)

// Event is a single notification. Only the fields relevant to Type are set.
type Event struct {
	Type      Type
	SessionID string
	// Text is decoded output for PTYData and the offending line for BuildError.
	Text string
	// Code is the exit code for PTYExit and BuildExit.
	Code int
	// Port is the serving port for BuildStarted.
	Port int
	Time time.Time
}

// Lifecycle reports whether the event describes a state change rather than
// streamed output.
func (e Event) Lifecycle() bool {
	return e.Type != PTYData
}

// Sink receives events. Implementations must not block the caller and must
// swallow delivery failures.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to every sink in order.
type Multi []Sink

// Emit forwards e to each non-nil sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Stamp sets e.Time to now when unset.
func Stamp(e Event) Event {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}
