// Package stream drains a child's output on a dedicated goroutine and forwards
// it to an event.Sink, either per read or batched over a short window.
package stream

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/peacock0803sz/orthrus/internal/event"
)

// Policy selects how reads are turned into events.
type Policy int

const (
	// Immediate emits one event per successful read.
	Immediate Policy = iota
	// Batched accumulates reads and flushes once the window has elapsed.
	Batched
)

const (
	// DefaultWindow matches a 60 Hz UI refresh.
	DefaultWindow = 16 * time.Millisecond

	bufferSize = 4096
)

// Exit codes reported with the terminal event.
const (
	ExitEOF       = 0
	ExitReadError = 1
)

// Options configures a Streamer.
type Options struct {
	SessionID string
	Sink      event.Sink
	Policy    Policy
	// Window is the batching interval; DefaultWindow when zero.
	Window time.Duration
	// DataType and ExitType name the emitted events. They default to
	// event.PTYData and event.PTYExit.
	DataType event.Type
	ExitType event.Type
	// IsEOF reports read errors that mean the stream ended normally, such as
	// EIO from a PTY master after the slave side closed.
	IsEOF  func(error) bool
	Logger *slog.Logger
}

// Streamer owns the read side of one session's stream.
type Streamer struct {
	r    io.Reader
	opts Options
	log  *slog.Logger
	done chan struct{}

	dec decoder

	// mu serializes every emission so a timer flush can never overtake a
	// flush from the read loop.
	mu        sync.Mutex
	pending   []byte
	lastFlush time.Time
	timer     *time.Timer
	finished  bool
}

// New prepares a Streamer for r. Call Start or Run to begin draining.
func New(r io.Reader, opts Options) *Streamer {
	if opts.Sink == nil {
		opts.Sink = event.Discard
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.DataType == "" {
		opts.DataType = event.PTYData
	}
	if opts.ExitType == "" {
		opts.ExitType = event.PTYExit
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Streamer{
		r:    r,
		opts: opts,
		log:  log.With("session_id", opts.SessionID),
		done: make(chan struct{}),
	}
}

// Start runs the read loop on its own goroutine.
func (s *Streamer) Start() {
	go s.Run()
}

// Done is closed after the exit event has been emitted.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

// Run reads until end of stream or a read error, then emits exactly one exit
// event. It blocks for the lifetime of the stream.
func (s *Streamer) Run() {
	defer close(s.done)

	buf := make([]byte, bufferSize)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			s.deliver(buf[:n])
		}
		if err == nil {
			if n == 0 {
				// A zero-length read with no error is treated as closed.
				s.finish(ExitEOF)
				return
			}
			continue
		}

		code := ExitReadError
		if errors.Is(err, io.EOF) || (s.opts.IsEOF != nil && s.opts.IsEOF(err)) {
			code = ExitEOF
		} else {
			s.log.Debug("stream read failed", "error", err)
		}
		s.finish(code)
		return
	}
}

func (s *Streamer) deliver(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Policy == Immediate {
		s.emitData(s.dec.decode(p, false))
		return
	}

	s.pending = append(s.pending, p...)
	since := time.Since(s.lastFlush)
	if since >= s.opts.Window {
		s.flushLocked()
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.opts.Window-since, s.flushFromTimer)
	}
}

func (s *Streamer) flushFromTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer = nil
	if s.finished {
		return
	}
	s.flushLocked()
}

func (s *Streamer) flushLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.lastFlush = time.Now()
	if len(s.pending) == 0 {
		return
	}
	text := s.dec.decode(s.pending, false)
	s.pending = s.pending[:0]
	s.emitData(text)
}

func (s *Streamer) finish(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flushLocked()
	s.emitData(s.dec.decode(nil, true))
	s.finished = true
	s.opts.Sink.Emit(event.Stamp(event.Event{
		Type:      s.opts.ExitType,
		SessionID: s.opts.SessionID,
		Code:      code,
	}))
	s.log.Debug("stream closed", "code", code)
}

func (s *Streamer) emitData(text string) {
	if text == "" {
		return
	}
	s.opts.Sink.Emit(event.Stamp(event.Event{
		Type:      s.opts.DataType,
		SessionID: s.opts.SessionID,
		Text:      text,
	}))
}
