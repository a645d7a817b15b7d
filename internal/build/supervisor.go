// Package build supervises long-running documentation watch-and-rebuild
// servers (sphinx-autobuild), one per session id.
package build

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/peacock0803sz/orthrus/internal/event"
	"github.com/peacock0803sz/orthrus/internal/port"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("build: supervisor closed")

const (
	// DefaultInterpreter runs the watch module when no interpreter is given.
	DefaultInterpreter = "python"
	// Host is the loopback address the watch server binds to.
	Host = "127.0.0.1"

	watchModule        = "sphinx_autobuild"
	defaultStopTimeout = 5 * time.Second
)

// StartOptions describes one watch process. SourceDir and BuildDir are
// resolved against ProjectPath. Port 0 means pick a free port.
type StartOptions struct {
	ProjectPath string
	SourceDir   string
	BuildDir    string
	Interpreter string
	Port        int
	ExtraArgs   []string
}

// Info is a snapshot of one build session.
type Info struct {
	ID        string
	Port      int
	PID       int
	StartedAt time.Time
	Exited    bool
	ExitCode  int
}

// Supervisor owns every live build session. It is safe for concurrent use.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*process
	closed   bool

	sink        event.Sink
	ports       port.Allocator
	stopTimeout time.Duration
	log         *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithAllocator replaces the port allocator.
func WithAllocator(a port.Allocator) Option {
	return func(s *Supervisor) { s.ports = a }
}

// WithStopTimeout bounds how long Stop waits for a killed process to be reaped.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// NewSupervisor creates an empty Supervisor that reports to sink.
func NewSupervisor(sink event.Sink, opts ...Option) *Supervisor {
	if sink == nil {
		sink = event.Discard
	}
	s := &Supervisor{
		sessions:    make(map[string]*process),
		sink:        sink,
		ports:       port.NewTCPAllocator(),
		stopTimeout: defaultStopTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "build")
	return s
}

// Start launches the watch server for id and returns the port it serves on.
// A session already running under id is stopped first.
func (s *Supervisor) Start(id string, opts StartOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if _, exists := s.sessions[id]; exists {
		if err := s.stopLocked(id); err != nil {
			return 0, err
		}
	}

	p := opts.Port
	switch {
	case p == 0:
		allocated, err := s.ports.Allocate(s.portInUseLocked)
		if err != nil {
			return 0, fmt.Errorf("build: allocate port: %w", err)
		}
		p = allocated
	case p < 0 || p > 65535:
		return 0, fmt.Errorf("build: invalid port %d", p)
	}

	interpreter := opts.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	sourcePath := filepath.Join(opts.ProjectPath, opts.SourceDir)
	buildPath := filepath.Join(opts.ProjectPath, opts.BuildDir)

	args := []string{
		"-m", watchModule,
		sourcePath,
		buildPath,
		"--port", strconv.Itoa(p),
		"--host", Host,
		"--open-browser=false",
	}
	args = append(args, opts.ExtraArgs...)

	cmd := exec.Command(interpreter, args...)
	cmd.Dir = opts.ProjectPath
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("build: stderr pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("build: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("build: start build process: %w", err)
	}

	proc := &process{
		id:        id,
		cmd:       cmd,
		port:      p,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.sessions[id] = proc

	s.log.Info("build started", "session_id", id, "port", p, "pid", cmd.Process.Pid, "project", opts.ProjectPath)
	s.sink.Emit(event.Stamp(event.Event{Type: event.BuildStarted, SessionID: id, Port: p}))

	go proc.monitor(stderr, stdout, s.sink, s.log)
	return p, nil
}

// Stop terminates the session's process. Stopping an unknown or already
// stopped id succeeds.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(id)
}

func (s *Supervisor) stopLocked(id string) error {
	proc, ok := s.sessions[id]
	if !ok {
		return nil
	}
	delete(s.sessions, id)

	if err := proc.kill(); err != nil {
		return fmt.Errorf("build: stop %s: %w", id, err)
	}
	if !proc.wait(s.stopTimeout) {
		s.log.Warn("build process not reaped before timeout", "session_id", id, "timeout", s.stopTimeout)
	}

	s.log.Info("build stopped", "session_id", id)
	s.sink.Emit(event.Stamp(event.Event{Type: event.BuildStopped, SessionID: id}))
	return nil
}

// Port returns the port bound by the session, if it is live.
func (s *Supervisor) Port(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.sessions[id]
	if !ok {
		return 0, false
	}
	return proc.port, true
}

// Running reports whether id has a registered session.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// Sessions returns a snapshot of every registered session sorted by id.
func (s *Supervisor) Sessions() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]Info, 0, len(s.sessions))
	for _, proc := range s.sessions {
		info := Info{
			ID:        proc.id,
			Port:      proc.port,
			PID:       proc.cmd.Process.Pid,
			StartedAt: proc.startedAt,
		}
		if proc.exited() {
			info.Exited = true
			info.ExitCode = proc.exitCode
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close kills every remaining session. Failures are logged, never returned.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*process)
	s.mu.Unlock()

	for id, proc := range sessions {
		if err := proc.kill(); err != nil {
			s.log.Warn("build teardown failed", "session_id", id, "error", err)
			continue
		}
		if !proc.wait(s.stopTimeout) {
			s.log.Warn("build process not reaped before timeout", "session_id", id)
		}
	}
}

func (s *Supervisor) portInUseLocked(p int) bool {
	for _, proc := range s.sessions {
		if proc.port == p {
			return true
		}
	}
	return false
}
