// Package pty supervises interactive shells running in pseudo-terminals,
// addressed by caller-chosen session ids.
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"

	"github.com/peacock0803sz/orthrus/internal/event"
	"github.com/peacock0803sz/orthrus/internal/stream"
)

// ErrSessionNotFound is returned by Write, Resize and Kill for an unknown id.
var ErrSessionNotFound = errors.New("session not found")

// ErrClosed is returned by Spawn after Close.
var ErrClosed = errors.New("pty: supervisor closed")

// DefaultFallbackShell is used when neither an override nor $SHELL is set.
const DefaultFallbackShell = "/bin/zsh"

const (
	defaultCols = 80
	defaultRows = 24
)

// SpawnOptions describes a new terminal. Empty WorkDir means the current
// directory; empty Shell means auto-detect.
type SpawnOptions struct {
	WorkDir string
	Shell   string
	Cols    uint16
	Rows    uint16
}

// Supervisor owns every live PTY session. It is safe for concurrent use.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	sink          event.Sink
	getenv        func(string) string
	fallbackShell string
	policy        stream.Policy
	window        time.Duration
	log           *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithGetenv replaces the environment lookup used for shell detection.
func WithGetenv(fn func(string) string) Option {
	return func(s *Supervisor) { s.getenv = fn }
}

// WithFallbackShell sets the shell used when nothing else is configured.
func WithFallbackShell(path string) Option {
	return func(s *Supervisor) {
		if path != "" {
			s.fallbackShell = path
		}
	}
}

// WithBatching delivers output in batches of the given window instead of one
// event per read.
func WithBatching(window time.Duration) Option {
	return func(s *Supervisor) {
		s.policy = stream.Batched
		s.window = window
	}
}

// NewSupervisor creates an empty Supervisor that reports to sink.
func NewSupervisor(sink event.Sink, opts ...Option) *Supervisor {
	if sink == nil {
		sink = event.Discard
	}
	s := &Supervisor{
		sessions:      make(map[string]*session),
		sink:          sink,
		getenv:        os.Getenv,
		fallbackShell: DefaultFallbackShell,
		policy:        stream.Immediate,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "pty")
	return s
}

// Spawn starts a login shell in a new PTY under id. If id is already live,
// Spawn does nothing and returns nil, so a repeated create request for the
// same terminal never starts a second shell.
func (s *Supervisor) Spawn(id string, opts SpawnOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.sessions[id]; exists {
		s.log.Debug("spawn ignored, session already live", "session_id", id)
		return nil
	}

	argv, err := s.resolveShell(opts.Shell)
	if err != nil {
		return err
	}
	size := Size{Cols: opts.Cols, Rows: opts.Rows}
	if size.Cols == 0 {
		size.Cols = defaultCols
	}
	if size.Rows == 0 {
		size.Rows = defaultRows
	}

	cmd, ptmx, err := startShell(argv, opts.WorkDir, size)
	if err != nil {
		return err
	}

	sess := newSession(id, argv[0], cmd, ptmx, size)
	s.sessions[id] = sess

	stream.New(ptmx, stream.Options{
		SessionID: id,
		Sink:      s.sink,
		Policy:    s.policy,
		Window:    s.window,
		IsEOF:     isPTYEOF,
		Logger:    s.log,
	}).Start()
	go sess.reap(s.log)

	s.log.Info("terminal spawned", "session_id", id, "shell", argv[0], "pid", cmd.Process.Pid, "cols", size.Cols, "rows", size.Rows)
	s.sink.Emit(event.Stamp(event.Event{Type: event.PTYSpawned, SessionID: id}))
	return nil
}

func startShell(argv []string, workDir string, size Size) (*exec.Cmd, *os.File, error) {
	ptmx, tty, err := creackpty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("pty: open pty: %w", err)
	}
	// The child holds its own copy of the slave; keeping ours open would stop
	// the master from ever seeing end of stream.
	defer tty.Close()

	if err := creackpty.Setsize(ptmx, &creackpty.Winsize{Cols: size.Cols, Rows: size.Rows}); err != nil {
		ptmx.Close()
		return nil, nil, fmt.Errorf("pty: set size: %w", err)
	}

	args := append([]string{"-l"}, argv[1:]...)
	cmd := exec.Command(argv[0], args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"SHELL="+argv[0],
	)
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		return nil, nil, fmt.Errorf("pty: start shell %q: %w", argv[0], err)
	}
	return cmd, ptmx, nil
}

// Write sends data to the session's terminal input.
func (s *Supervisor) Write(id string, data []byte) error {
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if err := sess.write(data); err != nil {
		return fmt.Errorf("pty: write %s: %w", id, err)
	}
	return nil
}

// Resize changes the terminal size. The new size is applied to the OS
// pseudo-terminal, so full-screen programs receive SIGWINCH.
func (s *Supervisor) Resize(id string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("pty: invalid size %dx%d", cols, rows)
	}
	sess, err := s.get(id)
	if err != nil {
		return err
	}
	if err := creackpty.Setsize(sess.anchor.ptmx, &creackpty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("pty: resize %s: %w", id, err)
	}
	sess.setSize(Size{Cols: cols, Rows: rows})
	return nil
}

// Kill removes the session and terminates its process. Killing an id that is
// not live is an error, including a second Kill of the same id.
func (s *Supervisor) Kill(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return notFound(id)
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	if err := sess.anchor.release(); err != nil {
		s.log.Warn("terminal teardown incomplete", "session_id", id, "error", err)
	}
	s.log.Info("terminal killed", "session_id", id)
	s.sink.Emit(event.Stamp(event.Event{Type: event.PTYKilled, SessionID: id}))
	return nil
}

// Sessions returns a snapshot of every live session sorted by id.
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close terminates every session. Failures are logged, never returned.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for id, sess := range sessions {
		if err := sess.anchor.release(); err != nil {
			s.log.Warn("terminal teardown failed", "session_id", id, "error", err)
		}
	}
}

func (s *Supervisor) get(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return sess, nil
}

func notFound(id string) error {
	return fmt.Errorf("pty: %w: %s", ErrSessionNotFound, id)
}
