package pty

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Size is a terminal size in character cells.
type Size struct {
	Cols uint16
	Rows uint16
}

// SessionInfo is a read-only snapshot of one session.
type SessionInfo struct {
	ID        string
	Shell     string
	Size      Size
	PID       int
	StartedAt time.Time
	Exited    bool
}

// anchor keeps the child process and the PTY master alive for as long as the
// session sits in the registry. Nothing reads or writes through it after
// setup; releasing it is what tears the OS resources down.
type anchor struct {
	cmd  *exec.Cmd
	ptmx *os.File
	once sync.Once
}

func (a *anchor) release() error {
	var errs []error
	a.once.Do(func() {
		if err := a.ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		if a.cmd.Process != nil {
			// Interactive shells ignore SIGTERM, so go straight to SIGKILL.
			if err := a.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

type session struct {
	id        string
	shell     string
	startedAt time.Time

	writeMu sync.Mutex
	writer  io.Writer

	mu   sync.Mutex
	size Size

	anchor *anchor
	exited atomic.Bool
}

func newSession(id, shell string, cmd *exec.Cmd, ptmx *os.File, size Size) *session {
	return &session{
		id:        id,
		shell:     shell,
		startedAt: time.Now(),
		writer:    ptmx,
		size:      size,
		anchor:    &anchor{cmd: cmd, ptmx: ptmx},
	}
}

// write sends all of data to the PTY input side. *os.File writes are
// unbuffered, so there is nothing left to flush once Write returns.
func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for len(data) > 0 {
		n, err := s.writer.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *session) setSize(size Size) {
	s.mu.Lock()
	s.size = size
	s.mu.Unlock()
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()

	pid := -1
	if p := s.anchor.cmd.Process; p != nil {
		pid = p.Pid
	}
	return SessionInfo{
		ID:        s.id,
		Shell:     s.shell,
		Size:      size,
		PID:       pid,
		StartedAt: s.startedAt,
		Exited:    s.exited.Load(),
	}
}

// reap waits for the child so it never lingers as a zombie.
func (s *session) reap(log *slog.Logger) {
	err := s.anchor.cmd.Wait()
	s.exited.Store(true)

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	log.Info("terminal process exited", "session_id", s.id, "code", code)
}

// isPTYEOF reports read errors that mean the terminal is gone rather than
// broken: Linux returns EIO from the master once the slave side closes, and
// a master closed by Kill reports os.ErrClosed.
func isPTYEOF(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}
