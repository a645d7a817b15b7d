package build

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/peacock0803sz/orthrus/internal/event"
)

const maxLineSize = 1024 * 1024

// process is one running watch-and-rebuild child.
type process struct {
	id        string
	cmd       *exec.Cmd
	port      int
	startedAt time.Time

	done     chan struct{}
	exitCode int
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// kill terminates the whole process group so builder children that inherited
// the diagnostic pipe go down with the watcher.
func (p *process) kill() error {
	if p.exited() || p.cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	switch {
	case err == nil, errors.Is(err, syscall.ESRCH):
		return nil
	case errors.Is(err, syscall.EPERM):
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	default:
		return err
	}
}

// wait blocks until the monitor has reaped the process or timeout elapses.
func (p *process) wait(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// monitor classifies diagnostic lines until the stream closes, then reaps the
// child and emits a single exit event. stdout is drained so the child never
// blocks on a full pipe.
func (p *process) monitor(stderr, stdout io.Reader, sink event.Sink, log *slog.Logger) {
	defer close(p.done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			log.Debug("build output", "session_id", p.id, "line", line)
		})
	}()

	scanLines(stderr, func(line string) {
		complete, failed := classify(line)
		if complete {
			sink.Emit(event.Stamp(event.Event{Type: event.BuildComplete, SessionID: p.id}))
		}
		if failed {
			sink.Emit(event.Stamp(event.Event{Type: event.BuildError, SessionID: p.id, Text: line}))
		}
	})
	wg.Wait()

	code := 0
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitStatus(exitErr)
		} else {
			code = -1
		}
	}
	p.exitCode = code

	log.Info("build process exited", "session_id", p.id, "code", code)
	sink.Emit(event.Stamp(event.Event{Type: event.BuildExit, SessionID: p.id, Code: code}))
}

// exitStatus follows the shell convention: a process killed by a signal
// reports 128 plus the signal number. -1 is reserved for a failed reap.
func exitStatus(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return exitErr.ExitCode()
}

// scanLines calls fn for every line of r and keeps draining r after an
// oversized line so the writer is never left blocked.
func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if scanner.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}
