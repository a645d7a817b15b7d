package build

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/peacock0803sz/orthrus/internal/event"
	"github.com/peacock0803sz/orthrus/internal/event/eventtest"
)

const waitTimeout = 5 * time.Second

// writeFakeInterpreter creates an executable that stands in for python. It
// records its argv and working directory in the current directory, then runs
// body.
func writeFakeInterpreter(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-python")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > args.txt\npwd > cwd.txt\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake interpreter: %v", err)
	}
	return path
}

// newTestSupervisor returns a supervisor and a project directory for it.
// Close is registered after the directory exists, so every process is reaped
// before the directory is removed.
func newTestSupervisor(t *testing.T) (*Supervisor, *eventtest.Recorder, string) {
	t.Helper()
	project := t.TempDir()
	rec := eventtest.NewRecorder()
	s := NewSupervisor(rec, WithStopTimeout(2*time.Second))
	t.Cleanup(s.Close)
	return s, rec, project
}

func startOpts(project, interpreter string) StartOptions {
	return StartOptions{
		ProjectPath: project,
		SourceDir:   "docs",
		BuildDir:    "_build/html",
		Interpreter: interpreter,
	}
}

const idleBody = `exec sleep 30`

func TestStartAutoAssignsPort(t *testing.T) {
	s, rec, project := newTestSupervisor(t)
	fake := writeFakeInterpreter(t, idleBody)

	p, err := s.Start("doc", startOpts(project, fake))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p == 0 {
		t.Fatal("Start returned port 0")
	}

	got, ok := s.Port("doc")
	if !ok || got != p {
		t.Fatalf("Port = %d, %v; want %d, true", got, ok, p)
	}

	started := rec.Filter("doc", event.BuildStarted)
	if len(started) != 1 || started[0].Port != p {
		t.Fatalf("build_started events = %+v, want one with port %d", started, p)
	}
}

func TestStartUsesRequestedPort(t *testing.T) {
	s, _, project := newTestSupervisor(t)
	fake := writeFakeInterpreter(t, idleBody)

	opts := startOpts(project, fake)
	opts.Port = 18123
	p, err := s.Start("doc", opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p != 18123 {
		t.Errorf("port = %d, want 18123", p)
	}
}

func TestStartRejectsInvalidPort(t *testing.T) {
	s, _, project := newTestSupervisor(t)
	fake := writeFakeInterpreter(t, idleBody)

	opts := startOpts(project, fake)
	opts.Port = 70000
	if _, err := s.Start("doc", opts); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
	if s.Running("doc") {
		t.Fatal("rejected start left a registry entry")
	}
}

func TestStartPassesWatchArguments(t *testing.T) {
	s, rec, project := newTestSupervisor(t)
	fake := writeFakeInterpreter(t, `echo "build succeeded." >&2
exec sleep 30`)

	opts := startOpts(project, fake)
	opts.ExtraArgs = []string{"--watch", "../src", "-j", "auto"}
	p, err := s.Start("args", opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := rec.WaitType(waitTimeout, "args", event.BuildComplete); !ok {
		t.Fatal("timed out waiting for build_complete")
	}

	raw, err := os.ReadFile(filepath.Join(project, "args.txt"))
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	got := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	want := []string{
		"-m", "sphinx_autobuild",
		filepath.Join(project, "docs"),
		filepath.Join(project, "_build/html"),
		"--port", strconv.Itoa(p),
		"--host", "127.0.0.1",
		"--open-browser=false",
		"--watch", "../src", "-j", "auto",
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("argv mismatch:\n got %q\nwant %q", got, want)
	}

	cwd, err := os.ReadFile(filepath.Join(project, "cwd.txt"))
	if err != nil {
		t.Fatalf("read cwd: %v", err)
	}
	wantDir, _ := filepath.EvalSymlinks(project)
	gotDir, _ := filepath.EvalSymlinks(strings.TrimSpace(string(cwd)))
	if gotDir != wantDir {
		t.Errorf("working dir = %q, want %q", gotDir, wantDir)
	}
}

func TestDiagnosticLinesAreClassifiedPerLine(t *testing.T) {
	s, rec, project := newTestSupervisor(t)
	errLine := "/docs/index.rst:3: ERROR: Unknown directive type \"foo\"."
	fake := writeFakeInterpreter(t, fmt.Sprintf(`echo "Running Sphinx v7.2.6" >&2
echo "WARNING: html_static_path entry '_static' does not exist" >&2
echo '%s' >&2
echo "build succeeded, 1 warning." >&2
echo "[sphinx-autobuild] waiting for changes..." >&2
echo "plain stdout line"
exec sleep 30`, errLine))

	if _, err := s.Start("cls", startOpts(project, fake)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ok := rec.WaitFor(waitTimeout, func([]event.Event) bool {
		return len(rec.Filter("cls", event.BuildComplete)) >= 2
	})
	if !ok {
		t.Fatalf("expected 2 build_complete events, got %d", len(rec.Filter("cls", event.BuildComplete)))
	}
	// Let any surplus signal land before counting exactly.
	time.Sleep(100 * time.Millisecond)

	if n := len(rec.Filter("cls", event.BuildComplete)); n != 2 {
		t.Errorf("build_complete count = %d, want 2 (one per matching line)", n)
	}
	errs := rec.Filter("cls", event.BuildError)
	if len(errs) != 1 {
		t.Fatalf("build_error count = %d, want 1", len(errs))
	}
	if errs[0].Text != errLine {
		t.Errorf("build_error line = %q, want %q", errs[0].Text, errLine)
	}

	var order []event.Type
	for _, e := range rec.Events() {
		if e.SessionID == "cls" {
			order = append(order, e.Type)
		}
	}
	if order[0] != event.BuildStarted {
		t.Errorf("first event = %s, want build_started", order[0])
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, rec, project := newTestSupervisor(t)

	if err := s.Stop("never-started"); err != nil {
		t.Fatalf("Stop unknown: %v", err)
	}

	fake := writeFakeInterpreter(t, idleBody)
	if _, err := s.Start("doc", startOpts(project, fake)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop("doc"); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop("doc"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, ok := s.Port("doc"); ok {
		t.Fatal("Port still reported after Stop")
	}
	if n := len(rec.Filter("doc", event.BuildExit)); n != 1 {
		t.Errorf("build_exit count = %d, want 1", n)
	}
}

func TestStartReplacesExistingSession(t *testing.T) {
	s, rec, project := newTestSupervisor(t)
	fake := writeFakeInterpreter(t, idleBody)

	if _, err := s.Start("doc", startOpts(project, fake)); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	firstPID := s.Sessions()[0].PID

	if _, err := s.Start("doc", startOpts(project, fake)); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	infos := s.Sessions()
	if len(infos) != 1 {
		t.Fatalf("expected 1 session, got %d", len(infos))
	}
	if infos[0].PID == firstPID {
		t.Fatal("second Start did not replace the process")
	}

	var order []event.Type
	for _, e := range rec.Events() {
		if e.SessionID == "doc" {
			order = append(order, e.Type)
		}
	}
	want := []event.Type{event.BuildStarted, event.BuildExit, event.BuildStopped, event.BuildStarted}
	if len(order) != len(want) {
		t.Fatalf("event order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event order = %v, want %v", order, want)
		}
	}
}

func TestConcurrentStartsGetDistinctPorts(t *testing.T) {
	s, _, project := newTestSupervisor(t)
	fake := writeFakeInterpreter(t, idleBody)

	const n = 8
	ports := make([]int, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ports[i], errs[i] = s.Start(fmt.Sprintf("doc-%d", i), startOpts(project, fake))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Start doc-%d: %v", i, errs[i])
		}
		if ports[i] == 0 {
			t.Fatalf("doc-%d got port 0", i)
		}
		if seen[ports[i]] {
			t.Fatalf("port %d assigned twice", ports[i])
		}
		seen[ports[i]] = true
	}
}

func TestProcessExitEmitsOneBuildExit(t *testing.T) {
	s, rec, project := newTestSupervisor(t)
	fake := writeFakeInterpreter(t, `echo "error: no module named sphinx_autobuild" >&2
exit 3`)

	if _, err := s.Start("dead", startOpts(project, fake)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	exit, ok := rec.WaitType(waitTimeout, "dead", event.BuildExit)
	if !ok {
		t.Fatal("timed out waiting for build_exit")
	}
	if exit.Code != 3 {
		t.Errorf("exit code = %d, want 3", exit.Code)
	}
	if n := len(rec.Filter("dead", event.BuildError)); n != 1 {
		t.Errorf("build_error count = %d, want 1", n)
	}

	// The snapshot flips to exited just after the exit event is emitted.
	var infos []Info
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		infos = s.Sessions()
		if len(infos) == 1 && infos[0].Exited {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(infos) != 1 || !infos[0].Exited || infos[0].ExitCode != 3 {
		t.Fatalf("unexpected snapshot after exit: %+v", infos)
	}
	if err := s.Stop("dead"); err != nil {
		t.Fatalf("Stop after exit: %v", err)
	}
	if n := len(rec.Filter("dead", event.BuildExit)); n != 1 {
		t.Errorf("build_exit count = %d, want 1", n)
	}
}

func TestStartFailureLeavesNoEntry(t *testing.T) {
	s, _, project := newTestSupervisor(t)

	_, err := s.Start("bad", startOpts(project, "/nonexistent/orthrus-python"))
	if err == nil {
		t.Fatal("expected start error")
	}
	if !strings.Contains(err.Error(), "start build process") {
		t.Errorf("unexpected error: %v", err)
	}
	if s.Running("bad") {
		t.Fatal("failed start left a registry entry")
	}
}

func TestCloseKillsAllSessions(t *testing.T) {
	project := t.TempDir()
	rec := eventtest.NewRecorder()
	s := NewSupervisor(rec, WithStopTimeout(2*time.Second))
	t.Cleanup(s.Close)
	fake := writeFakeInterpreter(t, idleBody)

	for _, id := range []string{"a", "b"} {
		if _, err := s.Start(id, startOpts(project, fake)); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	s.Close()

	for _, id := range []string{"a", "b"} {
		if n := len(rec.Filter(id, event.BuildExit)); n != 1 {
			t.Errorf("session %s: build_exit count = %d, want 1", id, n)
		}
	}
	if _, err := s.Start("c", startOpts(project, fake)); err != ErrClosed {
		t.Errorf("Start after Close: expected ErrClosed, got %v", err)
	}
}

func TestCloseReleasesProjectDir(t *testing.T) {
	s, _, project := newTestSupervisor(t)
	fake := writeFakeInterpreter(t, `while :; do date >> tick.txt; sleep 0.01; done`)

	for i := 0; i < 4; i++ {
		if _, err := s.Start(fmt.Sprintf("w-%d", i), startOpts(project, fake)); err != nil {
			t.Fatalf("Start w-%d: %v", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	s.Close()

	if err := os.RemoveAll(project); err != nil {
		t.Fatalf("RemoveAll after Close: %v", err)
	}
	// Nothing may recreate files once Close has returned.
	time.Sleep(50 * time.Millisecond)
	if _, err := os.Stat(project); !os.IsNotExist(err) {
		t.Fatalf("project dir still present after Close and RemoveAll: %v", err)
	}
}

func TestStopReportsSignalExitCode(t *testing.T) {
	s, rec, project := newTestSupervisor(t)
	fake := writeFakeInterpreter(t, idleBody)

	if _, err := s.Start("doc", startOpts(project, fake)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop("doc"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	exit, ok := rec.WaitType(waitTimeout, "doc", event.BuildExit)
	if !ok {
		t.Fatal("timed out waiting for build_exit")
	}
	if want := 128 + int(syscall.SIGKILL); exit.Code != want {
		t.Errorf("exit code = %d, want %d", exit.Code, want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line             string
		complete, failed bool
	}{
		{"build succeeded.", true, false},
		{"[sphinx-autobuild] waiting for changes...", true, false},
		{"index.rst:1: ERROR: Unexpected indentation.", false, true},
		{"sphinx error: config directory doesn't contain a conf.py", false, true},
		{"build succeeded, but error: something odd", true, true},
		{"WARNING: document isn't included in any toctree", false, false},
		{"reading sources... [100%] index", false, false},
		{"\x1b[01mbuild succeeded\x1b[39;49;00m.", true, false},
		{"index.rst:3: \x1b[91mER\x1b[0mROR: bad directive", false, true},
		{"\x1b]0;sphinx\x07waiting for changes\r", true, false},
	}
	for _, tt := range tests {
		complete, failed := classify(tt.line)
		if complete != tt.complete || failed != tt.failed {
			t.Errorf("classify(%q) = %v, %v; want %v, %v", tt.line, complete, failed, tt.complete, tt.failed)
		}
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"no ANSI codes", "plain text", "plain text"},
		{"color codes SGR", "\x1b[31mred text\x1b[0m", "red text"},
		{"multiple color codes", "\x1b[1;32;40mbold green\x1b[0m normal", "bold green normal"},
		{"window title", "\x1b]0;title\x07after", "after"},
		{"carriage return", "progress\r", "progress"},
		{"backspace cleanup", "e\becho", "echo"},
		{"remove other control bytes", "a\x00b\x1fc", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripANSI(tt.input); got != tt.expected {
				t.Errorf("stripANSI() = %q, want %q", got, tt.expected)
			}
		})
	}
}
