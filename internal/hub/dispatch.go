package hub

import (
	"errors"
	"fmt"
	"math"

	"github.com/peacock0803sz/orthrus/internal/build"
	"github.com/peacock0803sz/orthrus/internal/pty"
)

// Terminals is the PTY operation surface.
type Terminals interface {
	Spawn(id string, opts pty.SpawnOptions) error
	Write(id string, data []byte) error
	Resize(id string, cols, rows uint16) error
	Kill(id string) error
	Sessions() []pty.SessionInfo
}

// Builds is the build-process operation surface.
type Builds interface {
	Start(id string, opts build.StartOptions) (int, error)
	Stop(id string) error
	Port(id string) (int, bool)
	Sessions() []build.Info
}

// Backend is what the hub dispatches requests to. Nil members answer
// requests for them with an error.
type Backend struct {
	Terminals Terminals
	Builds    Builds
	// Config returns the effective configuration for load_config.
	Config func() any
	// BuildDefaults fills start_build fields the request leaves empty.
	BuildDefaults build.StartOptions
}

var (
	errMissingSession = errors.New("session_id is required")
	errUnavailable    = errors.New("operation not available")
)

// dispatch runs one request and builds its reply. It returns false for
// request types that produce no result.
func (h *Hub) dispatch(c *Client, msg ClientMessage) (ResultMessage, bool) {
	res := ResultMessage{Type: "result", ID: msg.ID}
	var err error

	switch msg.Type {
	case TypeSubscribe:
		c.subscribe(msg.SessionID)
	case TypeSpawnTerminal:
		err = h.spawnTerminal(msg)
	case TypePTYWrite:
		err = h.withTerminals(msg, func(t Terminals) error {
			return t.Write(msg.SessionID, msg.input())
		})
	case TypePTYResize:
		err = h.withTerminals(msg, func(t Terminals) error {
			cols, rows, err := dimensions(msg.Cols, msg.Rows)
			if err != nil {
				return err
			}
			return t.Resize(msg.SessionID, cols, rows)
		})
	case TypeKillTerminal:
		err = h.withTerminals(msg, func(t Terminals) error {
			return t.Kill(msg.SessionID)
		})
	case TypeStartBuild:
		var p int
		p, err = h.startBuild(msg)
		if err == nil {
			res.Port = &p
		}
	case TypeStopBuild:
		err = h.withBuilds(msg, func(b Builds) error {
			return b.Stop(msg.SessionID)
		})
	case TypeGetBuildPort:
		err = h.withBuilds(msg, func(b Builds) error {
			if p, ok := b.Port(msg.SessionID); ok {
				res.Port = &p
			}
			return nil
		})
	case TypeLoadConfig:
		if h.backend.Config == nil {
			err = errUnavailable
		} else {
			res.Config = h.backend.Config()
		}
	default:
		return res, false
	}

	if err != nil {
		res.Error = err.Error()
		h.log.Debug("request failed", "client_id", c.id, "type", msg.Type, "session_id", msg.SessionID, "error", err)
	} else {
		res.OK = true
	}
	return res, true
}

func (h *Hub) withTerminals(msg ClientMessage, fn func(Terminals) error) error {
	if msg.SessionID == "" {
		return errMissingSession
	}
	if h.backend.Terminals == nil {
		return errUnavailable
	}
	return fn(h.backend.Terminals)
}

func (h *Hub) withBuilds(msg ClientMessage, fn func(Builds) error) error {
	if msg.SessionID == "" {
		return errMissingSession
	}
	if h.backend.Builds == nil {
		return errUnavailable
	}
	return fn(h.backend.Builds)
}

func (h *Hub) spawnTerminal(msg ClientMessage) error {
	return h.withTerminals(msg, func(t Terminals) error {
		// Zero dimensions fall back to the supervisor default.
		cols, rows, err := clampDimensions(msg.Cols, msg.Rows)
		if err != nil {
			return err
		}
		return t.Spawn(msg.SessionID, pty.SpawnOptions{
			WorkDir: msg.Cwd,
			Shell:   msg.Shell,
			Cols:    cols,
			Rows:    rows,
		})
	})
}

func (h *Hub) startBuild(msg ClientMessage) (int, error) {
	var p int
	err := h.withBuilds(msg, func(b Builds) error {
		d := h.backend.BuildDefaults
		opts := build.StartOptions{
			ProjectPath: firstNonEmpty(msg.ProjectPath, d.ProjectPath),
			SourceDir:   firstNonEmpty(msg.SourceDir, d.SourceDir),
			BuildDir:    firstNonEmpty(msg.BuildDir, d.BuildDir),
			Interpreter: firstNonEmpty(msg.Interpreter, d.Interpreter),
			Port:        msg.Port,
			ExtraArgs:   msg.ExtraArgs,
		}
		if opts.Port == 0 {
			opts.Port = d.Port
		}
		if opts.ExtraArgs == nil {
			opts.ExtraArgs = d.ExtraArgs
		}
		if opts.ProjectPath == "" {
			return errors.New("project_path is required")
		}
		var err error
		p, err = b.Start(msg.SessionID, opts)
		return err
	})
	return p, err
}

func (h *Hub) snapshot() SessionsMessage {
	msg := SessionsMessage{Type: "sessions", Terminals: []TerminalInfo{}, Builds: []BuildInfo{}}
	if t := h.backend.Terminals; t != nil {
		for _, s := range t.Sessions() {
			msg.Terminals = append(msg.Terminals, TerminalInfo{
				SessionID: s.ID,
				Shell:     s.Shell,
				Cols:      int(s.Size.Cols),
				Rows:      int(s.Size.Rows),
				PID:       s.PID,
				Exited:    s.Exited,
			})
		}
	}
	if b := h.backend.Builds; b != nil {
		for _, s := range b.Sessions() {
			msg.Builds = append(msg.Builds, BuildInfo{
				SessionID: s.ID,
				Port:      s.Port,
				PID:       s.PID,
				Exited:    s.Exited,
			})
		}
	}
	return msg
}

func dimensions(cols, rows int) (uint16, uint16, error) {
	if cols <= 0 || rows <= 0 {
		return 0, 0, fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return clampDimensions(cols, rows)
}

func clampDimensions(cols, rows int) (uint16, uint16, error) {
	if cols < 0 || rows < 0 || cols > math.MaxUint16 || rows > math.MaxUint16 {
		return 0, 0, fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return uint16(cols), uint16(rows), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// input returns the bytes a pty_write delivers to the terminal.
func (m ClientMessage) input() []byte {
	if len(m.Bytes) > 0 {
		return m.Bytes
	}
	return []byte(m.Data)
}
