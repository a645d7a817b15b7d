package hub

import (
	"time"

	"github.com/peacock0803sz/orthrus/internal/event"
)

// Request types accepted from clients.
const (
	TypeSpawnTerminal = "spawn_terminal"
	TypePTYWrite      = "pty_write"
	TypePTYResize     = "pty_resize"
	TypeKillTerminal  = "kill_terminal"
	TypeStartBuild    = "start_build"
	TypeStopBuild     = "stop_build"
	TypeGetBuildPort  = "get_build_port"
	TypeLoadConfig    = "load_config"
	TypeSubscribe     = "subscribe"
)

// ClientMessage is a request. ID is echoed in the matching result so the
// client can correlate replies.
type ClientMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// spawn_terminal, pty_resize
	Cwd   string `json:"cwd,omitempty"`
	Shell string `json:"shell,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`

	// pty_write. Data carries text input; Bytes is base64 on the wire and
	// passes arbitrary bytes through unchanged. Bytes wins when both are set.
	Data  string `json:"data,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`

	// start_build
	ProjectPath string   `json:"project_path,omitempty"`
	SourceDir   string   `json:"source_dir,omitempty"`
	BuildDir    string   `json:"build_dir,omitempty"`
	Interpreter string   `json:"interpreter,omitempty"`
	Port        int      `json:"port,omitempty"`
	ExtraArgs   []string `json:"extra_args,omitempty"`
}

// ResultMessage answers exactly one ClientMessage.
type ResultMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	// Port is set for start_build and for get_build_port when the session
	// is live. A nil Port from get_build_port means absent.
	Port   *int `json:"port,omitempty"`
	Config any  `json:"config,omitempty"`
}

// EventMessage carries one supervisor event. Type is the event's wire name.
type EventMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Port      int    `json:"port,omitempty"`
	Ts        int64  `json:"ts"`
}

// SessionsMessage is sent to every client on connect.
type SessionsMessage struct {
	Type      string         `json:"type"`
	Terminals []TerminalInfo `json:"terminals"`
	Builds    []BuildInfo    `json:"builds"`
}

type TerminalInfo struct {
	SessionID string `json:"session_id"`
	Shell     string `json:"shell"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	PID       int    `json:"pid"`
	Exited    bool   `json:"exited"`
}

type BuildInfo struct {
	SessionID string `json:"session_id"`
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	Exited    bool   `json:"exited"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type hubBroadcast struct {
	data      []byte
	sessionID string
}

func newEventMessage(e event.Event) EventMessage {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := EventMessage{
		Type:      string(e.Type),
		SessionID: e.SessionID,
		Text:      e.Text,
		Port:      e.Port,
		Ts:        ts.UnixMilli(),
	}
	if e.Type == event.PTYExit || e.Type == event.BuildExit {
		code := e.Code
		msg.Code = &code
	}
	return msg
}
