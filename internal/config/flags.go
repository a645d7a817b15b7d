package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Options carries command-line overrides into Load.
type Options struct {
	ConfigPath string
	Listen     string
	Token      string
	LogLevel   string
	PrintToken bool

	// DevSearchDir is where the dev override search starts. Empty means
	// the working directory.
	DevSearchDir string
	SkipDev      bool
}

// ParseFlags parses args (without the program name) into Options.
func ParseFlags(args []string, output io.Writer) (Options, error) {
	var opts Options
	fs := flag.NewFlagSet("orthrus", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to config.yaml (default: $XDG_CONFIG_HOME/orthrus/config.yaml)")
	fs.StringVar(&opts.Listen, "listen", "", "Listen address for the IPC server")
	fs.StringVar(&opts.Token, "token", "", "Access token (auto-generated if empty)")
	fs.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&opts.PrintToken, "print-token", false, "Print the access token on startup")
	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}
	if fs.NArg() > 0 {
		return Options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}
