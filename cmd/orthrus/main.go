package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peacock0803sz/orthrus/internal/build"
	"github.com/peacock0803sz/orthrus/internal/config"
	"github.com/peacock0803sz/orthrus/internal/db"
	"github.com/peacock0803sz/orthrus/internal/event"
	"github.com/peacock0803sz/orthrus/internal/hub"
	"github.com/peacock0803sz/orthrus/internal/pty"
	"github.com/peacock0803sz/orthrus/internal/server"
	"github.com/peacock0803sz/orthrus/internal/stream"
)

const (
	journalRetention = 30 * 24 * time.Hour
	devBuildSession  = "dev"
)

func main() {
	opts, err := config.ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	level, err := config.ParseLevel(opts.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(opts); err != nil {
		slog.Error("orthrus exited with error", "error", err)
		os.Exit(1)
	}
}

func run(opts config.Options) error {
	cfg, err := config.Load(opts)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(cfg.Server.Token, hub.Backend{})
	sinks := event.Multi{h}

	if cfg.Journal.Enabled {
		database, err := db.Open(ctx, cfg.Journal.Path, db.WithRetention(journalRetention))
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer database.Close()

		journal := db.NewJournal(db.NewEventRepo(database.SQL()), 0, nil)
		defer journal.Close()
		sinks = append(sinks, journal)
	}

	ptyOpts := []pty.Option{}
	if cfg.Terminal.FallbackShell != "" {
		ptyOpts = append(ptyOpts, pty.WithFallbackShell(cfg.Terminal.FallbackShell))
	}
	if cfg.Terminal.BatchOutput {
		ptyOpts = append(ptyOpts, pty.WithBatching(stream.DefaultWindow))
	}
	terminals := pty.NewSupervisor(sinks, ptyOpts...)
	defer terminals.Close()

	builds := build.NewSupervisor(sinks)
	defer builds.Close()

	buildDefaults := build.StartOptions{
		SourceDir:   cfg.Sphinx.SourceDir,
		BuildDir:    cfg.Sphinx.BuildDir,
		Interpreter: cfg.Python.Interpreter,
		Port:        cfg.Sphinx.Server.Port,
		ExtraArgs:   cfg.Sphinx.ExtraArgs,
	}
	if cfg.Dev != nil {
		buildDefaults.ProjectPath = cfg.Dev.ProjectPath
	}

	h.SetBackend(hub.Backend{
		Terminals:     terminals,
		Builds:        builds,
		Config:        func() any { return cfg },
		BuildDefaults: buildDefaults,
	})
	go h.Run(ctx)

	if dev := cfg.Dev; dev != nil && dev.AutoStartSphinx && dev.ProjectPath != "" {
		port, err := builds.Start(devBuildSession, buildDefaults)
		if err != nil {
			slog.Warn("failed to auto-start build", "project", dev.ProjectPath, "error", err)
		} else {
			slog.Info("auto-started build", "project", dev.ProjectPath, "url", fmt.Sprintf("http://%s:%d", build.Host, port))
		}
	}

	srv := server.New(cfg.Server, http.HandlerFunc(h.HandleWebSocket), func() any {
		return map[string]int{
			"terminals": len(terminals.Sessions()),
			"builds":    len(builds.Sessions()),
			"clients":   h.ClientCount(),
		}
	}, nil)
	if err := srv.Listen(); err != nil {
		return err
	}

	if opts.PrintToken {
		fmt.Printf("\northrus listening at ws://%s/ws?token=%s\n\n", srv.Addr(), cfg.Server.Token)
	} else {
		slog.Info("orthrus listening", "addr", srv.Addr(), "config", cfg.Path)
	}

	return srv.Start(ctx)
}
