// Package db persists session lifecycle events in a local SQLite journal.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

var ErrEmptyPath = errors.New("db: journal path cannot be empty")

// DB is an open journal database.
type DB struct {
	conn *sql.DB
	path string
}

type openConfig struct {
	busyTimeout time.Duration
	retention   time.Duration
	log         *slog.Logger
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

// WithBusyTimeout sets how long a statement waits on a locked database.
func WithBusyTimeout(d time.Duration) OpenOption {
	return func(c *openConfig) {
		if d > 0 {
			c.busyTimeout = d
		}
	}
}

// WithRetention prunes events older than d once the schema is current.
// Zero keeps everything.
func WithRetention(d time.Duration) OpenOption {
	return func(c *openConfig) { c.retention = d }
}

// WithLogger sets the logger used while opening and pruning.
func WithLogger(l *slog.Logger) OpenOption {
	return func(c *openConfig) { c.log = l }
}

// Open creates the journal file and its directory if needed, migrates the
// schema and applies the retention window.
func Open(ctx context.Context, path string, opts ...OpenOption) (*DB, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	cfg := openConfig{busyTimeout: defaultBusyTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	log := cfg.log.With("component", "db")

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve journal path %q: %w", path, err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %q: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", dsn(abs, cfg.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %q: %w", abs, err)
	}
	// The writer goroutine is the only client; one connection keeps the
	// pragmas and the WAL lock in a single place.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	if err := RunMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	d := &DB{conn: conn, path: abs}
	if cfg.retention > 0 {
		n, err := NewEventRepo(conn).DeleteBefore(ctx, time.Now().Add(-cfg.retention))
		if err != nil {
			log.Warn("failed to prune journal", "path", abs, "error", err)
		} else if n > 0 {
			log.Info("pruned journal", "path", abs, "removed", n, "retention", cfg.retention)
		}
	}
	log.Debug("journal opened", "path", abs)
	return d, nil
}

// dsn builds a file URI whose pragmas modernc applies to every new
// connection, not only the first.
func dsn(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?" + q.Encode()
}

func (d *DB) SQL() *sql.DB {
	return d.conn
}

// Path returns the absolute location of the journal file.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
