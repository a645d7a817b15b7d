package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/peacock0803sz/orthrus/configs"
)

type Config struct {
	Sphinx   SphinxConfig   `yaml:"sphinx" json:"sphinx"`
	Python   PythonConfig   `yaml:"python" json:"python"`
	Editor   EditorConfig   `yaml:"editor" json:"editor"`
	Terminal TerminalConfig `yaml:"terminal" json:"terminal"`
	Journal  JournalConfig  `yaml:"journal" json:"journal"`
	Server   ServerConfig   `yaml:"server" json:"server"`

	// Path is the file the config was read from, empty when only defaults apply.
	Path string `yaml:"-" json:"-"`
	// Dev is the development override file found next to the working
	// directory, if any.
	Dev *DevConfig `yaml:"-" json:"dev,omitempty"`
}

type SphinxConfig struct {
	SourceDir string             `yaml:"source_dir" json:"source_dir"`
	BuildDir  string             `yaml:"build_dir" json:"build_dir"`
	Server    SphinxServerConfig `yaml:"server" json:"server"`
	ExtraArgs []string           `yaml:"extra_args" json:"extra_args"`
}

type SphinxServerConfig struct {
	Port int `yaml:"port" json:"port"`
}

type PythonConfig struct {
	Interpreter string `yaml:"interpreter" json:"interpreter"`
}

type EditorConfig struct {
	Command string `yaml:"command" json:"command"`
}

// TerminalConfig holds terminal defaults. Font and theme settings are passed
// through to the UI untouched.
type TerminalConfig struct {
	Shell         string `yaml:"shell" json:"shell,omitempty"`
	FallbackShell string `yaml:"fallback_shell" json:"fallback_shell"`
	BatchOutput   bool   `yaml:"batch_output" json:"batch_output"`
	FontFamily    string `yaml:"font_family" json:"font_family,omitempty"`
	FontSize      int    `yaml:"font_size" json:"font_size,omitempty"`
	ThemeFile     string `yaml:"theme_file" json:"theme_file,omitempty"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	Token  string `yaml:"token" json:"-"`
}

// Defaults returns the configuration shipped in configs/config.yaml.
func Defaults() (*Config, error) {
	cfg := &Config{}
	if err := decode(configs.DefaultConfig, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	return cfg, nil
}

// Load builds the effective configuration: embedded defaults, then the user
// file, then the dev override file, then command-line flags.
func Load(opts Options) (*Config, error) {
	cfg, err := Defaults()
	if err != nil {
		return nil, err
	}

	path := opts.ConfigPath
	if path == "" {
		path, err = ConfigFilePath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
	}
	if err := cfg.loadFromFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if !opts.SkipDev {
		dev, err := FindDevConfig(opts.DevSearchDir)
		if err != nil {
			return nil, err
		}
		if dev != nil {
			cfg.Dev = dev
			cfg.Apply(dev.Config)
		}
	}

	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Token != "" {
		cfg.Server.Token = opts.Token
	}
	if cfg.Server.Token == "" {
		cfg.Server.Token = generateToken()
	}
	if cfg.Journal.Path == "" {
		dir, err := StateDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve state dir: %w", err)
		}
		cfg.Journal.Path = JournalPath(dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := decode(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	c.Path = path
	return nil
}

// decode unmarshals YAML over the existing values, so keys the document
// omits keep whatever c already holds.
func decode(data []byte, c *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks values the supervisors cannot recover from.
func (c *Config) Validate() error {
	if p := c.Sphinx.Server.Port; p < 0 || p > 65535 {
		return fmt.Errorf("invalid sphinx.server.port %d: must be between 0 and 65535", p)
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		return errors.New("server.listen must not be empty")
	}
	if c.Terminal.FontSize < 0 {
		return fmt.Errorf("invalid terminal.font_size %d", c.Terminal.FontSize)
	}
	return nil
}

func generateToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
