package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DevFileName is the per-project development override file.
const DevFileName = ".orthrus.dev.json"

// DevConfig is read from DevFileName in the working directory or its parent.
type DevConfig struct {
	ProjectPath     string    `json:"projectPath"`
	AutoStartSphinx bool      `json:"autoStartSphinx"`
	Config          *Override `json:"config,omitempty"`

	// File is the path the override was read from.
	File string `json:"-"`
}

// Override holds config values a dev file may replace. Nil fields are left
// untouched.
type Override struct {
	Sphinx *struct {
		SourceDir *string  `json:"source_dir"`
		BuildDir  *string  `json:"build_dir"`
		Port      *int     `json:"port"`
		ExtraArgs []string `json:"extra_args"`
	} `json:"sphinx,omitempty"`
	Python *struct {
		Interpreter *string `json:"interpreter"`
	} `json:"python,omitempty"`
	Editor *struct {
		Command *string `json:"command"`
	} `json:"editor,omitempty"`
	Terminal *struct {
		Shell *string `json:"shell"`
	} `json:"terminal,omitempty"`
}

// FindDevConfig looks for DevFileName in dir, then in dir's parent. It
// returns nil without error when neither exists.
func FindDevConfig(dir string) (*DevConfig, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}

	for _, candidate := range []string{dir, filepath.Dir(dir)} {
		path := filepath.Join(candidate, DevFileName)
		dev, err := readDevConfig(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	return nil, nil
}

func readDevConfig(path string) (*DevConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dev := &DevConfig{AutoStartSphinx: true}
	if err := json.Unmarshal(data, dev); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	dev.File = path
	return dev, nil
}

// Apply copies every non-nil override value into c.
func (c *Config) Apply(o *Override) {
	if o == nil {
		return
	}
	if s := o.Sphinx; s != nil {
		if s.SourceDir != nil {
			c.Sphinx.SourceDir = *s.SourceDir
		}
		if s.BuildDir != nil {
			c.Sphinx.BuildDir = *s.BuildDir
		}
		if s.Port != nil {
			c.Sphinx.Server.Port = *s.Port
		}
		if s.ExtraArgs != nil {
			c.Sphinx.ExtraArgs = s.ExtraArgs
		}
	}
	if p := o.Python; p != nil && p.Interpreter != nil {
		c.Python.Interpreter = *p.Interpreter
	}
	if e := o.Editor; e != nil && e.Command != nil {
		c.Editor.Command = *e.Command
	}
	if t := o.Terminal; t != nil && t.Shell != nil {
		c.Terminal.Shell = *t.Shell
	}
}
