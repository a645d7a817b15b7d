package pty

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// resolveShell picks the shell argv: the explicit override (which may carry
// quoted arguments), then $SHELL, then the fallback path.
func (s *Supervisor) resolveShell(override string) ([]string, error) {
	if strings.TrimSpace(override) != "" {
		argv, err := shellquote.Split(override)
		if err != nil {
			return nil, fmt.Errorf("pty: parse shell %q: %w", override, err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("pty: empty shell %q", override)
		}
		return argv, nil
	}
	if env := strings.TrimSpace(s.getenv("SHELL")); env != "" {
		return []string{env}, nil
	}
	return []string{s.fallbackShell}, nil
}
