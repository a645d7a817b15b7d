package configs

import _ "embed"

// DefaultConfig is the shipped default config.yaml. Every field the loader
// knows about has its default here.
//
//go:embed config.yaml
var DefaultConfig []byte
