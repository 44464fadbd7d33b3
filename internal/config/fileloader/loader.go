// Package fileloader loads orchestrator configuration from a yaml file.
package fileloader

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/corvusec/scanhive/internal/config"
)

// FileLoader reads, defaults and validates a yaml configuration file. It
// implements config.Loader.
type FileLoader struct {
	path string
}

// NewFileLoader creates a loader for the given file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load parses the file and returns a validated configuration. Unknown yaml
// keys are rejected so a typoed setting fails startup instead of silently
// falling back to a default.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg config.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", l.path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
