package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfigFile reads a YAML config file over cfg. Keys missing from the file
// keep the value already in cfg.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return ParseConfigYAML(data, cfg)
}

// ParseConfigYAML decodes YAML data over cfg. Unknown keys are rejected.
func ParseConfigYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ExportConfigYAML renders cfg as YAML, e.g. for -print-config.
func ExportConfigYAML(cfg Config) ([]byte, error) {
	return yaml.Marshal(&cfg)
}
