package application

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	telemetry "evcc-ingest/internal/telemetry/domain"
)

// PatternFile is the on-disk router configuration.
type PatternFile struct {
	Patterns []telemetry.PatternConfig `yaml:"patterns"`
}

// LoadPatterns reads router patterns from a yaml file. An empty path returns
// the built-in vocabulary.
func LoadPatterns(path string) ([]telemetry.PatternConfig, error) {
	if path == "" {
		return telemetry.DefaultPatterns(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("patterns: read %s: %w", path, err)
	}
	return ParsePatterns(data)
}

// ParsePatterns decodes and validates a yaml pattern list.
func ParsePatterns(data []byte) ([]telemetry.PatternConfig, error) {
	var file PatternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("patterns: decode: %w", err)
	}
	if len(file.Patterns) == 0 {
		return nil, errors.New("patterns: no patterns configured")
	}
	if _, err := telemetry.NewRouter(file.Patterns); err != nil {
		return nil, err
	}
	return file.Patterns, nil
}
