package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"logferry/internal/decode"
)

// routesFile is the standalone decoder-routing document.
type routesFile struct {
	SchemaVersion string        `yaml:"schema_version"`
	Routes        []decode.Rule `yaml:"routes"`
}

// LoadRoutes parses a routes YAML and validates schema_version.
func LoadRoutes(path string) ([]decode.Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	var rf routesFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parse routes %s: %w", path, err)
	}
	if rf.SchemaVersion == "" {
		rf.SchemaVersion = SupportedSchema
	}
	if rf.SchemaVersion != SupportedSchema {
		return nil, fmt.Errorf("routes schema_version %q not supported (want %q)", rf.SchemaVersion, SupportedSchema)
	}
	return rf.Routes, nil
}
