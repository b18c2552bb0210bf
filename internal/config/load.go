package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Loaded is a resolved config file together with the values it produced.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	// Exists is false when the implicit config file is absent and defaults apply.
	Exists bool
}

// Load resolves and reads the config file, overlays it on Default, and validates the
// result. Only the implicit location may be missing; an explicit --config path must exist.
func Load(explicitPath string) (Loaded, error) {
	path, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && strings.TrimSpace(explicitPath) == "":
		return defaultsFor(path)
	case err != nil:
		return Loaded{}, fmt.Errorf("read config %q: %w", path, err)
	}

	cfg, warnings, err := Parse(string(content), Default())
	if err != nil {
		return Loaded{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return Loaded{Path: path, Config: cfg, Warnings: warnings, Exists: true}, nil
}

func defaultsFor(path string) (Loaded, error) {
	cfg := Default()
	warnings, err := Validate(cfg)
	if err != nil {
		return Loaded{}, fmt.Errorf("default config: %w", err)
	}
	warnings = append([]Warning{{
		Message: fmt.Sprintf("config file %q not found; using defaults", path),
	}}, warnings...)
	return Loaded{Path: path, Config: cfg, Warnings: warnings}, nil
}
