package main

import (
	"os"
	"path/filepath"

	"harbor/pkg/protocol"
)

// Paths holds all resolved harbor state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	HarborDir  string // ./.harbor or HARBOR_DIR
	DBPath     string // coordination.db or HARBOR_DB_PATH
	ConfigPath string // config.yaml (respects HARBOR_DIR)
	UrgentPath string // urgent marker file (respects HARBOR_DIR)
}

// ResolvePaths returns all harbor paths, respecting env var overrides.
// Environment variables:
//   - HARBOR_DIR: base directory for all harbor state (default: ./.harbor)
//   - HARBOR_DB_PATH: coordination database (default: $HARBOR_DIR/coordination.db)
//
// State lives inside the repository being coordinated, so the default base
// is relative to the working directory, not the user's home.
func ResolvePaths() (*Paths, error) {
	base := os.Getenv("HARBOR_DIR")
	if base == "" {
		base = protocol.HarborDir
	}

	paths := &Paths{
		HarborDir:  base,
		DBPath:     resolvePathWithEnv("HARBOR_DB_PATH", base, protocol.DBFileName),
		ConfigPath: filepath.Join(base, protocol.ConfigFileName),
		UrgentPath: filepath.Join(base, "urgent"),
	}
	return paths, nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
