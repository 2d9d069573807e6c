package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"harbor/pkg/config"
	"harbor/pkg/protocol"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Remote != "origin" || cfg.ClaimTTL != protocol.DefaultClaimTTL || cfg.MaxBatchSize != 50 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "remote: upstream\nclaim_ttl: 10m\nwindows:\n  commit: 5s\n  bogus: 1s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Remote != "upstream" {
		t.Errorf("remote = %s, want upstream", cfg.Remote)
	}
	if cfg.ClaimTTL != 10*time.Minute {
		t.Errorf("claim_ttl = %s, want 10m", cfg.ClaimTTL)
	}
	// Untouched fields keep their defaults.
	if cfg.MaxParallelActions != 4 {
		t.Errorf("max_parallel_actions = %d, want default 4", cfg.MaxParallelActions)
	}

	windows := map[protocol.ActionType]time.Duration{
		protocol.ActionCommit: 30 * time.Second,
		protocol.ActionPush:   5 * time.Second,
	}
	cfg.ApplyWindows(windows)
	if windows[protocol.ActionCommit] != 5*time.Second {
		t.Errorf("commit window = %s, want override 5s", windows[protocol.ActionCommit])
	}
	if windows[protocol.ActionPush] != 5*time.Second {
		t.Errorf("push window = %s, want untouched 5s", windows[protocol.ActionPush])
	}
	if len(windows) != 2 {
		t.Errorf("unknown window key leaked into table: %v", windows)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("remote: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("malformed yaml must error")
	}
}

func TestWriteDefaultRefusesOverwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.WriteDefault(path); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := config.WriteDefault(path); err == nil {
		t.Fatal("second write must refuse to overwrite")
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load starter config: %v", err)
	}
	if cfg.Remote != "origin" {
		t.Fatalf("starter config must parse to defaults, got %+v", cfg)
	}
}
