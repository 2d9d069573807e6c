package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func runHarbor(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".harbor")
	t.Setenv("HARBOR_DIR", dir)
	t.Setenv("HARBOR_DB_PATH", "")

	if _, err := runHarbor(t, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, f := range []string{"coordination.db", "config.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("init did not create %s: %v", f, err)
		}
	}
}

func TestInitIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".harbor")
	t.Setenv("HARBOR_DIR", dir)
	t.Setenv("HARBOR_DB_PATH", "")

	if _, err := runHarbor(t, "init"); err != nil {
		t.Fatalf("first init: %v", err)
	}

	// A customized config must survive a second init without --force.
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("remote: upstream\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := runHarbor(t, "init"); err != nil {
		t.Fatalf("second init: %v", err)
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) != "remote: upstream\n" {
		t.Errorf("init overwrote config without --force: %q", data)
	}

	if _, err := runHarbor(t, "init", "--force"); err != nil {
		t.Fatalf("forced init: %v", err)
	}
	data, err = os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) == "remote: upstream\n" {
		t.Error("--force must replace the config")
	}
}
