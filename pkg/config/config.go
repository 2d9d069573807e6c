// Package config loads the .harbor/config.yaml engine configuration.
// Every field is optional; absent values fall back to the defaults the
// rest of the engine ships with.
package config

import (
	"fmt"
	"os"
	"time"

	"harbor/pkg/protocol"

	"gopkg.in/yaml.v3"
)

// Config represents the .harbor/config.yaml structure.
type Config struct {
	// Remote is the git remote pushes default to.
	Remote string `yaml:"remote,omitempty"`

	// HeartbeatInterval is the expected agent heartbeat cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// ClaimTTL is the default lifetime of a work claim.
	ClaimTTL time.Duration `yaml:"claim_ttl,omitempty"`

	// MaxBatchSize caps how many actions one deploy batch may contain.
	MaxBatchSize int `yaml:"max_batch_size,omitempty"`

	// MaxParallelActions bounds concurrent workflow triggers per batch.
	MaxParallelActions int `yaml:"max_parallel_actions,omitempty"`

	// Windows overrides per-action-type batching windows, keyed by action
	// type name.
	Windows map[string]time.Duration `yaml:"windows,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Remote:             "origin",
		HeartbeatInterval:  protocol.DefaultHeartbeatInterval,
		ClaimTTL:           protocol.DefaultClaimTTL,
		MaxBatchSize:       50,
		MaxParallelActions: 4,
	}
}

// Load reads and parses a config file, layering it over the defaults.
// A missing file is not an error; it yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if file.Remote != "" {
		cfg.Remote = file.Remote
	}
	if file.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = file.HeartbeatInterval
	}
	if file.ClaimTTL > 0 {
		cfg.ClaimTTL = file.ClaimTTL
	}
	if file.MaxBatchSize > 0 {
		cfg.MaxBatchSize = file.MaxBatchSize
	}
	if file.MaxParallelActions > 0 {
		cfg.MaxParallelActions = file.MaxParallelActions
	}
	if len(file.Windows) > 0 {
		cfg.Windows = file.Windows
	}

	return cfg, nil
}

// ApplyWindows overlays the configured window overrides on a window
// table. Unknown action type names are ignored.
func (c *Config) ApplyWindows(w map[protocol.ActionType]time.Duration) {
	for name, d := range c.Windows {
		t, err := protocol.ParseActionType(name)
		if err != nil || d <= 0 {
			continue
		}
		w[t] = d
	}
}

// WriteDefault writes a commented starter config. Refuses to overwrite.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	content := `# harbor engine configuration. All fields optional.
#
# remote: origin
# heartbeat_interval: 30s
# claim_ttl: 5m
# max_batch_size: 50
# max_parallel_actions: 4
# windows:
#   commit: 30s
#   push: 5s
#   merge: 10s
#   workflow: 5s
#   deploy: 60s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
