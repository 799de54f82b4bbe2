// Package config provides configuration loading for foreman.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// CurrentSettingsVersion is the schema version for the on-disk Config file.
const CurrentSettingsVersion = 1

// Config holds the runtime-tunable knobs recognized by the core, per the
// environment variables enumerated for the orchestrator plus the CLI's own
// concurrency knob.
type Config struct {
	Type    string `yaml:"type"` // "foreman-settings"
	Version int    `yaml:"version"`

	// MemoryLimitGB is the per-worker address-space cap. Env: MEMORY_LIMIT_GB.
	MemoryLimitGB float64 `yaml:"memory_limit_gb,omitempty"`
	// TimeoutMinutes is the per-worker wall-clock cap. Env: TIMEOUT_MINUTES.
	TimeoutMinutes int `yaml:"timeout_minutes,omitempty"`
	// MaxRetries is the retry budget per task. Env: MAX_RETRIES.
	MaxRetries int `yaml:"max_retries,omitempty"`
	// StallSeconds is the watchdog inactivity threshold. Env: STALL_SECONDS.
	StallSeconds int `yaml:"stall_seconds,omitempty"`
	// WebhookURL is the optional outbound notification target. Env: WEBHOOK_URL.
	WebhookURL string `yaml:"webhook_url,omitempty"`
	// UseBeads selects the git-backed store. Env: USE_BEADS.
	UseBeads bool `yaml:"use_beads,omitempty"`
	// Concurrency is the number of supervisor loops to run concurrently.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// Defaults returns the built-in baseline, matching the values spec.md
// assigns each environment variable when unset.
func Defaults() *Config {
	return &Config{
		Type:           "foreman-settings",
		Version:        CurrentSettingsVersion,
		MemoryLimitGB:  4,
		TimeoutMinutes: 30,
		MaxRetries:     3,
		StallSeconds:   300,
		UseBeads:       true,
		Concurrency:    1,
	}
}

// Load builds a Config by layering, in order: built-in defaults, an optional
// YAML file at path (skipped if it does not exist), then environment
// variable overrides. This mirrors the town-settings-plus-env-override
// convention the rest of this project family uses, with YAML in place of
// JSON to match the Bead file format.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("MEMORY_LIMIT_GB"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MemoryLimitGB = f
		}
	}
	if v, ok := os.LookupEnv("TIMEOUT_MINUTES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutMinutes = n
		}
	}
	if v, ok := os.LookupEnv("MAX_RETRIES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v, ok := os.LookupEnv("STALL_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StallSeconds = n
		}
	}
	if v, ok := os.LookupEnv("WEBHOOK_URL"); ok {
		cfg.WebhookURL = v
	}
	if v, ok := os.LookupEnv("USE_BEADS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.UseBeads = b
		}
	}
}

// DefaultPath returns the conventional settings file location under a
// project's metadata directory: <repo>/.beads/config.yaml.
func DefaultPath(repoDir string) string {
	return filepath.Join(repoDir, ".beads", "config.yaml")
}
