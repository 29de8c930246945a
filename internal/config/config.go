// Package config loads process configuration for the update client from
// environment variables, with a YAML file as an optional override layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration for the update-cycle daemon.
type Config struct {
	RepoDir         string        `yaml:"repo_dir"`
	LockFile        string        `yaml:"lock_file"`
	OfflineSource   string        `yaml:"offline_source"`
	PollingInterval time.Duration `yaml:"polling_interval"`
	Once            bool          `yaml:"once"`
	OfflineEnabled  bool          `yaml:"offline_enabled"`
	LogLevel        string        `yaml:"log_level"`
}

// Load reads configuration from environment variables, applying defaults,
// then overlays a YAML file if UPTANE_CONFIG_FILE points at one.
func Load() (*Config, error) {
	cfg := &Config{
		RepoDir:         getenv("UPTANE_REPO_DIR", "/var/sota/repo"),
		LockFile:        getenv("UPTANE_LOCK_FILE", "/var/lock/uptane.lock"),
		OfflineSource:   getenv("UPTANE_OFFLINE_SOURCE", "/media/sota"),
		PollingInterval: getDuration("UPTANE_POLL_INTERVAL", 10*time.Minute),
		Once:            getBool("UPTANE_ONCE", false),
		OfflineEnabled:  getBool("UPTANE_OFFLINE_ENABLED", true),
		LogLevel:        getenv("UPTANE_LOG_LEVEL", "INFO"),
	}

	if path := os.Getenv("UPTANE_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
