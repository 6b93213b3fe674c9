// Package config loads ambient runtime configuration (object store
// defaults, timeouts, logging) from a YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be
// called once at process startup; safe to call again in tests.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD looking for .ledgerstore/config.yaml, so
	// embedding applications work from any subdirectory of a project.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".ledgerstore", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory.
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "ledgerstore", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// LEDGERSTORE_SYNC_BUCKET maps to "sync.bucket", etc.
	v.SetEnvPrefix("LEDGERSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("lock-timeout", "30s")
	v.SetDefault("cancellation-tick", "100ms")

	v.SetDefault("sync.backend", "")
	v.SetDefault("sync.endpoint", "")
	v.SetDefault("sync.bucket", "")
	v.SetDefault("sync.region", "")
	v.SetDefault("sync.access-key", "")
	v.SetDefault("sync.secret-key", "")
	v.SetDefault("sync.prefix", "")
	v.SetDefault("sync.local-path", "")

	v.SetDefault("log.path", "")
	v.SetDefault("log.max-size-mb", 10)
	v.SetDefault("log.max-backups", 3)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value, mainly for tests.
func Set(key string, value interface{}) {
	if v == nil {
		_ = Initialize()
	}
	v.Set(key, value)
}
