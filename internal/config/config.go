// Package config loads and validates ShareBox's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/sharebox/sharebox/internal/errs"
)

// Config is the top-level ShareBox configuration, matching the flat
// r2/sync/encryption/fuse/app schema.
type Config struct {
	R2         R2Config         `yaml:"r2"`
	Sync       SyncConfig       `yaml:"sync"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Fuse       FuseConfig       `yaml:"fuse"`
	App        AppConfig        `yaml:"app"`
}

// R2Config holds credentials and endpoint for the S3-compatible bucket.
type R2Config struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	EndpointURL     string `yaml:"endpoint_url"`
	BucketName      string `yaml:"bucket_name"`
	Region          string `yaml:"region"`
}

// SyncConfig controls the sync engine and cache layout.
type SyncConfig struct {
	LocalCacheDir    string   `yaml:"local_cache_dir"`
	MountPoint       string   `yaml:"mount_point"`
	SyncInterval     int      `yaml:"sync_interval"`
	MaxFileSize      int64    `yaml:"max_file_size"`
	ExcludedPatterns []string `yaml:"excluded_patterns"`
}

// EncryptionConfig controls client-side envelope encryption.
type EncryptionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm"`
	Password  string `yaml:"password"`
}

// FuseConfig controls mount options passed to the FUSE driver.
type FuseConfig struct {
	Foreground         bool `yaml:"foreground"`
	AllowOther         bool `yaml:"allow_other"`
	AllowRoot          bool `yaml:"allow_root"`
	DefaultPermissions bool `yaml:"default_permissions"`
}

// AppConfig controls daemon-level behavior.
type AppConfig struct {
	DeviceName string `yaml:"device_name"`
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
	PidFile    string `yaml:"pid_file"`
}

// Load reads, expands, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ConfigError(errs.CodeConfigMissing,
				fmt.Sprintf("configuration file not found: %s", path), err)
		}
		return nil, errs.ConfigError(errs.CodeConfigInvalid, "failed to read configuration", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.ConfigError(errs.CodeConfigInvalid, "invalid YAML configuration", err)
	}

	cfg.expandPaths()

	if cfg.App.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.App.DeviceName = host
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandPaths expands a leading "~" in every path-valued field.
func (c *Config) expandPaths() {
	c.Sync.LocalCacheDir = expandUser(c.Sync.LocalCacheDir)
	c.Sync.MountPoint = expandUser(c.Sync.MountPoint)
	c.App.LogFile = expandUser(c.App.LogFile)
	c.App.PidFile = expandUser(c.App.PidFile)
}

func expandUser(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		u, err := user.Current()
		if err != nil {
			return path
		}
		return filepath.Join(u.HomeDir, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Validate checks that required fields are present, mirroring the original
// implementation's get_r2_config required-key check.
func (c *Config) Validate() error {
	required := map[string]string{
		"r2.access_key_id":     c.R2.AccessKeyID,
		"r2.secret_access_key": c.R2.SecretAccessKey,
		"r2.endpoint_url":      c.R2.EndpointURL,
		"r2.bucket_name":       c.R2.BucketName,
	}
	for key, value := range required {
		if value == "" {
			return errs.ConfigError(errs.CodeConfigValidation,
				fmt.Sprintf("missing required configuration: %s", key), nil)
		}
	}

	if c.Sync.LocalCacheDir == "" {
		return errs.ConfigError(errs.CodeConfigValidation, "sync.local_cache_dir is required", nil)
	}
	if c.Sync.MountPoint == "" {
		return errs.ConfigError(errs.CodeConfigValidation, "sync.mount_point is required", nil)
	}
	if c.Encryption.Enabled && c.Encryption.Algorithm == "" {
		c.Encryption.Algorithm = "AES-256-GCM"
	}
	if c.Sync.SyncInterval <= 0 {
		c.Sync.SyncInterval = 30
	}
	if c.Sync.MaxFileSize <= 0 {
		c.Sync.MaxFileSize = 1073741824
	}
	return nil
}

// EnsureDirectories creates the cache directory and the parent directories
// of the log and PID files, matching Config.ensure_directories in the
// original implementation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Sync.LocalCacheDir}
	if c.App.LogFile != "" {
		dirs = append(dirs, filepath.Dir(c.App.LogFile))
	}
	if c.App.PidFile != "" {
		dirs = append(dirs, filepath.Dir(c.App.PidFile))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errs.ConfigError(errs.CodeConfigInvalid, fmt.Sprintf("failed to create directory %s", dir), err)
		}
	}
	return nil
}

// ExcludedPatterns returns the fnmatch-style glob patterns sync should skip.
func (c *Config) ExcludedPatterns() []string {
	if len(c.Sync.ExcludedPatterns) == 0 {
		return []string{".DS_Store", "*.tmp", "*.swp", ".sharebox_metadata.json"}
	}
	return c.Sync.ExcludedPatterns
}
