// SPDX-License-Identifier: MIT

// Package config loads the process configuration from an optional YAML file
// with VPO_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WorkerConfig holds the worker stop conditions and resources.
type WorkerConfig struct {
	MaxFiles    int    `yaml:"max_files"`    // 0 = unlimited
	MaxDuration int    `yaml:"max_duration"` // wall seconds, 0 = unlimited
	EndBy       string `yaml:"end_by"`       // "HH:MM" local clock, empty = none
	CPUCores    int    `yaml:"cpu_cores"`    // passed to the transcoder, 0 = auto
}

// JobsConfig holds retention windows.
type JobsConfig struct {
	RetentionDays      int `yaml:"retention_days"`
	LogCompressionDays int `yaml:"log_compression_days"`
	LogDeletionDays    int `yaml:"log_deletion_days"`
}

// ToolsConfig holds external tool binary locations. Empty values resolve via
// PATH at capability discovery.
type ToolsConfig struct {
	FFmpegBin      string `yaml:"ffmpeg_bin"`
	FFprobeBin     string `yaml:"ffprobe_bin"`
	MkvmergeBin    string `yaml:"mkvmerge_bin"`
	MkvpropeditBin string `yaml:"mkvpropedit_bin"`
}

// Config is the full process configuration.
type Config struct {
	DataDir          string `yaml:"data_dir"`
	DBBusyTimeoutMS  int    `yaml:"db_busy_timeout_ms"`
	LogLevel         string `yaml:"log_level"`
	LanguageStandard string `yaml:"language_standard"` // preferred display form
	OnError          string `yaml:"on_error"`          // skip | continue | fail
	ListenAddr       string `yaml:"listen_addr"`       // status HTTP server, empty = disabled

	Worker WorkerConfig `yaml:"worker"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Tools  ToolsConfig  `yaml:"tools"`

	WatchDirs []string `yaml:"watch_dirs"`
}

// Default returns the configuration defaults.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DataDir:          filepath.Join(home, ".vpo"),
		DBBusyTimeoutMS:  10_000,
		LanguageStandard: "iso639-2",
		OnError:          "fail",
		Jobs: JobsConfig{
			RetentionDays:      30,
			LogCompressionDays: 7,
			LogDeletionDays:    90,
		},
	}
}

// Load reads the configuration file at path (if non-empty), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator supplied
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VPO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VPO_DB_BUSY_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.DBBusyTimeoutMS = ms
		}
	}
	if v := os.Getenv("VPO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VPO_ON_ERROR"); v != "" {
		cfg.OnError = v
	}
	if v := os.Getenv("VPO_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("VPO_FFMPEG_BIN"); v != "" {
		cfg.Tools.FFmpegBin = v
	}
	if v := os.Getenv("VPO_FFPROBE_BIN"); v != "" {
		cfg.Tools.FFprobeBin = v
	}
	if v := os.Getenv("VPO_MKVMERGE_BIN"); v != "" {
		cfg.Tools.MkvmergeBin = v
	}
	if v := os.Getenv("VPO_MKVPROPEDIT_BIN"); v != "" {
		cfg.Tools.MkvpropeditBin = v
	}
	if v := os.Getenv("VPO_WORKER_MAX_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxFiles = n
		}
	}
	if v := os.Getenv("VPO_WORKER_MAX_DURATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxDuration = n
		}
	}
	if v := os.Getenv("VPO_WORKER_END_BY"); v != "" {
		cfg.Worker.EndBy = v
	}
}

// Validate checks option values that have a closed domain.
func (c Config) Validate() error {
	switch c.OnError {
	case "skip", "continue", "fail":
	default:
		return fmt.Errorf("config: on_error must be skip, continue or fail, got %q", c.OnError)
	}
	if c.Worker.EndBy != "" {
		if _, err := time.Parse("15:04", c.Worker.EndBy); err != nil {
			return fmt.Errorf("config: worker.end_by must be HH:MM, got %q", c.Worker.EndBy)
		}
	}
	if c.Jobs.LogCompressionDays < 0 || c.Jobs.LogDeletionDays < 0 || c.Jobs.RetentionDays < 0 {
		return fmt.Errorf("config: retention windows must not be negative")
	}
	return nil
}

// BusyTimeout returns the per-connection busy timeout as a duration.
func (c Config) BusyTimeout() time.Duration {
	return time.Duration(c.DBBusyTimeoutMS) * time.Millisecond
}

// DBPath returns the path of the embedded database.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "library.db")
}

// LogsDir returns the per-job log directory.
func (c Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// EnsureDataDir creates the data directory layout.
func (c Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}
