package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	// AppName names the data directory and the public download folder.
	AppName = "chatstore"
	// DefaultChunkSize is the transfer read size in bytes.
	DefaultChunkSize = 8 * 1024
	// DefaultTimeoutSeconds applies to connect, read and write operations.
	DefaultTimeoutSeconds = 300
	// DefaultSeenIDRetentionHours bounds how long replay protection remembers stanza ids.
	DefaultSeenIDRetentionHours = 24 * 30
	// LogFormatText renders human-readable log lines.
	LogFormatText = "text"
	// LogFormatJSON renders one JSON object per log line.
	LogFormatJSON = "json"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// stagingDirName holds partial downloads under the data directory.
	stagingDirName = "staging"
)

// ClientConfig contains persistent client settings.
type ClientConfig struct {
	DownloadDirectory     string `json:"download_directory"`
	StagingDirectory      string `json:"staging_directory"`
	ChunkSize             int    `json:"chunk_size"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds   int    `json:"write_timeout_seconds"`
	MaxBytesPerSecond     int    `json:"max_bytes_per_second"`
	SeenIDRetentionHours  int    `json:"seen_id_retention_hours"`
	LogLevel              string `json:"log_level"`
	LogFormat             string `json:"log_format"`
	MetricsAddress        string `json:"metrics_address"`

	// DataDir is the resolved data directory; it is not persisted.
	DataDir string `json:"-"`
}

// Overrides are environment variables that take precedence over config.json
// for the current process. They are never written back.
type Overrides struct {
	DataDir     string `env:"CHATSTORE_DATA_DIR"`
	DownloadDir string `env:"CHATSTORE_DOWNLOAD_DIR"`
	LogLevel    string `env:"CHATSTORE_LOG_LEVEL"`
	MetricsAddr string `env:"CHATSTORE_METRICS_ADDR"`
}

// LoadOverrides reads Overrides from the environment.
func LoadOverrides(ctx context.Context) (*Overrides, error) {
	overrides := &Overrides{}
	if err := envconfig.Process(ctx, overrides); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return overrides, nil
}

// ConnectTimeout returns the connect timeout as a duration.
func (c *ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ReadTimeout returns the per-read timeout as a duration.
func (c *ClientConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the per-write timeout as a duration.
func (c *ClientConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// SeenIDRetention returns how long incoming stanza ids are remembered.
func (c *ClientConfig) SeenIDRetention() time.Duration {
	return time.Duration(c.SeenIDRetentionHours) * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory. A non-empty
// override is used as is.
func ResolveDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppName), nil
	default:
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, AppName), nil
	}
}

// DefaultDownloadDir returns the public, human-browsable download folder.
func DefaultDownloadDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, "Downloads", AppName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the private data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, stagingDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config
// with environment overrides applied, and the config file path.
func LoadOrCreate(ctx context.Context) (*ClientConfig, string, error) {
	overrides, err := LoadOverrides(ctx)
	if err != nil {
		return nil, "", err
	}

	dataDir, err := ResolveDataDir(overrides.DataDir)
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = &ClientConfig{}
		if _, err := normalizeDefaults(cfg, dataDir); err != nil {
			return nil, "", err
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else {
		updated, err := normalizeDefaults(cfg, dataDir)
		if err != nil {
			return nil, "", err
		}
		if updated {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}

	cfg.DataDir = dataDir
	applyOverrides(cfg, overrides)
	return cfg, cfgPath, nil
}

func applyOverrides(cfg *ClientConfig, overrides *Overrides) {
	if overrides.DownloadDir != "" {
		cfg.DownloadDirectory = overrides.DownloadDir
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = normalizeLogLevel(overrides.LogLevel)
	}
	if overrides.MetricsAddr != "" {
		cfg.MetricsAddress = overrides.MetricsAddr
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) (bool, error) {
	updated := false

	if cfg.DownloadDirectory == "" {
		dir, err := DefaultDownloadDir()
		if err != nil {
			return false, err
		}
		cfg.DownloadDirectory = dir
		updated = true
	}

	if cfg.StagingDirectory == "" {
		cfg.StagingDirectory = filepath.Join(dataDir, stagingDirName)
		updated = true
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}

	for _, seconds := range []*int{&cfg.ConnectTimeoutSeconds, &cfg.ReadTimeoutSeconds, &cfg.WriteTimeoutSeconds} {
		if *seconds <= 0 {
			*seconds = DefaultTimeoutSeconds
			updated = true
		}
	}

	if cfg.MaxBytesPerSecond < 0 {
		cfg.MaxBytesPerSecond = 0
		updated = true
	}

	if cfg.SeenIDRetentionHours <= 0 {
		cfg.SeenIDRetentionHours = DefaultSeenIDRetentionHours
		updated = true
	}

	if level := normalizeLogLevel(cfg.LogLevel); cfg.LogLevel != level {
		cfg.LogLevel = level
		updated = true
	}

	if format := normalizeLogFormat(cfg.LogFormat); cfg.LogFormat != format {
		cfg.LogFormat = format
		updated = true
	}

	return updated, nil
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
		return strings.ToLower(strings.TrimSpace(level))
	default:
		return "info"
	}
}

func normalizeLogFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case LogFormatJSON:
		return LogFormatJSON
	default:
		return LogFormatText
	}
}
