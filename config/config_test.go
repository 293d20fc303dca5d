package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CHATSTORE_DATA_DIR", tempDir)
	t.Setenv("HOME", tempDir)

	firstCfg, firstPath, err := LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, firstCfg.ChunkSize)
	}
	if firstCfg.ReadTimeout() != 5*time.Minute {
		t.Fatalf("expected default read timeout of 5m, got %s", firstCfg.ReadTimeout())
	}
	if firstCfg.StagingDirectory != filepath.Join(tempDir, "staging") {
		t.Fatalf("expected staging directory under data dir, got %q", firstCfg.StagingDirectory)
	}
	if filepath.Base(firstCfg.DownloadDirectory) != AppName {
		t.Fatalf("expected download directory named after the app, got %q", firstCfg.DownloadDirectory)
	}
	if firstCfg.DataDir != tempDir {
		t.Fatalf("expected data dir %q, got %q", tempDir, firstCfg.DataDir)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if *secondCfg != *firstCfg {
		t.Fatalf("expected stable config, got %+v then %+v", firstCfg, secondCfg)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CHATSTORE_DATA_DIR", tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	cfgPath := filepath.Join(tempDir, "config.json")
	partial := &ClientConfig{
		DownloadDirectory:  filepath.Join(tempDir, "public"),
		ReadTimeoutSeconds: 30,
		MaxBytesPerSecond:  -5,
		LogLevel:           "LOUD",
		LogFormat:          "JSON",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DownloadDirectory != filepath.Join(tempDir, "public") {
		t.Fatalf("expected configured download directory to be retained, got %q", cfg.DownloadDirectory)
	}
	if cfg.ReadTimeoutSeconds != 30 {
		t.Fatalf("expected configured read timeout to be retained, got %d", cfg.ReadTimeoutSeconds)
	}
	if cfg.ConnectTimeoutSeconds != DefaultTimeoutSeconds {
		t.Fatalf("expected default connect timeout, got %d", cfg.ConnectTimeoutSeconds)
	}
	if cfg.MaxBytesPerSecond != 0 {
		t.Fatalf("expected negative bandwidth limit to be cleared, got %d", cfg.MaxBytesPerSecond)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected unknown log level to normalize to info, got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("expected log format %q, got %q", LogFormatJSON, cfg.LogFormat)
	}

	persisted, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected normalized defaults to be written back, got chunk size %d", persisted.ChunkSize)
	}
}

func TestEnvironmentOverridesAreNotPersisted(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CHATSTORE_DATA_DIR", tempDir)
	t.Setenv("HOME", tempDir)
	t.Setenv("CHATSTORE_DOWNLOAD_DIR", filepath.Join(tempDir, "override"))
	t.Setenv("CHATSTORE_LOG_LEVEL", "debug")
	t.Setenv("CHATSTORE_METRICS_ADDR", "127.0.0.1:9464")

	cfg, cfgPath, err := LoadOrCreate(context.Background())
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DownloadDirectory != filepath.Join(tempDir, "override") {
		t.Fatalf("expected download dir override, got %q", cfg.DownloadDirectory)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level override, got %q", cfg.LogLevel)
	}
	if cfg.MetricsAddress != "127.0.0.1:9464" {
		t.Fatalf("expected metrics address override, got %q", cfg.MetricsAddress)
	}

	persisted, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if persisted.DownloadDirectory == cfg.DownloadDirectory {
		t.Fatalf("expected override to stay out of config.json")
	}
	if persisted.MetricsAddress != "" {
		t.Fatalf("expected metrics address to stay out of config.json, got %q", persisted.MetricsAddress)
	}
}

func TestResolveDataDirOverride(t *testing.T) {
	dir, err := ResolveDataDir("/srv/chatstore")
	if err != nil {
		t.Fatalf("ResolveDataDir failed: %v", err)
	}
	if dir != "/srv/chatstore" {
		t.Fatalf("expected override to be returned as is, got %q", dir)
	}
}
