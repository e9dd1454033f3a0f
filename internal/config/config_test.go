package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// An explicit missing path is an error; an empty path with no
	// config file found falls back to defaults.
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ServerURL != "http://localhost:8480" {
		t.Errorf("ServerURL = %q, want default", cfg.ServerURL)
	}
	if cfg.RetryInterval != 5*time.Minute {
		t.Errorf("RetryInterval = %v, want 5m", cfg.RetryInterval)
	}
	if cfg.TokenFile != filepath.Join(cfg.DataDir, "token") {
		t.Errorf("TokenFile = %q, want token inside DataDir", cfg.TokenFile)
	}
	if cfg.Server.MediaThreshold != 16<<10 {
		t.Errorf("Server.MediaThreshold = %d, want 16 KiB", cfg.Server.MediaThreshold)
	}
	if cfg.Media.Bucket != "pagevault-media" {
		t.Errorf("Media.Bucket = %q, want default", cfg.Media.Bucket)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
data_dir: /tmp/pv-test
server_url: https://sync.example.com
retry_interval: 30s
strict_errors: true
log:
  file: /tmp/pv-test/pvd.log
media:
  endpoint: minio.example.com:9000
  bucket: custom-media
server:
  listen: localhost:9480
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ServerURL != "https://sync.example.com" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.RetryInterval != 30*time.Second {
		t.Errorf("RetryInterval = %v, want 30s", cfg.RetryInterval)
	}
	if !cfg.StrictErrors {
		t.Error("StrictErrors not set")
	}
	if cfg.Log.File != "/tmp/pv-test/pvd.log" {
		t.Errorf("Log.File = %q", cfg.Log.File)
	}
	if cfg.Media.Endpoint != "minio.example.com:9000" {
		t.Errorf("Media.Endpoint = %q", cfg.Media.Endpoint)
	}
	if cfg.Media.Bucket != "custom-media" {
		t.Errorf("Media.Bucket = %q", cfg.Media.Bucket)
	}
	if cfg.Server.Listen != "localhost:9480" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if cfg.TokenFile != filepath.Join("/tmp/pv-test", "token") {
		t.Errorf("TokenFile = %q, want token inside data dir", cfg.TokenFile)
	}
	if cfg.StorePath() != filepath.Join("/tmp/pv-test", "store.db") {
		t.Errorf("StorePath() = %q", cfg.StorePath())
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() accepted a missing explicit config file")
	}
}
