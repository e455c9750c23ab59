package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.HTTP.PublicURL != "http://localhost:8080" {
		t.Errorf("PublicURL = %q", cfg.HTTP.PublicURL)
	}
	if cfg.Metadata.Path != filepath.Join("./data/intake", "intake.db") {
		t.Errorf("Metadata.Path = %q", cfg.Metadata.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad storage type", func(c *Config) { c.Storage.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = StorageS3 }},
		{"half credentials", func(c *Config) { c.Storage.S3.AccessKeyID = "AKIA" }},
		{"bad metadata backend", func(c *Config) { c.Metadata.Backend = "redis" }},
		{"chunk below s3 minimum", func(c *Config) { c.Upload.ChunkSize = 1024 }},
		{"too many parts", func(c *Config) { c.Upload.MaxFileSize = 200 * 1024 * 1024 * 1024 }},
		{"zero presign ttl", func(c *Config) { c.Upload.PresignTTL = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"sweeper without interval", func(c *Config) { c.Sweeper.Interval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intake.yaml")
	content := `
data_dir: /tmp/intake
http:
  addr: ":9000"
storage:
  type: s3
  s3:
    bucket: incidents
    region: auto
metadata:
  backend: object
sweeper:
  max_session_age: 12h
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" || cfg.Storage.S3.Bucket != "incidents" || cfg.Metadata.Backend != MetadataObject {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Sweeper.MaxSessionAge != 12*time.Hour {
		t.Errorf("MaxSessionAge = %v", cfg.Sweeper.MaxSessionAge)
	}
	// Unset fields keep their defaults.
	if cfg.Upload.ChunkSize != DefaultConfig().Upload.ChunkSize {
		t.Errorf("ChunkSize = %d", cfg.Upload.ChunkSize)
	}
}

func TestLoadFromFile_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intake.toml")
	if err := os.WriteFile(path, []byte("x = 1"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for .toml")
	}
}

func TestLoadFromEnv_R2(t *testing.T) {
	t.Setenv("R2_ACCOUNT_ID", "abc123")
	t.Setenv("R2_BUCKET", "incident-bucket")
	t.Setenv("R2_ACCESS_KEY_ID", "key")
	t.Setenv("R2_SECRET_ACCESS_KEY", "secret")
	t.Setenv("ADMIN_SECRET", "letmein")
	t.Setenv("INTAKE_SWEEPER_INTERVAL", "15m")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Storage.Type != StorageS3 {
		t.Errorf("Storage.Type = %q", cfg.Storage.Type)
	}
	if cfg.Storage.S3.Endpoint != "https://abc123.r2.cloudflarestorage.com" || cfg.Storage.S3.Region != "auto" {
		t.Errorf("R2 endpoint not derived: %+v", cfg.Storage.S3)
	}
	if cfg.Storage.S3.Bucket != "incident-bucket" || cfg.Storage.S3.AccessKeyID != "key" {
		t.Errorf("R2 bucket/credentials not applied: %+v", cfg.Storage.S3)
	}
	if cfg.Admin.Secret != "letmein" {
		t.Errorf("Admin.Secret = %q", cfg.Admin.Secret)
	}
	if cfg.Sweeper.Interval != 15*time.Minute {
		t.Errorf("Sweeper.Interval = %v", cfg.Sweeper.Interval)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("INTAKE_TEST_DOTENV_VALUE=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("INTAKE_TEST_DOTENV_VALUE") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("INTAKE_TEST_DOTENV_VALUE"); got != "from-file" {
		t.Errorf("got %q", got)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.Resolve()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.DataDir, cfg.Storage.Path} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("%s not created", dir)
		}
	}
}
