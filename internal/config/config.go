// Package config provides configuration for the intake service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/srebi/intake/pkg/types"
)

// Storage backends.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Metadata backends.
const (
	MetadataSQLite = "sqlite"
	MetadataObject = "object"
)

// Config holds the configuration for the intake service.
type Config struct {
	// DataDir is the base directory for all local data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Metadata configuration for incident records and upload sessions
	Metadata MetadataConfig `json:"metadata" yaml:"metadata"`

	// Upload limits
	Upload UploadConfig `json:"upload" yaml:"upload"`

	// Sweeper configuration
	Sweeper SweeperConfig `json:"sweeper" yaml:"sweeper"`

	// Admin configuration
	Admin AdminConfig `json:"admin" yaml:"admin"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the listen address of the API server
	Addr string `json:"addr" yaml:"addr"`

	// PublicURL is the externally reachable base URL, used for locally signed URLs
	PublicURL string `json:"public_url" yaml:"public_url"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// SigningSecret signs presigned URLs issued by the local store
	SigningSecret string `json:"signing_secret" yaml:"signing_secret"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration. Works for AWS S3, Cloudflare R2 and MinIO.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region ("auto" for R2)
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// AccessKeyID and SecretAccessKey are static credentials; when empty the
	// default AWS credential chain is used
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`

	// UsePathStyle forces path-style addressing (MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// MetadataConfig selects where incident records and sessions live.
type MetadataConfig struct {
	// Backend is sqlite or object (JSON documents in the object store)
	Backend string `json:"backend" yaml:"backend"`

	// Path is the SQLite database path
	Path string `json:"path" yaml:"path"`
}

// UploadConfig holds upload limits.
type UploadConfig struct {
	ChunkSize     int64         `json:"chunk_size" yaml:"chunk_size"`
	MaxFileSize   int64         `json:"max_file_size" yaml:"max_file_size"`
	PresignTTL    time.Duration `json:"presign_ttl" yaml:"presign_ttl"`
	MaxReportSize int64         `json:"max_report_size" yaml:"max_report_size"`
}

// SweeperConfig holds the stale session sweeper configuration.
type SweeperConfig struct {
	// Enabled controls whether the background sweeper runs
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is the time between sweeps
	Interval time.Duration `json:"interval" yaml:"interval"`

	// MaxSessionAge is how long a session may stay pending before it is aborted
	MaxSessionAge time.Duration `json:"max_session_age" yaml:"max_session_age"`

	// Concurrency bounds parallel aborts within one sweep
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// AdminConfig holds admin endpoint configuration.
type AdminConfig struct {
	// Secret is compared against the x-admin-secret header; empty disables admin routes
	Secret string `json:"secret" yaml:"secret"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error, fatal
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/intake",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			PublicURL:    "",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageLocal,
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Metadata: MetadataConfig{
			Backend: MetadataSQLite,
		},
		Upload: UploadConfig{
			ChunkSize:     types.ChunkSize,
			MaxFileSize:   types.MaxFileSize,
			PresignTTL:    types.PresignTTL,
			MaxReportSize: types.MaxReportSize,
		},
		Sweeper: SweeperConfig{
			Enabled:       true,
			Interval:      time.Hour,
			MaxSessionAge: 24 * time.Hour,
			Concurrency:   4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/intake"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}

	if c.Metadata.Path == "" {
		c.Metadata.Path = filepath.Join(c.DataDir, "intake.db")
	}

	if c.HTTP.PublicURL == "" {
		addr := c.HTTP.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		c.HTTP.PublicURL = "http://" + addr
	}
	c.HTTP.PublicURL = strings.TrimRight(c.HTTP.PublicURL, "/")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != StorageLocal && c.Storage.Type != StorageS3 {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == StorageS3 && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if (c.Storage.S3.AccessKeyID == "") != (c.Storage.S3.SecretAccessKey == "") {
		return fmt.Errorf("s3.access_key_id and s3.secret_access_key must be set together")
	}

	if c.Metadata.Backend != MetadataSQLite && c.Metadata.Backend != MetadataObject {
		return fmt.Errorf("invalid metadata backend: %s (must be sqlite or object)", c.Metadata.Backend)
	}

	if c.Upload.ChunkSize < 5*1024*1024 {
		return fmt.Errorf("upload.chunk_size must be at least 5 MiB, got %d", c.Upload.ChunkSize)
	}

	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("upload.max_file_size must be positive, got %d", c.Upload.MaxFileSize)
	}

	if types.TotalParts(c.Upload.MaxFileSize, c.Upload.ChunkSize) > types.MaxPartNumber {
		return fmt.Errorf("upload.max_file_size needs more than %d parts at chunk size %d",
			types.MaxPartNumber, c.Upload.ChunkSize)
	}

	if c.Upload.PresignTTL <= 0 {
		return fmt.Errorf("upload.presign_ttl must be positive")
	}

	if c.Upload.MaxReportSize <= 0 {
		return fmt.Errorf("upload.max_report_size must be positive")
	}

	if c.Sweeper.Enabled && (c.Sweeper.Interval <= 0 || c.Sweeper.MaxSessionAge <= 0) {
		return fmt.Errorf("sweeper.interval and sweeper.max_session_age must be positive")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding values that are already set. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the INTAKE_ prefix. The R2_* variables are
// shorthands for a Cloudflare R2 bucket and switch storage to s3.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("INTAKE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("INTAKE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("INTAKE_PUBLIC_URL"); v != "" {
		cfg.HTTP.PublicURL = v
	}

	// Storage configuration
	if v := os.Getenv("INTAKE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("INTAKE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("INTAKE_STORAGE_SIGNING_SECRET"); v != "" {
		cfg.Storage.SigningSecret = v
	}
	if v := os.Getenv("INTAKE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("INTAKE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("INTAKE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("INTAKE_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("INTAKE_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = v
	}
	if v := os.Getenv("INTAKE_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Cloudflare R2
	if v := os.Getenv("R2_ACCOUNT_ID"); v != "" {
		cfg.Storage.Type = StorageS3
		cfg.Storage.S3.Region = "auto"
		cfg.Storage.S3.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", v)
	}
	if v := os.Getenv("R2_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("R2_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("R2_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = v
	}

	// Metadata configuration
	if v := os.Getenv("INTAKE_METADATA_BACKEND"); v != "" {
		cfg.Metadata.Backend = v
	}
	if v := os.Getenv("INTAKE_METADATA_PATH"); v != "" {
		cfg.Metadata.Path = v
	}

	// Upload configuration
	if v := os.Getenv("INTAKE_UPLOAD_MAX_FILE_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Upload.MaxFileSize)
	}
	if v := os.Getenv("INTAKE_UPLOAD_PRESIGN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upload.PresignTTL = d
		}
	}

	// Sweeper configuration
	if v := os.Getenv("INTAKE_SWEEPER_ENABLED"); v != "" {
		cfg.Sweeper.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("INTAKE_SWEEPER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweeper.Interval = d
		}
	}
	if v := os.Getenv("INTAKE_SWEEPER_MAX_SESSION_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweeper.MaxSessionAge = d
		}
	}

	// Admin configuration
	if v := os.Getenv("ADMIN_SECRET"); v != "" {
		cfg.Admin.Secret = v
	}
	if v := os.Getenv("INTAKE_ADMIN_SECRET"); v != "" {
		cfg.Admin.Secret = v
	}

	// Log configuration
	if v := os.Getenv("INTAKE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("INTAKE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == StorageLocal {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Metadata.Backend == MetadataSQLite {
		dirs = append(dirs, filepath.Dir(c.Metadata.Path))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
