// Package main runs the incident intake API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"

	"github.com/srebi/intake/internal/app"
	"github.com/srebi/intake/internal/config"
	"github.com/srebi/intake/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		httpAddr    string
		storageType string
		metadata    string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Path to a .env file; missing files are ignored")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for local data files")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&storageType, "storage", "", "Storage type: local, s3")
	flag.StringVar(&metadata, "metadata", "", "Metadata backend: sqlite, object")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "intake - resumable evidence uploads for incident reports\n\n")
		fmt.Fprintf(os.Stderr, "Usage: intake [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  INTAKE_DATA_DIR         Base directory for local data files\n")
		fmt.Fprintf(os.Stderr, "  INTAKE_HTTP_ADDR        HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  INTAKE_PUBLIC_URL       Externally reachable base URL\n")
		fmt.Fprintf(os.Stderr, "  INTAKE_STORAGE_TYPE     Storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  INTAKE_ADMIN_SECRET     Shared secret for admin routes\n")
		fmt.Fprintf(os.Stderr, "  R2_ACCOUNT_ID, R2_BUCKET Cloudflare R2 shorthands\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("intake version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, envFile, dataDir, httpAddr, storageType, metadata, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if _, err := logging.Setup(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(log.Fields{
		"version":  version,
		"commit":   commit,
		"data_dir": cfg.DataDir,
		"storage":  cfg.Storage.Type,
		"metadata": cfg.Metadata.Backend,
	}).Info("starting intake")

	application, err := app.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to create application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start application")
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}

// loadConfig layers defaults or the config file, then the environment
// (including .env), then flags.
func loadConfig(configFile, envFile, dataDir, httpAddr, storageType, metadata, logLevel string) (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}

	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if storageType != "" {
		cfg.Storage.Type = storageType
	}
	if metadata != "" {
		cfg.Metadata.Backend = metadata
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	return cfg, nil
}
