// Package logging configures the process-wide apex/log handler.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"

	"github.com/srebi/intake/internal/config"
)

// Setup installs the handler and level described by cfg and returns the root logger.
func Setup(cfg config.LogConfig) (log.Interface, error) {
	return SetupWriter(cfg, os.Stderr)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(cfg config.LogConfig, w io.Writer) (log.Interface, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	var handler log.Handler
	switch cfg.Format {
	case "", "text":
		handler = text.New(w)
	case "json":
		handler = json.New(w)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	log.SetHandler(handler)
	log.SetLevel(lvl)
	return log.Log, nil
}
