// Package main uploads a local file as an incident attachment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apex/log"

	"github.com/srebi/intake/internal/config"
	"github.com/srebi/intake/internal/logging"
	"github.com/srebi/intake/pkg/types"
	"github.com/srebi/intake/pkg/uploader"
)

// completeAttempts bounds how often a failed completion is resent.
const completeAttempts = 3

func main() {
	var (
		server      string
		incidentID  string
		role        string
		contentType string
		email       string
		verbose     bool
	)

	flag.StringVar(&server, "server", "http://localhost:8080", "Intake API base URL")
	flag.StringVar(&incidentID, "incident", "", "Incident ID; a new incident is created when empty")
	flag.StringVar(&role, "role", "logs", "Attachment role: video, logs")
	flag.StringVar(&contentType, "content-type", "", "Content type; guessed from the extension when empty")
	flag.StringVar(&email, "email", "", "Contact email for a new incident")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: intake-upload [options] <file>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := "info"
	if verbose {
		level = "debug"
	}
	if _, err := logging.Setup(config.LogConfig{Level: level, Format: "text"}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, server, incidentID, types.Role(role), contentType, email, flag.Arg(0)); err != nil {
		log.WithError(err).Error("upload failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, server, incidentID string, role types.Role, contentType, email, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(path))
	}

	client := uploader.NewHTTPClient(server, nil)
	if incidentID == "" {
		created, err := client.CreateIncident(ctx, types.CreateIncidentRequest{Email: email})
		if err != nil {
			return fmt.Errorf("create incident: %w", err)
		}
		incidentID = created.IncidentID
		log.WithField("incident_id", incidentID).Info("incident created")
	}

	last := -1
	driver := uploader.NewDriver(client, uploader.NewHTTPTransport(nil), uploader.WithProgress(func(p int) {
		if p != last {
			last = p
			log.WithField("progress", fmt.Sprintf("%d%%", p)).Info("uploading")
		}
	}))

	if err := driver.Select(incidentID, role, uploader.File{
		Name:        filepath.Base(path),
		ContentType: contentType,
		Size:        info.Size(),
		Data:        f,
	}); err != nil {
		return err
	}

	result, err := driver.Upload(ctx)
	for attempt := 1; err != nil && attempt < completeAttempts; attempt++ {
		var completeErr *uploader.CompleteError
		if !errors.As(err, &completeErr) || ctx.Err() != nil {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Warn("completion failed, retrying")
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * time.Second):
			result, err = driver.RetryComplete(ctx)
		}
	}
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"incident_id": incidentID,
		"object_key":  result.ObjectKey,
		"parts":       len(result.Parts),
	}).Info("upload complete")
	return nil
}
