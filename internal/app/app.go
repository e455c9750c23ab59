// Package app wires the intake service together and manages its lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/apex/log"

	httpapi "github.com/srebi/intake/internal/api/http"
	"github.com/srebi/intake/internal/config"
	"github.com/srebi/intake/internal/incident"
	"github.com/srebi/intake/internal/metastore"
	"github.com/srebi/intake/internal/observability"
	"github.com/srebi/intake/internal/report"
	"github.com/srebi/intake/internal/server"
	"github.com/srebi/intake/internal/storage"
	"github.com/srebi/intake/internal/sweeper"
	"github.com/srebi/intake/internal/upload"
)

// App owns every long-lived component of the intake service.
type App struct {
	cfg *config.Config

	// Shared resources
	store     storage.ObjectStore
	local     *storage.LocalStore
	incidents metastore.IncidentStore
	sessions  metastore.SessionStore
	metrics   *observability.Metrics
	shutdown  *server.ShutdownManager

	// Service components
	sweeper    *sweeper.Sweeper
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	serveWg sync.WaitGroup
}

// New validates cfg and prepares an App. No resources are opened until Start.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{cfg: cfg}, nil
}

// Start opens storage and metadata, starts the sweeper when enabled, and
// begins serving HTTP.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	a.initServices()

	if a.cfg.Sweeper.Enabled {
		if err := a.sweeper.Start(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start sweeper: %w", err)
		}
		a.shutdown.OnShutdownStart(func() {
			if err := a.sweeper.Stop(); err != nil {
				log.WithError(err).Warn("sweeper stop failed")
			}
		})
		log.WithFields(log.Fields{
			"interval":        a.cfg.Sweeper.Interval.String(),
			"max_session_age": a.cfg.Sweeper.MaxSessionAge.String(),
		}).Info("session sweeper started")
	}

	if err := a.startHTTPServer(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start http server: %w", err)
	}

	log.WithFields(log.Fields{
		"storage":  a.cfg.Storage.Type,
		"metadata": a.cfg.Metadata.Backend,
		"addr":     a.Addr(),
	}).Info("intake started")
	return nil
}

// initSharedResources opens the object store, the metadata store, and the
// shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	switch a.cfg.Storage.Type {
	case config.StorageLocal:
		local, err := storage.NewLocalStore(a.cfg.Storage.Path, a.cfg.HTTP.PublicURL, []byte(a.cfg.Storage.SigningSecret))
		if err != nil {
			return fmt.Errorf("failed to initialize local storage: %w", err)
		}
		if a.cfg.Storage.SigningSecret == "" {
			log.Warn("storage.signing_secret is empty; presigned URLs will not survive a restart")
		}
		a.local = local
		a.store = local
	case config.StorageS3:
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          a.cfg.Storage.S3.Bucket,
			Region:          a.cfg.Storage.S3.Region,
			Endpoint:        a.cfg.Storage.S3.Endpoint,
			AccessKeyID:     a.cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: a.cfg.Storage.S3.SecretAccessKey,
			UsePathStyle:    a.cfg.Storage.S3.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		a.store = s3Store
		log.WithFields(log.Fields{
			"bucket":   a.cfg.Storage.S3.Bucket,
			"region":   a.cfg.Storage.S3.Region,
			"endpoint": a.cfg.Storage.S3.Endpoint,
		}).Info("s3 storage initialized")
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}

	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())

	switch a.cfg.Metadata.Backend {
	case config.MetadataSQLite:
		meta, err := metastore.NewSQLiteStore(a.cfg.Metadata.Path)
		if err != nil {
			return fmt.Errorf("failed to open metadata database: %w", err)
		}
		a.incidents, a.sessions = meta, meta
		a.shutdown.RegisterCloser("metastore", meta)
		log.WithField("path", a.cfg.Metadata.Path).Info("sqlite metastore initialized")
	case config.MetadataObject:
		meta := metastore.NewBlobStore(a.store)
		a.incidents, a.sessions = meta, meta
		a.shutdown.RegisterCloser("metastore", meta)
		log.Info("object metastore initialized")
	default:
		return fmt.Errorf("unsupported metadata backend: %s", a.cfg.Metadata.Backend)
	}

	a.metrics = observability.NewMetrics()
	return nil
}

// initServices builds the domain services and the HTTP router.
func (a *App) initServices() {
	uploads := upload.NewService(a.store, a.incidents, a.sessions, upload.Limits{
		ChunkSize:   a.cfg.Upload.ChunkSize,
		MaxFileSize: a.cfg.Upload.MaxFileSize,
		PresignTTL:  a.cfg.Upload.PresignTTL,
	}, a.metrics)

	a.sweeper = sweeper.New(sweeper.Config{
		Interval:      a.cfg.Sweeper.Interval,
		MaxSessionAge: a.cfg.Sweeper.MaxSessionAge,
		Concurrency:   a.cfg.Sweeper.Concurrency,
	}, a.store, a.sessions, a.metrics)

	svc := httpapi.Services{
		Uploads:     uploads,
		Incidents:   incident.NewService(a.incidents),
		Reports:     report.NewService(a.store, a.incidents, a.cfg.Upload.MaxReportSize, a.cfg.Upload.PresignTTL),
		Sweeper:     a.sweeper,
		Metrics:     a.metrics,
		AdminSecret: a.cfg.Admin.Secret,
		Middleware:  []func(http.Handler) http.Handler{server.ShutdownMiddleware(a.shutdown)},
	}
	if a.local != nil {
		svc.LocalStorage = a.local.Handler()
	}
	if a.cfg.Admin.Secret == "" {
		log.Warn("admin.secret is empty; admin routes will reject every request")
	}

	a.handler = httpapi.NewRouter(svc)
}

func (a *App) startHTTPServer() error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.listener = ln

	a.httpServer = &http.Server{
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	graceful := server.NewGracefulHTTPServer(a.httpServer, a.shutdown)

	a.serveWg.Add(1)
	go func() {
		defer a.serveWg.Done()
		if err := graceful.Serve(ln); err != nil {
			log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

// Addr returns the address the HTTP server listens on, or "" before Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Handler returns the HTTP handler, or nil before Start.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Stop drains in-flight requests, stops the sweeper, and releases all resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.serveWg.Wait()
	return err
}

// WaitForShutdown blocks until a termination signal or ctx cancellation,
// then shuts down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.serveWg.Wait()
	return err
}

// cleanup releases whatever Start managed to open before failing.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.listener != nil {
		a.listener.Close()
	}
	if a.incidents != nil {
		a.incidents.Close()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}
