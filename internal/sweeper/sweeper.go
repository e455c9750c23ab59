// Package sweeper aborts multipart uploads whose sessions were abandoned.
//
// A session that outlives MaxSessionAge belongs to a client that gave up
// without calling abort. The sweeper aborts the multipart upload, which
// releases the staged parts, and then deletes the session.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/srebi/intake/internal/metastore"
	"github.com/srebi/intake/internal/observability"
	"github.com/srebi/intake/internal/storage"
)

// Config holds sweeper settings.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration

	// MaxSessionAge is how long a session may stay pending.
	MaxSessionAge time.Duration

	// Concurrency bounds the number of aborts in flight.
	Concurrency int
}

// DefaultConfig returns hourly sweeps of sessions older than a day.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		MaxSessionAge: 24 * time.Hour,
		Concurrency:   4,
	}
}

// Result holds the outcome of one sweep.
type Result struct {
	Scanned int      `json:"scanned"`
	Aborted int      `json:"aborted"`
	Deleted int      `json:"deleted"`
	Paused  bool     `json:"paused,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// abortFailureThreshold is the failed-abort share above which the sweeper
// backs off.
const abortFailureThreshold = 0.5

// Sweeper removes stale upload sessions.
type Sweeper struct {
	config   Config
	store    storage.ObjectStore
	sessions metastore.SessionStore
	metrics  *observability.Metrics
	pressure *backpressure
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a sweeper. metrics may be nil.
func New(config Config, store storage.ObjectStore, sessions metastore.SessionStore, metrics *observability.Metrics) *Sweeper {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxSessionAge <= 0 {
		config.MaxSessionAge = defaults.MaxSessionAge
	}
	if config.Concurrency < 1 {
		config.Concurrency = defaults.Concurrency
	}
	return &Sweeper{
		config:   config,
		store:    store,
		sessions: sessions,
		metrics:  metrics,
		pressure: newBackpressure(config.Concurrency, abortFailureThreshold, 4*config.Interval),
		now:      time.Now,
	}
}

// Start begins the sweep loop. It runs until the context is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop stops the sweep loop and waits for an in-progress sweep to return.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	<-s.done
	s.running = false
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("session sweep failed")
			}
		}
	}
}

// RunOnce sweeps every session older than MaxSessionAge. Individual abort
// failures are collected in the result and leave the session in place for
// the next sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (*Result, error) {
	cutoff := s.now().Add(-s.config.MaxSessionAge)
	stale, err := s.sessions.ListStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweeper: failed to list sessions: %w", err)
	}

	result := &Result{Scanned: len(stale)}
	if len(stale) == 0 {
		return result, nil
	}

	limit := s.pressure.adjust()
	if s.pressure.shouldPause(len(stale)) {
		log.WithField("backlog", len(stale)).Warn("aborts keep failing, skipping sweep")
		result.Paused = true
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, sess := range stale {
		g.Go(func() error {
			logger := log.WithFields(log.Fields{
				"upload_id":   sess.UploadID,
				"incident_id": sess.IncidentID,
				"object_key":  sess.ObjectKey,
				"age":         s.now().Sub(sess.CreatedAt).Round(time.Second).String(),
			})

			err := s.store.AbortMultipartUpload(gctx, sess.UploadID, sess.ObjectKey)
			aborted := err == nil
			if err != nil && !errors.Is(err, storage.ErrUploadNotFound) {
				s.pressure.record(false)
				logger.WithError(err).Warn("failed to abort stale upload")
				mu.Lock()
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", sess.UploadID, err))
				mu.Unlock()
				return nil
			}
			s.pressure.record(true)

			if err := s.sessions.Delete(gctx, sess.UploadID); err != nil {
				logger.WithError(err).Warn("failed to delete stale session")
				mu.Lock()
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", sess.UploadID, err))
				mu.Unlock()
				return nil
			}

			logger.Info("stale upload swept")
			mu.Lock()
			if aborted {
				result.Aborted++
			}
			result.Deleted++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	s.metrics.RecordSwept(result.Deleted)
	log.WithFields(log.Fields{
		"scanned":     result.Scanned,
		"deleted":     result.Deleted,
		"errors":      len(result.Errors),
		"concurrency": limit,
	}).Info("session sweep finished")
	return result, nil
}
