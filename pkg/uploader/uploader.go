// Package uploader drives a resumable multipart upload of one incident
// attachment: it validates the file locally, walks the part plan in order,
// retries failed parts, and completes or aborts the upload.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/cenkalti/backoff/v4"

	"github.com/srebi/intake/pkg/types"
)

// Local validation and state errors.
var (
	ErrInvalidType = errors.New("uploader: file type is not accepted for this role")
	ErrTooLarge    = errors.New("uploader: file exceeds the maximum size")
	ErrEmptyFile   = errors.New("uploader: file is empty")
	ErrNotReady    = errors.New("uploader: no file selected")
	ErrBusy        = errors.New("uploader: upload in progress")
	ErrNoPending   = errors.New("uploader: no completion to retry")
)

// abortTimeout bounds the abort issued after a part fails for good.
const abortTimeout = 30 * time.Second

// State is the lifecycle of a Driver.
type State int

const (
	StateIdle State = iota
	StateReady
	StateUploading
	StateSuccess
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateUploading:
		return "uploading"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// File is a local file to upload.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Data        io.ReaderAt
}

// Result describes a completed upload.
type Result struct {
	UploadID  string
	ObjectKey string
	Parts     []types.CompletedPart
	Size      int64
}

// PartError reports a part that failed on every attempt.
type PartError struct {
	PartNumber int32
	Attempts   int
	Err        error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("uploader: part %d failed after %d attempts: %v", e.PartNumber, e.Attempts, e.Err)
}

func (e *PartError) Unwrap() error { return e.Err }

// CompleteError reports a failed completion after every part was uploaded.
// The upload is left open; RetryComplete resends the same request.
type CompleteError struct {
	UploadID string
	Err      error
}

func (e *CompleteError) Error() string {
	return fmt.Sprintf("uploader: complete %s: %v", e.UploadID, e.Err)
}

func (e *CompleteError) Unwrap() error { return e.Err }

// Option configures a Driver.
type Option func(*Driver)

// WithRetryPolicy overrides the per-part retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Driver) { d.retry = p.normalized() }
}

// WithProgress registers a callback receiving the percentage uploaded.
func WithProgress(fn func(percent int)) Option {
	return func(d *Driver) { d.progress = fn }
}

// WithMaxFileSize overrides the local size limit.
func WithMaxFileSize(n int64) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxFileSize = n
		}
	}
}

// Driver uploads one file at a time. Separate files should use separate
// drivers; a Driver shares no state with others.
type Driver struct {
	api         API
	transport   PartTransport
	retry       RetryPolicy
	maxFileSize int64
	progress    func(percent int)
	timer       backoff.Timer

	mu         sync.Mutex
	state      State
	incidentID string
	role       types.Role
	file       File
	lastErr    error
	pending    *types.CompleteUploadRequest
}

// NewDriver creates a driver in the Idle state.
func NewDriver(api API, transport PartTransport, opts ...Option) *Driver {
	d := &Driver{
		api:         api,
		transport:   transport,
		retry:       DefaultRetryPolicy(),
		maxFileSize: types.MaxFileSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the error that moved the driver to StateError, if any.
func (d *Driver) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Select validates f for role and moves the driver to Ready. No network
// call is made. A rejected file leaves the driver Idle.
func (d *Driver) Select(incidentID string, role types.Role, f File) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateUploading {
		return ErrBusy
	}
	d.state = StateIdle
	d.lastErr = nil
	d.pending = nil

	if !role.Valid() || !role.Accepts(f.Name, f.ContentType) {
		return ErrInvalidType
	}
	if f.Size <= 0 {
		return ErrEmptyFile
	}
	if f.Size > d.maxFileSize {
		return ErrTooLarge
	}
	if f.Data == nil {
		return ErrNotReady
	}
	if f.ContentType == "" {
		f.ContentType = types.DefaultContentType
	}

	d.incidentID = incidentID
	d.role = role
	d.file = f
	d.state = StateReady
	return nil
}

// Upload transfers the selected file. Parts go strictly in order. A part
// that fails every attempt aborts the whole upload. A failed Complete does
// not: it returns a *CompleteError and RetryComplete can finish the upload.
func (d *Driver) Upload(ctx context.Context) (*Result, error) {
	d.mu.Lock()
	if d.state != StateReady {
		state := d.state
		d.mu.Unlock()
		if state == StateUploading {
			return nil, ErrBusy
		}
		return nil, ErrNotReady
	}
	d.state = StateUploading
	incidentID, role, f := d.incidentID, d.role, d.file
	d.mu.Unlock()

	result, err := d.upload(ctx, incidentID, role, f)
	return d.finish(result, err)
}

// RetryComplete resends the completion of an upload whose parts all made it
// to the store. No part is uploaded again.
func (d *Driver) RetryComplete(ctx context.Context) (*Result, error) {
	d.mu.Lock()
	if d.state == StateUploading {
		d.mu.Unlock()
		return nil, ErrBusy
	}
	if d.state != StateError || d.pending == nil {
		d.mu.Unlock()
		return nil, ErrNoPending
	}
	d.state = StateUploading
	req := *d.pending
	d.mu.Unlock()

	return d.finish(d.complete(ctx, req))
}

func (d *Driver) finish(result *Result, err error) (*Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.state = StateError
		d.lastErr = err
		return nil, err
	}
	d.state = StateSuccess
	d.pending = nil
	return result, nil
}

func (d *Driver) upload(ctx context.Context, incidentID string, role types.Role, f File) (*Result, error) {
	logger := log.WithFields(log.Fields{
		"incident_id": incidentID,
		"role":        string(role),
		"file":        f.Name,
		"size":        f.Size,
	})

	plan, err := d.api.Init(ctx, types.InitUploadRequest{
		IncidentID:  incidentID,
		FileName:    f.Name,
		ContentType: f.ContentType,
		FileSize:    f.Size,
		Role:        role,
	})
	if err != nil {
		return nil, fmt.Errorf("uploader: init: %w", err)
	}
	logger = logger.WithField("upload_id", plan.UploadID)
	if plan.ChunkSize <= 0 || plan.TotalParts != types.TotalParts(f.Size, plan.ChunkSize) {
		d.abort(ctx, plan, logger)
		return nil, fmt.Errorf("uploader: server returned an inconsistent part plan (%d parts of %d bytes)", plan.TotalParts, plan.ChunkSize)
	}
	d.report(0)

	parts := make([]types.CompletedPart, 0, plan.TotalParts)
	var uploaded int64
	for n := 1; n <= plan.TotalParts; n++ {
		start, end := types.PartRange(n, plan.ChunkSize, f.Size)
		chunk := make([]byte, end-start)
		if _, err := f.Data.ReadAt(chunk, start); err != nil && !(errors.Is(err, io.EOF) && end == f.Size) {
			d.abort(ctx, plan, logger)
			return nil, fmt.Errorf("uploader: read part %d: %w", n, err)
		}

		etag, err := d.putPart(ctx, plan, int32(n), chunk)
		if err != nil {
			logger.WithError(err).Warn("part failed, aborting upload")
			d.abort(ctx, plan, logger)
			return nil, err
		}

		parts = append(parts, types.CompletedPart{PartNumber: int32(n), ETag: etag})
		uploaded += int64(len(chunk))
		d.report(percent(uploaded, f.Size))
	}

	req := types.CompleteUploadRequest{
		UploadID:    plan.UploadID,
		ObjectKey:   plan.ObjectKey,
		Parts:       parts,
		IncidentID:  incidentID,
		Role:        role,
		FileName:    f.Name,
		Size:        f.Size,
		ContentType: f.ContentType,
	}
	d.mu.Lock()
	d.pending = &req
	d.mu.Unlock()

	return d.complete(ctx, req)
}

func (d *Driver) complete(ctx context.Context, req types.CompleteUploadRequest) (*Result, error) {
	if err := d.api.Complete(ctx, req); err != nil {
		return nil, &CompleteError{UploadID: req.UploadID, Err: err}
	}

	log.WithFields(log.Fields{
		"incident_id": req.IncidentID,
		"upload_id":   req.UploadID,
		"parts":       len(req.Parts),
	}).Info("upload complete")
	return &Result{
		UploadID:  req.UploadID,
		ObjectKey: req.ObjectKey,
		Parts:     req.Parts,
		Size:      req.Size,
	}, nil
}

// putPart requests a fresh URL and PUTs the chunk, retrying per policy.
// An expired URL is just another failed attempt.
func (d *Driver) putPart(ctx context.Context, plan *types.InitUploadResponse, partNumber int32, chunk []byte) (string, error) {
	var etag string
	attempts := 0

	op := func() error {
		attempts++
		link, err := d.api.PartURL(ctx, types.PartURLRequest{
			UploadID:   plan.UploadID,
			ObjectKey:  plan.ObjectKey,
			PartNumber: partNumber,
		})
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}

		tag, err := d.transport.PutPart(ctx, link.URL, chunk)
		if err != nil {
			return err
		}
		etag = tag
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(log.Fields{
			"part":    partNumber,
			"attempt": attempts,
			"wait":    wait.String(),
		}).Debug("retrying part")
	}

	if err := d.retry.do(ctx, d.timer, op, notify); err != nil {
		return "", &PartError{PartNumber: partNumber, Attempts: attempts, Err: err}
	}
	return etag, nil
}

// abort cancels the upload even when ctx is already done.
func (d *Driver) abort(ctx context.Context, plan *types.InitUploadResponse, logger *log.Entry) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	err := d.api.Abort(abortCtx, types.AbortUploadRequest{
		UploadID:  plan.UploadID,
		ObjectKey: plan.ObjectKey,
	})
	if err != nil {
		logger.WithError(err).Warn("abort failed")
	}
}

func (d *Driver) report(p int) {
	if d.progress != nil {
		d.progress(p)
	}
}

func percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}
