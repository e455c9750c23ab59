// Package metastore persists incident records and upload sessions.
//
// Two backends are provided: SQLiteStore keeps both in a local SQLite
// database, BlobStore keeps them as JSON documents next to the attachments
// in the object store. Both give the same guarantees: appending a file to an
// incident is atomic and idempotent by object key, and consuming a session
// hands it to exactly one caller.
package metastore

import (
	"context"
	"time"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/pkg/types"
)

// Common errors for metastore operations.
var (
	ErrIncidentNotFound = ierrors.NewNotFoundError(ierrors.CodeIncidentNotFound, "incident not found")
	ErrSessionNotFound  = ierrors.NewNotFoundError(ierrors.CodeSessionNotFound, "upload session not found")
	ErrIncidentExists   = ierrors.NewValidationError(ierrors.CodeIncidentExists, "incident already exists")
)

// IncidentStore is the durable, per-incident record store.
type IncidentStore interface {
	// Create stores a new incident. Returns ErrIncidentExists if the id is taken.
	Create(ctx context.Context, incident *types.Incident) error

	// Get returns the incident or ErrIncidentNotFound.
	Get(ctx context.Context, id string) (*types.Incident, error)

	// AppendFile adds file to the incident unless its object key is already
	// recorded, creating an empty placeholder incident if none exists.
	// Reports whether the file list changed.
	AppendFile(ctx context.Context, incidentID string, file types.IncidentFile) (bool, error)

	// SetReport replaces the incident's report descriptor.
	SetReport(ctx context.Context, incidentID string, report types.IncidentReport) error

	// Close releases resources held by the store.
	Close() error
}

// SessionStore keeps the advisory bookkeeping for pending multipart uploads.
type SessionStore interface {
	// Put records a session keyed by its upload id, replacing any previous one.
	Put(ctx context.Context, session *types.UploadSession) error

	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, uploadID string) (*types.UploadSession, error)

	// Consume atomically reads and deletes a session. Of concurrent callers
	// at most one receives it; the rest get ErrSessionNotFound.
	Consume(ctx context.Context, uploadID string) (*types.UploadSession, error)

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, uploadID string) error

	// ListStale returns sessions created before the given time, oldest first.
	ListStale(ctx context.Context, before time.Time) ([]*types.UploadSession, error)

	// Close releases resources held by the store.
	Close() error
}
