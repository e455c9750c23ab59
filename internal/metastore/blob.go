package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/apex/log"
	backoff "github.com/cenkalti/backoff/v4"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/internal/storage"
	"github.com/srebi/intake/pkg/types"
)

const jsonContentType = "application/json"

// BlobStore implements IncidentStore and SessionStore on top of the object
// store, as JSON documents at incidents/{id}/meta.json and uploads/{id}.json.
//
// Incident updates are compare-and-swap cycles on the document ETag, so
// concurrent writers in different processes never lose an append. Within a
// process, writers on the same document are additionally serialized by lock
// striping. Session consumption is get-then-delete under the stripe lock,
// which is exact within one process and best-effort across processes.
type BlobStore struct {
	store  storage.ObjectStore
	reader *storage.BatchReader
	locks  *lockStripes
	now    func() time.Time

	// newBackOff builds the retry schedule for CAS conflicts.
	newBackOff func() backoff.BackOff
}

// NewBlobStore creates an object-backed metastore.
func NewBlobStore(store storage.ObjectStore) *BlobStore {
	return &BlobStore{
		store:  store,
		reader: storage.NewBatchReader(store, 8),
		locks:  newLockStripes(64),
		now:    time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Millisecond
			b.MaxInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

// Create writes a new incident document; fails if one already exists.
func (b *BlobStore) Create(ctx context.Context, incident *types.Incident) error {
	data, err := encodeDocument(incident)
	if err != nil {
		return err
	}

	_, err = b.store.ConditionalPut(ctx, storage.IncidentMetaKey(incident.ID), data, jsonContentType, "")
	if errors.Is(err, storage.ErrPreconditionFailed) {
		return ErrIncidentExists
	}
	if err != nil {
		return fmt.Errorf("metastore: failed to create incident: %w", err)
	}
	return nil
}

// Get reads an incident document.
func (b *BlobStore) Get(ctx context.Context, id string) (*types.Incident, error) {
	inc, _, err := b.readIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, ErrIncidentNotFound
	}
	return inc, nil
}

// AppendFile adds a file unless its object key is already recorded.
func (b *BlobStore) AppendFile(ctx context.Context, incidentID string, file types.IncidentFile) (bool, error) {
	var appended bool
	err := b.updateIncident(ctx, incidentID, func(inc *types.Incident) bool {
		appended = inc.AppendFile(file)
		return appended
	})
	return appended, err
}

// SetReport replaces the incident's report descriptor.
func (b *BlobStore) SetReport(ctx context.Context, incidentID string, report types.IncidentReport) error {
	return b.updateIncident(ctx, incidentID, func(inc *types.Incident) bool {
		r := report
		inc.Report = &r
		return true
	})
}

// updateIncident runs a read-modify-write cycle. mutate returns false when it
// made no change, in which case nothing is written. A missing document is
// replaced by an empty placeholder before mutate runs.
func (b *BlobStore) updateIncident(ctx context.Context, incidentID string, mutate func(*types.Incident) bool) error {
	mu := b.locks.forKey(incidentID)
	mu.Lock()
	defer mu.Unlock()

	key := storage.IncidentMetaKey(incidentID)
	attempts := 0

	operation := func() error {
		attempts++
		inc, etag, err := b.readIncident(ctx, incidentID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if inc == nil {
			inc = types.NewIncident(incidentID, b.now(), types.IncidentInput{})
		}

		if !mutate(inc) {
			return nil
		}

		data, err := encodeDocument(inc)
		if err != nil {
			return backoff.Permanent(err)
		}

		_, err = b.store.ConditionalPut(ctx, key, data, jsonContentType, etag)
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(b.newBackOff(), ctx))
	if attempts > 1 {
		log.WithFields(log.Fields{
			"incident_id": incidentID,
			"attempts":    attempts,
		}).Debug("incident update contended")
	}
	if err != nil {
		return fmt.Errorf("metastore: failed to update incident %s: %w", incidentID, err)
	}
	return nil
}

// readIncident returns (nil, "", nil) when the document does not exist.
func (b *BlobStore) readIncident(ctx context.Context, id string) (*types.Incident, string, error) {
	obj, err := b.store.GetObject(ctx, storage.IncidentMetaKey(id))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("metastore: failed to read incident: %w", err)
	}

	data, err := storage.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("metastore: failed to read incident: %w", err)
	}

	var inc types.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, "", ierrors.NewInternalError("corrupt incident document "+id, err)
	}
	if inc.Files == nil {
		inc.Files = []types.IncidentFile{}
	}
	if inc.Report == nil {
		inc.Report = &types.IncidentReport{Status: types.ReportNone}
	}
	return &inc, obj.ETag, nil
}

// Put writes a session document.
func (b *BlobStore) Put(ctx context.Context, session *types.UploadSession) error {
	data, err := encodeDocument(session)
	if err != nil {
		return err
	}
	if err := b.store.PutObject(ctx, storage.SessionKey(session.UploadID), data, jsonContentType); err != nil {
		return fmt.Errorf("metastore: failed to put session: %w", err)
	}
	return nil
}

// GetSession reads a session document.
func (b *BlobStore) GetSession(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	obj, err := b.store.GetObject(ctx, storage.SessionKey(uploadID))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to get session: %w", err)
	}

	data, err := storage.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to get session: %w", err)
	}
	return decodeSession(uploadID, data)
}

// Consume reads and deletes a session document.
func (b *BlobStore) Consume(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	mu := b.locks.forKey(storage.SessionKey(uploadID))
	mu.Lock()
	defer mu.Unlock()

	sess, err := b.GetSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if err := b.store.DeleteObject(ctx, storage.SessionKey(uploadID)); err != nil {
		return nil, fmt.Errorf("metastore: failed to delete session: %w", err)
	}
	return sess, nil
}

// Delete removes a session document.
func (b *BlobStore) Delete(ctx context.Context, uploadID string) error {
	mu := b.locks.forKey(storage.SessionKey(uploadID))
	mu.Lock()
	defer mu.Unlock()

	if err := b.store.DeleteObject(ctx, storage.SessionKey(uploadID)); err != nil {
		return fmt.Errorf("metastore: failed to delete session: %w", err)
	}
	return nil
}

// ListStale scans all session documents and returns those created before the cutoff.
func (b *BlobStore) ListStale(ctx context.Context, before time.Time) ([]*types.UploadSession, error) {
	keys, err := b.store.ListObjects(ctx, storage.SessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to list sessions: %w", err)
	}

	result, err := b.reader.ReadAll(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to read sessions: %w", err)
	}
	if len(result.Errors) > 0 {
		for key, readErr := range result.Errors {
			log.WithError(readErr).WithField("key", key).Warn("failed to read session document")
		}
		return nil, fmt.Errorf("metastore: failed to read %d session documents", len(result.Errors))
	}

	var sessions []*types.UploadSession
	for key, data := range result.Bodies {
		uploadID, ok := storage.SessionIDFromKey(key)
		if !ok {
			continue
		}
		sess, err := decodeSession(uploadID, data)
		if err != nil {
			log.WithError(err).WithField("key", key).Warn("skipping unreadable session document")
			continue
		}
		if sess.CreatedAt.Before(before) {
			sessions = append(sessions, sess)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Close is a no-op; the object store is owned by the caller.
func (b *BlobStore) Close() error {
	return nil
}

func decodeSession(uploadID string, data []byte) (*types.UploadSession, error) {
	var sess types.UploadSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, ierrors.NewInternalError("corrupt session document "+uploadID, err)
	}
	// Documents written before the upload id was embedded carry it only in the key.
	if sess.UploadID == "" {
		sess.UploadID = uploadID
	}
	return &sess, nil
}

func encodeDocument(v interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, ierrors.NewInternalError("encode document", err)
	}
	return data, nil
}
