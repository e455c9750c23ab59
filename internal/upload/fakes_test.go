package upload

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/srebi/intake/internal/metastore"
	"github.com/srebi/intake/internal/storage"
	"github.com/srebi/intake/pkg/types"
)

// fakeStore records gateway calls and accepts any ETag on completion.
type fakeStore struct {
	storage.ObjectStore

	mu        sync.Mutex
	nextID    int
	uploads   map[string]string // uploadID -> key
	completed map[string][]types.CompletedPart
	aborted   []string
	creates   int

	createErr   error
	completeErr error
	abortErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		uploads:   make(map[string]string),
		completed: make(map[string][]types.CompletedPart),
	}
}

func (f *fakeStore) CreateMultipartUpload(ctx context.Context, key, contentType string, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = key
	return id, nil
}

func (f *fakeStore) PresignUploadPart(ctx context.Context, uploadID, key string, partNumber int32, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://store.example/%s?uploadId=%s&partNumber=%d&ttl=%d", key, uploadID, partNumber, int(ttl.Seconds())), nil
}

func (f *fakeStore) CompleteMultipartUpload(ctx context.Context, uploadID, key string, parts []types.CompletedPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	if f.uploads[uploadID] != key {
		return storage.ErrUploadNotFound
	}
	delete(f.uploads, uploadID)
	f.completed[key] = parts
	return nil
}

func (f *fakeStore) AbortMultipartUpload(ctx context.Context, uploadID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, uploadID)
	if f.abortErr != nil {
		return f.abortErr
	}
	delete(f.uploads, uploadID)
	return nil
}

// GetObject serves the objects produced by completed uploads.
func (f *fakeStore) GetObject(ctx context.Context, key string) (*storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.completed[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return &storage.Object{Body: io.NopCloser(strings.NewReader("")), Size: int64(len(parts)) * 100}, nil
}

func (f *fakeStore) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// failingSessions wraps a session store and fails Put.
type failingSessions struct {
	sessionStore
	putErr error
}

func (f *failingSessions) Put(ctx context.Context, session *types.UploadSession) error {
	return f.putErr
}

// flakyIncidents fails the first appendFailures calls to AppendFile.
type flakyIncidents struct {
	metastore.IncidentStore

	mu             sync.Mutex
	appendFailures int
}

func (f *flakyIncidents) AppendFile(ctx context.Context, incidentID string, file types.IncidentFile) (bool, error) {
	f.mu.Lock()
	if f.appendFailures > 0 {
		f.appendFailures--
		f.mu.Unlock()
		return false, storage.ErrStoreUnavailable
	}
	f.mu.Unlock()
	return f.IncidentStore.AppendFile(ctx, incidentID, file)
}
