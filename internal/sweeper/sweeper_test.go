package sweeper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/srebi/intake/internal/metastore"
	"github.com/srebi/intake/internal/storage"
	"github.com/srebi/intake/pkg/types"
)

type fakeStore struct {
	storage.ObjectStore

	mu       sync.Mutex
	aborted  map[string]bool
	failFor  map[string]error
	abortHit int
}

func (f *fakeStore) AbortMultipartUpload(ctx context.Context, uploadID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortHit++
	if err := f.failFor[uploadID]; err != nil {
		return err
	}
	f.aborted[uploadID] = true
	return nil
}

func newTestSweeper(t *testing.T) (*Sweeper, *fakeStore, *metastore.SQLiteStore) {
	t.Helper()
	meta, err := metastore.NewSQLiteStore(filepath.Join(t.TempDir(), "intake.db"))
	if err != nil {
		t.Fatalf("failed to create metastore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	store := &fakeStore{aborted: make(map[string]bool), failFor: make(map[string]error)}
	s := New(Config{MaxSessionAge: time.Hour, Interval: time.Hour, Concurrency: 2}, store, meta, nil)
	return s, store, meta
}

func putSession(t *testing.T, meta metastore.SessionStore, id string, created time.Time) {
	t.Helper()
	err := meta.Put(context.Background(), &types.UploadSession{
		UploadID:   id,
		IncidentID: "inc-1",
		Role:       types.RoleVideo,
		ObjectKey:  "incidents/inc-1/video/1_" + id + ".mp4",
		FileName:   id + ".mp4",
		FileSize:   1,
		CreatedAt:  created,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func TestSweeper_RunOnce(t *testing.T) {
	s, store, meta := newTestSweeper(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		putSession(t, meta, fmt.Sprintf("old-%d", i), now.Add(-2*time.Hour))
	}
	putSession(t, meta, "fresh", now.Add(-10*time.Minute))

	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Scanned != 5 || result.Aborted != 5 || result.Deleted != 5 || len(result.Errors) != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
	if store.aborted["fresh"] {
		t.Error("fresh session must not be swept")
	}
	if _, err := meta.GetSession(context.Background(), "fresh"); err != nil {
		t.Errorf("fresh session should remain: %v", err)
	}
}

func TestSweeper_AlreadyGoneAndFailures(t *testing.T) {
	s, store, meta := newTestSweeper(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	putSession(t, meta, "gone", now.Add(-2*time.Hour))
	putSession(t, meta, "broken", now.Add(-3*time.Hour))
	store.failFor["gone"] = storage.ErrUploadNotFound
	store.failFor["broken"] = storage.ErrStoreUnavailable

	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Deleted != 1 || result.Aborted != 0 || len(result.Errors) != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	// The failed abort keeps its session for the next sweep.
	if _, err := meta.GetSession(context.Background(), "broken"); err != nil {
		t.Errorf("broken session should remain: %v", err)
	}
	if _, err := meta.GetSession(context.Background(), "gone"); !errors.Is(err, metastore.ErrSessionNotFound) {
		t.Errorf("gone session should be deleted, got %v", err)
	}
}

func TestSweeper_EmptyRun(t *testing.T) {
	s, store, _ := newTestSweeper(t)
	result, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Scanned != 0 || store.abortHit != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	s, _, _ := newTestSweeper(t)
	s.config.Interval = 10 * time.Millisecond

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	time.Sleep(30 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got %v", err)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(Config{}, nil, nil, nil)
	if s.config != DefaultConfig() {
		t.Errorf("expected defaults, got %+v", s.config)
	}
}
