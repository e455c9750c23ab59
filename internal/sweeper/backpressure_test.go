package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/srebi/intake/internal/storage"
)

func TestBackpressure_Adjust(t *testing.T) {
	now := time.Now()
	b := newBackpressure(8, 0.5, time.Hour)
	b.now = func() time.Time { return now }

	if got := b.adjust(); got != 8 {
		t.Fatalf("expected untouched concurrency without history, got %d", got)
	}

	for range 3 {
		b.record(false)
	}
	b.record(true)
	if got := b.adjust(); got != 4 {
		t.Errorf("expected halving at 75%% failures, got %d", got)
	}
	if got := b.adjust(); got != 2 {
		t.Errorf("expected second halving, got %d", got)
	}

	// Old outcomes leave the window.
	now = now.Add(2 * time.Hour)
	b.record(true)
	if got := b.adjust(); got != 4 {
		t.Errorf("expected doubling after a clean window, got %d", got)
	}

	b.record(false)
	b.record(true)
	b.record(true)
	if got := b.adjust(); got != 5 {
		t.Errorf("expected +1 below threshold, got %d", got)
	}
}

func TestBackpressure_FloorAndPause(t *testing.T) {
	b := newBackpressure(2, 0.5, time.Hour)
	for range 10 {
		b.record(false)
	}
	for range 5 {
		b.adjust()
	}
	if got := b.concurrency(); got != 1 {
		t.Errorf("expected floor of 1, got %d", got)
	}
	if b.shouldPause(2) {
		t.Error("a backlog within one round should not pause")
	}
	if !b.shouldPause(3) {
		t.Error("expected pause for a large backlog while aborts fail")
	}
}

func TestSweeper_PausesWhileAbortsFail(t *testing.T) {
	s, store, meta := newTestSweeper(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	for i := range 3 {
		id := fmt.Sprintf("stuck-%d", i)
		putSession(t, meta, id, now.Add(-2*time.Hour))
		store.failFor[id] = storage.ErrStoreUnavailable
	}

	first, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if first.Paused || len(first.Errors) != 3 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !second.Paused || second.Scanned != 3 {
		t.Errorf("expected paused sweep, got %+v", second)
	}
	if store.abortHit != 3 {
		t.Errorf("expected no aborts while paused, got %d calls", store.abortHit)
	}
}
