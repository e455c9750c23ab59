package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchReader fetches many small objects in parallel with bounded concurrency.
// It is used to scan JSON documents such as upload sessions.
type BatchReader struct {
	store       ObjectStore
	concurrency int64
}

// BatchResult contains the outcome of a batch read.
type BatchResult struct {
	Bodies  map[string][]byte
	Missing []string
	Errors  map[string]error
}

// NewBatchReader creates a new batch reader. concurrency < 1 means 1.
func NewBatchReader(store ObjectStore, concurrency int) *BatchReader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchReader{store: store, concurrency: int64(concurrency)}
}

// ReadAll fetches every key. Objects deleted between listing and reading are
// reported in Missing rather than Errors.
func (b *BatchReader) ReadAll(ctx context.Context, keys []string) (*BatchResult, error) {
	result := &BatchResult{
		Bodies: make(map[string][]byte, len(keys)),
		Errors: make(map[string]error),
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if len(keys) == 0 {
		return result, nil
	}

	sem := semaphore.NewWeighted(b.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return result, fmt.Errorf("storage: batch read interrupted: %w", err)
		}

		wg.Add(1)
		go func(key string) {
			defer sem.Release(1)
			defer wg.Done()

			data, err := b.read(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrObjectNotFound):
				result.Missing = append(result.Missing, key)
			case err != nil:
				result.Errors[key] = err
			default:
				result.Bodies[key] = data
			}
		}(key)
	}

	wg.Wait()
	return result, nil
}

func (b *BatchReader) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	return ReadAll(obj)
}
