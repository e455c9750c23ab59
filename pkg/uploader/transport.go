package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrMissingETag is returned when a part PUT succeeds without an ETag.
var ErrMissingETag = errors.New("uploader: part response carried no ETag")

// PartTransport sends one chunk to a presigned URL and returns its ETag.
type PartTransport interface {
	PutPart(ctx context.Context, url string, body []byte) (string, error)
}

// HTTPTransport PUTs parts with net/http.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport. A nil client uses one with a 5m timeout.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPTransport{client: client}
}

// PutPart uploads body to url. Any non-2xx status or a missing ETag is an error.
func (t *HTTPTransport) PutPart(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("uploader: build part request: %w", err)
	}
	req.ContentLength = int64(len(body))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploader: part PUT: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("uploader: part PUT returned %d", resp.StatusCode)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", ErrMissingETag
	}
	return etag, nil
}
