package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/srebi/intake/pkg/types"
)

// API is the server side of the upload protocol.
type API interface {
	Init(ctx context.Context, req types.InitUploadRequest) (*types.InitUploadResponse, error)
	PartURL(ctx context.Context, req types.PartURLRequest) (*types.PartURLResponse, error)
	Complete(ctx context.Context, req types.CompleteUploadRequest) error
	Abort(ctx context.Context, req types.AbortUploadRequest) error
}

// APIError is a non-2xx response from the intake API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("intake api: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("intake api: %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether repeating the request may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// HTTPClient talks to the intake API over HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client for the API at baseURL. A nil client uses
// one with a 30s timeout.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// CreateIncident submits the intake form and returns the new incident.
func (c *HTTPClient) CreateIncident(ctx context.Context, req types.CreateIncidentRequest) (*types.CreateIncidentResponse, error) {
	var resp types.CreateIncidentResponse
	if err := c.post(ctx, "/api/incidents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Init starts a multipart upload.
func (c *HTTPClient) Init(ctx context.Context, req types.InitUploadRequest) (*types.InitUploadResponse, error) {
	var resp types.InitUploadResponse
	if err := c.post(ctx, "/api/uploads/multipart/init", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PartURL requests a presigned URL for one part.
func (c *HTTPClient) PartURL(ctx context.Context, req types.PartURLRequest) (*types.PartURLResponse, error) {
	var resp types.PartURLResponse
	if err := c.post(ctx, "/api/uploads/multipart/part-url", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Complete finalizes an upload.
func (c *HTTPClient) Complete(ctx context.Context, req types.CompleteUploadRequest) error {
	return c.post(ctx, "/api/uploads/multipart/complete", req, &types.OKResponse{})
}

// Abort cancels an upload.
func (c *HTTPClient) Abort(ctx context.Context, req types.AbortUploadRequest) error {
	return c.post(ctx, "/api/uploads/multipart/abort", req, &types.OKResponse{})
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("uploader: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("uploader: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("uploader: decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"request_id"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		apiErr.RequestID = body.RequestID
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
