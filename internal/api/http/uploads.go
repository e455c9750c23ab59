package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/pkg/types"
)

// maxJSONBody bounds every JSON request body.
const maxJSONBody = 1 << 20

// Uploads is the multipart upload orchestrator consumed by the upload routes.
type Uploads interface {
	Init(ctx context.Context, req types.InitUploadRequest) (*types.InitUploadResponse, error)
	PartURL(ctx context.Context, req types.PartURLRequest) (*types.PartURLResponse, error)
	Complete(ctx context.Context, req types.CompleteUploadRequest) error
	Abort(ctx context.Context, req types.AbortUploadRequest) error
}

// UploadHandler serves the four multipart upload operations.
type UploadHandler struct {
	uploads Uploads
}

// NewUploadHandler creates an upload handler.
func NewUploadHandler(uploads Uploads) *UploadHandler {
	return &UploadHandler{uploads: uploads}
}

// Init handles POST /api/uploads/multipart/init.
func (h *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req types.InitUploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.uploads.Init(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// PartURL handles POST /api/uploads/multipart/part-url.
func (h *UploadHandler) PartURL(w http.ResponseWriter, r *http.Request) {
	var req types.PartURLRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.uploads.PartURL(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Complete handles POST /api/uploads/multipart/complete.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req types.CompleteUploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.uploads.Complete(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// Abort handles POST /api/uploads/multipart/abort.
func (h *UploadHandler) Abort(w http.ResponseWriter, r *http.Request) {
	var req types.AbortUploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.uploads.Abort(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// decodeJSON reads a bounded JSON body into v. Any malformed or oversized
// body is an INVALID_PAYLOAD error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return ierrors.NewValidationError(ierrors.CodeInvalidPayload, "request body is required")
	}
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return ierrors.NewValidationError(ierrors.CodeInvalidPayload, "request body too large")
		case errors.Is(err, io.EOF):
			return ierrors.NewValidationError(ierrors.CodeInvalidPayload, "request body is required")
		default:
			return ierrors.NewValidationError(ierrors.CodeInvalidPayload, "invalid JSON body")
		}
	}
	return nil
}
