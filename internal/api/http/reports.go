package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/internal/sweeper"
	"github.com/srebi/intake/pkg/types"
)

// multipartOverhead is the allowance for form boundaries and fields on top
// of the report itself.
const multipartOverhead = 1 << 20

// Reports attaches and serves incident reports.
type Reports interface {
	Attach(ctx context.Context, incidentID, fileName, contentType string, body io.Reader) (*types.IncidentReport, error)
	PresignDownload(ctx context.Context, incidentID string) (*types.PresignResponse, error)
	MaxSize() int64
}

// Sweeper runs an on-demand stale session sweep.
type Sweeper interface {
	RunOnce(ctx context.Context) (*sweeper.Result, error)
}

// ReportHandler serves report uploads and download links.
type ReportHandler struct {
	reports Reports
}

// NewReportHandler creates a report handler.
func NewReportHandler(reports Reports) *ReportHandler {
	return &ReportHandler{reports: reports}
}

// Upload handles POST /api/admin/reports/upload. The body is a multipart
// form with an incidentId field and a file part.
func (h *ReportHandler) Upload(w http.ResponseWriter, r *http.Request) {
	limit := h.reports.MaxSize() + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, ierrors.NewValidationError(ierrors.CodeFileTooLarge, "report exceeds the maximum size"))
			return
		}
		writeError(w, r, ierrors.NewValidationError(ierrors.CodeInvalidPayload, "expected a multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, ierrors.NewValidationError(ierrors.CodeInvalidPayload, "file is required"))
		return
	}
	defer file.Close()

	_, err = h.reports.Attach(r.Context(), r.FormValue("incidentId"), header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OKResponse{OK: true})
}

// Presign handles GET /api/reports/presign?incidentId=.
func (h *ReportHandler) Presign(w http.ResponseWriter, r *http.Request) {
	resp, err := h.reports.PresignDownload(r.Context(), r.URL.Query().Get("incidentId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// sweepHandler handles POST /api/admin/sweep.
func sweepHandler(s Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.RunOnce(r.Context())
		if err != nil {
			writeError(w, r, ierrors.NewInternalError("session sweep failed", err))
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
