// Package report attaches analysis reports to incidents and issues
// time-boxed download links for them.
package report

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/apex/log"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/internal/metastore"
	"github.com/srebi/intake/internal/storage"
	"github.com/srebi/intake/pkg/types"
)

// pdfMagic is the signature every PDF starts with.
var pdfMagic = []byte("%PDF-")

// ErrReportNotFound is returned when an incident has no ready report.
var ErrReportNotFound = ierrors.NewNotFoundError(ierrors.CodeReportNotFound, "report not found")

// Service handles report uploads and downloads.
type Service struct {
	store     storage.ObjectStore
	incidents metastore.IncidentStore
	maxSize   int64
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a report service. Non-positive limits fall back to
// 25 MiB and 600s.
func NewService(store storage.ObjectStore, incidents metastore.IncidentStore, maxSize int64, ttl time.Duration) *Service {
	if maxSize <= 0 {
		maxSize = types.MaxReportSize
	}
	if ttl <= 0 {
		ttl = types.PresignTTL
	}
	return &Service{
		store:     store,
		incidents: incidents,
		maxSize:   maxSize,
		ttl:       ttl,
		now:       time.Now,
	}
}

// MaxSize returns the largest report accepted.
func (s *Service) MaxSize() int64 {
	return s.maxSize
}

// Attach stores a PDF report for an existing incident in a single write and
// marks the report ready. A repeated upload replaces the previous report.
func (s *Service) Attach(ctx context.Context, incidentID, fileName, contentType string, body io.Reader) (*types.IncidentReport, error) {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" || !storage.ValidIncidentID(incidentID) {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidPayload, "incidentId is required")
	}
	if body == nil {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidPayload, "file is required")
	}

	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct != types.ReportContentType {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidType, "report must be a PDF")
	}

	if _, err := s.incidents.Get(ctx, incidentID); err != nil {
		return nil, err
	}

	// Read one byte past the limit to detect oversized bodies.
	data, err := io.ReadAll(io.LimitReader(body, s.maxSize+1))
	if err != nil {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidPayload, "failed to read report body")
	}
	if int64(len(data)) > s.maxSize {
		return nil, ierrors.NewValidationError(ierrors.CodeFileTooLarge, "report exceeds the maximum size").
			WithDetails(map[string]interface{}{"maxReportSize": s.maxSize})
	}
	if len(data) == 0 {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidSize, "report is empty")
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidType, "report is not a PDF document")
	}

	key := storage.ReportKey(incidentID)
	if err := s.store.PutObject(ctx, key, data, types.ReportContentType); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(fileName)
	if name == "" {
		name = "report.pdf"
	}
	uploadedAt := s.now().UTC()
	report := types.IncidentReport{
		Status:      types.ReportReady,
		ObjectKey:   key,
		FileName:    name,
		Size:        int64(len(data)),
		ContentType: types.ReportContentType,
		UploadedAt:  &uploadedAt,
	}
	if err := s.incidents.SetReport(ctx, incidentID, report); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"incident_id": incidentID,
		"object_key":  key,
		"size":        report.Size,
	}).Info("report attached")
	return &report, nil
}

// PresignDownload returns a time-boxed GET URL for the incident's report.
func (s *Service) PresignDownload(ctx context.Context, incidentID string) (*types.PresignResponse, error) {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidPayload, "incidentId is required")
	}
	if !storage.ValidIncidentID(incidentID) {
		return nil, metastore.ErrIncidentNotFound
	}

	inc, err := s.incidents.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.ReportStatus() != types.ReportReady || inc.Report.ObjectKey == "" {
		return nil, ErrReportNotFound
	}

	url, err := s.store.PresignGetObject(ctx, inc.Report.ObjectKey, s.ttl)
	if err != nil {
		return nil, err
	}
	return &types.PresignResponse{URL: url, ExpiresIn: int(s.ttl.Seconds())}, nil
}
