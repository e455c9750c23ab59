// Package upload implements the server side of the multipart upload protocol:
// init, part-url, complete and abort.
//
// Bytes never pass through the server. Init opens a multipart upload on the
// object store and records an advisory session; clients PUT parts directly
// to presigned URLs; complete finalizes the upload and appends the file to
// the incident. The authoritative idempotency key is the object key, so
// completion works even after the session is gone.
package upload

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/apex/log"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/internal/metastore"
	"github.com/srebi/intake/internal/observability"
	"github.com/srebi/intake/internal/storage"
	"github.com/srebi/intake/pkg/types"
)

// Operation names used in logs and metrics.
const (
	OpInit     = "init"
	OpPartURL  = "part_url"
	OpComplete = "complete"
	OpAbort    = "abort"
)

const maxUploadIDLen = 1024

// Limits bounds what clients may upload.
type Limits struct {
	ChunkSize   int64
	MaxFileSize int64
	PresignTTL  time.Duration
}

// DefaultLimits returns the protocol defaults: 10 MiB parts, 1 GiB files
// and 600s presigned URLs.
func DefaultLimits() Limits {
	return Limits{
		ChunkSize:   types.ChunkSize,
		MaxFileSize: types.MaxFileSize,
		PresignTTL:  types.PresignTTL,
	}
}

// Service is the upload orchestrator. It is stateless per request; all
// shared state lives in the object store and the two metastores.
type Service struct {
	store     storage.ObjectStore
	incidents metastore.IncidentStore
	sessions  metastore.SessionStore
	limits    Limits
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService creates an orchestrator. metrics may be nil.
func NewService(store storage.ObjectStore, incidents metastore.IncidentStore, sessions metastore.SessionStore, limits Limits, metrics *observability.Metrics) *Service {
	if limits.ChunkSize <= 0 {
		limits.ChunkSize = types.ChunkSize
	}
	if limits.MaxFileSize <= 0 {
		limits.MaxFileSize = types.MaxFileSize
	}
	if limits.PresignTTL <= 0 {
		limits.PresignTTL = types.PresignTTL
	}
	return &Service{
		store:     store,
		incidents: incidents,
		sessions:  sessions,
		limits:    limits,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Limits returns the limits in effect.
func (s *Service) Limits() Limits {
	return s.limits
}

// Init validates the request, opens a multipart upload and records a session.
// Validation failures have no side effects, and the session is only written
// once the store has accepted the upload.
func (s *Service) Init(ctx context.Context, req types.InitUploadRequest) (resp *types.InitUploadResponse, err error) {
	defer func() { s.metrics.RecordOperation(OpInit, err) }()

	req.IncidentID = strings.TrimSpace(req.IncidentID)
	req.FileName = strings.TrimSpace(req.FileName)
	req.ContentType = strings.TrimSpace(req.ContentType)

	if req.IncidentID == "" || req.FileName == "" || req.Role == "" {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidPayload, "incidentId, fileName and role are required")
	}
	if !storage.ValidIncidentID(req.IncidentID) {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidPayload, "malformed incidentId")
	}
	if !req.Role.Valid() {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidRole, "role must be video or logs")
	}
	if req.FileSize <= 0 {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidSize, "fileSize must be positive")
	}
	if req.FileSize > s.limits.MaxFileSize {
		return nil, ierrors.NewValidationError(ierrors.CodeFileTooLarge, "file exceeds the maximum upload size").
			WithDetails(map[string]interface{}{"maxFileSize": s.limits.MaxFileSize})
	}
	if !req.Role.Accepts(req.FileName, req.ContentType) {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidType, "file type not accepted for role "+string(req.Role))
	}

	if _, err := s.incidents.Get(ctx, req.IncidentID); err != nil {
		return nil, err
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = types.DefaultContentType
	}

	now := s.now()
	objectKey := storage.AttachmentKey(req.IncidentID, req.Role, req.FileName, now)

	uploadID, err := s.store.CreateMultipartUpload(ctx, objectKey, contentType, map[string]string{
		"incident-id":   req.IncidentID,
		"role":          string(req.Role),
		"original-name": storage.SanitizeFilename(req.FileName),
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"incident_id": req.IncidentID,
			"object_key":  objectKey,
		}).Error("failed to create multipart upload")
		return nil, err
	}

	session := &types.UploadSession{
		UploadID:    uploadID,
		IncidentID:  req.IncidentID,
		Role:        req.Role,
		ObjectKey:   objectKey,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		ContentType: contentType,
		CreatedAt:   now.UTC(),
	}
	if err := s.sessions.Put(ctx, session); err != nil {
		// The multipart upload is orphaned; release it so the store does not
		// hold parts for an upload nobody can complete.
		if abortErr := s.store.AbortMultipartUpload(context.WithoutCancel(ctx), uploadID, objectKey); abortErr != nil {
			log.WithError(abortErr).WithField("upload_id", uploadID).Warn("failed to abort orphaned upload")
		}
		return nil, err
	}

	totalParts := types.TotalParts(req.FileSize, s.limits.ChunkSize)
	log.WithFields(log.Fields{
		"incident_id": req.IncidentID,
		"upload_id":   uploadID,
		"object_key":  objectKey,
		"role":        req.Role,
		"file_size":   req.FileSize,
		"total_parts": totalParts,
	}).Info("upload initiated")

	return &types.InitUploadResponse{
		UploadID:   uploadID,
		ObjectKey:  objectKey,
		ChunkSize:  s.limits.ChunkSize,
		TotalParts: totalParts,
	}, nil
}

// PartURL presigns a PUT for one part. It reads no state and may be called
// any number of times for the same part.
func (s *Service) PartURL(ctx context.Context, req types.PartURLRequest) (resp *types.PartURLResponse, err error) {
	defer func() { s.metrics.RecordOperation(OpPartURL, err) }()

	if err := validateUploadRef(req.UploadID, req.ObjectKey); err != nil {
		return nil, err
	}
	if req.PartNumber < 1 || req.PartNumber > types.MaxPartNumber {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidPartNumber, "partNumber must be between 1 and 10000")
	}

	url, err := s.store.PresignUploadPart(ctx, req.UploadID, req.ObjectKey, req.PartNumber, s.limits.PresignTTL)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPartURL()

	log.WithFields(log.Fields{
		"upload_id":   req.UploadID,
		"part_number": req.PartNumber,
	}).Debug("part url issued")
	return &types.PartURLResponse{URL: url}, nil
}

// Complete finalizes the multipart upload and records the file on the
// incident. Caller-supplied metadata wins over the session, which is only a
// fallback. Retrying a completion that already succeeded is a no-op.
func (s *Service) Complete(ctx context.Context, req types.CompleteUploadRequest) (err error) {
	defer func() { s.metrics.RecordOperation(OpComplete, err) }()

	if err := validateUploadRef(req.UploadID, req.ObjectKey); err != nil {
		return err
	}
	parts, err := normalizeParts(req.Parts)
	if err != nil {
		return err
	}

	session, err := s.sessions.GetSession(ctx, req.UploadID)
	if err != nil {
		if !errors.Is(err, metastore.ErrSessionNotFound) {
			log.WithError(err).WithField("upload_id", req.UploadID).Warn("session lookup failed, using request metadata")
		}
		session = nil
	}

	file, incidentID, err := s.resolveFile(req, session)
	if err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{
		"incident_id": incidentID,
		"upload_id":   req.UploadID,
		"object_key":  req.ObjectKey,
		"parts":       len(parts),
	})

	if err := s.store.CompleteMultipartUpload(ctx, req.UploadID, req.ObjectKey, parts); err != nil {
		if s.alreadyRecorded(ctx, incidentID, req.ObjectKey) {
			logger.WithError(err).Info("upload already completed, treating retry as success")
			s.consumeSession(ctx, req.UploadID)
			return nil
		}
		// A finalized upload whose incident write failed: the object exists
		// but the store has forgotten the upload. Record it now.
		size, ok := s.finalizedObject(ctx, err, req.ObjectKey)
		if !ok {
			logger.WithError(err).Warn("failed to complete multipart upload")
			return err
		}
		logger.Info("upload already finalized, recording file")
		if file.Size <= 0 {
			file.Size = size
		}
	}

	appended, err := s.incidents.AppendFile(ctx, incidentID, file)
	if err != nil {
		logger.WithError(err).Error("failed to record completed upload")
		return err
	}
	if appended {
		s.metrics.RecordCompletedBytes(file.Role, file.Size)
	}

	s.consumeSession(ctx, req.UploadID)

	logger.WithFields(log.Fields{
		"role":     file.Role,
		"size":     file.Size,
		"appended": appended,
	}).Info("upload completed")
	return nil
}

// Abort cancels the multipart upload and discards the session. Uploads the
// store no longer knows about are treated as already aborted.
func (s *Service) Abort(ctx context.Context, req types.AbortUploadRequest) (err error) {
	defer func() { s.metrics.RecordOperation(OpAbort, err) }()

	if err := validateUploadRef(req.UploadID, req.ObjectKey); err != nil {
		return err
	}
	session, err := s.sessions.GetSession(ctx, req.UploadID)
	if err == nil && session.ObjectKey != req.ObjectKey {
		return ierrors.NewValidationError(ierrors.CodeInvalidPayload, "objectKey does not match the upload")
	}

	if err := s.store.AbortMultipartUpload(ctx, req.UploadID, req.ObjectKey); err != nil && !errors.Is(err, storage.ErrUploadNotFound) {
		log.WithError(err).WithField("upload_id", req.UploadID).Warn("failed to abort multipart upload")
		return err
	}
	if err := s.sessions.Delete(ctx, req.UploadID); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"upload_id":  req.UploadID,
		"object_key": req.ObjectKey,
	}).Info("upload aborted")
	return nil
}

// resolveFile merges request and session metadata into the file record.
func (s *Service) resolveFile(req types.CompleteUploadRequest, session *types.UploadSession) (types.IncidentFile, string, error) {
	incidentID := strings.TrimSpace(req.IncidentID)
	role := req.Role
	fileName := strings.TrimSpace(req.FileName)
	size := req.Size
	contentType := strings.TrimSpace(req.ContentType)

	if size < 0 {
		return types.IncidentFile{}, "", ierrors.NewValidationError(ierrors.CodeInvalidPayload, "size must not be negative")
	}

	if session != nil {
		if incidentID == "" {
			incidentID = session.IncidentID
		}
		if role == "" {
			role = session.Role
		}
		if fileName == "" {
			fileName = session.FileName
		}
		if size == 0 {
			size = session.FileSize
		}
		if contentType == "" {
			contentType = session.ContentType
		}
	}

	if incidentID == "" || role == "" {
		return types.IncidentFile{}, "", ierrors.NewNotFoundError(ierrors.CodeSessionNotFound,
			"upload session not found; resend incidentId and role")
	}
	if !storage.ValidIncidentID(incidentID) {
		return types.IncidentFile{}, "", ierrors.NewValidationError(ierrors.CodeInvalidPayload, "malformed incidentId")
	}
	if !role.Valid() {
		return types.IncidentFile{}, "", ierrors.NewValidationError(ierrors.CodeInvalidRole, "role must be video or logs")
	}
	if !strings.HasPrefix(req.ObjectKey, storage.AttachmentPrefix(incidentID, role)) {
		return types.IncidentFile{}, "", ierrors.NewValidationError(ierrors.CodeInvalidPayload, "objectKey does not belong to the incident and role")
	}

	if fileName == "" {
		fileName = path.Base(req.ObjectKey)
	}
	if contentType == "" {
		contentType = types.DefaultContentType
	}

	return types.IncidentFile{
		Role:        role,
		ObjectKey:   req.ObjectKey,
		FileName:    fileName,
		Size:        size,
		ContentType: contentType,
		UploadedAt:  s.now().UTC(),
	}, incidentID, nil
}

// finalizedObject reports whether a completion that failed with upload not
// found left an object at key, and returns its size.
func (s *Service) finalizedObject(ctx context.Context, completeErr error, key string) (int64, bool) {
	if !errors.Is(completeErr, storage.ErrUploadNotFound) {
		return 0, false
	}
	obj, err := s.store.GetObject(ctx, key)
	if err != nil {
		return 0, false
	}
	obj.Body.Close()
	return obj.Size, true
}

func (s *Service) alreadyRecorded(ctx context.Context, incidentID, objectKey string) bool {
	inc, err := s.incidents.Get(ctx, incidentID)
	if err != nil {
		return false
	}
	return inc.HasFile(objectKey)
}

// consumeSession drops the session after the incident write. A missing
// session is expected on retries.
func (s *Service) consumeSession(ctx context.Context, uploadID string) {
	if _, err := s.sessions.Consume(ctx, uploadID); err != nil && !errors.Is(err, metastore.ErrSessionNotFound) {
		log.WithError(err).WithField("upload_id", uploadID).Warn("failed to consume upload session")
	}
}

func validateUploadRef(uploadID, objectKey string) error {
	if strings.TrimSpace(uploadID) == "" || strings.TrimSpace(objectKey) == "" {
		return ierrors.NewValidationError(ierrors.CodeInvalidPayload, "uploadId and objectKey are required")
	}
	// Upload ids name directories in the local store.
	if len(uploadID) > maxUploadIDLen || strings.ContainsAny(uploadID, "/\\") || strings.Contains(uploadID, "..") {
		return ierrors.NewValidationError(ierrors.CodeInvalidPayload, "malformed uploadId")
	}
	if !strings.HasPrefix(objectKey, "incidents/") {
		return ierrors.NewValidationError(ierrors.CodeInvalidPayload, "objectKey is not an incident attachment")
	}
	return nil
}

// normalizeParts checks every part and returns a copy sorted by part number.
func normalizeParts(parts []types.CompletedPart) ([]types.CompletedPart, error) {
	if len(parts) == 0 {
		return nil, ierrors.NewValidationError(ierrors.CodeInvalidParts, "parts must not be empty")
	}

	sorted := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		if p.PartNumber < 1 || p.PartNumber > types.MaxPartNumber {
			return nil, ierrors.NewValidationError(ierrors.CodeInvalidParts, "every part needs a partNumber between 1 and 10000")
		}
		if strings.TrimSpace(p.ETag) == "" {
			return nil, ierrors.NewValidationError(ierrors.CodeInvalidParts, "every part needs an etag")
		}
		sorted[i] = p
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].PartNumber == sorted[i-1].PartNumber {
			return nil, ierrors.NewValidationError(ierrors.CodeInvalidParts, "duplicate partNumber")
		}
	}
	return sorted, nil
}
