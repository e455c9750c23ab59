package types

import "time"

// Upload protocol limits.
const (
	// ChunkSize is the fixed part size handed to clients at init.
	ChunkSize int64 = 10 * 1024 * 1024

	// MaxFileSize is the largest attachment accepted (1 GiB).
	MaxFileSize int64 = 1024 * 1024 * 1024

	// MaxPartNumber is the highest part number an S3-compatible store accepts.
	MaxPartNumber = 10000

	// PresignTTL is the lifetime of presigned part and download URLs.
	PresignTTL = 600 * time.Second

	// MaxReportSize is the largest admin report accepted (25 MiB).
	MaxReportSize int64 = 25 * 1024 * 1024

	// ReportContentType is the only content type accepted for reports.
	ReportContentType = "application/pdf"

	// DefaultContentType is used when a client does not declare one.
	DefaultContentType = "application/octet-stream"
)

// TotalParts returns ceil(fileSize / chunkSize), or 0 for non-positive input.
func TotalParts(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// PartRange returns the half-open byte range [start, end) covered by partNumber.
func PartRange(partNumber int, chunkSize, fileSize int64) (start, end int64) {
	start = int64(partNumber-1) * chunkSize
	end = start + chunkSize
	if end > fileSize {
		end = fileSize
	}
	return start, end
}

// CompletedPart pairs a part number with the ETag the store returned for it.
type CompletedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// InitUploadRequest starts a multipart upload for one incident attachment.
type InitUploadRequest struct {
	IncidentID  string `json:"incidentId"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	FileSize    int64  `json:"fileSize"`
	Role        Role   `json:"role"`
}

// InitUploadResponse carries the part plan for a new upload.
type InitUploadResponse struct {
	UploadID   string `json:"uploadId"`
	ObjectKey  string `json:"objectKey"`
	ChunkSize  int64  `json:"chunkSize"`
	TotalParts int    `json:"totalParts"`
}

// PartURLRequest asks for a presigned PUT URL for a single part.
type PartURLRequest struct {
	UploadID   string `json:"uploadId"`
	ObjectKey  string `json:"objectKey"`
	PartNumber int32  `json:"partNumber"`
}

// PartURLResponse is the presigned URL for one part.
type PartURLResponse struct {
	URL string `json:"url"`
}

// CompleteUploadRequest finalizes an upload. The file metadata fields are
// optional but clients should always resend them so completion does not
// depend on the server-side session.
type CompleteUploadRequest struct {
	UploadID    string          `json:"uploadId"`
	ObjectKey   string          `json:"objectKey"`
	Parts       []CompletedPart `json:"parts"`
	IncidentID  string          `json:"incidentId,omitempty"`
	Role        Role            `json:"role,omitempty"`
	FileName    string          `json:"fileName,omitempty"`
	Size        int64           `json:"size,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
}

// AbortUploadRequest cancels an upload.
type AbortUploadRequest struct {
	UploadID  string `json:"uploadId"`
	ObjectKey string `json:"objectKey"`
}

// OKResponse is the body of successful complete/abort/report calls.
type OKResponse struct {
	OK bool `json:"ok"`
}

// CreateIncidentRequest is the intake form submission.
type CreateIncidentRequest struct {
	Email   string `json:"email,omitempty"`
	Company string `json:"company,omitempty"`
	System  string `json:"system,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// CreateIncidentResponse returns the identifier of a new incident.
type CreateIncidentResponse struct {
	IncidentID string    `json:"incidentId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PresignResponse holds a time-boxed download URL.
type PresignResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"`
}
