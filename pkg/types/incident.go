package types

import (
	"path/filepath"
	"strings"
	"time"
)

// Role identifies which attachment slot of an incident a file fills.
type Role string

const (
	// RoleVideo is a screen recording of the incident (mp4).
	RoleVideo Role = "video"

	// RoleLogs is a log bundle (zip, json or plain log).
	RoleLogs Role = "logs"
)

// acceptedTypes lists the extensions and MIME types each role takes.
var acceptedTypes = map[Role]struct {
	extensions []string
	mimeTypes  []string
}{
	RoleVideo: {
		extensions: []string{".mp4"},
		mimeTypes:  []string{"video/mp4"},
	},
	RoleLogs: {
		extensions: []string{".zip", ".json", ".log"},
		mimeTypes:  []string{"application/zip", "application/json", "text/plain"},
	},
}

// ParseRole converts a raw string into a Role, reporting whether it is known.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.TrimSpace(s))
	return r, r.Valid()
}

// Valid reports whether r is one of the closed set of roles.
func (r Role) Valid() bool {
	return r == RoleVideo || r == RoleLogs
}

// Accepts reports whether a file with the given name and MIME type may be
// uploaded under this role. Either a matching extension or a matching MIME
// type is sufficient.
func (r Role) Accepts(fileName, contentType string) bool {
	accepted, ok := acceptedTypes[r]
	if !ok {
		return false
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	for _, e := range accepted.extensions {
		if ext == e {
			return true
		}
	}

	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, m := range accepted.mimeTypes {
		if ct == m {
			return true
		}
	}
	return false
}

// ReportStatus tracks the lifecycle of the analysis report attached to an incident.
type ReportStatus string

// Possible values for ReportStatus
const (
	ReportNone       ReportStatus = "none"
	ReportProcessing ReportStatus = "processing"
	ReportReady      ReportStatus = "ready"
)

// IncidentInput holds the optional contact fields captured by the intake form.
type IncidentInput struct {
	Email   string `json:"email,omitempty"`
	Company string `json:"company,omitempty"`
	System  string `json:"system,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// IncidentFile is one successfully uploaded attachment. Immutable once appended.
type IncidentFile struct {
	Role        Role      `json:"role"`
	ObjectKey   string    `json:"objectKey"`
	FileName    string    `json:"fileName"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// IncidentReport describes the admin-provided PDF report for an incident.
// The object fields are only set once Status is ReportReady.
type IncidentReport struct {
	Status      ReportStatus `json:"status"`
	ObjectKey   string       `json:"objectKey,omitempty"`
	FileName    string       `json:"fileName,omitempty"`
	Size        int64        `json:"size,omitempty"`
	ContentType string       `json:"contentType,omitempty"`
	UploadedAt  *time.Time   `json:"uploadedAt,omitempty"`
}

// Incident is the durable record of one intake submission.
// Files are kept in upload-completion order and are unique by object key.
type Incident struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	IncidentInput
	Files  []IncidentFile  `json:"files"`
	Report *IncidentReport `json:"report,omitempty"`
}

// NewIncident returns an empty record with report status none.
func NewIncident(id string, createdAt time.Time, input IncidentInput) *Incident {
	return &Incident{
		ID:            id,
		CreatedAt:     createdAt.UTC(),
		IncidentInput: input,
		Files:         []IncidentFile{},
		Report:        &IncidentReport{Status: ReportNone},
	}
}

// HasFile reports whether an attachment with the given object key is already recorded.
func (i *Incident) HasFile(objectKey string) bool {
	for _, f := range i.Files {
		if f.ObjectKey == objectKey {
			return true
		}
	}
	return false
}

// AppendFile adds f unless its object key is already present.
// Returns true if the file list changed.
func (i *Incident) AppendFile(f IncidentFile) bool {
	if i.HasFile(f.ObjectKey) {
		return false
	}
	i.Files = append(i.Files, f)
	return true
}

// ReportStatus returns the current report status, treating a missing report as none.
func (i *Incident) ReportStatus() ReportStatus {
	if i.Report == nil || i.Report.Status == "" {
		return ReportNone
	}
	return i.Report.Status
}

// UploadSession is the server-side bookkeeping for one pending multipart upload.
// It is advisory: completion never depends on it being present.
type UploadSession struct {
	UploadID    string    `json:"uploadId"`
	IncidentID  string    `json:"incidentId"`
	Role        Role      `json:"role"`
	ObjectKey   string    `json:"objectKey"`
	FileName    string    `json:"fileName"`
	FileSize    int64     `json:"fileSize"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}
