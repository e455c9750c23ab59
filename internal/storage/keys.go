package storage

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/srebi/intake/pkg/types"
)

const maxFilenameLength = 120

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	incidentIDPattern   = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
)

// SanitizeFilename replaces every run of characters outside [a-zA-Z0-9._-]
// with a single underscore, trims leading and trailing underscores, falls
// back to "file" and caps the result at 120 characters.
func SanitizeFilename(name string) string {
	safe := unsafeFilenameChars.ReplaceAllString(name, "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		safe = "file"
	}
	if len(safe) > maxFilenameLength {
		safe = safe[:maxFilenameLength]
	}
	return safe
}

// ValidIncidentID reports whether id is safe to embed in an object key.
func ValidIncidentID(id string) bool {
	return incidentIDPattern.MatchString(id)
}

// IncidentPrefix is the key prefix of everything stored for an incident.
func IncidentPrefix(incidentID string) string {
	return fmt.Sprintf("incidents/%s/", incidentID)
}

// AttachmentPrefix is the key prefix for attachments of one role.
func AttachmentPrefix(incidentID string, role types.Role) string {
	return fmt.Sprintf("incidents/%s/%s/", incidentID, role)
}

// AttachmentKey builds incidents/{id}/{role}/{unixMillis}_{sanitizedName}.
func AttachmentKey(incidentID string, role types.Role, fileName string, now time.Time) string {
	return fmt.Sprintf("%s%d_%s", AttachmentPrefix(incidentID, role), now.UnixMilli(), SanitizeFilename(fileName))
}

// ReportKey is the fixed location of an incident's PDF report.
func ReportKey(incidentID string) string {
	return IncidentPrefix(incidentID) + "report/report.pdf"
}

// IncidentMetaKey is where the object-backed metastore keeps an incident record.
func IncidentMetaKey(incidentID string) string {
	return IncidentPrefix(incidentID) + "meta.json"
}

// SessionPrefix is the prefix of all upload session documents.
const SessionPrefix = "uploads/"

// SessionKey is where the object-backed metastore keeps an upload session.
func SessionKey(uploadID string) string {
	return SessionPrefix + uploadID + ".json"
}

// SessionIDFromKey extracts the upload id from a SessionKey, reporting
// whether key has that shape.
func SessionIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, SessionPrefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, SessionPrefix), ".json")
	return id, id != ""
}
