package metastore

// Schema for the SQLite backend. Timestamps are unix milliseconds.

// CreateIncidentsTableSQL creates the incidents table. The report
// descriptor is stored inline since an incident has at most one report.
const CreateIncidentsTableSQL = `
CREATE TABLE IF NOT EXISTS incidents (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    email TEXT NOT NULL DEFAULT '',
    company TEXT NOT NULL DEFAULT '',
    system TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    report_status TEXT NOT NULL DEFAULT 'none',
    report_object_key TEXT,
    report_file_name TEXT,
    report_size INTEGER,
    report_content_type TEXT,
    report_uploaded_at INTEGER
)`

// CreateIncidentFilesTableSQL creates the attachment table. seq preserves
// completion order and the unique constraint makes appends idempotent.
const CreateIncidentFilesTableSQL = `
CREATE TABLE IF NOT EXISTS incident_files (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id TEXT NOT NULL REFERENCES incidents(id),
    role TEXT NOT NULL,
    object_key TEXT NOT NULL,
    file_name TEXT NOT NULL,
    size INTEGER NOT NULL,
    content_type TEXT NOT NULL,
    uploaded_at INTEGER NOT NULL,
    UNIQUE (incident_id, object_key)
)`

// CreateUploadSessionsTableSQL creates the pending upload session table.
const CreateUploadSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS upload_sessions (
    upload_id TEXT PRIMARY KEY,
    incident_id TEXT NOT NULL,
    role TEXT NOT NULL,
    object_key TEXT NOT NULL,
    file_name TEXT NOT NULL,
    file_size INTEGER NOT NULL,
    content_type TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateIndexesSQL creates secondary indexes.
var CreateIndexesSQL = []string{
	// Attachment listing per incident in completion order
	`CREATE INDEX IF NOT EXISTS idx_incident_files_incident ON incident_files(incident_id, seq)`,

	// Stale session sweeps
	`CREATE INDEX IF NOT EXISTS idx_upload_sessions_created ON upload_sessions(created_at)`,
}
