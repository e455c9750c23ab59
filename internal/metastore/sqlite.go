package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/srebi/intake/pkg/types"
)

// SQLiteStore implements IncidentStore and SessionStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex // Serializes writers
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Single writer in WAL mode. _txlock=immediate takes the write lock at
	// BEGIN so read-then-write transactions cannot deadlock on upgrade.
	dsn := "file:" + dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metastore: failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{CreateIncidentsTableSQL, CreateIncidentFilesTableSQL, CreateUploadSessionsTableSQL}
	stmts = append(stmts, CreateIndexesSQL...)
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create stores a new incident.
func (s *SQLiteStore) Create(ctx context.Context, incident *types.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, created_at, email, company, system, notes, report_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		incident.ID, incident.CreatedAt.UnixMilli(),
		incident.Email, incident.Company, incident.System, incident.Notes,
		string(incident.ReportStatus()),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ErrIncidentExists
		}
		return fmt.Errorf("metastore: failed to insert incident: %w", err)
	}
	return nil
}

// Get returns an incident with its files in completion order.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Incident, error) {
	var (
		inc       types.Incident
		createdAt int64
		report    types.IncidentReport
		status    string

		reportKey, reportName, reportType sql.NullString
		reportSize, reportUploadedAt      sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, email, company, system, notes,
		       report_status, report_object_key, report_file_name, report_size,
		       report_content_type, report_uploaded_at
		FROM incidents WHERE id = ?`, id,
	).Scan(&inc.ID, &createdAt, &inc.Email, &inc.Company, &inc.System, &inc.Notes,
		&status, &reportKey, &reportName, &reportSize, &reportType, &reportUploadedAt)
	if err == sql.ErrNoRows {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to get incident: %w", err)
	}

	inc.CreatedAt = time.UnixMilli(createdAt).UTC()
	report.Status = types.ReportStatus(status)
	report.ObjectKey = reportKey.String
	report.FileName = reportName.String
	report.Size = reportSize.Int64
	report.ContentType = reportType.String
	if reportUploadedAt.Valid {
		t := time.UnixMilli(reportUploadedAt.Int64).UTC()
		report.UploadedAt = &t
	}
	inc.Report = &report

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, object_key, file_name, size, content_type, uploaded_at
		FROM incident_files WHERE incident_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to list incident files: %w", err)
	}
	defer rows.Close()

	inc.Files = []types.IncidentFile{}
	for rows.Next() {
		var f types.IncidentFile
		var role string
		var uploadedAt int64
		if err := rows.Scan(&role, &f.ObjectKey, &f.FileName, &f.Size, &f.ContentType, &uploadedAt); err != nil {
			return nil, fmt.Errorf("metastore: failed to scan incident file: %w", err)
		}
		f.Role = types.Role(role)
		f.UploadedAt = time.UnixMilli(uploadedAt).UTC()
		inc.Files = append(inc.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metastore: failed to iterate incident files: %w", err)
	}

	return &inc, nil
}

// AppendFile records an attachment in one transaction: a placeholder
// incident is inserted if missing, then the file is inserted unless the
// (incident, object key) pair already exists.
func (s *SQLiteStore) AppendFile(ctx context.Context, incidentID string, file types.IncidentFile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("metastore: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureIncidentTx(ctx, tx, incidentID); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO incident_files
			(incident_id, role, object_key, file_name, size, content_type, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		incidentID, string(file.Role), file.ObjectKey, file.FileName, file.Size,
		file.ContentType, file.UploadedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("metastore: failed to insert incident file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("metastore: failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("metastore: failed to commit transaction: %w", err)
	}
	return n > 0, nil
}

// SetReport replaces the report descriptor, creating a placeholder incident if needed.
func (s *SQLiteStore) SetReport(ctx context.Context, incidentID string, report types.IncidentReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureIncidentTx(ctx, tx, incidentID); err != nil {
		return err
	}

	var uploadedAt sql.NullInt64
	if report.UploadedAt != nil {
		uploadedAt = sql.NullInt64{Int64: report.UploadedAt.UnixMilli(), Valid: true}
	}
	status := report.Status
	if status == "" {
		status = types.ReportNone
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE incidents SET
			report_status = ?, report_object_key = ?, report_file_name = ?,
			report_size = ?, report_content_type = ?, report_uploaded_at = ?
		WHERE id = ?`,
		string(status), nullString(report.ObjectKey), nullString(report.FileName),
		report.Size, nullString(report.ContentType), uploadedAt, incidentID,
	)
	if err != nil {
		return fmt.Errorf("metastore: failed to update report: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("metastore: failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureIncidentTx(ctx context.Context, tx *sql.Tx, incidentID string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO incidents (id, created_at) VALUES (?, ?)",
		incidentID, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("metastore: failed to ensure incident: %w", err)
	}
	return nil
}

// Put records an upload session.
func (s *SQLiteStore) Put(ctx context.Context, session *types.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO upload_sessions
			(upload_id, incident_id, role, object_key, file_name, file_size, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.UploadID, session.IncidentID, string(session.Role), session.ObjectKey,
		session.FileName, session.FileSize, session.ContentType, session.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("metastore: failed to put session: %w", err)
	}
	return nil
}

const selectSessionSQL = `
	SELECT upload_id, incident_id, role, object_key, file_name, file_size, content_type, created_at
	FROM upload_sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.UploadSession, error) {
	var sess types.UploadSession
	var role string
	var createdAt int64
	if err := row.Scan(&sess.UploadID, &sess.IncidentID, &role, &sess.ObjectKey,
		&sess.FileName, &sess.FileSize, &sess.ContentType, &createdAt); err != nil {
		return nil, err
	}
	sess.Role = types.Role(role)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &sess, nil
}

// GetSession returns an upload session.
func (s *SQLiteStore) GetSession(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, selectSessionSQL+" WHERE upload_id = ?", uploadID))
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to get session: %w", err)
	}
	return sess, nil
}

// Consume reads and deletes a session in one transaction.
func (s *SQLiteStore) Consume(ctx context.Context, uploadID string) (*types.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx, selectSessionSQL+" WHERE upload_id = ?", uploadID))
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to get session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM upload_sessions WHERE upload_id = ?", uploadID); err != nil {
		return nil, fmt.Errorf("metastore: failed to delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("metastore: failed to commit transaction: %w", err)
	}
	return sess, nil
}

// Delete removes a session.
func (s *SQLiteStore) Delete(ctx context.Context, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM upload_sessions WHERE upload_id = ?", uploadID); err != nil {
		return fmt.Errorf("metastore: failed to delete session: %w", err)
	}
	return nil
}

// ListStale returns sessions created before the cutoff, oldest first.
func (s *SQLiteStore) ListStale(ctx context.Context, before time.Time) ([]*types.UploadSession, error) {
	rows, err := s.db.QueryContext(ctx, selectSessionSQL+" WHERE created_at < ? ORDER BY created_at", before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("metastore: failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.UploadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("metastore: failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: strings.TrimSpace(v) != ""}
}
