package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmeireles/snapex/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for the session index
type Repository struct {
	db *sql.DB
}

// NewRepository opens (creating if needed) the index at dbPath
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const selectColumns = `
	SELECT id, alias, snapshot, provider, region, record_path, output_dir,
	       status, error_message, created_at, updated_at
	FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var alias, errorMessage sql.NullString
	err := row.Scan(
		&s.ID, &alias, &s.Snapshot, &s.Provider, &s.Region, &s.RecordPath, &s.OutputDir,
		&s.Status, &errorMessage, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Alias = alias.String
	s.ErrorMessage = errorMessage.String
	return &s, nil
}

// Create inserts a session row
func (r *Repository) Create(s *Session) error {
	slog.Debug("database_create_session", "session_id", s.ID, "status", s.Status)

	query := `
		INSERT INTO sessions (id, alias, snapshot, provider, region, record_path, output_dir, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(NULLIF(?, ''), CURRENT_TIMESTAMP))
	`
	_, err := r.db.Exec(query,
		s.ID, nullable(s.Alias), s.Snapshot, s.Provider, s.Region, s.RecordPath, s.OutputDir,
		s.Status, nullable(s.ErrorMessage), s.CreatedAt)
	if err != nil {
		slog.Error("database_insert_failed", "session_id", s.ID, "error", err)
		return errors.Wrap(err, "failed to insert session")
	}
	return nil
}

// Get retrieves a session by ID. It returns nil, nil when absent.
func (r *Repository) Get(id string) (*Session, error) {
	s, err := scanSession(r.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "session_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query session")
	}
	return s, nil
}

// Resolve finds a session by ID, alias or record path. An alias shared by
// several sessions resolves to the most recent one.
func (r *Repository) Resolve(ref string) (*Session, error) {
	query := selectColumns + `
		WHERE id = ? OR alias = ? OR record_path = ?
		ORDER BY (id = ?) DESC, created_at DESC
		LIMIT 1`
	s, err := scanSession(r.db.QueryRow(query, ref, ref, ref, ref))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_resolve_failed", "ref", ref, "error", err)
		return nil, errors.Wrap(err, "failed to resolve session")
	}
	return s, nil
}

// UpdateStatus updates only the status and error message
func (r *Repository) UpdateStatus(id, status, errorMessage string) error {
	slog.Debug("database_update_status", "session_id", id, "status", status)

	query := `UPDATE sessions SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.db.Exec(query, status, nullable(errorMessage), id)
	if err != nil {
		slog.Error("database_status_update_failed", "session_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("session not found: id=%s", id)
	}
	return nil
}

// List retrieves all sessions, newest first
func (r *Repository) List() ([]*Session, error) {
	rows, err := r.db.Query(selectColumns + ` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "session_count", len(sessions))
	return sessions, nil
}

// Delete deletes a session by ID
func (r *Repository) Delete(id string) error {
	slog.Debug("database_delete_session", "session_id", id)

	if _, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "session_id", id, "error", err)
		return errors.Wrap(err, "failed to delete session")
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
