package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/pavel-fokin/files-intake/internal/files"
	"github.com/pavel-fokin/files-intake/internal/metastore"
	_ "modernc.org/sqlite"
)

const selectColumns = `id, original_name, stored_name, size, mime_type, backend, uploaded_at, path, relative_path, url, handle`

// Repository implements files.Repository using SQLite
type Repository struct {
	db   *sql.DB
	root string
}

// NewRepository opens the database at dbPath and migrates its schema.
// root is the local storage root used to normalize legacy absolute paths.
func NewRepository(dbPath, root string) (*Repository, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	repo := &Repository{db: db, root: absRoot}

	// Initialize database schema
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// initSchema creates and migrates the necessary database tables
func (r *Repository) initSchema() error {
	// The first schema only had the absolute path column; the columns
	// below are added on top so older databases keep working.
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		stored_name TEXT NOT NULL,
		size INTEGER NOT NULL,
		mime_type TEXT NOT NULL,
		backend TEXT NOT NULL DEFAULT 'local',
		uploaded_at DATETIME NOT NULL,
		path TEXT
	);`
	if _, err := r.db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("failed to create files table: %w", err)
	}

	for _, column := range []string{"relative_path", "url", "handle"} {
		alterTableQuery := fmt.Sprintf(`ALTER TABLE files ADD COLUMN %s TEXT;`, column)
		if _, err := r.db.Exec(alterTableQuery); err != nil {
			if !strings.Contains(err.Error(), "duplicate column name") {
				return fmt.Errorf("failed to add %s column: %w", column, err)
			}
		}
	}

	createIndexesQuery := `CREATE INDEX IF NOT EXISTS idx_files_uploaded_at ON files(uploaded_at);`
	if _, err := r.db.Exec(createIndexesQuery); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// Create stores file metadata
func (r *Repository) Create(ctx context.Context, file *files.File) error {
	query := `
	INSERT INTO files (id, original_name, stored_name, size, mime_type, backend, uploaded_at, relative_path, url, handle)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		file.ID,
		file.OriginalName,
		file.StoredName,
		file.Size,
		file.MimeType,
		string(file.Backend),
		file.UploadedAt.UTC(),
		nullString(file.Locator.Path),
		nullString(file.Locator.URL),
		nullString(file.Locator.Handle),
	)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	return nil
}

// FindByID retrieves file metadata by ID
func (r *Repository) FindByID(ctx context.Context, id string) (*files.File, error) {
	query := `SELECT ` + selectColumns + ` FROM files WHERE id = ?`

	file, legacyPath, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, files.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find file: %w", err)
	}

	return metastore.Normalize(r.root, file, legacyPath)
}

// List retrieves all file metadata, newest first. Rows that cannot be
// scanned or normalized are logged and skipped.
func (r *Repository) List(ctx context.Context) ([]*files.File, error) {
	query := `SELECT ` + selectColumns + ` FROM files ORDER BY uploaded_at DESC, id ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var fileList []*files.File
	for rows.Next() {
		file, legacyPath, err := scanFile(rows)
		if err != nil {
			slog.Warn("Skipping unreadable metadata record", "error", err)
			continue
		}
		normalized, err := metastore.Normalize(r.root, file, legacyPath)
		if err != nil {
			slog.Warn("Skipping unreadable metadata record", "record", file.ID, "error", err)
			continue
		}
		fileList = append(fileList, normalized)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file rows: %w", err)
	}

	return fileList, nil
}

// Delete removes file metadata by ID
func (r *Repository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM files WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return files.ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*files.File, string, error) {
	var file files.File
	var backend string
	var path, relativePath, url, handle sql.NullString
	err := row.Scan(
		&file.ID,
		&file.OriginalName,
		&file.StoredName,
		&file.Size,
		&file.MimeType,
		&backend,
		&file.UploadedAt,
		&path,
		&relativePath,
		&url,
		&handle,
	)
	if err != nil {
		return nil, "", err
	}

	file.Backend = files.Kind(backend)
	file.UploadedAt = file.UploadedAt.UTC()
	file.Locator = files.Locator{
		Path:   relativePath.String,
		URL:    url.String,
		Handle: handle.String,
	}
	return &file, path.String, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
