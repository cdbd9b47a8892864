package history

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite history store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calculation_history (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		catalog_version TEXT NOT NULL DEFAULT '',
		request_hash TEXT NOT NULL DEFAULT '',
		contraindicated INTEGER NOT NULL DEFAULT 0,
		final_dose REAL NOT NULL DEFAULT 0,
		unit TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_history_item_id ON calculation_history(item_id);
	CREATE INDEX IF NOT EXISTS idx_history_request_hash ON calculation_history(request_hash);
	CREATE INDEX IF NOT EXISTS idx_history_created_at ON calculation_history(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

const selectColumns = `id, item_id, catalog_version, request_hash,
			contraindicated, final_dose, unit, source, result, created_at`

// Save inserts a calculation record.
func (s *SQLiteStore) Save(ctx context.Context, record *Record) error {
	if err := prepare(record); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calculation_history (
			id, item_id, catalog_version, request_hash,
			contraindicated, final_dose, unit, source, result, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.ItemID,
		record.CatalogVersion,
		record.RequestHash,
		record.Contraindicated,
		record.FinalDose,
		record.Unit,
		record.Source,
		string(record.Result),
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM calculation_history WHERE id = ? LIMIT 1", id)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return r, nil
}

// List returns records newest first, optionally restricted to one item.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	var (
		where strings.Builder
		args  []interface{}
	)
	if opts.ItemID != "" {
		where.WriteString("WHERE item_id = ? ")
		args = append(args, opts.ItemID)
	}
	args = append(args, opts.limit(), opts.Offset)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM calculation_history "+where.String()+
			"ORDER BY created_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Count returns the total number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calculation_history").Scan(&count)
	return count, err
}

// ExportJSON exports all records to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportAll(ctx, s, writer)
}

// ImportJSON imports records from a JSON reader.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return importAll(ctx, s, reader)
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
