// Package storage provides the SQLite-backed record source.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/ivfsync/internal/models"
)

// SQLiteSource serves published records from a SQLite database.
type SQLiteSource struct {
	db   *sql.DB
	path string
}

// NewSQLiteSource opens or creates the database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteSource(dbPath string) (*SQLiteSource, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteSource{db: db, path: dbPath}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		fields TEXT,
		status TEXT NOT NULL DEFAULT 'Published',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
	`
	_, err := db.Exec(schema)
	return err
}

const selectRecords = `SELECT id, title, body, fields, status, created_at, updated_at FROM records`

// FetchAll returns every published record ordered by id.
func (s *SQLiteSource) FetchAll(ctx context.Context) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecords+` WHERE status = ? ORDER BY id`, models.StatusPublished)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// FetchWhereNotIn returns published records whose id is not in excluded, ordered by id.
func (s *SQLiteSource) FetchWhereNotIn(ctx context.Context, excluded *roaring64.Bitmap) ([]*models.Record, error) {
	ids := []uint64{}
	if excluded != nil {
		ids = excluded.ToArray()
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal excluded ids: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		selectRecords+` WHERE status = ? AND id NOT IN (SELECT value FROM json_each(?)) ORDER BY id`,
		models.StatusPublished, string(idsJSON))
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// PublishedIDs returns the ids of all published records.
func (s *SQLiteSource) PublishedIDs(ctx context.Context) (*roaring64.Bitmap, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM records WHERE status = ?`, models.StatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := roaring64.New()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id >= 0 {
			ids.Add(uint64(id))
		}
	}
	return ids, rows.Err()
}

// GetRecords returns the records with the given ids, keyed by id. Missing ids are
// absent from the map.
func (s *SQLiteSource) GetRecords(ctx context.Context, ids []int64) (map[int64]*models.Record, error) {
	out := make(map[int64]*models.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ids: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		selectRecords+` WHERE id IN (SELECT value FROM json_each(?))`, string(idsJSON))
	if err != nil {
		return nil, err
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		out[r.ID] = r
	}
	return out, nil
}

// UpsertRecords inserts records or replaces rows with the same id, in one transaction.
func (s *SQLiteSource) UpsertRecords(ctx context.Context, records []*models.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (id, title, body, fields, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title, body = excluded.body, fields = excluded.fields,
		   status = excluded.status, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		fieldsJSON, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields of record %d: %w", r.ID, err)
		}
		if r.Status == "" {
			r.Status = models.StatusPublished
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		if _, err := stmt.ExecContext(ctx, r.ID, r.Title, r.Body, string(fieldsJSON), r.Status, r.CreatedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert record %d: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// CountPublished returns the number of published records.
func (s *SQLiteSource) CountPublished(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE status = ?`, models.StatusPublished).Scan(&count)
	return count, err
}

// Path returns the database file path.
func (s *SQLiteSource) Path() string { return s.path }

// Close closes the database connection.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]*models.Record, error) {
	defer rows.Close()
	var records []*models.Record
	for rows.Next() {
		var r models.Record
		var fieldsJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.Title, &r.Body, &fieldsJSON, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" && fieldsJSON.String != "null" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &r.Fields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal fields of record %d: %w", r.ID, err)
			}
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
