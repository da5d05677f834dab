package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the ISO 8601 format used for all timestamps in the index.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLite is the default mirror backend: a single-file index suitable for
// single-node deployments and local inspection with the sqlite3 shell.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and initializes the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening mirror database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing mirror database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// Safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLite) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS buckets (
			name       TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS objects (
			bucket        TEXT NOT NULL,
			key           TEXT NOT NULL,
			size          INTEGER NOT NULL,
			etag          TEXT NOT NULL,
			last_modified TEXT NOT NULL,

			PRIMARY KEY (bucket, key)
		);

		CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database answers queries.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordPut creates or replaces the index row for an object.
func (s *SQLite) RecordPut(ctx context.Context, bucket, key string, size int64, etag string, modified time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (bucket, key, size, etag, last_modified)
		 VALUES (?, ?, ?, ?, ?)`,
		bucket, key, size, etag, modified.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording put %q/%q: %w", bucket, key, err)
	}
	return nil
}

// RecordDelete removes the index row for an object.
func (s *SQLite) RecordDelete(ctx context.Context, bucket, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	)
	if err != nil {
		return fmt.Errorf("recording delete %q/%q: %w", bucket, key, err)
	}
	return nil
}

// RecordBucket creates or replaces the index row for a bucket.
func (s *SQLite) RecordBucket(ctx context.Context, bucket string, created time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO buckets (name, created_at) VALUES (?, ?)`,
		bucket, created.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording bucket %q: %w", bucket, err)
	}
	return nil
}

// DropBucket removes the bucket row and any object rows left under it.
func (s *SQLite) DropBucket(ctx context.Context, bucket string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("dropping objects of %q: %w", bucket, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, bucket); err != nil {
		return fmt.Errorf("dropping bucket %q: %w", bucket, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// BucketStats returns the object count and total size indexed for a bucket.
func (s *SQLite) BucketStats(ctx context.Context, bucket string) (count int64, bytes int64, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM objects WHERE bucket = ?`,
		bucket,
	)
	if err := row.Scan(&count, &bytes); err != nil {
		return 0, 0, fmt.Errorf("reading stats for %q: %w", bucket, err)
	}
	return count, bytes, nil
}
