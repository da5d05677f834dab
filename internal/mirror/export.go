package mirror

import (
	"context"
	"fmt"
	"time"
)

// ExportVersion is the current dump document version.
const ExportVersion = 1

var (
	_ Exporter = (*SQLite)(nil)
	_ Importer = (*SQLite)(nil)
)

// Dump is the portable form of a mirror index. Rows are ordered so that
// equal indexes produce byte-identical documents.
type Dump struct {
	Export  ExportInfo  `json:"driftstore_export"`
	Buckets []BucketRow `json:"buckets"`
	Objects []ObjectRow `json:"objects"`
}

// ExportInfo describes the dump's provenance.
type ExportInfo struct {
	Version       int    `json:"version"`
	ExportedAt    string `json:"exported_at"`
	SchemaVersion int    `json:"schema_version"`
}

// BucketRow is one indexed bucket.
type BucketRow struct {
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// ObjectRow is one indexed object.
type ObjectRow struct {
	Bucket       string `json:"bucket"`
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
}

// ImportResult reports what an import inserted and what it skipped.
type ImportResult struct {
	Buckets int
	Objects int
	Skipped int
}

// Export dumps every bucket and object row.
func (s *SQLite) Export(ctx context.Context) (*Dump, error) {
	dump := &Dump{
		Export: ExportInfo{
			Version:       ExportVersion,
			ExportedAt:    time.Now().UTC().Format(timeFormat),
			SchemaVersion: s.schemaVersion(ctx),
		},
		Buckets: make([]BucketRow, 0),
		Objects: make([]ObjectRow, 0),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, created_at FROM buckets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying buckets: %w", err)
	}
	for rows.Next() {
		var b BucketRow
		if err := rows.Scan(&b.Name, &b.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		dump.Buckets = append(dump.Buckets, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating buckets: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT bucket, key, size, etag, last_modified FROM objects ORDER BY bucket, key`)
	if err != nil {
		return nil, fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o ObjectRow
		if err := rows.Scan(&o.Bucket, &o.Key, &o.Size, &o.ETag, &o.LastModified); err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}
		dump.Objects = append(dump.Objects, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating objects: %w", err)
	}

	return dump, nil
}

// Import loads a dump into the index. With replace set, existing rows are
// wiped first; otherwise rows already present are kept and counted as
// skipped.
func (s *SQLite) Import(ctx context.Context, dump *Dump, replace bool) (*ImportResult, error) {
	if dump.Export.Version < 1 || dump.Export.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %d", dump.Export.Version)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if replace {
		if _, err := tx.ExecContext(ctx, `DELETE FROM objects`); err != nil {
			return nil, fmt.Errorf("clearing objects: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM buckets`); err != nil {
			return nil, fmt.Errorf("clearing buckets: %w", err)
		}
	}

	verb := `INSERT OR IGNORE`
	if replace {
		verb = `INSERT`
	}

	result := &ImportResult{}
	for _, b := range dump.Buckets {
		res, err := tx.ExecContext(ctx,
			verb+` INTO buckets (name, created_at) VALUES (?, ?)`,
			b.Name, b.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("importing bucket %q: %w", b.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Buckets++
		} else {
			result.Skipped++
		}
	}
	for _, o := range dump.Objects {
		res, err := tx.ExecContext(ctx,
			verb+` INTO objects (bucket, key, size, etag, last_modified) VALUES (?, ?, ?, ?, ?)`,
			o.Bucket, o.Key, o.Size, o.ETag, o.LastModified,
		)
		if err != nil {
			return nil, fmt.Errorf("importing object %q/%q: %w", o.Bucket, o.Key, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.Objects++
		} else {
			result.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

func (s *SQLite) schemaVersion(ctx context.Context) int {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err != nil {
		return 1
	}
	return version
}
