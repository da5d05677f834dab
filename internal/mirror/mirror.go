// Package mirror maintains a queryable index of the replicated object
// space. The replicator daemon feeds it one entry per applied WAL record;
// operators point dashboards and ad-hoc queries at the backend instead of
// walking the storage tree. Mirror failures never block replication.
package mirror

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/driftstore/driftstore/internal/config"
)

// Store is the write-side contract every mirror backend implements.
// Implementations must be safe for concurrent use.
type Store interface {
	io.Closer

	// Ping checks connectivity to the backend.
	Ping(ctx context.Context) error

	// RecordPut creates or replaces the index row for an object.
	RecordPut(ctx context.Context, bucket, key string, size int64, etag string, modified time.Time) error

	// RecordDelete removes the index row for an object. Deleting a row
	// that does not exist is not an error.
	RecordDelete(ctx context.Context, bucket, key string) error

	// RecordBucket creates or replaces the index row for a bucket.
	RecordBucket(ctx context.Context, bucket string, created time.Time) error

	// DropBucket removes the bucket row and any object rows left under it.
	DropBucket(ctx context.Context, bucket string) error
}

// Exporter is implemented by backends that can dump their contents to a
// portable document.
type Exporter interface {
	Export(ctx context.Context) (*Dump, error)
}

// Importer is implemented by backends that can load a previously exported
// document.
type Importer interface {
	Import(ctx context.Context, dump *Dump, replace bool) (*ImportResult, error)
}

// Open constructs the backend selected by cfg.Backend. The SQLite backend
// defaults its database file to mirror.db under stateDir when no path is
// configured. Backend "none" (or empty) returns a no-op store.
func Open(ctx context.Context, cfg config.MirrorConfig, stateDir string) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return Noop{}, nil
	case "sqlite":
		path := cfg.SQLite.Path
		if path == "" {
			path = filepath.Join(stateDir, "mirror.db")
		}
		return NewSQLite(path)
	case "dynamodb":
		return NewDynamoDB(ctx, cfg.DynamoDB)
	case "firestore":
		return NewFirestore(ctx, cfg.Firestore)
	case "cosmos":
		return NewCosmos(cfg.Cosmos)
	default:
		return nil, fmt.Errorf("unknown mirror backend %q", cfg.Backend)
	}
}

// Noop discards every entry. It backs the "none" configuration so callers
// never have to nil-check the store.
type Noop struct{}

func (Noop) Ping(ctx context.Context) error { return nil }

func (Noop) RecordPut(ctx context.Context, bucket, key string, size int64, etag string, modified time.Time) error {
	return nil
}

func (Noop) RecordDelete(ctx context.Context, bucket, key string) error { return nil }

func (Noop) RecordBucket(ctx context.Context, bucket string, created time.Time) error { return nil }

func (Noop) DropBucket(ctx context.Context, bucket string) error { return nil }

func (Noop) Close() error { return nil }
