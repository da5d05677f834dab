package mirror

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/driftstore/driftstore/internal/config"
)

// Firestore mirrors the index into a single collection. Documents carry a
// type field ("bucket" or "object"); object keys are base64-encoded in
// document IDs because Firestore forbids slashes there.
type Firestore struct {
	client     *firestore.Client
	collection string
}

// NewFirestore builds a client for the configured project.
func NewFirestore(ctx context.Context, cfg config.FirestoreMirror) (*Firestore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := cfg.CollectionPrefix
	if collection == "" {
		collection = "driftstore"
	}

	return &Firestore{client: client, collection: collection}, nil
}

func encodeKey(key string) string {
	return base64.URLEncoding.EncodeToString([]byte(key))
}

func docIDBucket(bucket string) string {
	return "bucket_" + bucket
}

func docIDObject(bucket, key string) string {
	return "object_" + bucket + "_" + encodeKey(key)
}

func (s *Firestore) collectionRef() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// Ping checks connectivity with a one-document read.
func (s *Firestore) Ping(ctx context.Context) error {
	_, err := s.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (s *Firestore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// RecordPut creates or replaces the index document for an object.
func (s *Firestore) RecordPut(ctx context.Context, bucket, key string, size int64, etag string, modified time.Time) error {
	_, err := s.collectionRef().Doc(docIDObject(bucket, key)).Set(ctx, map[string]interface{}{
		"type":          "object",
		"bucket":        bucket,
		"key":           key,
		"size":          size,
		"etag":          etag,
		"last_modified": modified.UTC().Format(timeFormat),
	})
	if err != nil {
		return fmt.Errorf("recording put %q/%q: %w", bucket, key, err)
	}
	return nil
}

// RecordDelete removes the index document for an object.
func (s *Firestore) RecordDelete(ctx context.Context, bucket, key string) error {
	_, err := s.collectionRef().Doc(docIDObject(bucket, key)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("recording delete %q/%q: %w", bucket, key, err)
	}
	return nil
}

// RecordBucket creates or replaces the index document for a bucket.
func (s *Firestore) RecordBucket(ctx context.Context, bucket string, created time.Time) error {
	_, err := s.collectionRef().Doc(docIDBucket(bucket)).Set(ctx, map[string]interface{}{
		"type":       "bucket",
		"name":       bucket,
		"created_at": created.UTC().Format(timeFormat),
	})
	if err != nil {
		return fmt.Errorf("recording bucket %q: %w", bucket, err)
	}
	return nil
}

// DropBucket removes the bucket document and any object documents left
// under the bucket.
func (s *Firestore) DropBucket(ctx context.Context, bucket string) error {
	if _, err := s.collectionRef().Doc(docIDBucket(bucket)).Delete(ctx); err != nil {
		if status.Code(err) != codes.NotFound {
			return fmt.Errorf("dropping bucket %q: %w", bucket, err)
		}
	}

	iter := s.collectionRef().
		Where("type", "==", "object").
		Where("bucket", "==", bucket).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("listing objects of %q: %w", bucket, err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("dropping objects of %q: %w", bucket, err)
		}
	}
	return nil
}
