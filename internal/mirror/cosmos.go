package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/driftstore/driftstore/internal/config"
)

// Cosmos mirrors the index into an Azure Cosmos DB container. Bucket
// documents share the "bucket" partition; object documents are partitioned
// by bucket name so a bucket's rows can be dropped with one in-partition
// query. Object keys are base64-encoded in document IDs because Cosmos
// forbids slashes there.
type Cosmos struct {
	client *azcosmos.ContainerClient
}

// NewCosmos builds a container client from the configured endpoint and key.
func NewCosmos(cfg config.CosmosMirror) (*Cosmos, error) {
	if cfg.Endpoint == "" || cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos endpoint and master key are required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}

	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	dbClient, err := client.NewDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("getting database client: %w", err)
	}
	containerClient, err := dbClient.NewContainer(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return &Cosmos{client: containerClient}, nil
}

type cosmosItem struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Name         string `json:"name,omitempty"`
	Bucket       string `json:"bucket,omitempty"`
	Key          string `json:"key,omitempty"`
	Size         int64  `json:"size,omitempty"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
}

func cosmosNotFound(err error) bool {
	return err != nil &&
		(strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404"))
}

// Ping checks connectivity by reading the container properties.
func (s *Cosmos) Ping(ctx context.Context) error {
	_, err := s.client.Read(ctx, nil)
	return err
}

func (s *Cosmos) Close() error { return nil }

// RecordPut creates or replaces the index document for an object.
func (s *Cosmos) RecordPut(ctx context.Context, bucket, key string, size int64, etag string, modified time.Time) error {
	item := cosmosItem{
		ID:           "object_" + encodeKey(key),
		Type:         "object",
		Bucket:       bucket,
		Key:          key,
		Size:         size,
		ETag:         etag,
		LastModified: modified.UTC().Format(timeFormat),
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling object item: %w", err)
	}

	_, err = s.client.UpsertItem(ctx, azcosmos.NewPartitionKeyString(bucket), data, nil)
	if err != nil {
		return fmt.Errorf("recording put %q/%q: %w", bucket, key, err)
	}
	return nil
}

// RecordDelete removes the index document for an object.
func (s *Cosmos) RecordDelete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString(bucket), "object_"+encodeKey(key), nil)
	if err != nil && !cosmosNotFound(err) {
		return fmt.Errorf("recording delete %q/%q: %w", bucket, key, err)
	}
	return nil
}

// RecordBucket creates or replaces the index document for a bucket.
func (s *Cosmos) RecordBucket(ctx context.Context, bucket string, created time.Time) error {
	item := cosmosItem{
		ID:        "bucket_" + bucket,
		Type:      "bucket",
		Name:      bucket,
		CreatedAt: created.UTC().Format(timeFormat),
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling bucket item: %w", err)
	}

	_, err = s.client.UpsertItem(ctx, azcosmos.NewPartitionKeyString("bucket"), data, nil)
	if err != nil {
		return fmt.Errorf("recording bucket %q: %w", bucket, err)
	}
	return nil
}

// DropBucket removes the bucket document and any object documents left in
// the bucket's partition.
func (s *Cosmos) DropBucket(ctx context.Context, bucket string) error {
	_, err := s.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString("bucket"), "bucket_"+bucket, nil)
	if err != nil && !cosmosNotFound(err) {
		return fmt.Errorf("dropping bucket %q: %w", bucket, err)
	}

	pager := s.client.NewQueryItemsPager(
		"SELECT c.id FROM c WHERE c.type = 'object'",
		azcosmos.NewPartitionKeyString(bucket),
		nil,
	)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing objects of %q: %w", bucket, err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			_, err := s.client.DeleteItem(ctx, azcosmos.NewPartitionKeyString(bucket), item.ID, nil)
			if err != nil && !cosmosNotFound(err) {
				return fmt.Errorf("dropping objects of %q: %w", bucket, err)
			}
		}
	}
	return nil
}
