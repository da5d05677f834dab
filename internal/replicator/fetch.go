package replicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ErrObjectMissing reports that the source node no longer has the object.
var ErrObjectMissing = errors.New("replicator: object missing at source")

// FetchedObject is an object retrieved from a source node.
type FetchedObject struct {
	Body         io.ReadCloser
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// ObjectFetcher retrieves object bytes from the node that wrote a PUT
// record. Implementations return ErrObjectMissing when the object is gone
// at the source.
type ObjectFetcher interface {
	Fetch(ctx context.Context, nodeID, bucket, key string) (FetchedObject, error)
}

// s3GetAPI is the subset of the S3 client interface the fetcher uses.
// This allows mocking in tests.
type s3GetAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads objects from peer nodes over their S3 surface with
// the cluster credential pair and path-style addressing.
type S3Fetcher struct {
	clients map[string]s3GetAPI
}

// NewS3Fetcher builds one client per cluster node. addrs maps node IDs to
// host:port endpoints; a bare host:port gets an http scheme.
func NewS3Fetcher(ctx context.Context, addrs map[string]string, accessKey, secretKey, region string) (*S3Fetcher, error) {
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("replicator: loading aws config: %w", err)
	}

	clients := make(map[string]s3GetAPI, len(addrs))
	for id, addr := range addrs {
		endpoint := addr
		if !strings.Contains(endpoint, "://") {
			endpoint = "http://" + endpoint
		}
		clients[id] = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3Fetcher{clients: clients}, nil
}

// newS3FetcherWithClients builds a fetcher around pre-configured clients.
// Used in tests with mocks.
func newS3FetcherWithClients(clients map[string]s3GetAPI) *S3Fetcher {
	return &S3Fetcher{clients: clients}
}

// Fetch downloads one object from the named node.
func (f *S3Fetcher) Fetch(ctx context.Context, nodeID, bucket, key string) (FetchedObject, error) {
	client, ok := f.clients[nodeID]
	if !ok {
		return FetchedObject{}, fmt.Errorf("replicator: no endpoint for node %q", nodeID)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return FetchedObject{}, ErrObjectMissing
		}
		return FetchedObject{}, fmt.Errorf("fetching %s/%s from %s: %w", bucket, key, nodeID, err)
	}

	obj := FetchedObject{
		Body:        out.Body,
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}
	if out.ContentLength != nil {
		obj.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		obj.LastModified = out.LastModified.UTC()
	}
	return obj, nil
}

// isNotFound checks if an S3 error is a 404/NoSuchKey/NoSuchBucket error.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound", "404":
			return true
		}
	}
	return false
}
