package mirror

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/driftstore/driftstore/internal/config"
)

// DynamoDB mirrors the index into a single DynamoDB table using the
// pk/sk pattern: buckets live under BUCKET#<name> and objects under
// OBJECT#<bucket> so a bucket's rows can be dropped with one query.
type DynamoDB struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoDB builds a client for the configured table. An endpoint
// override points it at DynamoDB Local or a compatible emulator.
func NewDynamoDB(ctx context.Context, cfg config.DynamoDBMirror) (*DynamoDB, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &DynamoDB{
		client: dynamodb.NewFromConfig(awsCfg),
		table:  cfg.Table,
	}, nil
}

func pkBucket(bucket string) string { return "BUCKET#" + bucket }
func pkObject(bucket string) string { return "OBJECT#" + bucket }
func skKey(key string) string       { return "KEY#" + key }

const skMetadata = "#METADATA"

// Ping checks connectivity by describing the table.
func (s *DynamoDB) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	return err
}

func (s *DynamoDB) Close() error { return nil }

// RecordPut creates or replaces the index row for an object.
func (s *DynamoDB) RecordPut(ctx context.Context, bucket, key string, size int64, etag string, modified time.Time) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"pk":            &types.AttributeValueMemberS{Value: pkObject(bucket)},
			"sk":            &types.AttributeValueMemberS{Value: skKey(key)},
			"type":          &types.AttributeValueMemberS{Value: "object"},
			"bucket":        &types.AttributeValueMemberS{Value: bucket},
			"key":           &types.AttributeValueMemberS{Value: key},
			"size":          &types.AttributeValueMemberN{Value: strconv.FormatInt(size, 10)},
			"etag":          &types.AttributeValueMemberS{Value: etag},
			"last_modified": &types.AttributeValueMemberS{Value: modified.UTC().Format(timeFormat)},
		},
	})
	if err != nil {
		return fmt.Errorf("recording put %q/%q: %w", bucket, key, err)
	}
	return nil
}

// RecordDelete removes the index row for an object.
func (s *DynamoDB) RecordDelete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pkObject(bucket)},
			"sk": &types.AttributeValueMemberS{Value: skKey(key)},
		},
	})
	if err != nil {
		return fmt.Errorf("recording delete %q/%q: %w", bucket, key, err)
	}
	return nil
}

// RecordBucket creates or replaces the index row for a bucket.
func (s *DynamoDB) RecordBucket(ctx context.Context, bucket string, created time.Time) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: pkBucket(bucket)},
			"sk":         &types.AttributeValueMemberS{Value: skMetadata},
			"type":       &types.AttributeValueMemberS{Value: "bucket"},
			"name":       &types.AttributeValueMemberS{Value: bucket},
			"created_at": &types.AttributeValueMemberS{Value: created.UTC().Format(timeFormat)},
		},
	})
	if err != nil {
		return fmt.Errorf("recording bucket %q: %w", bucket, err)
	}
	return nil
}

// DropBucket removes the bucket row, then pages through the bucket's
// object partition deleting whatever rows remain.
func (s *DynamoDB) DropBucket(ctx context.Context, bucket string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pkBucket(bucket)},
			"sk": &types.AttributeValueMemberS{Value: skMetadata},
		},
	})
	if err != nil {
		return fmt.Errorf("dropping bucket %q: %w", bucket, err)
	}

	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pkObject(bucket)},
			},
			ProjectionExpression: aws.String("pk, sk"),
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return fmt.Errorf("listing objects of %q: %w", bucket, err)
		}

		for _, item := range resp.Items {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.table),
				Key: map[string]types.AttributeValue{
					"pk": item["pk"],
					"sk": item["sk"],
				},
			})
			if err != nil {
				return fmt.Errorf("dropping objects of %q: %w", bucket, err)
			}
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	return nil
}
