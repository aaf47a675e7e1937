// Package blob stores raw uploaded document bytes in an S3-compatible object store,
// laid out one object per document under its owning tenant's prefix.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// Store wraps an S3 client scoped to a single bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// Config configures the S3 client.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // non-empty for S3-compatible services (minio, R2, etc.)
}

// New creates a Store from cfg, resolving credentials from the standard AWS
// credential chain (env vars, shared config, instance profile).
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// objectKey lays out objects as <tenant_id>/<document_id>, matching the vector
// store's tenant-scoped namespacing so both adapters agree on the tenant boundary.
func objectKey(tenantID, documentID uuid.UUID) string {
	return fmt.Sprintf("%s/%s", tenantID, documentID)
}

// Put uploads the raw document content, returning the stored object key.
func (s *Store) Put(ctx context.Context, tenantID, documentID uuid.UUID, contentType string, content []byte) (string, error) {
	key := objectKey(tenantID, documentID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}
	return key, nil
}

// Get retrieves the raw content for a document.
func (s *Store) Get(ctx context.Context, tenantID, documentID uuid.UUID) ([]byte, error) {
	key := objectKey(tenantID, documentID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Delete removes a document's stored content.
func (s *Store) Delete(ctx context.Context, tenantID, documentID uuid.UUID) error {
	key := objectKey(tenantID, documentID)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}
