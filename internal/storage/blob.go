package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BlobStore stores the raw bytes of a document, addressed by doc_id.
// Writes are idempotent overwrites.
type BlobStore interface {
	Put(ctx context.Context, docID string, data []byte, contentType string) error
	Get(ctx context.Context, docID string) ([]byte, error)
	Delete(ctx context.Context, docID string) error
	Exists(ctx context.Context, docID string) (bool, error)
}

// blobKey maps a doc_id URN to a storage key. The URN colon separators
// become path separators so keys shard by namespace.
func blobKey(docID string) string {
	return strings.ReplaceAll(docID, ":", "/")
}

// S3BlobStore stores blobs in an S3 bucket.
type S3BlobStore struct {
	client *s3.Client
	bucket string
}

// S3BlobConfig holds S3 blob store settings.
type S3BlobConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3BlobStore creates an S3-backed blob store.
func NewS3BlobStore(ctx context.Context, cfg S3BlobConfig) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads a blob, overwriting any existing object.
func (s *S3BlobStore) Put(ctx context.Context, docID string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(blobKey(docID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", docID, err)
	}
	return nil
}

// Get downloads a blob.
func (s *S3BlobStore) Get(ctx context.Context, docID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(docID)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", docID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", docID, err)
	}
	return data, nil
}

// Delete removes a blob. Deleting a missing object is not an error.
func (s *S3BlobStore) Delete(ctx context.Context, docID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(docID)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", docID, err)
	}
	return nil
}

// Exists reports whether a blob is present.
func (s *S3BlobStore) Exists(ctx context.Context, docID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(blobKey(docID)),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", docID, err)
	}
	return true, nil
}

// LocalBlobStore stores blobs on the local filesystem for development.
// Content types ride alongside the data in a sidecar file.
type LocalBlobStore struct {
	dir string
}

// NewLocalBlobStore creates a filesystem-backed blob store rooted at dir.
func NewLocalBlobStore(dir string) (*LocalBlobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &LocalBlobStore{dir: dir}, nil
}

func (l *LocalBlobStore) path(docID string) string {
	return filepath.Join(l.dir, filepath.FromSlash(blobKey(docID)))
}

// Put writes a blob, overwriting any existing file.
func (l *LocalBlobStore) Put(ctx context.Context, docID string, data []byte, contentType string) error {
	path := l.path(docID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob subdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", docID, err)
	}
	if err := os.WriteFile(path+".ctype", []byte(contentType), 0o644); err != nil {
		return fmt.Errorf("write blob content type %s: %w", docID, err)
	}
	return nil
}

// Get reads a blob.
func (l *LocalBlobStore) Get(ctx context.Context, docID string) ([]byte, error) {
	data, err := os.ReadFile(l.path(docID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", docID, err)
	}
	return data, nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (l *LocalBlobStore) Delete(ctx context.Context, docID string) error {
	path := l.path(docID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", docID, err)
	}
	if err := os.Remove(path + ".ctype"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob content type %s: %w", docID, err)
	}
	return nil
}

// Exists reports whether a blob is present.
func (l *LocalBlobStore) Exists(ctx context.Context, docID string) (bool, error) {
	_, err := os.Stat(l.path(docID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var (
	_ BlobStore = (*S3BlobStore)(nil)
	_ BlobStore = (*LocalBlobStore)(nil)
)
