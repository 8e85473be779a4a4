package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/config"
)

const (
	// Part size for multipart uploads (10MB)
	DefaultPartSize = 10 * 1024 * 1024

	// Threads used per multipart upload
	DefaultUploadThreads = 4
)

// MinioBackend talks to MinIO or any S3-compatible endpoint through minio-go
type MinioBackend struct {
	client *minio.Client
	region string
}

// NewMinioBackend creates a new minio client. The endpoint may be a URL
// (http://minio:9000) or a bare host:port.
func NewMinioBackend(cfg config.StorageConfig) (*MinioBackend, error) {
	endpoint, secure, err := minioEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &MinioBackend{client: client, region: cfg.Region}, nil
}

// Name identifies the backend in errors
func (b *MinioBackend) Name() string { return "minio" }

// EnsureBucket creates the bucket when missing
func (b *MinioBackend) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := b.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := b.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: b.region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Exists stats an object
func (b *MinioBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMinioNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object: %w", err)
}

// DownloadFile downloads an object to the local filesystem
func (b *MinioBackend) DownloadFile(ctx context.Context, bucket, key, filePath string) (int64, error) {
	if err := b.client.FGetObject(ctx, bucket, key, filePath, minio.GetObjectOptions{}); err != nil {
		if isMinioNotFound(err) {
			return 0, notFound(b.Name(), bucket, key, err)
		}
		return 0, fmt.Errorf("failed to download file: %w", err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat downloaded file: %w", err)
	}
	return info.Size(), nil
}

// UploadFile uploads a file from the local filesystem
func (b *MinioBackend) UploadFile(ctx context.Context, bucket, key, filePath, contentType string) (int64, error) {
	info, err := b.client.FPutObject(ctx, bucket, key, filePath, minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    DefaultPartSize,
		NumThreads:  DefaultUploadThreads,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload file: %w", err)
	}
	return info.Size, nil
}

// isMinioNotFound inspects the structured error code, never the message
func isMinioNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	default:
		return false
	}
}

// minioEndpoint turns a URL into the host:port form minio-go expects
func minioEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		if endpoint == "" {
			return "", false, fmt.Errorf("storage endpoint is empty")
		}
		return endpoint, useSSL, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid storage endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid storage endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme == "https" || useSSL, nil
}
