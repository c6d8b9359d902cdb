// Package snapshot provides S3-compatible upload of database snapshots.
// When S3 is not configured (empty bucket), the NoopUploader is used and
// all upload operations are skipped, keeping the system in local-only mode.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/healthstack/fieldsync/internal/config"
)

// Uploader uploads database snapshots to off-site storage.
type Uploader interface {
	// Upload uploads the snapshot file at filePath.
	Upload(ctx context.Context, filePath string) error
}

// s3Client defines the minimal minio.Client operation used by S3Uploader.
// This interface enables testing with mock implementations.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	putOpts := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	}
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, putOpts)
	return err
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
}

// Upload uploads the snapshot file at filePath. The object key is rotated
// daily so a corrupted upload never clobbers the only good copy.
func (u *S3Uploader) Upload(ctx context.Context, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, objectKey(time.Now()), filePath); err != nil {
		return fmt.Errorf("upload snapshot to S3: %w", err)
	}
	return nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

// Upload is a no-op when S3 is not configured.
func (u *NoopUploader) Upload(ctx context.Context, filePath string) error {
	return nil
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.SnapshotStorageConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}

// objectKey returns the S3 object key for a snapshot taken at t.
func objectKey(t time.Time) string {
	return "fieldsync/snapshot/" + t.UTC().Format("2006-01-02") + ".db"
}
