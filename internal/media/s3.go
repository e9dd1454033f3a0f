// Package media stores media blobs in an S3-compatible object store.
// It implements cloud.MediaBackend; interpreting downloaded bytes
// according to their declared media type is the engine's job, the
// backend only moves raw payloads.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pagevault/pagevault/internal/cloud"
)

// S3Config configures the S3-compatible media backend.
type S3Config struct {
	// Endpoint is the S3 host, e.g. "s3.amazonaws.com" or a local
	// MinIO address.
	Endpoint string

	// AccessKey and SecretKey are the static credentials.
	AccessKey string
	SecretKey string

	// Bucket holds all media objects.
	Bucket string

	// Prefix is prepended to every media path (optional).
	Prefix string

	// UseSSL enables TLS to the endpoint.
	UseSSL bool
}

// S3Backend stores media blobs in an S3-compatible object store.
type S3Backend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Backend creates a media backend on an S3-compatible endpoint.
func NewS3Backend(config S3Config) (*S3Backend, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create media client: %w", err)
	}

	return &S3Backend{
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
	}, nil
}

func (b *S3Backend) key(mediaPath string) string {
	if b.prefix == "" {
		return mediaPath
	}
	return path.Join(b.prefix, mediaPath)
}

// Upload implements cloud.MediaBackend.
func (b *S3Backend) Upload(ctx context.Context, upload cloud.MediaUpload) error {
	payload, contentType, err := cloud.PrepareUpload(upload.Object, false, upload.ContentType)
	if err != nil {
		return err
	}

	opts := minio.PutObjectOptions{ContentType: contentType}
	if upload.DeviceID != "" {
		opts.UserMetadata = map[string]string{"device-id": upload.DeviceID}
	}

	_, err = b.client.PutObject(ctx, b.bucket, b.key(upload.Path),
		bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		return fmt.Errorf("failed to upload media object %s: %w", upload.Path, err)
	}
	return nil
}

// Download implements cloud.MediaBackend.
func (b *S3Backend) Download(ctx context.Context, mediaPath string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(mediaPath), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media object %s: %w", mediaPath, err)
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read media object %s: %w", mediaPath, err)
	}
	return data, nil
}
