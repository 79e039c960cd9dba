// Package assets stores uploaded documents and captured snapshot PDFs in an
// S3-compatible object store. Database rows in file_assets carry the
// metadata; this package only handles the bytes.
package assets

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store is the object storage surface the rest of the app uses.
type Store interface {
	Upload(ctx context.Context, assetID, fileName string, size int64, contentType string, data io.Reader) (string, error)
	Download(ctx context.Context, storagePath string) (io.ReadCloser, error)
	Delete(ctx context.Context, storagePath string) error
}

// MinioStore implements Store against MinIO or any S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the object store and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &MinioStore{client: client, bucket: bucket}, nil
}

// Upload stores the object and returns the storage path recorded in file_assets.
func (s *MinioStore) Upload(ctx context.Context, assetID, fileName string, size int64, contentType string, data io.Reader) (string, error) {
	storagePath := objectPath(assetID, fileName)
	if contentType == "" {
		contentType = contentTypeForName(fileName)
	}

	_, err := s.client.PutObject(ctx, s.bucket, storagePath, data, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload object %s: %w", storagePath, err)
	}
	return storagePath, nil
}

// Download returns a reader for the stored object. The caller closes it.
func (s *MinioStore) Download(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, storagePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download object %s: %w", storagePath, err)
	}
	return object, nil
}

// Delete removes the stored object.
func (s *MinioStore) Delete(ctx context.Context, storagePath string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, storagePath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %s: %w", storagePath, err)
	}
	return nil
}

// objectPath shards objects by asset id prefix so listings stay manageable.
func objectPath(assetID, fileName string) string {
	name := strings.ReplaceAll(fileName, " ", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	shard := assetID
	if len(shard) > 6 {
		shard = shard[len(shard)-2:]
	}
	return fmt.Sprintf("%s/%s_%s", shard, assetID, name)
}

func contentTypeForName(fileName string) string {
	switch filepath.Ext(fileName) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}
