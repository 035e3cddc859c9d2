package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore keeps derivatives in a MinIO/S3 bucket for deployments
// where instances do not share a filesystem.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewMinioStore connects to MinIO and ensures the bucket exists. The
// bucket is expected to allow anonymous reads; URLs are built from the
// endpoint at write time.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return &MinioStore{
		client:  client,
		bucket:  bucket,
		baseURL: fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket),
	}, nil
}

// Place uploads the derivative file as an object.
func (m *MinioStore) Place(ctx context.Context, filename, srcPath string) (string, error) {
	key := "images/" + filename
	if _, err := m.client.FPutObject(ctx, m.bucket, key, srcPath, minio.PutObjectOptions{
		ContentType: "image/jpeg",
	}); err != nil {
		return "", fmt.Errorf("put derivative: %w", err)
	}
	return m.baseURL + "/" + key, nil
}

// Remove deletes the object the URL points at.
func (m *MinioStore) Remove(ctx context.Context, imageURL string) error {
	filename, ok := FilenameFromURL(imageURL)
	if !ok {
		return fmt.Errorf("no image filename in %q", imageURL)
	}
	if err := m.client.RemoveObject(ctx, m.bucket, "images/"+filename, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove derivative: %w", err)
	}
	return nil
}
