package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures the MinIO backend.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinIOBackend stores blobs in a MinIO bucket.
type MinIOBackend struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinIOBackend creates the client and makes sure the bucket exists.
func NewMinIOBackend(ctx context.Context, cfg MinIOConfig) (*MinIOBackend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	b := &MinIOBackend{client: client, bucket: cfg.Bucket, region: cfg.Region}
	if err := b.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MinIOBackend) ensureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Name implements Backend.
func (b *MinIOBackend) Name() string { return "minio" }

// Put uploads data as an opaque octet stream.
func (b *MinIOBackend) Put(ctx context.Context, key string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if _, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Get downloads the object stored under key.
func (b *MinIOBackend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, b.translate(err, "get object")
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, b.translate(err, "read object")
	}
	return data, nil
}

// Delete removes the object. Missing objects are not an error.
func (b *MinIOBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// Exists stats the object.
func (b *MinIOBackend) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isMinIONotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

func (b *MinIOBackend) translate(err error, op string) error {
	if isMinIONotFound(err) {
		return ErrObjectNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isMinIONotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
