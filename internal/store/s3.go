package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds connection settings for an S3-compatible endpoint such as MinIO.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// S3 stores objects in an S3-compatible service.
type S3 struct {
	client *minio.Client
}

// NewS3 creates an S3 backend. No network call is made until first use.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3{client: client}, nil
}

// EnsureBucket creates bucket when it does not exist yet.
func (s *S3) EnsureBucket(ctx context.Context, bucket string) error {
	ok, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %q: %w", bucket, err)
	}
	return nil
}

// Exists reports whether key exists in bucket via StatObject.
func (s *S3) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, err
}

// Put uploads r. size may be -1 when unknown; the client then uses multipart upload.
func (s *S3) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) (PutResult, error) {
	info, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: ContentType(key),
	})
	if err != nil {
		return PutResult{}, err
	}
	return PutResult{ETag: info.ETag, Size: info.Size}, nil
}

// Get opens key for streaming. minio's GetObject is lazy, so Stat is called
// up front to surface a missing key as ErrNotFound before any bytes are sent.
func (s *S3) Get(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, s3Err(bucket, key, err)
	}
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, ObjectInfo{}, s3Err(bucket, key, err)
	}
	return obj, ObjectInfo{Key: key, Size: st.Size, LastModified: st.LastModified}, nil
}

// Remove deletes key. S3 treats removal of a missing key as success.
func (s *S3) Remove(ctx context.Context, bucket, key string) error {
	return s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

// List returns every object in bucket.
func (s *S3) List(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list bucket %q: %w", bucket, obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

// Ping lists buckets to confirm the endpoint and credentials work.
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.ListBuckets(ctx)
	return err
}

func s3Err(bucket, key string, err error) error {
	if isS3NotFound(err) {
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return err
}

func isS3NotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}
