package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds object storage settings for MinIO.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
	// Bucket is the default artifact bucket.
	Bucket string `yaml:"bucket"`
}

func (c MinIOConfig) validate() error {
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("minio endpoint is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return fmt.Errorf("minio credentials are required")
	}
	return nil
}

// MinIOStorage reads artifacts from a MinIO or S3 compatible store.
type MinIOStorage struct {
	core *minio.Core
}

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOStorage{core: core}, nil
}

// OpenObject starts a download. The object metadata comes from the same
// response, so no separate stat call is made.
func (s *MinIOStorage) OpenObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, ObjectStat, error) {
	body, info, _, err := s.core.GetObject(ctx, bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectStat{}, classifyMinIOError(bucket, objectKey, err)
	}
	stat := ObjectStat{SizeBytes: info.Size, ETag: info.ETag, ContentType: info.ContentType}
	return body, stat, nil
}

func classifyMinIOError(bucket, objectKey string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.Code == "NoSuchKey", resp.Code == "NoSuchBucket":
		return fmt.Errorf("%s/%s: %w", bucket, objectKey, ErrObjectNotFound)
	default:
		return fmt.Errorf("open %s/%s: %w", bucket, objectKey, err)
	}
}
