package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// Config contains the settings required to talk to a MinIO or S3 compatible endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Service archives judging run output in object storage.
type Service struct {
	core   *minio.Core
	bucket string
	logger zerolog.Logger
}

// New constructs an object storage service. No request is made until the first upload.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage endpoint and bucket must be provided")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("object storage credentials must be provided")
	}

	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object storage: %w", err)
	}

	return &Service{
		core:   core,
		bucket: cfg.Bucket,
		logger: logger.With().Str("component", "objectstore").Logger(),
	}, nil
}

// Put uploads data under key and returns the reference stored on the run.
func (s *Service) Put(ctx context.Context, key string, data []byte) (string, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}

	opts := minio.PutObjectOptions{ContentType: ContentType(data)}
	if _, err := s.core.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), "", "", opts); err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}

	s.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("run output archived")
	return Reference(s.bucket, key), nil
}

// ContentType sniffs the media type of run output. Empty output is plain text.
func ContentType(data []byte) string {
	if len(data) == 0 {
		return "text/plain; charset=utf-8"
	}
	return mimetype.Detect(data).String()
}

// Reference formats the location of an archived object.
func Reference(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.Trim(key, "/"))
}
