package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/edgegate/edgegate/internal/config"
)

// S3 stores blobs in an object bucket under artifacts/<sha256>.
// Storage URLs take the form s3://<bucket>/artifacts/<sha256>.
type S3 struct {
	client *s3.Client
	bucket string
}

var _ Backend = (*S3)(nil)

// NewS3 builds the backend from storage configuration. Static keys are
// optional; without them the default credential chain applies.
func NewS3(ctx context.Context, cfg config.StorageConfig) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
		o.UsePathStyle = cfg.S3PathStyle
	})

	return &S3{client: client, bucket: cfg.S3Bucket}, nil
}

func s3Key(sha256 string) string {
	return "artifacts/" + sha256
}

// Put uploads the blob; the key is a pure function of the hash, so
// repeated uploads of identical bytes are idempotent.
func (s *S3) Put(ctx context.Context, sha256 string, data []byte) (string, error) {
	key := s3Key(sha256)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get downloads a blob from an s3:// URL.
func (s *S3) Get(ctx context.Context, storageURL string) ([]byte, error) {
	rest, ok := strings.CutPrefix(storageURL, "s3://")
	if !ok {
		return nil, fmt.Errorf("not an s3 URL: %s", storageURL)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("malformed s3 URL: %s", storageURL)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body: %w", err)
	}
	return data, nil
}
