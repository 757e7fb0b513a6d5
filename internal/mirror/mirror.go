// Package mirror publishes finished bundles to S3-compatible object storage so
// other hosts can fetch boxes without rebuilding them.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"boxforge/internal/logging"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// Publisher uploads a bundle and returns where it ended up.
type Publisher interface {
	Publish(ctx context.Context, bundlePath, name string) (string, error)
}

// Config selects the bucket bundles are mirrored to.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3Mirror uploads bundles with the AWS SDK.
type S3Mirror struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror creates a mirror client. Static keys are used when given,
// otherwise the default AWS credential chain applies.
func NewS3Mirror(ctx context.Context, cfg Config) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("mirror bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Mirror{s3: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key returns the object key a bundle is stored under.
func (m *S3Mirror) Key(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Publish uploads the bundle at bundlePath as object name.
func (m *S3Mirror) Publish(ctx context.Context, bundlePath, name string) (string, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return "", fmt.Errorf("failed to open bundle: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat bundle: %w", err)
	}

	key := m.Key(name)
	logging.Logger().Info("Publishing bundle",
		zap.String("bucket", m.bucket),
		zap.String("key", key),
		zap.Int64("size_bytes", info.Size()))

	_, err = m.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		if isNoSuchBucket(err) {
			return "", fmt.Errorf("bucket %s does not exist: %w", m.bucket, err)
		}
		return "", fmt.Errorf("failed to upload %s to bucket %s: %w", key, m.bucket, err)
	}

	location := fmt.Sprintf("s3://%s/%s", m.bucket, key)
	logging.Logger().Info("Bundle published", zap.String("location", location))
	return location, nil
}

// isNoSuchBucket checks if the error is a missing-bucket error.
func isNoSuchBucket(err error) bool {
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}

	// S3-compatible services do not always return the SDK error types
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchBucket"
	}
	return false
}
