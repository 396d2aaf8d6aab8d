package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bobarin/melovue/internal/models"
	"github.com/bobarin/melovue/internal/retry"
	"go.uber.org/zap"
)

// S3Config addresses any S3-compatible store. Endpoint is set for R2 or
// MinIO and left empty for AWS.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

// S3 implements Storage on aws-sdk-go-v2.
type S3 struct {
	fetcher
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	publicURL string
	endpoint  string
}

func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("s3 configuration incomplete")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger = logger.Named("storage.s3")
	return &S3{
		fetcher:   fetcher{client: newHTTPClient(), policy: DefaultPolicy, logger: logger},
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
	}, nil
}

// The SDK retries throttling and 5xx on its own; this outer loop covers
// connection failures that outlive its standard retryer.
func (c *S3) do(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	p := c.policy
	p.MaxAttempts = 2
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("retrying", zap.String("op", op), zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
	}
	return retry.Do(ctx, p, func(ctx context.Context, _ int) error {
		if err := fn(ctx); err != nil {
			return &models.ProviderError{Provider: "s3", Op: op, Transient: retry.RetryableNetError(err), Err: err}
		}
		return nil
	})
}

func (c *S3) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	err := c.do(ctx, "upload", key, func(ctx context.Context) error {
		_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (c *S3) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, "download", key, func(ctx context.Context) error {
		out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("object %s not found: %w", key, err)
		}
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return data, nil
}

func (c *S3) Delete(ctx context.Context, key string) error {
	err := c.do(ctx, "delete", key, func(ctx context.Context) error {
		_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// SignedURL generates a presigned GET URL for temporary access
func (c *S3) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}

// PublicURL returns the CDN URL for a key when one is configured, else the
// path-style endpoint URL.
func (c *S3) PublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	if c.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", c.bucket, key)
}
