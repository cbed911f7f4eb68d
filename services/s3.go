package services

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"mediaconv/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

// S3Store writes objects to an S3 compatible bucket.
type S3Store struct {
	client       s3iface.S3API
	uploader     s3manageriface.UploaderAPI
	bucket       string
	region       string
	endpoint     string
	usePathStyle bool
}

func NewS3Store(cfg config.StorageConfig) (*S3Store, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// Without static keys the SDK's default chain (env, profile, role) applies.
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}

	if cfg.UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	client := s3.New(sess)
	return &S3Store{
		client:       client,
		uploader:     s3manager.NewUploaderWithClient(client),
		bucket:       cfg.Bucket,
		region:       cfg.Region,
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		usePathStyle: cfg.UsePathStyle,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// URL follows the custom endpoint when one is configured (MinIO, R2,
// LocalStack), otherwise the virtual-hosted AWS form.
func (s *S3Store) URL(key string) string {
	escaped := escapeKey(key)
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, escaped)
	}
	if s.usePathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.region, s.bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, escaped)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
