package ota

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/device-agent/interfaces"
)

// S3Config locates an S3 or S3-compatible object store.
type S3Config struct {
	Region   string
	Endpoint string
	// Without credentials only public objects can be read.
	AccessKey string
	SecretKey string
	// PathStyle addresses buckets as endpoint/bucket instead of bucket.endpoint.
	PathStyle bool
}

// S3Source reads firmware images from s3://bucket/key URLs.
type S3Source struct {
	client *s3.S3
	log    *slog.Logger
}

var _ interfaces.FirmwareSource = (*S3Source)(nil)

func NewS3Source(cfg S3Config, log *slog.Logger) (*S3Source, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg := aws.Config{
		Region:                        aws.String(cfg.Region),
		S3ForcePathStyle:              aws.Bool(cfg.PathStyle),
		S3DisableContentMD5Validation: aws.Bool(true),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		log.Debug("No S3 credentials provided, firmware bucket assumed to be public")
		awsCfg.Credentials = credentials.AnonymousCredentials
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Source{client: s3.New(sess), log: log}, nil
}

func (s *S3Source) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, 0, &interfaces.DataError{Reason: "invalid S3 URL " + rawURL, Err: err}
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, 0, &interfaces.DataError{Reason: "S3 URL without object key: " + rawURL}
	}

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == s3.ErrCodeNoSuchBucket) {
			return nil, 0, &interfaces.DataError{Reason: fmt.Sprintf("firmware object s3://%s/%s not found", bucket, key), Err: err}
		}
		return nil, 0, &interfaces.NetworkError{Op: "get firmware object", Err: err}
	}

	size := int64(-1)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}

	s.log.Info("Opened firmware object",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Int64("size", size))
	return result.Body, size, nil
}
