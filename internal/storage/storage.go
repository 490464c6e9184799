// Package storage is the S3-compatible object store exposed to tasks as the
// "storage" service. Objects are written under a per-project prefix.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ErrNotConfigured is returned by New when any S3 setting is missing.
var ErrNotConfigured = errors.New("missing S3 configuration")

type Config struct {
	Endpoint    string `mapstructure:"endpoint"`
	AccessKeyID string `mapstructure:"access_key_id"`
	SecretKey   string `mapstructure:"secret_key"`
	Bucket      string `mapstructure:"bucket"`
	Region      string `mapstructure:"region"`
}

func (c Config) complete() bool {
	return c.Endpoint != "" && c.AccessKeyID != "" && c.SecretKey != "" && c.Bucket != ""
}

// ObjectAPI is the subset of the S3 client used here.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Storage struct {
	client   ObjectAPI
	bucket   string
	endpoint string
}

func New(ctx context.Context, c Config) (*Storage, error) {
	if !c.complete() {
		return nil, ErrNotConfigured
	}
	region := c.Region
	if region == "" {
		region = "auto"
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretKey, "")),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(c.Endpoint)
		o.UsePathStyle = true
	})

	return NewWithClient(client, c.Bucket, c.Endpoint), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectAPI, bucket, endpoint string) *Storage {
	return &Storage{client: client, bucket: bucket, endpoint: strings.TrimRight(endpoint, "/")}
}

// ObjectKey scopes key to project. An empty key gets a generated name.
func ObjectKey(project, key string) (string, error) {
	if key == "" {
		key = uuid.New().String()
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return fmt.Sprintf("projects/%s/%s", project, clean), nil
}

// Put uploads body and returns the object URL.
func (s *Storage) Put(ctx context.Context, project, key string, body io.Reader, contentType string) (string, error) {
	full, err := ObjectKey(project, key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(full),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, full), nil
}

// Delete removes an object from the project's prefix.
func (s *Storage) Delete(ctx context.Context, project, key string) error {
	full, err := ObjectKey(project, key)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(full),
	})
	return err
}
