package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config contains S3 archive configuration
type S3Config struct {
	Endpoint        string // Optional: Custom endpoint for MinIO or DigitalOcean Spaces
	Region          string // AWS region or DO region (e.g., "us-east-1" or "sfo3")
	Bucket          string // S3 bucket name
	AccessKeyID     string // AWS access key ID
	SecretAccessKey string // AWS secret access key
	UsePathStyle    bool   // Use path-style addressing (required for MinIO)
}

// S3Storage is the S3-compatible Archive implementation
type S3Storage struct {
	client *s3.Client
	bucket string
	config S3Config
}

// NewS3Storage creates a new S3Storage instance
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("S3 region is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("S3 credentials are required")
	}

	// Build AWS config
	var opts []func(*config.LoadOptions) error

	opts = append(opts, config.WithRegion(cfg.Region))
	opts = append(opts, config.WithCredentialsProvider(
		credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	))

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Create S3 client with custom options
	s3Opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	client := s3.NewFromConfig(awsConfig, s3Opts)

	return &S3Storage{
		client: client,
		bucket: cfg.Bucket,
		config: cfg,
	}, nil
}

// SaveDocument saves fetched document text to S3
// Returns the S3 key (path within bucket)
func (s *S3Storage) SaveDocument(ctx context.Context, attemptID, document string) (string, error) {
	return s.save(ctx, documentKey(attemptID), []byte(document), "text/plain; charset=utf-8")
}

// SaveResponse saves a raw provider payload to S3
// Returns the S3 key (path within bucket)
func (s *S3Storage) SaveResponse(ctx context.Context, attemptID string, payload []byte) (string, error) {
	return s.save(ctx, responseKey(attemptID), payload, "application/json")
}

func (s *S3Storage) save(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact to S3: %w", err)
	}

	return key, nil
}

// ReadDocument reads an archived document from S3
func (s *S3Storage) ReadDocument(ctx context.Context, key string) (string, error) {
	data, err := s.read(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadResponse reads an archived provider payload from S3
func (s *S3Storage) ReadResponse(ctx context.Context, key string) ([]byte, error) {
	return s.read(ctx, key)
}

func (s *S3Storage) read(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact data from S3: %w", err)
	}

	return data, nil
}

// Delete deletes an archived artifact from S3
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete artifact from S3: %w", err)
	}

	return nil
}
