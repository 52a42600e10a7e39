// Package s3fetch provides S3 access for remote input sources and cache
// containers.
package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client wraps an S3 client configured from the default AWS chain.
type Client struct {
	s3Client *s3.Client
}

// NewClient creates a new S3 client using default AWS configuration.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClientWithConfig(cfg), nil
}

// NewClientWithConfig creates a new S3 client with a custom AWS config.
func NewClientWithConfig(cfg aws.Config, optFns ...func(*s3.Options)) *Client {
	return &Client{
		s3Client: s3.NewFromConfig(cfg, optFns...),
	}
}

// S3 returns the underlying SDK client.
func (c *Client) S3() *s3.Client {
	return c.s3Client
}

// IsS3URI reports whether loc uses the s3:// scheme.
func IsS3URI(loc string) bool {
	return strings.HasPrefix(loc, "s3://")
}

// ParseS3URI parses an S3 URI into bucket and key.
// Format: s3://bucket/key/path
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !IsS3URI(uri) {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}

	path := strings.TrimPrefix(uri, "s3://")
	bucket, key, _ = strings.Cut(path, "/")
	if bucket == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}
	return bucket, key, nil
}
