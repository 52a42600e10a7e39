package cachestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/eunmann/histcache/pkg/s3fetch"
)

// s3Container stores one object per accumulator under "<ns>/" in a bucket.
// A single PutObject is atomic per name.
type s3Container struct {
	client *s3.Client
	bucket string

	mu    sync.Mutex
	ready bool
}

func openS3Container(ctx context.Context, bucket string, client *s3fetch.Client) (*s3Container, error) {
	if client == nil {
		var err error
		client, err = s3fetch.NewClient(ctx)
		if err != nil {
			return nil, err
		}
	}
	return &s3Container{client: client.S3(), bucket: bucket}, nil
}

func (c *s3Container) objectKey(ns, name string) string {
	return ns + "/" + entryKey(name)
}

// ensureBucket creates the bucket when it does not exist. Success is
// remembered; a failure is retried on the next call.
func (c *s3Container) ensureBucket(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		var nf *types.NotFound
		if !errors.As(err, &nf) && !isErrorCode(err, "NotFound", "NoSuchBucket") {
			return fmt.Errorf("head bucket %s: %w", c.bucket, err)
		}
		_, err = c.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
		if err != nil && !isErrorCode(err, "BucketAlreadyOwnedByYou", "BucketAlreadyExists") {
			return fmt.Errorf("create bucket %s: %w", c.bucket, err)
		}
	}
	c.ready = true
	return nil
}

func isErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

// EnsureNamespace only ensures the bucket; S3 prefixes need no creation.
func (c *s3Container) EnsureNamespace(ctx context.Context, ns string) error {
	return c.ensureBucket(ctx)
}

func (c *s3Container) Get(ctx context.Context, ns, name string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(ns, name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || isErrorCode(err, "NoSuchKey", "NotFound") {
			return nil, fmt.Errorf("%s/%s: %w", ns, name, ErrNotFound)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (c *s3Container) Put(ctx context.Context, ns, name string, data []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(c.objectKey(ns, name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (c *s3Container) List(ctx context.Context, ns string) ([]string, error) {
	prefix := ns + "/"
	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	var names []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if strings.Contains(rel, "/") {
				continue
			}
			if name, ok := nameFromKey(rel); ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *s3Container) Close() error { return nil }
