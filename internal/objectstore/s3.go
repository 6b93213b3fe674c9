package objectstore

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
	"github.com/aws/smithy-go"
)

// S3Store is a Store backed by an S3-compatible remote bucket. It
// accepts a custom endpoint so it also targets S3-compatible services
// (MinIO and similar) that are commonly used in offline-first setups.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3Store for the given bucket. endpoint may be
// empty to use AWS's default resolution; region, accessKey, and
// secretKey configure a static credentials provider, matching how
// short-lived embedded deployments typically configure object storage
// without an ambient AWS profile.
func NewS3Store(ctx context.Context, endpoint, bucket, region, accessKey, secretKey string) (*S3Store, error) {
	if bucket == "" {
		return nil, errors.New("objectstore: bucket name required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" || secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = true
	})

	return &S3Store{client: client, bucket: bucket}, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	var continuationToken *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %q: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				paths = append(paths, *obj.Key)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	return paths, nil
}

func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			code := apiErr.ErrorCode()
			if code == "NoSuchKey" || strings.Contains(code, "NotFound") {
				return nil, ErrNotFound
			}
		}
		return nil, fmt.Errorf("objectstore: get %q: %w", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read body for %q: %w", path, err)
	}
	return data, nil
}

func (s *S3Store) Put(ctx context.Context, path string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &path,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %q: %w", path, err)
	}
	return nil
}
