package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader ships a local recording file to durable storage
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// S3Client abstracts the S3 API operations used by S3Uploader.
// The s3.Client type satisfies this interface.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader puts recordings under an optional key prefix
type S3Uploader struct {
	client      S3Client
	bucket      string
	prefix      string
	deleteLocal bool
}

// NewS3Uploader creates an uploader. When deleteLocal is set the local file
// is removed after a successful upload.
func NewS3Uploader(client S3Client, bucket, prefix string, deleteLocal bool) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, prefix: prefix, deleteLocal: deleteLocal}
}

// NewS3Client builds an s3.Client from the default credential chain. A
// non-empty endpoint selects an S3-compatible store with path-style keys.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Key returns the object key used for a local file
func (u *S3Uploader) Key(localPath string) string {
	name := filepath.Base(localPath)
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// Upload puts the file and returns its object key
func (u *S3Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("storage: open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("storage: stat %s: %w", localPath, err)
	}

	key := u.Key(localPath)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("audio/wav"),
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", key, err)
	}

	if u.deleteLocal {
		if err := os.Remove(localPath); err != nil {
			return key, fmt.Errorf("storage: remove %s: %w", localPath, err)
		}
	}
	return key, nil
}
