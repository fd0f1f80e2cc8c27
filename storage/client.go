package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientOptions configures the S3-compatible endpoint the CAS mirror
// uploads to. Endpoint is set for non-AWS S3-compatible object stores
// (MinIO, Ceph RGW); left empty it resolves to AWS S3 via the region.
type ClientOptions struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an *s3.Client from static credentials and an
// optional custom endpoint, for deployments mirroring the CAS store to
// an S3-compatible bucket (spec_full §12.2, opt-in via
// NOTES_CAS_S3_BUCKET). Falls back to the default credential chain
// when AccessKeyID is empty.
func NewS3Client(ctx context.Context, opts ClientOptions) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// LargeObjectUploader wraps manager.Uploader for CAS blobs that exceed
// a single PutObject's practical size, chunking them into multipart
// uploads instead of buffering the whole blob as Mirror.Upload does.
type LargeObjectUploader struct {
	uploader *manager.Uploader
	bucket   string
}

// NewLargeObjectUploader builds an uploader against client/bucket.
func NewLargeObjectUploader(client *s3.Client, bucket string) *LargeObjectUploader {
	return &LargeObjectUploader{uploader: manager.NewUploader(client), bucket: bucket}
}

// Upload streams body to objectKey using manager's concurrent
// multipart upload, returning the object's ETag.
func (u *LargeObjectUploader) Upload(ctx context.Context, objectKey string, body io.Reader) (string, error) {
	out, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(objectKey),
		Body:   body,
	})
	if err != nil {
		return "", fmt.Errorf("storage: multipart upload %s: %w", objectKey, err)
	}
	if out.ETag != nil {
		return *out.ETag, nil
	}
	return "", nil
}
