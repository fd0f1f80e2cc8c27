// Package storage mirrors CAS blobs to an S3-compatible bucket for
// off-box durability. It is optional: cas.Store works with a nil
// Mirror, and nothing in dx requires an S3 bucket to exist.
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	eve "notesync.evalgo.org/common"
)

// Mirror uploads CAS blobs to an S3-compatible bucket, skipping objects
// that are already present with a matching MD5.
type Mirror struct {
	Client S3Client
	Bucket string
}

// NewMirror returns a Mirror backed by client, ensuring bucket exists.
func NewMirror(ctx context.Context, client S3Client, bucket string) (*Mirror, error) {
	m := &Mirror{Client: client, Bucket: bucket}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mirror) ensureBucket(ctx context.Context) error {
	_, err := m.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.Bucket)})
	if err == nil {
		return nil
	}
	_, err = m.Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(m.Bucket)})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", m.Bucket, err)
	}
	return nil
}

// Upload copies the file at localPath to objectKey in the mirror bucket,
// skipping the transfer when an object already exists with the same MD5.
func (m *Mirror) Upload(ctx context.Context, objectKey, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	sum := md5.Sum(data)
	localMD5 := hex.EncodeToString(sum[:])

	head, err := m.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(objectKey),
	})
	var noKey *types.NoSuchKey
	if err == nil && head.Metadata["md5"] == localMD5 {
		eve.Logger.WithField("key", objectKey).Debug("mirror: object already up to date")
		return nil
	}
	if err != nil && !errors.As(err, &noKey) {
		return fmt.Errorf("head object %s: %w", objectKey, err)
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(m.Bucket),
		Key:      aws.String(objectKey),
		Body:     bytes.NewReader(data),
		Metadata: map[string]string{"md5": localMD5},
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}

// Get downloads objectKey into a byte slice, for verification/debug use.
func (m *Mirror) Get(ctx context.Context, objectKey string) ([]byte, error) {
	out, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
