package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	json "github.com/goccy/go-json"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes raw webhook payloads and sync reports to a bucket.
// An archive without a bucket is disabled and every write fails.
type S3Archive struct {
	Client putObjectAPI
	Bucket string
}

// NewS3Archive returns a disabled archive when bucket is empty
func NewS3Archive(ctx context.Context, bucket, region string) (*S3Archive, error) {
	if bucket == "" {
		return &S3Archive{}, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &S3Archive{Client: s3.NewFromConfig(cfg), Bucket: bucket}, nil
}

func (a *S3Archive) Enabled() bool { return a != nil && a.Client != nil && a.Bucket != "" }

// ArchivePayload stores a raw body as-is
func (a *S3Archive) ArchivePayload(ctx context.Context, key string, body []byte) error {
	_, err := a.put(ctx, key, body)
	return err
}

// UploadJSON marshals v and stores it, returning the s3:// location
func (a *S3Archive) UploadJSON(ctx context.Context, key string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return a.put(ctx, key, b)
}

func (a *S3Archive) put(ctx context.Context, key string, b []byte) (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("s3 archive not configured")
	}
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", a.Bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.Bucket, key), nil
}

// TimestampKey builds a key under prefix named after the current UTC time
func TimestampKey(prefix string) string {
	return fmt.Sprintf("%s%s.json", prefix, time.Now().UTC().Format("20060102T150405Z"))
}
