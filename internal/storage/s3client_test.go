package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type mockS3 struct {
	key  string
	body string
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.key = aws.ToString(in.Key)
	b, _ := io.ReadAll(in.Body)
	m.body = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive(t *testing.T) {
	client := &mockS3{}
	a := &S3Archive{Client: client, Bucket: "argile-webhooks"}

	if err := a.ArchivePayload(context.Background(), "webhooks/rejected/x.json", []byte(`not json`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.key != "webhooks/rejected/x.json" || client.body != "not json" {
		t.Fatalf("unexpected object %s %q", client.key, client.body)
	}

	loc, err := a.UploadJSON(context.Background(), "sync/report.json", map[string]int{"changed": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc != "s3://argile-webhooks/sync/report.json" || client.body != `{"changed":2}` {
		t.Fatalf("unexpected upload %s %s", loc, client.body)
	}
}

func TestS3Archive_Disabled(t *testing.T) {
	a, err := NewS3Archive(context.Background(), "", "eu-west-3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Enabled() {
		t.Fatal("archive without bucket should be disabled")
	}
	if err := a.ArchivePayload(context.Background(), "k", []byte("x")); err == nil {
		t.Fatal("expected error from disabled archive")
	}
	if !strings.HasPrefix(TimestampKey("sync/"), "sync/") {
		t.Fatal("unexpected key prefix")
	}
}
