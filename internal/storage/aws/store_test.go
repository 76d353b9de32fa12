package aws

import (
	"context"
	"errors"
	"syscall"
	"testing"

	smithy "github.com/aws/smithy-go"

	"pkt.systems/bankd/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestObjectKeyPrefix(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	store, err := New(context.Background(), Config{Bucket: "b", Region: "eu-north-1", Prefix: "/banks/one/"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := store.objectKey("checkpoints/x/index.json"); got != "banks/one/checkpoints/x/index.json" {
		t.Fatalf("objectKey = %q", got)
	}
	if got := endpointURL("localhost:9000", true); got != "http://localhost:9000" {
		t.Fatalf("endpointURL insecure = %q", got)
	}
	if got := endpointURL("https://s3.example", true); got != "https://s3.example" {
		t.Fatalf("endpointURL explicit = %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed"}
	if got := classifyPutObjectError(precondition, false); got != storage.ErrCASMismatch {
		t.Fatalf("precondition -> %v", got)
	}
	missing := &smithy.GenericAPIError{Code: "NoSuchKey"}
	if got := classifyPutObjectError(missing, true); got != storage.ErrNotFound {
		t.Fatalf("missing with etag -> %v", got)
	}
	if !isRetryable(&smithy.GenericAPIError{Code: "SlowDown"}) {
		t.Fatal("SlowDown should be retryable")
	}
	if !isRetryable(syscall.ECONNRESET) {
		t.Fatal("connection reset should be retryable")
	}
	if isRetryable(errors.New("boom")) {
		t.Fatal("plain error should not be retryable")
	}
	store := &Store{}
	if err := store.wrapError(syscall.ECONNREFUSED, "aws: put object"); !storage.IsTransient(err) {
		t.Fatalf("expected transient wrap, got %v", err)
	}
}
