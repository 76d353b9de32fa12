// Package storage defines the object store contract the bank is built on.
//
// Backends are flat key/value object stores: keys are slash separated, listed
// in lexicographic order and addressed without a leading slash. Optional
// store-side expiry (PutObjectOptions.TTL) is honoured natively where the
// store supports it and emulated through object metadata elsewhere.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Content type constants used for bank payloads.
const (
	ContentTypeJSON                 = "application/json"
	ContentTypeOctetStream          = "application/octet-stream"
	ContentTypeOctetStreamEncrypted = "application/vnd.bankd.octet-stream+encrypted"
)

// MetaExpiresAt is the user-metadata key used by backends that emulate TTL.
const MetaExpiresAt = "bankd-expires-at"

var (
	// ErrNotFound indicates the requested key is missing (or has expired).
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write or delete lost its race.
	ErrCASMismatch = errors.New("storage: cas mismatch")
	// ErrInvalidKey is returned for keys that cannot be addressed.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Backend is the object store contract consumed by the bank.
type Backend interface {
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	Close() error
}

// ObjectInfo captures metadata exposed by backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
	// ExpiresAt is zero for objects without a TTL.
	ExpiresAt time.Time
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	ExpectedETag string
	IfNotExists  bool
	ContentType  string
	// TTL requests store-side expiry. Zero keeps the object forever.
	TTL time.Duration
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal. StartAfter is exclusive.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures one page of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	Truncated      bool
	NextStartAfter string
}

// GetObjectResult carries the body and metadata of a fetched object.
// Callers must close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// ReadObject fetches key and returns its full body.
func ReadObject(ctx context.Context, backend Backend, key string) ([]byte, *ObjectInfo, error) {
	res, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, res.Info, nil
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
