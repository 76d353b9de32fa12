// Package storagecheck exercises a bank backend end to end: listing,
// conditional writes, reads, TTL bookkeeping and deletes. It backs
// `bankd verify`.
package storagecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/bankd/internal/storage"
	"pkt.systems/bankd/internal/uuidv7"
)

// DiagnosticsPrefix holds the synthetic objects written by Verify.
const DiagnosticsPrefix = "diagnostics"

// Result captures the outcome of store verification checks.
type Result struct {
	Provider          string        `json:"provider" yaml:"provider"`
	Bucket            string        `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix            string        `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Checks            []CheckResult `json:"checks" yaml:"checks"`
	RecommendedPolicy string        `json:"recommended_policy,omitempty" yaml:"recommended_policy,omitempty"`
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name  string `json:"name" yaml:"name"`
	Err   error  `json:"-" yaml:"-"`
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Target describes the store under test. Bucket and Prefix only feed the
// recommended AWS policy.
type Target struct {
	Provider string
	Bucket   string
	Prefix   string
	Timeout  time.Duration
}

// Verify runs every check against backend. Later checks depend on earlier
// ones, so a failed write skips the reads that need it. Synthetic objects
// are always removed.
func Verify(ctx context.Context, backend storage.Backend, target Target) Result {
	result := Result{Provider: target.Provider, Bucket: target.Bucket, Prefix: target.Prefix}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	failed := false
	run := func(name string, fn func(context.Context) error) {
		var err error
		if failed {
			err = errSkipped
		} else {
			err = fn(ctx)
		}
		if err != nil && !errors.Is(err, errSkipped) {
			failed = true
		}
		check := CheckResult{Name: name, Err: err}
		if err != nil {
			check.Error = err.Error()
		}
		result.Checks = append(result.Checks, check)
	}

	base := storage.JoinKey(DiagnosticsPrefix, uuidv7.NewString())
	key := base + "/probe.json"
	payload := []byte(`{"diagnostic":true}`)
	var etag string

	run("ListObjects", func(ctx context.Context) error {
		_, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: DiagnosticsPrefix + "/", Limit: 1})
		return err
	})
	run("PutIfNotExists", func(ctx context.Context) error {
		info, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: storage.ContentTypeJSON,
			TTL:         time.Hour,
		})
		if err != nil {
			return err
		}
		if info == nil || info.ETag == "" {
			return fmt.Errorf("put returned no etag")
		}
		etag = info.ETag
		return nil
	})
	run("RejectDuplicateCreate", func(ctx context.Context) error {
		_, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{IfNotExists: true})
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil
		}
		if err == nil {
			return fmt.Errorf("second create of %s succeeded", key)
		}
		return err
	})
	run("GetObject", func(ctx context.Context) error {
		data, info, err := storage.ReadObject(ctx, backend, key)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, payload) {
			return fmt.Errorf("read back %d bytes that differ from the %d written", len(data), len(payload))
		}
		if info != nil && !info.ExpiresAt.IsZero() && !info.ExpiresAt.After(time.Now()) {
			return fmt.Errorf("object already expired at %s", info.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	})
	run("RejectStaleETag", func(ctx context.Context) error {
		_, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{ExpectedETag: "stale-" + etag})
		if errors.Is(err, storage.ErrCASMismatch) {
			return nil
		}
		if err == nil {
			return fmt.Errorf("update with a stale etag succeeded")
		}
		return err
	})
	run("CompareAndSwap", func(ctx context.Context) error {
		info, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{
			ExpectedETag: etag,
			ContentType:  storage.ContentTypeJSON,
		})
		if err != nil {
			return err
		}
		if info != nil && info.ETag != "" {
			etag = info.ETag
		}
		return nil
	})
	run("ListFindsObject", func(ctx context.Context) error {
		res, err := backend.ListObjects(ctx, storage.ListOptions{Prefix: base + "/"})
		if err != nil {
			return err
		}
		for _, obj := range res.Objects {
			if obj.Key == key {
				return nil
			}
		}
		return fmt.Errorf("%s missing from listing", key)
	})
	run("DeleteObject", func(ctx context.Context) error {
		return backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{})
	})
	run("GetAfterDelete", func(ctx context.Context) error {
		_, _, err := storage.ReadObject(ctx, backend, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err == nil {
			return fmt.Errorf("%s still readable after delete", key)
		}
		return err
	})

	if failed {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		_ = backend.DeleteObject(cleanupCtx, key, storage.DeleteObjectOptions{IgnoreNotFound: true})
		cancel()
		if strings.EqualFold(target.Provider, "aws") && target.Bucket != "" {
			result.RecommendedPolicy = buildAWSPolicy(target.Bucket, target.Prefix)
		}
	}
	return result
}

var errSkipped = errors.New("skipped after an earlier failure")

func buildAWSPolicy(bucket, prefix string) string {
	bucketARN := fmt.Sprintf("arn:aws:s3:::%s", bucket)
	objects := fmt.Sprintf("arn:aws:s3:::%s/*", bucket)
	if trim := strings.Trim(prefix, "/"); trim != "" {
		objects = fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, trim)
	}
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:ListBucket", "s3:GetBucketLocation"},
				"Resource": []string{bucketARN},
			},
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"},
				"Resource": []string{objects},
			},
		},
	}
	enc, _ := json.MarshalIndent(policy, "", "  ")
	return string(enc)
}
