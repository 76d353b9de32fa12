package retry_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"pkt.systems/bankd/internal/storage"
	"pkt.systems/bankd/internal/storage/retry"
	"pkt.systems/pslog"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

type stubBackend struct {
	getErrs  []error
	getCalls int
	hook     func(int)

	putErrs   []error
	putCalls  int
	putBodies []string

	listErrs  []error
	listCalls int

	deleteErrs  []error
	deleteCalls int
}

func pick(errs []error, call int) error {
	if idx := call - 1; idx < len(errs) {
		return errs[idx]
	}
	return nil
}

func (s *stubBackend) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.getCalls++
	if s.hook != nil {
		s.hook(s.getCalls)
	}
	if err := pick(s.getErrs, s.getCalls); err != nil {
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(strings.NewReader("body")),
		Info:   &storage.ObjectInfo{Key: key, ETag: fmt.Sprintf("etag-%d", s.getCalls)},
	}, nil
}

func (s *stubBackend) PutObject(_ context.Context, key string, body io.Reader, _ storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	s.putCalls++
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.putBodies = append(s.putBodies, string(data))
	if err := pick(s.putErrs, s.putCalls); err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{Key: key, ETag: fmt.Sprintf("obj-etag-%d", s.putCalls), Size: int64(len(data))}, nil
}

func (s *stubBackend) DeleteObject(context.Context, string, storage.DeleteObjectOptions) error {
	s.deleteCalls++
	return pick(s.deleteErrs, s.deleteCalls)
}

func (s *stubBackend) ListObjects(context.Context, storage.ListOptions) (*storage.ListResult, error) {
	s.listCalls++
	if err := pick(s.listErrs, s.listCalls); err != nil {
		return nil, err
	}
	return &storage.ListResult{Objects: []storage.ObjectInfo{{Key: "a"}}}, nil
}

func (s *stubBackend) Close() error { return nil }

func transient(msg string) error {
	return storage.NewTransientError(errors.New(msg))
}

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, pslog.NoopLogger(), &fakeClock{}, retry.Config{}) != nil {
		t.Fatal("expected nil backend when inner is nil")
	}
}

func TestGetObjectRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	back := &stubBackend{getErrs: []error{transient("temporary"), nil}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    10 * time.Millisecond,
	})
	res, err := wrapped.GetObject(context.Background(), "key")
	if err != nil {
		t.Fatalf("GetObject returned error: %v", err)
	}
	res.Reader.Close()
	if res.Info.ETag != "etag-2" {
		t.Fatalf("unexpected etag: %q", res.Info.ETag)
	}
	if back.getCalls != 2 {
		t.Fatalf("expected 2 attempts, got %d", back.getCalls)
	}
	if len(fc.sleeps) != 1 || fc.sleeps[0] != 5*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", fc.sleeps)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	back := &stubBackend{listErrs: []error{transient("a"), transient("b"), transient("c"), nil}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 4,
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  3,
		MaxDelay:    20 * time.Millisecond,
	})
	if _, err := wrapped.ListObjects(context.Background(), storage.ListOptions{}); err != nil {
		t.Fatalf("ListObjects returned error: %v", err)
	}
	want := []time.Duration{5 * time.Millisecond, 15 * time.Millisecond, 20 * time.Millisecond}
	if len(fc.sleeps) != len(want) {
		t.Fatalf("unexpected sleeps: %v", fc.sleeps)
	}
	for i := range want {
		if fc.sleeps[i] != want[i] {
			t.Fatalf("sleep %d: got %v want %v", i, fc.sleeps[i], want[i])
		}
	}
}

func TestStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	back := &stubBackend{deleteErrs: []error{storage.ErrCASMismatch, nil}}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 3})
	err := wrapped.DeleteObject(context.Background(), "key", storage.DeleteObjectOptions{})
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	if back.deleteCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("unexpected attempts=%d sleeps=%v", back.deleteCalls, fc.sleeps)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	back := &stubBackend{getErrs: []error{transient("a"), transient("b"), transient("c")}}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3})
	_, err := wrapped.GetObject(context.Background(), "key")
	if !storage.IsTransient(err) || err.Error() != "c" {
		t.Fatalf("expected last transient error, got %v", err)
	}
	if back.getCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", back.getCalls)
	}
}

func TestRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	back := &stubBackend{
		getErrs: []error{transient("flaky"), transient("flaky retry")},
		hook: func(attempt int) {
			if attempt == 1 {
				cancel()
			}
		},
	}
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 5})
	_, err := wrapped.GetObject(ctx, "key")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled error, got %v", err)
	}
	if back.getCalls != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("unexpected attempts=%d sleeps=%v", back.getCalls, fc.sleeps)
	}
}

func TestPutObjectReplayContract(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		body          func() io.Reader
		expectedCalls int
		expectErr     error
	}{
		{
			name:          "replayable_retries",
			body:          func() io.Reader { return bytes.NewReader([]byte(`{"v":1}`)) },
			expectedCalls: 2,
		},
		{
			name:          "non_replayable_fail_fast",
			body:          func() io.Reader { return bytes.NewBufferString(`{"v":1}`) },
			expectedCalls: 1,
			expectErr:     retry.ErrNonReplayableBody,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			back := &stubBackend{putErrs: []error{transient("temporary"), nil}}
			fc := &fakeClock{}
			wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{
				MaxAttempts: 3,
				BaseDelay:   5 * time.Millisecond,
			})
			_, err := wrapped.PutObject(context.Background(), "obj", tc.body(), storage.PutObjectOptions{})
			if tc.expectErr != nil {
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("expected error %v, got %v", tc.expectErr, err)
				}
				if len(fc.sleeps) != 0 {
					t.Fatalf("expected no sleeps for fail-fast, got %v", fc.sleeps)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if back.putCalls != tc.expectedCalls {
				t.Fatalf("expected %d calls, got %d", tc.expectedCalls, back.putCalls)
			}
			for i, body := range back.putBodies {
				if body != `{"v":1}` {
					t.Fatalf("attempt %d saw body %q", i+1, body)
				}
			}
		})
	}
}
