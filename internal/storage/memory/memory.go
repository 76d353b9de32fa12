// Package memory implements an in-process bank backend. It is used by tests
// and by mem:// store URLs for throwaway banks.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/bankd/internal/uuidv7"
)

// Config customises the in-memory backend.
type Config struct {
	// Clock drives TTL expiry. Defaults to clock.Real.
	Clock clock.Clock
}

// Store is an in-memory implementation of storage.Backend.
type Store struct {
	mu    sync.RWMutex
	clock clock.Clock
	objs  map[string]*objectEntry
	// keys is kept sorted so listings can binary-search StartAfter.
	keys []string
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	info        storage.ObjectInfo
}

// New returns an empty Store using the wall clock.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an empty Store configured by cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		clock: clock.Or(cfg.Clock),
		objs:  make(map[string]*objectEntry),
	}
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error {
	return nil
}

// GetObject returns the payload for key if present and not expired.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	entry, ok := s.objs[key]
	now := s.clock.Now()
	s.mu.RUnlock()
	if !ok || storage.Expired(entry.info.ExpiresAt, now) {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := entry.info
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   &info,
	}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	entry, exists := s.objs[key]
	if exists && storage.Expired(entry.info.ExpiresAt, now) {
		s.removeLocked(key)
		exists = false
	}
	switch {
	case opts.IfNotExists && exists:
		return nil, storage.ErrCASMismatch
	case opts.ExpectedETag != "":
		if !exists {
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	}
	etag := uuidv7.NewString()
	info := storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
		ExpiresAt:    storage.ExpiresAt(now, opts.TTL),
	}
	s.objs[key] = &objectEntry{payload: payload, etag: etag, contentType: opts.ContentType, info: info}
	if !exists {
		s.insertKeyLocked(key)
	}
	return &info, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	if exists && storage.Expired(entry.info.ExpiresAt, s.clock.Now()) {
		s.removeLocked(key)
		exists = false
	}
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	s.removeLocked(key)
	return nil
}

// ListObjects returns live objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	keys := s.keys
	start := 0
	if opts.StartAfter != "" {
		start = sort.SearchStrings(keys, opts.StartAfter)
		if start < len(keys) && keys[start] == opts.StartAfter {
			start++
		}
	}
	if opts.Prefix != "" {
		if idx := sort.SearchStrings(keys, opts.Prefix); idx > start {
			start = idx
		}
	}
	result := &storage.ListResult{}
	for idx := start; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		entry := s.objs[key]
		if storage.Expired(entry.info.ExpiresAt, now) {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, entry.info)
	}
	return result, nil
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.keys, key)
	s.keys = append(s.keys, "")
	copy(s.keys[idx+1:], s.keys[idx:])
	s.keys[idx] = key
}

func (s *Store) removeLocked(key string) {
	delete(s.objs, key)
	idx := sort.SearchStrings(s.keys, key)
	if idx < len(s.keys) && s.keys[idx] == key {
		s.keys = append(s.keys[:idx], s.keys[idx+1:]...)
	}
}
