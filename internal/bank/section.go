package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"pkt.systems/bankd/internal/storage"
)

// listPageSize bounds a single backend list call.
const listPageSize = 1000

// Section is an immutable prefix-scoped view of a bank. Keys passed to its
// methods are relative to the prefix and cannot escape it.
type Section struct {
	bank     *Bank
	prefix   string
	readOnly bool
}

// ListOptions selects keys for Section.ListObjects. Marker is the exclusive
// last-seen key; Limit caps the total number of keys produced (0 means all).
type ListOptions struct {
	Prefix string
	Limit  int
	Marker string
}

// Prefix returns the bank-absolute prefix of the section.
func (s *Section) Prefix() string { return s.prefix }

// IsReadOnly reports whether mutations are rejected.
func (s *Section) IsReadOnly() bool { return s.readOnly }

// Bank returns the bank the section belongs to.
func (s *Section) Bank() *Bank { return s.bank }

// ReadOnly returns a read-only view of the same prefix.
func (s *Section) ReadOnly() *Section {
	return &Section{bank: s.bank, prefix: s.prefix, readOnly: true}
}

// Sub returns a nested section. Read-only sections stay read-only.
func (s *Section) Sub(prefix string) *Section {
	return &Section{bank: s.bank, prefix: storage.JoinKey(s.prefix, prefix), readOnly: s.readOnly}
}

func (s *Section) fullKey(key string) (string, error) {
	if strings.Trim(key, "/") == "" {
		return "", ErrEmptyKey
	}
	full, err := storage.NormalizeKey(s.prefix + "/" + key)
	if err != nil {
		return "", fmt.Errorf("bank: key %q: %w", key, err)
	}
	return full, nil
}

func contentTypeFor(key string) string {
	if strings.HasSuffix(key, ".json") {
		return storage.ContentTypeJSON
	}
	return storage.ContentTypeOctetStream
}

func storeError(op, key string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s: %w", ErrObjectNotFound, key, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("bank: %s %s: %w", op, key, err)
	default:
		return fmt.Errorf("%w: %s %s: %w", ErrStoreConnection, op, key, err)
	}
}

// CreateObject stores value at key if nothing is there yet. Creating a key
// that already holds exactly value succeeds.
func (s *Section) CreateObject(ctx context.Context, key string, value []byte) error {
	full, err := s.fullKey(key)
	if err != nil {
		return err
	}
	if s.readOnly {
		return fmt.Errorf("%w: create %s", ErrReadOnly, full)
	}
	for attempt := 0; attempt < 2; attempt++ {
		_, err = s.bank.backend.PutObject(ctx, full, bytes.NewReader(value), storage.PutObjectOptions{
			IfNotExists: true,
			ContentType: contentTypeFor(full),
		})
		if err == nil {
			s.bank.logger.Debug("bank.object.created", "key", full, "size", len(value))
			return nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) {
			return storeError("create", full, err)
		}
		existing, _, rerr := storage.ReadObject(ctx, s.bank.backend, full)
		if errors.Is(rerr, storage.ErrNotFound) {
			// removed between the put and the read
			continue
		}
		if rerr != nil {
			return storeError("create", full, rerr)
		}
		if bytes.Equal(existing, value) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrObjectAlreadyExists, full)
	}
	return fmt.Errorf("%w: %s", ErrObjectAlreadyExists, full)
}

// UpdateObject stores value at key unconditionally.
func (s *Section) UpdateObject(ctx context.Context, key string, value []byte) error {
	full, err := s.fullKey(key)
	if err != nil {
		return err
	}
	if s.readOnly {
		return fmt.Errorf("%w: update %s", ErrReadOnly, full)
	}
	if _, err := s.bank.backend.PutObject(ctx, full, bytes.NewReader(value), storage.PutObjectOptions{
		ContentType: contentTypeFor(full),
	}); err != nil {
		return storeError("update", full, err)
	}
	s.bank.logger.Debug("bank.object.updated", "key", full, "size", len(value))
	return nil
}

// GetObject returns the value stored at key.
func (s *Section) GetObject(ctx context.Context, key string) ([]byte, error) {
	full, err := s.fullKey(key)
	if err != nil {
		return nil, err
	}
	data, _, err := storage.ReadObject(ctx, s.bank.backend, full)
	if err != nil {
		return nil, storeError("get", full, err)
	}
	return data, nil
}

// DeleteObject removes key.
func (s *Section) DeleteObject(ctx context.Context, key string) error {
	full, err := s.fullKey(key)
	if err != nil {
		return err
	}
	if s.readOnly {
		return fmt.Errorf("%w: delete %s", ErrReadOnly, full)
	}
	if err := s.bank.backend.DeleteObject(ctx, full, storage.DeleteObjectOptions{}); err != nil {
		return storeError("delete", full, err)
	}
	s.bank.logger.Debug("bank.object.deleted", "key", full)
	return nil
}

// GetJSON decodes the JSON document at key into v.
func (s *Section) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.GetObject(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bank: decode %s: %w", key, err)
	}
	return nil
}

// PutJSON encodes v and stores it at key unconditionally.
func (s *Section) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bank: encode %s: %w", key, err)
	}
	return s.UpdateObject(ctx, key, data)
}

// CreateJSON encodes v and stores it at key with CreateObject semantics.
func (s *Section) CreateJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bank: encode %s: %w", key, err)
	}
	return s.CreateObject(ctx, key, data)
}

// ListObjects yields section-relative keys under opts.Prefix in store order.
// Each range over the returned sequence starts a fresh listing. The sequence
// stops after opts.Limit keys and never pages past that point; a failure is
// yielded once as a non-nil error and ends the sequence.
func (s *Section) ListObjects(ctx context.Context, opts ListOptions) iter.Seq2[string, error] {
	base := s.prefix
	if base != "" {
		base += "/"
	}
	storePrefix := base + strings.TrimLeft(opts.Prefix, "/")
	return func(yield func(string, error) bool) {
		startAfter := ""
		if opts.Marker != "" {
			startAfter = base + strings.TrimLeft(opts.Marker, "/")
		}
		produced := 0
		for {
			page := listPageSize
			if opts.Limit > 0 && opts.Limit-produced < page {
				page = opts.Limit - produced
			}
			res, err := s.bank.backend.ListObjects(ctx, storage.ListOptions{
				Prefix:     storePrefix,
				StartAfter: startAfter,
				Limit:      page,
			})
			if err != nil {
				yield("", storeError("list", storePrefix, err))
				return
			}
			for _, obj := range res.Objects {
				if !yield(strings.TrimPrefix(obj.Key, base), nil) {
					return
				}
				produced++
				startAfter = obj.Key
				if opts.Limit > 0 && produced >= opts.Limit {
					return
				}
			}
			if !res.Truncated || len(res.Objects) == 0 {
				return
			}
		}
	}
}

// Keys collects ListObjects into a slice.
func (s *Section) Keys(ctx context.Context, opts ListOptions) ([]string, error) {
	var keys []string
	for key, err := range s.ListObjects(ctx, opts) {
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
