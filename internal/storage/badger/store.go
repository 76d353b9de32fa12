// Package badger implements the bank backend on an embedded BadgerDB.
//
// Each object is a single badger entry whose value is a small JSON header
// followed by the payload. Expiry uses badger's native entry TTL for
// garbage collection and is also checked against the configured clock on
// read, so manual clocks behave the same way they do for other backends.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/bankd/internal/uuidv7"
	"pkt.systems/pslog"
)

// Config controls the embedded store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval controls value-log garbage collection. Zero disables it.
	GCInterval time.Duration
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Store implements storage.Backend on BadgerDB.
type Store struct {
	db     *badgerdb.DB
	clock  clock.Clock
	logger pslog.Logger
	stop   chan struct{}
	done   chan struct{}
}

type header struct {
	ETag        string `json:"etag"`
	ContentType string `json:"content_type,omitempty"`
	UpdatedAt   int64  `json:"updated_at_unix_nano"`
	ExpiresAt   int64  `json:"expires_at_unix_nano,omitempty"`
}

type badgerLogger struct {
	logger pslog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("badger.log", "message", fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("badger.log", "message", fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug("badger.log", "message", fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace("badger.log", "message", fmt.Sprintf(format, args...))
}

// New opens (or creates) the database described by cfg.
func New(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger: path is required for persistent database")
	}
	logger := logutil.WithSubsystem(cfg.Logger, "storage.badger")
	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger: create directory %s: %w", cfg.Path, err)
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: logger})
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	s := &Store{
		db:     db,
		clock:  clock.Or(cfg.Clock),
		logger: logger,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.gcLoop(cfg.GCInterval)
	}
	return s, nil
}

func (s *Store) gcLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badgerdb.ErrNoRewrite) {
						s.logger.Debug("badger.gc.error", "error", err)
					}
					break
				}
			}
		}
	}
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.stop != nil {
		close(s.stop)
		<-s.done
		s.stop = nil
	}
	return s.db.Close()
}

func encodeValue(h header, payload []byte) ([]byte, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(raw)+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(raw)))
	copy(buf[4:], raw)
	copy(buf[4+len(raw):], payload)
	return buf, nil
}

func decodeValue(buf []byte) (header, []byte, error) {
	var h header
	if len(buf) < 4 {
		return h, nil, fmt.Errorf("badger: truncated value")
	}
	n := int(binary.BigEndian.Uint32(buf))
	if len(buf) < 4+n {
		return h, nil, fmt.Errorf("badger: truncated header")
	}
	if err := json.Unmarshal(buf[4:4+n], &h); err != nil {
		return h, nil, fmt.Errorf("badger: decode header: %w", err)
	}
	return h, buf[4+n:], nil
}

func (h header) info(key string, size int) storage.ObjectInfo {
	info := storage.ObjectInfo{
		Key:          key,
		ETag:         h.ETag,
		Size:         int64(size),
		ContentType:  h.ContentType,
		LastModified: time.Unix(0, h.UpdatedAt).UTC(),
	}
	if h.ExpiresAt != 0 {
		info.ExpiresAt = time.Unix(0, h.ExpiresAt).UTC()
	}
	return info
}

// load reads key inside txn, treating expired entries as missing.
func (s *Store) load(txn *badgerdb.Txn, key string) (header, []byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return header{}, nil, storage.ErrNotFound
		}
		return header{}, nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return header{}, nil, err
	}
	h, payload, err := decodeValue(raw)
	if err != nil {
		return header{}, nil, err
	}
	if h.ExpiresAt != 0 && storage.Expired(time.Unix(0, h.ExpiresAt), s.clock.Now()) {
		return header{}, nil, storage.ErrNotFound
	}
	return h, payload, nil
}

// GetObject returns the payload stored at key.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	var (
		h       header
		payload []byte
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		h, payload, err = s.load(txn, key)
		return err
	})
	if err != nil {
		return storage.GetObjectResult{}, s.wrapError(err, "badger: get")
	}
	info := h.info(key, len(payload))
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(payload)),
		Info:   &info,
	}, nil
}

// PutObject writes key inside a badger transaction so the conditional check
// and the write are atomic.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("badger: read body for %q: %w", key, err)
	}
	now := s.clock.Now()
	h := header{
		ETag:        uuidv7.NewString(),
		ContentType: opts.ContentType,
		UpdatedAt:   now.UnixNano(),
	}
	if h.ContentType == "" {
		h.ContentType = storage.ContentTypeOctetStream
	}
	if expiresAt := storage.ExpiresAt(now, opts.TTL); !expiresAt.IsZero() {
		h.ExpiresAt = expiresAt.UnixNano()
	}
	value, err := encodeValue(h, payload)
	if err != nil {
		return nil, err
	}
	err = s.db.Update(func(txn *badgerdb.Txn) error {
		current, _, err := s.load(txn, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			if opts.ExpectedETag != "" {
				return storage.ErrNotFound
			}
		case err != nil:
			return err
		default:
			if opts.IfNotExists {
				return storage.ErrCASMismatch
			}
			if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
				return storage.ErrCASMismatch
			}
		}
		entry := badgerdb.NewEntry([]byte(key), value)
		if opts.TTL > 0 {
			entry = entry.WithTTL(opts.TTL)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return nil, s.wrapError(err, "badger: put")
	}
	info := h.info(key, len(payload))
	return &info, nil
}

// DeleteObject removes key, honouring ExpectedETag.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		current, _, err := s.load(txn, key)
		if err != nil {
			return err
		}
		if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
			return storage.ErrCASMismatch
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
		return nil
	}
	if err != nil {
		return s.wrapError(err, "badger: delete")
	}
	return nil
}

// ListObjects iterates keys under opts.Prefix in lexicographic order.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	result := &storage.ListResult{}
	now := s.clock.Now()
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte(opts.Prefix)
		it := txn.NewIterator(badgerdb.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		start := prefix
		if opts.StartAfter != "" && opts.StartAfter >= opts.Prefix {
			start = append([]byte(opts.StartAfter), 0)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			h, payload, err := decodeValue(raw)
			if err != nil {
				return err
			}
			if h.ExpiresAt != 0 && storage.Expired(time.Unix(0, h.ExpiresAt), now) {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				return nil
			}
			result.Objects = append(result.Objects, h.info(key, len(payload)))
		}
		return nil
	})
	if err != nil {
		return nil, s.wrapError(err, "badger: list")
	}
	return result, nil
}

func (s *Store) wrapError(err error, op string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
		return err
	case errors.Is(err, badgerdb.ErrConflict):
		return storage.NewTransientError(fmt.Errorf("%s: %w", op, err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

var _ storage.Backend = (*Store)(nil)
