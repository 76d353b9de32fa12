// Package disk implements a bank backend on the local filesystem. Each object
// is a plain file under <root>/objects with a JSON sidecar holding its etag,
// content type and optional expiry. Writes are atomic (temp file + rename) and
// conditional writes are serialised per key with an advisory file lock so
// several processes can share one root.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/pslog"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// JanitorInterval controls how often expired objects are swept from disk.
	// Zero disables the janitor; expired objects are still hidden on read.
	JanitorInterval time.Duration
	Clock           clock.Clock
	Logger          pslog.Logger
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	lockDir   string
	clock     clock.Clock
	logger    pslog.Logger

	locks sync.Map

	stopJanitor chan struct{}
	doneJanitor chan struct{}
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f == nil || f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.JanitorInterval < 0 {
		return nil, fmt.Errorf("disk: janitor interval must be >= 0")
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		clock:     clock.Or(cfg.Clock),
		logger:    logutil.WithSubsystem(cfg.Logger, "storage.disk"),
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	if cfg.JanitorInterval > 0 {
		s.stopJanitor = make(chan struct{})
		s.doneJanitor = make(chan struct{})
		go s.janitorLoop(cfg.JanitorInterval)
	}
	return s, nil
}

// Close shuts down the backend and waits for the janitor to finish.
func (s *Store) Close() error {
	if s.stopJanitor != nil {
		close(s.stopJanitor)
		<-s.doneJanitor
		s.stopJanitor = nil
	}
	return nil
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.loggerFor(ctx)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	info, err := s.loadObjectInfo(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	logger.Trace("disk.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes an object to disk with optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggerFor(ctx)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadObjectInfo(key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if opts.IfNotExists && current != nil {
			logger.Trace("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" {
			if current == nil {
				return nil, storage.ErrNotFound
			}
			if current.ETag != opts.ExpectedETag {
				logger.Trace("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
				return nil, storage.ErrCASMismatch
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := s.writeAtomic(dataPath, io.TeeReader(body, hasher))
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.clock.Now()
	rec := objectInfoRecord{
		ETag:          hex.EncodeToString(hasher.Sum(nil)),
		ContentType:   opts.ContentType,
		UpdatedAtUnix: now.Unix(),
		ExpiresAt:     storage.FormatExpiry(storage.ExpiresAt(now, opts.TTL)),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("disk: encode object metadata for %q: %w", key, err)
	}
	if _, err := s.writeAtomic(dataPath+infoSuffix, strings.NewReader(string(payload))); err != nil {
		return nil, fmt.Errorf("disk: write object metadata for %q: %w", key, err)
	}
	logger.Trace("disk.put_object.success", "key", key, "size", written, "etag", rec.ETag)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
		ExpiresAt:    storage.ParseExpiry(rec.ExpiresAt),
	}, nil
}

// DeleteObject removes an object from disk applying optional CAS semantics.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.loggerFor(ctx)
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()
	info, err := s.loadObjectInfo(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.removeFiles(dataPath); err != nil {
		logger.Debug("disk.delete_object.remove_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	logger.Trace("disk.delete_object.success", "key", key)
	return nil
}

// ListObjects enumerates live objects in lexical key order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.loggerFor(ctx)
	walkRoot := s.objectDir
	// Narrow the walk to the deepest directory implied by the prefix.
	if idx := strings.LastIndex(opts.Prefix, "/"); idx > 0 {
		walkRoot = filepath.Join(s.objectDir, filepath.FromSlash(opts.Prefix[:idx]))
	}
	keys := make([]string, 0, 64)
	err := filepath.WalkDir(walkRoot, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				if p == walkRoot {
					return filepath.SkipDir
				}
				return nil
			}
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.objectDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "prefix", opts.Prefix, "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for _, key := range keys {
		info, err := s.loadObjectInfo(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, *info)
	}
	return result, nil
}

// SweepExpired removes every expired object and returns how many were removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.listAll(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range res {
		dataPath, err := s.objectDataPath(key)
		if err != nil {
			continue
		}
		rec, err := s.readInfoRecord(dataPath + infoSuffix)
		if err != nil {
			continue
		}
		if !storage.Expired(storage.ParseExpiry(rec.ExpiresAt), s.clock.Now()) {
			continue
		}
		if err := s.removeFiles(dataPath); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) listAll(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.objectDir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	return keys, err
}

func (s *Store) janitorLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.doneJanitor)
	for {
		select {
		case <-ticker.C:
			if removed, err := s.SweepExpired(context.Background()); err != nil {
				s.logger.Warn("disk.janitor.error", "error", err)
			} else if removed > 0 {
				s.logger.Debug("disk.janitor.swept", "removed", removed)
			}
		case <-s.stopJanitor:
			return
		}
	}
}

func (s *Store) loggerFor(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger.With("storage_backend", "disk")
	}
	return s.logger
}

func (s *Store) objectDataPath(key string) (string, error) {
	normalized, err := storage.NormalizeKey(key)
	if err != nil {
		return "", fmt.Errorf("disk: %w", err)
	}
	if normalized != key || strings.HasSuffix(normalized, infoSuffix) {
		return "", fmt.Errorf("disk: %w: %q", storage.ErrInvalidKey, key)
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(normalized)), nil
}

func (s *Store) readInfoRecord(infoPath string) (*objectInfoRecord, error) {
	payload, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, err
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata %s: %w", infoPath, err)
	}
	if rec.ETag == "" {
		return nil, fmt.Errorf("disk: object metadata %s missing etag", infoPath)
	}
	return &rec, nil
}

// loadObjectInfo returns ErrNotFound for missing and expired objects.
func (s *Store) loadObjectInfo(key string) (*storage.ObjectInfo, error) {
	dataPath, err := s.objectDataPath(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	rec, err := s.readInfoRecord(dataPath + infoSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: missing object metadata for %q", key)
		}
		return nil, err
	}
	expiresAt := storage.ParseExpiry(rec.ExpiresAt)
	if storage.Expired(expiresAt, s.clock.Now()) {
		return nil, storage.ErrNotFound
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: time.Unix(rec.UpdatedAtUnix, 0).UTC(),
		ContentType:  rec.ContentType,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Store) writeAtomic(dest string, body io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "bankd-*")
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(tmp, body)
	if err == nil {
		err = syncFile(tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	_ = syncDir(filepath.Dir(dest))
	return written, nil
}

// removeFiles deletes the object and its sidecar, then prunes empty parent
// directories up to the object root.
func (s *Store) removeFiles(dataPath string) error {
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	dir := filepath.Dir(dataPath)
	for dir != s.objectDir && strings.HasPrefix(dir, s.objectDir) {
		if err := os.Remove(dir); err != nil {
			// ENOTEMPTY ends the walk; anything else is left for the janitor.
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

func (s *Store) lockKey(key string) (func(), error) {
	muAny, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	f, err := os.OpenFile(filepath.Join(s.lockDir, url.PathEscape(key)+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock for %q: %w", key, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock %q: %w", key, err)
	}
	fl := &fileLock{file: f}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("disk.lock.release_error", "key", key, "error", err)
		}
		mu.Unlock()
	}, nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
