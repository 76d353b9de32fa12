// Package azure implements the bank backend on Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/pslog"
)

// Azure metadata names must be valid C# identifiers, so the shared
// storage.MetaExpiresAt key is spelled with underscores here.
const expiresMetaKey = "bankd_expires_at"

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
	clock     clock.Clock
	logger    pslog.Logger
}

// New constructs a Store using the provided configuration. The container is
// not created; call EnsureContainer for that.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := endpointURL(cfg)
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		clock:     clock.Or(cfg.Clock),
		logger:    logutil.WithSubsystem(cfg.Logger, "storage.azure"),
	}, nil
}

func endpointURL(cfg Config) string {
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/")
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
}

// EnsureContainer creates the configured container if it does not exist.
func (s *Store) EnsureContainer(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.client.CreateContainer(ctx, s.container, nil); err != nil {
		if isContainerExists(err) {
			return nil
		}
		return s.wrapError(err, "azure: create container")
	}
	s.logger.Info("azure.container.created", "container", s.container)
	return nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	clone.MaxIdleConns = 256
	clone.MaxIdleConnsPerHost = 64
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close releases resources held by Store (no-op for Azure).
func (s *Store) Close() error { return nil }

func (s *Store) loggerFor(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger.With("storage_backend", "azure")
	}
	return s.logger
}

func (s *Store) blobName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) logicalKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, s.prefix+"/")
}

// GetObject downloads the blob stored at key. Blobs past their emulated
// expiry are deleted and reported missing.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.loggerFor(ctx)
	name := s.blobName(key)
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("azure.get_object.error", "key", key, "blob", name, "error", err)
		return storage.GetObjectResult{}, s.wrapError(err, "azure: download object")
	}
	expiresAt := storage.ParseExpiry(metadataValue(resp.Metadata, expiresMetaKey))
	if storage.Expired(expiresAt, s.clock.Now()) {
		resp.Body.Close()
		if _, err := s.client.DeleteBlob(ctx, s.container, name, nil); err != nil && !isNotFound(err) {
			logger.Debug("azure.get_object.expire_error", "key", key, "blob", name, "error", err)
		}
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := &storage.ObjectInfo{Key: key, ExpiresAt: expiresAt}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	logger.Trace("azure.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads a blob with CAS/creation semantics.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggerFor(ctx)
	name := s.blobName(key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("azure: read body for %q: %w", key, err)
	}
	uploadOpts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	expiresAt := storage.ExpiresAt(s.clock.Now(), opts.TTL)
	if !expiresAt.IsZero() {
		uploadOpts.Metadata = map[string]*string{expiresMetaKey: to.Ptr(storage.FormatExpiry(expiresAt))}
	}
	if opts.ExpectedETag != "" {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag)),
			},
		}
	} else if opts.IfNotExists {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETag("*")),
			},
		}
	}
	resp, err := s.client.UploadBuffer(ctx, s.container, name, payload, uploadOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("azure.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		logger.Debug("azure.put_object.error", "key", key, "blob", name, "error", err)
		return nil, s.wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		Size:         int64(len(payload)),
		ContentType:  contentType,
		LastModified: s.clock.Now(),
		ExpiresAt:    expiresAt,
	}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	logger.Trace("azure.put_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return info, nil
}

// DeleteObject removes the blob, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.loggerFor(ctx)
	name := s.blobName(key)
	deleteOpts := &azblob.DeleteBlobOptions{}
	if opts.ExpectedETag != "" {
		deleteOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag)),
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, name, deleteOpts); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		logger.Debug("azure.delete_object.error", "key", key, "blob", name, "error", err)
		return s.wrapError(err, "azure: delete object")
	}
	logger.Trace("azure.delete_object.success", "key", key)
	return nil
}

// ListObjects enumerates blobs under opts.Prefix in key order. Azure has no
// StartAfter parameter, so the marker is applied client side.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	blobPrefix := s.blobName(opts.Prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &blobPrefix,
	})
	result := &storage.ListResult{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, s.wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := s.logicalKey(*item.Name)
			if key == "" || (opts.StartAfter != "" && key <= opts.StartAfter) {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				return result, nil
			}
			info := storage.ObjectInfo{Key: key}
			if props := item.Properties; props != nil {
				if props.ETag != nil {
					info.ETag = string(*props.ETag)
				}
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.LastModified = props.LastModified.UTC()
				}
				if props.ContentType != nil {
					info.ContentType = *props.ContentType
				}
			}
			result.Objects = append(result.Objects, info)
		}
	}
	return result, nil
}

func metadataValue(meta map[string]*string, want string) string {
	for k, v := range meta {
		if v != nil && strings.EqualFold(k, want) {
			return *v
		}
	}
	return ""
}

func (s *Store) wrapError(err error, op string) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func responseStatus(err error) (int, string, bool) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode, respErr.ErrorCode, true
	}
	return 0, "", false
}

func isContainerExists(err error) bool {
	status, code, ok := responseStatus(err)
	return ok && status == http.StatusConflict && strings.EqualFold(code, "ContainerAlreadyExists")
}

func isPreconditionFailed(err error) bool {
	status, code, ok := responseStatus(err)
	if !ok {
		return false
	}
	if status == http.StatusPreconditionFailed {
		return true
	}
	return status == http.StatusConflict && strings.EqualFold(code, "BlobAlreadyExists")
}

func isNotFound(err error) bool {
	status, _, ok := responseStatus(err)
	return ok && status == http.StatusNotFound
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	status, _, ok := responseStatus(err)
	if ok {
		switch status {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

var _ storage.Backend = (*Store)(nil)

// Endpoint returns the blob service URL the store talks to.
func (s *Store) Endpoint() string { return s.endpoint }
