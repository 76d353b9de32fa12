package bankd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/storage"
	awsstore "pkt.systems/bankd/internal/storage/aws"
	azurestore "pkt.systems/bankd/internal/storage/azure"
	badgerstore "pkt.systems/bankd/internal/storage/badger"
	"pkt.systems/bankd/internal/storage/disk"
	"pkt.systems/bankd/internal/storage/memory"
	"pkt.systems/bankd/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// StoreKind returns the backend kind named by the store URL scheme.
func StoreKind(store string) string {
	u, err := url.Parse(store)
	if err != nil {
		return ""
	}
	if u.Scheme == "memory" {
		return "mem"
	}
	return u.Scheme
}

func openBackend(ctx context.Context, cfg Config, clk clock.Clock, logger pslog.Logger) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.NewWithConfig(memory.Config{Clock: clk}), nil
	case "s3":
		s3cfg, summary, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		logger.Debug("store.s3.credentials", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		s3cfg.Clock = clk
		s3cfg.Logger = logger
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if cfg.EnsureBucket {
			if err := backend.EnsureBucket(ctx); err != nil {
				_ = backend.Close()
				return nil, err
			}
		}
		return backend, nil
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		awscfg.Clock = clk
		awscfg.Logger = logger
		return awsstore.New(ctx, awscfg)
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Clock = clk
		diskCfg.Logger = logger
		return disk.New(diskCfg)
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		azureCfg.Clock = clk
		azureCfg.Logger = logger
		backend, err := azurestore.New(azureCfg)
		if err != nil {
			return nil, err
		}
		if cfg.EnsureBucket {
			if err := backend.EnsureContainer(ctx); err != nil {
				_ = backend.Close()
				return nil, err
			}
		}
		return backend, nil
	case "badger":
		badgerCfg, err := BuildBadgerConfig(cfg)
		if err != nil {
			return nil, err
		}
		badgerCfg.Clock = clk
		badgerCfg.Logger = logger
		return badgerstore.New(badgerCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services
// (MinIO, etc.): s3://host[:port]/bucket[/prefix]?insecure=1&path-style=1.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("scheme"); strings.EqualFold(v, "http") {
		secure = false
	}
	insecure, err := queryBool(query, "insecure")
	if err != nil {
		return s3.Config{}, CredentialSummary{}, err
	}
	if insecure {
		secure = false
	}
	forcePath, err := queryBool(query, "path-style")
	if err != nil {
		return s3.Config{}, CredentialSummary{}, err
	}
	region := strings.TrimSpace(cfg.S3Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix]?region=... URLs. Credentials
// come from the AWS SDK default chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(u.Path, "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or BANKD_AWS_REGION)")
	}
	out := awsstore.Config{
		Endpoint: strings.TrimSpace(query.Get("endpoint")),
		Region:   region,
		Bucket:   bucket,
		Prefix:   prefix,
	}
	if out.Insecure, err = queryBool(query, "insecure"); err != nil {
		return awsstore.Config{}, err
	}
	if out.PathStyle, err = queryBool(query, "path-style"); err != nil {
		return awsstore.Config{}, err
	}
	return out, nil
}

// queryBool parses an optional boolean store URL parameter.
func queryBool(query url.Values, name string) (bool, error) {
	v := query.Get(name)
	if v == "" {
		return false, nil
	}
	ok, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("store URL parameter %s=%q is not a boolean", name, v)
	}
	return ok, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("BANKD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("BANKD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("BANKD_S3_SESSION_TOKEN")
		source = "env:BANKD_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Fall through to the minio chain (AWS/MinIO env vars, files, IAM).
		return nil, CredentialSummary{Source: "chain"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("BANKD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("BANKD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:///path URLs.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	root, err := localPath(cfg.Store, "disk")
	if err != nil {
		return disk.Config{}, err
	}
	return disk.Config{Root: root, JanitorInterval: cfg.DiskJanitorInterval}, nil
}

// BuildBadgerConfig parses badger:///path and badger://memory URLs.
func BuildBadgerConfig(cfg Config) (badgerstore.Config, error) {
	out := badgerstore.Config{SyncWrites: cfg.BadgerSyncWrites, GCInterval: cfg.BadgerGCInterval}
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return out, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme == "badger" && u.Host == "memory" && strings.Trim(u.Path, "/") == "" {
		out.InMemory = true
		out.GCInterval = 0
		return out, nil
	}
	out.Path, err = localPath(cfg.Store, "badger")
	return out, err
}

func localPath(store, scheme string) (string, error) {
	u, err := url.Parse(store)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != scheme {
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if strings.Trim(pathPart, "/") == "" {
		return "", fmt.Errorf("%s store path required (e.g. %s:///var/lib/bankd)", scheme, scheme)
	}
	return filepath.Clean(pathPart), nil
}

func splitBucketPath(p string) (bucket, prefix string) {
	p = strings.Trim(p, "/")
	bucket, prefix, _ = strings.Cut(p, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
