package bankd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"

	badgerstore "pkt.systems/bankd/internal/storage/badger"
	"pkt.systems/bankd/internal/storage/disk"
	"pkt.systems/bankd/internal/storage/memory"
)

func TestOpenBackendMemory(t *testing.T) {
	backend, err := openBackend(context.Background(), Config{Store: "mem://"}, nil, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
}

func TestOpenBackendDiskAndBadger(t *testing.T) {
	dir := t.TempDir()
	backend, err := openBackend(context.Background(), Config{Store: "disk://" + filepath.Join(dir, "disk")}, nil, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	if _, ok := backend.(*disk.Store); !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
	_ = backend.Close()

	backend, err = openBackend(context.Background(), Config{Store: "badger://memory"}, nil, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	if _, ok := backend.(*badgerstore.Store); !ok {
		t.Fatalf("expected badger backend, got %T", backend)
	}
	_ = backend.Close()
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
		S3SessionToken:    "session",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" || s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected location: %+v", s3cfg)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("expected insecure path-style config: %+v", s3cfg)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatal("expected static credentials")
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://"}); err == nil {
		t.Fatal("expected error for missing host")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://localhost:9000/"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "mem://"}); err == nil {
		t.Fatal("expected error for non-s3 store")
	}
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://h/b", S3AccessKeyID: "only-key"}); err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
	for _, store := range []string{"s3://h/b?insecure=yes", "s3://h/b?path-style=on"} {
		if _, _, err := BuildGenericS3Config(Config{Store: store}); err == nil || !strings.Contains(err.Error(), "not a boolean") {
			t.Fatalf("%s: expected boolean parameter error, got %v", store, err)
		}
	}
}

func TestBuildGenericS3ConfigFallsBackToChain(t *testing.T) {
	t.Setenv("BANKD_S3_ACCESS_KEY_ID", "")
	t.Setenv("BANKD_S3_SECRET_ACCESS_KEY", "")
	t.Setenv("BANKD_S3_SESSION_TOKEN", "")
	s3cfg, summary, err := BuildGenericS3Config(Config{Store: "s3://minio:9000/bucket"})
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.CustomCreds != nil || summary.Source != "chain" || s3cfg.Insecure {
		t.Fatalf("unexpected chain config: %+v %+v", s3cfg, summary)
	}
}

func TestBuildAWSConfig(t *testing.T) {
	cfg := Config{Store: "aws://my-bucket/prefix?endpoint=http://localhost:4566&path-style=true", AWSRegion: "us-west-2"}
	awsCfg, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" || awsCfg.Prefix != "prefix" || awsCfg.Region != "us-west-2" {
		t.Fatalf("unexpected config: %+v", awsCfg)
	}
	if awsCfg.Endpoint != "http://localhost:4566" || !awsCfg.PathStyle {
		t.Fatalf("unexpected endpoint settings: %+v", awsCfg)
	}
	awsCfg, err = BuildAWSConfig(Config{Store: "aws://b?region=eu-north-1", AWSRegion: "us-west-2"})
	if err != nil || awsCfg.Region != "eu-north-1" {
		t.Fatalf("expected query region to win, got %+v %v", awsCfg, err)
	}
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	if _, err := BuildAWSConfig(Config{Store: "aws://b"}); err == nil {
		t.Fatal("expected error without region")
	}
	if _, err := BuildAWSConfig(Config{Store: "aws:///prefix", AWSRegion: "x"}); err == nil {
		t.Fatal("expected error without bucket")
	}
	for _, store := range []string{"aws://b?insecure=yes", "aws://b?path-style=enabled"} {
		if _, err := BuildAWSConfig(Config{Store: store, AWSRegion: "x"}); err == nil || !strings.Contains(err.Error(), "not a boolean") {
			t.Fatalf("%s: expected boolean parameter error, got %v", store, err)
		}
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{Store: "azure://acct/container/nested/prefix?sas=sv%3D1", AzureAccountKey: "key"}
	azureCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "acct" || azureCfg.Container != "container" || azureCfg.Prefix != "nested/prefix" {
		t.Fatalf("unexpected location: %+v", azureCfg)
	}
	if azureCfg.SASToken != "sv=1" || azureCfg.AccountKey != "key" {
		t.Fatalf("unexpected credentials: %+v", azureCfg)
	}
	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatal("expected error without container")
	}
}

func TestLocalStorePaths(t *testing.T) {
	cases := map[string]string{
		"disk:///var/lib/bankd":   "/var/lib/bankd",
		"disk://var/lib/bankd/":   "/var/lib/bankd",
		"badger:///srv/bank/data": "/srv/bank/data",
	}
	for store, want := range cases {
		kind := StoreKind(store)
		got, err := localPath(store, kind)
		if err != nil || got != want {
			t.Fatalf("localPath(%q) = %q, %v; want %q", store, got, err, want)
		}
	}
	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatal("expected error for empty disk path")
	}
	bcfg, err := BuildBadgerConfig(Config{Store: "badger://memory", BadgerGCInterval: 1})
	if err != nil || !bcfg.InMemory || bcfg.GCInterval != 0 {
		t.Fatalf("unexpected in-memory badger config %+v %v", bcfg, err)
	}
}
