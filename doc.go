// Package bankd opens a protection bank: an object store holding checkpoints
// of protected resources, guarded by a single-writer lease.
//
// # Opening a bank
//
// The store is named by URL. Open wraps the backend with retries on
// transient errors, otel tracing and, when a key file is configured,
// kryptograf encryption. It then acquires the lease and keeps renewing it
// until Close.
//
//	cfg := bankd.Config{
//	    Store:         "s3://minio:9000/backups/bank?insecure=1&path-style=1",
//	    InventoryPath: "/etc/bankd/inventory.yaml",
//	}
//	svc, err := bankd.Open(ctx, cfg, bankd.WithLogger(logger))
//	if err != nil { return err }
//	defer svc.Close(context.Background())
//
// Supported stores:
//
//	mem://                                   process memory
//	disk:///var/lib/bankd                    local filesystem
//	s3://host[:port]/bucket[/prefix]         S3 compatible (MinIO client)
//	aws://bucket[/prefix]?region=eu-north-1  AWS S3 (aws-sdk-go-v2)
//	azure://account/container[/prefix]       Azure Blob Storage
//	badger:///var/lib/bankd  badger://memory embedded badger database
//
// # Checkpoints
//
// A checkpoint is one index document under /checkpoints/<id>/index.json plus
// the payloads protection plugins write under
// /checkpoints/<id>/resources/<type>/<id>/. The index is only written by
// Commit, and Commit refuses to write once the lease is no longer valid.
// Service.Flow runs protect, restore and delete over them, expanding plan
// resources into their dependency graph through the inventory registry.
//
// # Telemetry
//
// SetupTelemetry installs OTLP trace export (grpc or http, picked from the
// endpoint scheme) and a Prometheus /metrics listener fed by the otel
// prometheus exporter. Lease, checkpoint and storage instrumentation use the
// global providers.
package bankd
