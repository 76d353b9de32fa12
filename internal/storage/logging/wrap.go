// Package logging decorates a storage.Backend with otel spans and pslog
// trace/debug lines for every operation.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/bankd/internal/correlation"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/pslog"
)

// TracerName is the instrumentation scope used for storage spans.
const TracerName = "pkt.systems/bankd/storage"

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with tracing and trace/debug logging. sys names the
// backend kind (mem, disk, s3, ...) on spans.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer(TracerName),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "bankd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("bankd.storage.operation", op),
		attribute.String("bankd.storage.backend", b.sys),
		attribute.String("bankd.storage.key", key),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("bankd.correlation_id", corr))
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("bankd.storage.end", trace.WithAttributes(
			attribute.String("bankd.storage.result", result),
			attribute.Int64("bankd.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

// outcome maps expected conditional failures to a result label so they are
// not recorded as span errors.
func outcome(err error) (string, error) {
	switch {
	case err == nil:
		return "ok", nil
	case errors.Is(err, storage.ErrNotFound):
		return "not_found", nil
	case errors.Is(err, storage.ErrCASMismatch):
		return "cas_mismatch", nil
	default:
		return "error", err
	}
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, logger, finish := b.start(ctx, "get_object", key)
	defer span.End()

	begin := time.Now()
	logger.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, key)
	finish(outcome(err))
	if err != nil {
		logger.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	etag, size := "", int64(0)
	if result.Info != nil {
		etag, size = result.Info.ETag, result.Info.Size
	}
	span.SetAttributes(attribute.Int64("bankd.storage.object_size", size))
	logger.Debug("storage.get_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, logger, finish := b.start(ctx, "put_object", key)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("bankd.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("bankd.storage.if_not_exists", opts.IfNotExists),
		attribute.Int64("bankd.storage.ttl_ms", opts.TTL.Milliseconds()),
	)
	begin := time.Now()
	logger.Trace("storage.put_object.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
		"content_type", opts.ContentType,
		"ttl", opts.TTL,
	)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	finish(outcome(err))
	if err != nil {
		logger.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	etag, size := "", int64(0)
	if info != nil {
		etag, size = info.ETag, info.Size
	}
	logger.Debug("storage.put_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, logger, finish := b.start(ctx, "delete_object", key)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("bankd.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("bankd.storage.ignore_not_found", opts.IgnoreNotFound),
	)
	begin := time.Now()
	logger.Trace("storage.delete_object.begin", "key", key, "expected_etag", opts.ExpectedETag)
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(outcome(err))
	if err != nil {
		logger.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, logger, finish := b.start(ctx, "list_objects", opts.Prefix)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("bankd.storage.has_start_after", opts.StartAfter != ""),
		attribute.Int("bankd.storage.limit", opts.Limit),
	)
	begin := time.Now()
	logger.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	res, err := b.inner.ListObjects(ctx, opts)
	finish(outcome(err))
	if err != nil {
		logger.Debug("storage.list_objects.error", "prefix", opts.Prefix, "error", err, "elapsed", time.Since(begin))
		return res, err
	}
	count := 0
	if res != nil {
		count = len(res.Objects)
		span.SetAttributes(
			attribute.Int("bankd.storage.object_count", count),
			attribute.Bool("bankd.storage.truncated", res.Truncated),
		)
	}
	logger.Debug("storage.list_objects.success", "prefix", opts.Prefix, "count", count, "elapsed", time.Since(begin))
	return res, nil
}

func (b *backend) Close() error {
	_, span, logger, finish := b.start(context.Background(), "close", "")
	defer span.End()

	err := b.inner.Close()
	finish(outcome(err))
	if err != nil {
		logger.Debug("storage.close.error", "error", err)
		return err
	}
	logger.Trace("storage.close.success")
	return nil
}
