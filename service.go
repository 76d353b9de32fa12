package bankd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/bankd/internal/bank"
	"pkt.systems/bankd/internal/checkpoint"
	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/flow"
	"pkt.systems/bankd/internal/lease"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/protectable"
	"pkt.systems/bankd/internal/protection"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/bankd/internal/storage/logging"
	"pkt.systems/bankd/internal/storage/retry"
)

// Service is an opened bank: the wrapped backend, the lease held on it and
// the checkpoint collection stored in it.
type Service struct {
	cfg         Config
	backend     storage.Backend
	bank        *bank.Bank
	lease       *lease.Plugin
	checkpoints *checkpoint.Collection
	logger      pslog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option customises Open.
type Option func(*options)

type options struct {
	logger  pslog.Logger
	clock   clock.Clock
	meter   metric.Meter
	backend storage.Backend
}

// WithLogger sets the service logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock injects the clock used by the lease, the bank and TTL-emulating
// backends.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithMeter sets the meter used for lease metrics.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithBackend skips the store URL and uses backend as the raw store. The
// service still wraps it and closes it.
func WithBackend(backend storage.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// Open builds the backend named by cfg.Store, wraps it with retries,
// tracing and optional encryption, acquires the lease and starts renewing
// it. Failing to acquire the lease is fatal.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := logutil.Ensure(o.logger)
	clk := clock.Or(o.clock)
	kind := StoreKind(cfg.Store)

	raw := o.backend
	if raw == nil {
		var err error
		raw, err = openBackend(ctx, cfg, clk, logutil.WithSubsystem(logger, "storage."+kind))
		if err != nil {
			return nil, fmt.Errorf("bankd: open store: %w", err)
		}
	}
	backend, err := wrapBackend(raw, cfg, clk, logger, kind)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	svc := &Service{cfg: cfg, backend: backend, logger: logger}
	bankOpts := []bank.Option{bank.WithOwnerID(cfg.OwnerID), bank.WithLogger(logger), bank.WithClock(clk)}
	if !cfg.DisableLease {
		// Renewal outlives the context Open was called with.
		l, err := lease.Open(ctx, backend, cfg.LeaseConfig(),
			lease.WithOwnerID(cfg.OwnerID),
			lease.WithClock(clk),
			lease.WithLogger(logger),
			lease.WithMeter(o.meter),
		)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		svc.lease = l
		bankOpts = append(bankOpts, bank.WithLease(l))
	}
	svc.bank, err = bank.New(backend, bankOpts...)
	if err != nil {
		_ = svc.Close(ctx)
		return nil, err
	}
	svc.checkpoints = checkpoint.NewCollection(svc.bank)
	logger.Info("bankd.open.success", "store_kind", kind, "owner_id", cfg.OwnerID, "lease", !cfg.DisableLease, "encrypted", cfg.StorageEncryptionKeyFile != "")
	return svc, nil
}

func wrapBackend(raw storage.Backend, cfg Config, clk clock.Clock, logger pslog.Logger, kind string) (storage.Backend, error) {
	backend := retry.Wrap(raw, logutil.WithSubsystem(logger, "storage.retry"), clk, cfg.RetryConfig())
	backend = logging.Wrap(backend, logutil.WithSubsystem(logger, "storage"), kind)
	if cfg.StorageEncryptionKeyFile == "" {
		return backend, nil
	}
	root, err := storage.LoadRootKey(cfg.StorageEncryptionKeyFile)
	if err != nil {
		return nil, err
	}
	crypto, err := storage.NewCrypto(storage.CryptoConfig{RootKey: root, Snappy: cfg.StorageEncryptionSnappy})
	if err != nil {
		return nil, err
	}
	return storage.Encrypt(backend, crypto), nil
}

// Config returns the validated configuration.
func (s *Service) Config() Config { return s.cfg }

// Backend returns the wrapped backend.
func (s *Service) Backend() storage.Backend { return s.backend }

// Bank returns the bank.
func (s *Service) Bank() *bank.Bank { return s.bank }

// Checkpoints returns the checkpoint collection.
func (s *Service) Checkpoints() *checkpoint.Collection { return s.checkpoints }

// Lease returns the held lease, or nil when leasing is disabled.
func (s *Service) Lease() *lease.Plugin { return s.lease }

// Logger returns the service logger.
func (s *Service) Logger() pslog.Logger { return s.logger }

// Flow returns an engine running protect, restore and delete against this
// service's checkpoints.
func (s *Service) Flow(protectables *protectable.Registry, protections *protection.Registry) *flow.Engine {
	return flow.New(s.checkpoints, protectables, protections, flow.WithLogger(s.logger))
}

// Close stops renewal, releases the lease and closes the backend. It is safe
// to call more than once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.lease != nil {
			if err := s.lease.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bankd: close store: %w", err))
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("bankd.close.error", "error", s.closeErr)
		} else {
			s.logger.Info("bankd.close.success")
		}
	})
	return s.closeErr
}
