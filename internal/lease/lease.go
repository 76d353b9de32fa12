// Package lease implements single-writer ownership of a bank. The holder
// writes an owner marker with store-side expiry and keeps renewing it; a
// holder that stops renewing loses validity before the marker expires, so a
// commit can never race a new owner.
package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/pslog"
)

// ErrAcquireLeaseFailed is returned when the owner marker cannot be written.
var ErrAcquireLeaseFailed = errors.New("lease: acquire failed")

// Default windows.
const (
	DefaultExpireWindow   = 600 * time.Second
	DefaultRenewWindow    = 120 * time.Second
	DefaultValidityWindow = 100 * time.Second
	DefaultPrefix         = "/account_leases"
)

// Config controls lease timing. ValidityWindow must be shorter than
// ExpireWindow and RenewWindow shorter than ExpireWindow-ValidityWindow for
// the lease to stay valid across renewals.
type Config struct {
	ExpireWindow   time.Duration
	RenewWindow    time.Duration
	ValidityWindow time.Duration
	Prefix         string
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{
		ExpireWindow:   DefaultExpireWindow,
		RenewWindow:    DefaultRenewWindow,
		ValidityWindow: DefaultValidityWindow,
		Prefix:         DefaultPrefix,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ExpireWindow <= 0 {
		c.ExpireWindow = def.ExpireWindow
	}
	if c.RenewWindow <= 0 {
		c.RenewWindow = def.RenewWindow
	}
	if c.ValidityWindow < 0 {
		c.ValidityWindow = 0
	}
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	return c
}

// Validate reports inconsistent windows.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.ValidityWindow >= c.ExpireWindow {
		return fmt.Errorf("lease: validity window %s must be shorter than expire window %s", c.ValidityWindow, c.ExpireWindow)
	}
	if c.RenewWindow >= c.ExpireWindow {
		return fmt.Errorf("lease: renew window %s must be shorter than expire window %s", c.RenewWindow, c.ExpireWindow)
	}
	return nil
}

// State is a point-in-time copy of the lease.
type State struct {
	OwnerID        string        `json:"owner_id"`
	MarkerKey      string        `json:"marker_key"`
	Acquired       bool          `json:"acquired"`
	Running        bool          `json:"renewing"`
	ExpireTime     time.Time     `json:"expire_time"`
	Remaining      time.Duration `json:"remaining"`
	Valid          bool          `json:"valid"`
	ExpireWindow   time.Duration `json:"expire_window"`
	RenewWindow    time.Duration `json:"renew_window"`
	ValidityWindow time.Duration `json:"validity_window"`
}

type marker struct {
	OwnerID    string    `json:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}

// Plugin owns the lease for one owner id.
type Plugin struct {
	backend storage.Backend
	cfg     Config
	ownerID string
	key     string
	clock   clock.Clock
	logger  pslog.Logger
	metrics *leaseMetrics

	mu         sync.Mutex
	acquired   bool
	acquiredAt time.Time
	expireTime time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// Option customises a Plugin.
type Option func(*options)

type options struct {
	ownerID string
	clock   clock.Clock
	logger  pslog.Logger
	meter   metric.Meter
}

// WithOwnerID sets the owner id written to the marker. Required.
func WithOwnerID(id string) Option {
	return func(o *options) { o.ownerID = id }
}

// WithClock overrides the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithLogger sets the lease logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter overrides the global otel meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// New builds an unacquired Plugin.
func New(backend storage.Backend, cfg Config, opts ...Option) (*Plugin, error) {
	if backend == nil {
		return nil, fmt.Errorf("lease: backend required")
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.ownerID == "" {
		return nil, fmt.Errorf("lease: owner id required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := storage.NormalizeKey(storage.JoinKey(cfg.Prefix, o.ownerID))
	if err != nil {
		return nil, fmt.Errorf("lease: marker key: %w", err)
	}
	logger := logutil.WithSubsystem(o.logger, "bank.lease").With("owner_id", o.ownerID)
	return &Plugin{
		backend: backend,
		cfg:     cfg,
		ownerID: o.ownerID,
		key:     key,
		clock:   clock.Or(o.clock),
		logger:  logger,
		metrics: newLeaseMetrics(o.meter, logger),
	}, nil
}

// Open acquires the lease and starts renewal. Renewal keeps running after ctx
// is cancelled, until Stop or Close. If the lease cannot be acquired no
// plugin is returned.
func Open(ctx context.Context, backend storage.Backend, cfg Config, opts ...Option) (*Plugin, error) {
	p, err := New(backend, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Acquire(ctx); err != nil {
		return nil, err
	}
	p.Start(ctx)
	return p, nil
}

// OwnerID returns the lease owner.
func (p *Plugin) OwnerID() string { return p.ownerID }

// Config returns the effective configuration.
func (p *Plugin) Config() Config { return p.cfg }

func (p *Plugin) writeMarker(ctx context.Context, now time.Time) error {
	p.mu.Lock()
	acquiredAt := p.acquiredAt
	p.mu.Unlock()
	if acquiredAt.IsZero() {
		acquiredAt = now
	}
	body, err := json.Marshal(marker{OwnerID: p.ownerID, AcquiredAt: acquiredAt, RenewedAt: now})
	if err != nil {
		return err
	}
	_, err = p.backend.PutObject(ctx, p.key, bytes.NewReader(body), storage.PutObjectOptions{
		ContentType: storage.ContentTypeJSON,
		TTL:         p.cfg.ExpireWindow,
	})
	return err
}

// Acquire writes the owner marker and starts the validity clock.
func (p *Plugin) Acquire(ctx context.Context) error {
	now := p.clock.Now()
	err := p.writeMarker(ctx, now)
	p.metrics.recordAcquire(ctx, err)
	if err != nil {
		p.logger.Error("lease.acquire.error", "key", p.key, "error", err)
		return fmt.Errorf("%w: owner %s: %w", ErrAcquireLeaseFailed, p.ownerID, err)
	}
	p.mu.Lock()
	p.acquired = true
	p.acquiredAt = now
	p.expireTime = now.Add(p.cfg.ExpireWindow)
	expire := p.expireTime
	p.mu.Unlock()
	p.logger.Info("lease.acquire.success", "key", p.key, "expire_time", expire)
	return nil
}

// Renew rewrites the marker and pushes the expiry forward.
func (p *Plugin) Renew(ctx context.Context) error {
	begin := p.clock.Now()
	err := p.writeMarker(ctx, begin)
	p.metrics.recordRenew(ctx, p.clock.Now().Sub(begin), err)
	if err != nil {
		return fmt.Errorf("lease: renew owner %s: %w", p.ownerID, err)
	}
	p.mu.Lock()
	p.acquired = true
	p.expireTime = begin.Add(p.cfg.ExpireWindow)
	expire := p.expireTime
	p.mu.Unlock()
	p.logger.Debug("lease.renew.success", "expire_time", expire)
	return nil
}

// Start launches the renewal loop. The first renewal happens one
// RenewWindow after Start. Calling Start on a running plugin is a no-op.
func (p *Plugin) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.renewLoop(loopCtx, p.done)
}

func (p *Plugin) renewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := p.cfg.RenewWindow
	next := p.clock.Now().Add(interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(clock.Until(p.clock, next)):
		}
		if ctx.Err() != nil {
			return
		}
		if err := p.Renew(ctx); err != nil {
			p.logger.Warn("lease.renew.error", "error", err)
		}
		next = next.Add(interval)
		// skip ticks missed while a renewal stalled
		if now := p.clock.Now(); !next.After(now) {
			missed := now.Sub(next)/interval + 1
			next = next.Add(missed * interval)
		}
	}
}

// Stop cancels the renewal loop and waits for it to exit.
func (p *Plugin) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Valid reports whether enough lease time remains to commit safely.
func (p *Plugin) Valid() bool {
	p.mu.Lock()
	acquired, expire := p.acquired, p.expireTime
	p.mu.Unlock()
	if !acquired {
		p.metrics.recordValidity(0, false)
		return false
	}
	remaining := clock.Until(p.clock, expire)
	valid := remaining >= p.cfg.ValidityWindow
	p.metrics.recordValidity(remaining, valid)
	return valid
}

// Release stops renewal and deletes the owner marker. The lease is invalid
// afterwards even if the delete fails.
func (p *Plugin) Release(ctx context.Context) error {
	p.Stop()
	p.mu.Lock()
	wasAcquired := p.acquired
	p.acquired = false
	p.acquiredAt = time.Time{}
	p.expireTime = time.Time{}
	p.mu.Unlock()
	if !wasAcquired {
		return nil
	}
	err := p.backend.DeleteObject(ctx, p.key, storage.DeleteObjectOptions{IgnoreNotFound: true})
	if err != nil {
		p.logger.Warn("lease.release.error", "key", p.key, "error", err)
		return fmt.Errorf("lease: release owner %s: %w", p.ownerID, err)
	}
	p.logger.Info("lease.release.success", "key", p.key)
	return nil
}

// Close releases the lease.
func (p *Plugin) Close(ctx context.Context) error {
	return p.Release(ctx)
}

// Snapshot returns the current lease state.
func (p *Plugin) Snapshot() State {
	p.mu.Lock()
	st := State{
		OwnerID:        p.ownerID,
		MarkerKey:      p.key,
		Acquired:       p.acquired,
		Running:        p.cancel != nil,
		ExpireTime:     p.expireTime,
		ExpireWindow:   p.cfg.ExpireWindow,
		RenewWindow:    p.cfg.RenewWindow,
		ValidityWindow: p.cfg.ValidityWindow,
	}
	p.mu.Unlock()
	if st.Acquired {
		st.Remaining = clock.Until(p.clock, st.ExpireTime)
		st.Valid = st.Remaining >= st.ValidityWindow
	}
	return st
}

// Holder reads the marker stored for ownerID under cfg.Prefix. It returns
// storage.ErrNotFound when no live marker exists.
func Holder(ctx context.Context, backend storage.Backend, cfg Config, ownerID string) (time.Time, error) {
	cfg = cfg.withDefaults()
	key, err := storage.NormalizeKey(storage.JoinKey(cfg.Prefix, ownerID))
	if err != nil {
		return time.Time{}, err
	}
	data, info, err := storage.ReadObject(ctx, backend, key)
	if err != nil {
		return time.Time{}, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return time.Time{}, fmt.Errorf("lease: decode marker %s: %w", key, err)
	}
	if !info.ExpiresAt.IsZero() {
		return info.ExpiresAt, nil
	}
	return m.RenewedAt.Add(cfg.ExpireWindow), nil
}

// HolderInfo describes one live lease marker.
type HolderInfo struct {
	OwnerID    string    `json:"owner_id" yaml:"owner_id"`
	AcquiredAt time.Time `json:"acquired_at" yaml:"acquired_at"`
	RenewedAt  time.Time `json:"renewed_at" yaml:"renewed_at"`
	ExpiresAt  time.Time `json:"expires_at" yaml:"expires_at"`
}

// Holders lists every live marker under cfg.Prefix, in key order.
func Holders(ctx context.Context, backend storage.Backend, cfg Config) ([]HolderInfo, error) {
	cfg = cfg.withDefaults()
	prefix, err := storage.NormalizeKey(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	prefix += "/"
	var out []HolderInfo
	opts := storage.ListOptions{Prefix: prefix}
	for {
		res, err := backend.ListObjects(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("lease: list holders: %w", err)
		}
		for _, obj := range res.Objects {
			data, info, err := storage.ReadObject(ctx, backend, obj.Key)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("lease: read holder %s: %w", obj.Key, err)
			}
			var m marker
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, fmt.Errorf("lease: decode marker %s: %w", obj.Key, err)
			}
			h := HolderInfo{OwnerID: m.OwnerID, AcquiredAt: m.AcquiredAt, RenewedAt: m.RenewedAt, ExpiresAt: info.ExpiresAt}
			if h.ExpiresAt.IsZero() {
				h.ExpiresAt = m.RenewedAt.Add(cfg.ExpireWindow)
			}
			out = append(out, h)
		}
		if !res.Truncated {
			return out, nil
		}
		opts.StartAfter = res.NextStartAfter
	}
}
