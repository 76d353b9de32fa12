// Package bank is the checkpoint store abstraction: a Bank wraps a
// storage.Backend and hands out Sections, prefix-scoped views that translate
// backend failures into the bank error vocabulary.
package bank

import (
	"errors"
	"fmt"

	"github.com/rs/xid"

	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/pslog"
)

var (
	// ErrEmptyKey is returned for operations addressed at an empty key.
	ErrEmptyKey = errors.New("bank: empty key")
	// ErrReadOnly is returned for mutations through a read-only section.
	ErrReadOnly = errors.New("bank: section is read-only")
	// ErrObjectAlreadyExists is returned when a create finds a different value.
	ErrObjectAlreadyExists = errors.New("bank: object already exists")
	// ErrObjectNotFound is returned for missing keys. It also matches
	// storage.ErrNotFound.
	ErrObjectNotFound = errors.New("bank: object not found")
	// ErrStoreConnection wraps every other backend failure.
	ErrStoreConnection = errors.New("bank: store connection failed")
)

// Lease is the view of single-writer ownership a bank carries.
type Lease interface {
	Valid() bool
}

// Bank is the root handle over a backend.
type Bank struct {
	backend storage.Backend
	ownerID string
	lease   Lease
	logger  pslog.Logger
	clock   clock.Clock
}

// Option customises a Bank.
type Option func(*Bank)

// WithOwnerID sets the identity this process writes as.
func WithOwnerID(id string) Option {
	return func(b *Bank) { b.ownerID = id }
}

// WithLease attaches the lease that gates checkpoint commits.
func WithLease(l Lease) Option {
	return func(b *Bank) { b.lease = l }
}

// WithLogger sets the bank logger.
func WithLogger(logger pslog.Logger) Option {
	return func(b *Bank) { b.logger = logger }
}

// WithClock overrides the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(b *Bank) { b.clock = clk }
}

// New builds a Bank over backend. Without WithOwnerID a random owner id is
// generated.
func New(backend storage.Backend, opts ...Option) (*Bank, error) {
	if backend == nil {
		return nil, fmt.Errorf("bank: backend required")
	}
	b := &Bank{backend: backend}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.ownerID == "" {
		b.ownerID = xid.New().String()
	}
	b.logger = logutil.WithSubsystem(b.logger, "bank")
	b.clock = clock.Or(b.clock)
	return b, nil
}

// Section returns a writable view rooted at prefix.
func (b *Bank) Section(prefix string) *Section {
	return &Section{bank: b, prefix: storage.JoinKey(prefix)}
}

// Backend exposes the underlying store.
func (b *Bank) Backend() storage.Backend { return b.backend }

// OwnerID returns the identity this bank writes as.
func (b *Bank) OwnerID() string { return b.ownerID }

// Lease returns the attached lease, or nil.
func (b *Bank) Lease() Lease { return b.lease }

// Logger returns the bank logger.
func (b *Bank) Logger() pslog.Logger { return b.logger }

// Clock returns the bank clock.
func (b *Bank) Clock() clock.Clock { return b.clock }

// Close closes the backend.
func (b *Bank) Close() error {
	return b.backend.Close()
}
