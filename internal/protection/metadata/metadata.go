// Package metadata is a protection plugin that backs up a resource's
// descriptor. It is useful on its own for inventories whose resources carry
// no data, and as the smallest working example of the plugin contract.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/bankd/internal/bank"
	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/graph"
	"pkt.systems/bankd/internal/logutil"
	"pkt.systems/bankd/internal/protection"
)

// PayloadKey is the object holding the recorded descriptor.
const PayloadKey = "metadata.json"

// Record is the payload written per resource.
type Record struct {
	Resource     graph.Resource   `json:"resource" yaml:"resource"`
	Dependencies []graph.Resource `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	CheckpointID string           `json:"checkpoint_id" yaml:"checkpoint_id"`
	ProtectedAt  time.Time        `json:"protected_at" yaml:"protected_at"`
}

// RestoreFunc receives each restored record.
type RestoreFunc func(ctx context.Context, rec Record) error

// Plugin implements protection.Plugin for a fixed set of types.
type Plugin struct {
	types     []string
	clock     clock.Clock
	logger    pslog.Logger
	onRestore RestoreFunc
}

// Option customises a Plugin.
type Option func(*Plugin)

// WithClock sets the clock used for ProtectedAt.
func WithClock(clk clock.Clock) Option {
	return func(p *Plugin) { p.clock = clk }
}

// WithLogger sets the plugin logger.
func WithLogger(logger pslog.Logger) Option {
	return func(p *Plugin) { p.logger = logger }
}

// WithRestore sets the callback invoked for every restored record.
func WithRestore(fn RestoreFunc) Option {
	return func(p *Plugin) { p.onRestore = fn }
}

// New returns a plugin handling types.
func New(types []string, opts ...Option) *Plugin {
	p := &Plugin{types: append([]string(nil), types...)}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = clock.Or(p.clock)
	p.logger = logutil.WithSubsystem(p.logger, "protection.metadata")
	return p
}

// ResourceTypes implements protection.Plugin.
func (p *Plugin) ResourceTypes() []string { return p.types }

func (p *Plugin) Protect(ctx context.Context, pc protection.Context) error {
	rec := Record{
		Resource:     pc.Resource(),
		CheckpointID: pc.Checkpoint.ID(),
		ProtectedAt:  p.clock.Now().UTC(),
	}
	for _, child := range pc.Node.Children {
		rec.Dependencies = append(rec.Dependencies, child.Value)
	}
	if err := pc.Section.PutJSON(ctx, PayloadKey, rec); err != nil {
		return fmt.Errorf("metadata: protect %s: %w", rec.Resource, err)
	}
	p.logger.Debug("protection.metadata.protected", "resource", rec.Resource.String(), "checkpoint_id", rec.CheckpointID)
	return nil
}

func (p *Plugin) Restore(ctx context.Context, pc protection.Context) error {
	var rec Record
	if err := pc.Section.GetJSON(ctx, PayloadKey, &rec); err != nil {
		return fmt.Errorf("metadata: restore %s: %w", pc.Resource(), err)
	}
	if rec.Resource.Key() != pc.Resource().Key() {
		return fmt.Errorf("metadata: restore %s: payload belongs to %s", pc.Resource(), rec.Resource)
	}
	if p.onRestore != nil {
		if err := p.onRestore(ctx, rec); err != nil {
			return fmt.Errorf("metadata: restore %s: %w", pc.Resource(), err)
		}
	}
	p.logger.Debug("protection.metadata.restored", "resource", rec.Resource.String())
	return nil
}

// Delete removes the payload. A payload that is already gone is not an
// error.
func (p *Plugin) Delete(ctx context.Context, pc protection.Context) error {
	if err := pc.Section.DeleteObject(ctx, PayloadKey); err != nil && !errors.Is(err, bank.ErrObjectNotFound) {
		return fmt.Errorf("metadata: delete %s: %w", pc.Resource(), err)
	}
	return nil
}
