// Package protection defines the contract for plugins that copy, restore and
// delete the data behind protectable resources.
package protection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/bankd/internal/bank"
	"pkt.systems/bankd/internal/checkpoint"
	"pkt.systems/bankd/internal/graph"
)

// StatusKey is the object that tracks a resource's protection status within
// its section.
const StatusKey = "status"

var (
	// ErrNoPlugin is returned when no protection plugin handles a type.
	ErrNoPlugin = errors.New("protection: no plugin for resource type")
	// ErrInvalidStatus is returned for status values outside the vocabulary.
	ErrInvalidStatus = errors.New("protection: invalid resource status")
)

// Context is what a plugin sees for one resource of one checkpoint.
type Context struct {
	Checkpoint *checkpoint.Checkpoint
	Node       *graph.Node
	// Section is the checkpoint's payload section for Node.Value.
	Section *bank.Section
}

// Resource returns the resource being handled.
func (c Context) Resource() graph.Resource {
	if c.Node == nil {
		return graph.Resource{}
	}
	return c.Node.Value
}

// ReadOnly returns a copy of c whose section rejects writes.
func (c Context) ReadOnly() Context {
	c.Section = c.Section.ReadOnly()
	return c
}

// Plugin protects resources of the types it lists. Callers track the
// resource status around every call; plugins only manage their payloads.
// Restore is handed a read-only section.
type Plugin interface {
	ResourceTypes() []string
	Protect(ctx context.Context, pc Context) error
	Restore(ctx context.Context, pc Context) error
	Delete(ctx context.Context, pc Context) error
}

// SetStatus records status in the section's status object.
func SetStatus(ctx context.Context, section *bank.Section, status checkpoint.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := section.UpdateObject(ctx, StatusKey, []byte(status)); err != nil {
		return fmt.Errorf("protection: set status %s: %w", status, err)
	}
	return nil
}

// Status reads the section's status object.
func Status(ctx context.Context, section *bank.Section) (checkpoint.Status, error) {
	raw, err := section.GetObject(ctx, StatusKey)
	if err != nil {
		return "", fmt.Errorf("protection: read status: %w", err)
	}
	status := checkpoint.Status(raw)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// Registry maps resource types to protection plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns a Registry holding plugins. A later plugin replaces an
// earlier one for the types they share.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin)}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// Register makes p the handler for each of its types.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, typ := range p.ResourceTypes() {
		r.plugins[typ] = p
	}
}

// For returns the plugin handling typ.
func (r *Registry) For(typ string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPlugin, typ)
	}
	return p, nil
}

// Types returns the handled types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for typ := range r.plugins {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
