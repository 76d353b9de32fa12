// Package protectable describes the resource types that can be protected and
// how they depend on each other.
package protectable

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"pkt.systems/bankd/internal/graph"
)

var (
	// ErrDuplicateType is returned when two plugins claim one resource type.
	ErrDuplicateType = errors.New("protectable: resource type already registered")
	// ErrUnknownType is returned for resource types nobody registered.
	ErrUnknownType = errors.New("protectable: unknown resource type")
)

// Plugin enumerates resources of one type and the resources of that type a
// given parent depends on.
type Plugin interface {
	ResourceType() string
	// ParentTypes lists the types whose resources can depend on this one.
	ParentTypes() []string
	ListResources(ctx context.Context) ([]graph.Resource, error)
	// DependentResources returns the resources of this plugin's type that
	// parent depends on.
	DependentResources(ctx context.Context, parent graph.Resource) ([]graph.Resource, error)
}

// Registry maps resource types to plugins. Build it once at start-up and
// share it; it is safe for concurrent reads after registration.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	// children maps a parent type to the plugins that declare it.
	children map[string][]Plugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins:  make(map[string]Plugin),
		children: make(map[string][]Plugin),
	}
}

// Register adds p.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("protectable: nil plugin")
	}
	typ := p.ResourceType()
	if typ == "" {
		return fmt.Errorf("protectable: plugin with empty resource type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[typ]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, typ)
	}
	r.plugins[typ] = p
	for _, parent := range p.ParentTypes() {
		r.children[parent] = append(r.children[parent], p)
	}
	return nil
}

// Plugin returns the plugin for typ.
func (r *Registry) Plugin(typ string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return p, nil
}

// Types returns every registered type, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.plugins))
	for typ := range r.plugins {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// ChildTypes returns the types that declare typ as a parent, sorted.
func (r *Registry) ChildTypes(typ string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, p := range r.children[typ] {
		out = append(out, p.ResourceType())
	}
	sort.Strings(out)
	return out
}

// IsRootType reports whether typ is registered and has no parent types.
func (r *Registry) IsRootType(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[typ]
	return ok && len(p.ParentTypes()) == 0
}

// RootTypes returns every registered type without parents, sorted.
func (r *Registry) RootTypes() []string {
	var out []string
	for _, typ := range r.Types() {
		if r.IsRootType(typ) {
			out = append(out, typ)
		}
	}
	return out
}

// ChildResolver asks every plugin that declares the parent's type for the
// parent's dependencies, in child type order.
func (r *Registry) ChildResolver() graph.ChildResolver {
	return func(ctx context.Context, parent graph.Resource) ([]graph.Resource, error) {
		r.mu.RLock()
		plugins := slices.Clone(r.children[parent.Type])
		r.mu.RUnlock()
		sort.Slice(plugins, func(i, j int) bool {
			return plugins[i].ResourceType() < plugins[j].ResourceType()
		})
		var out []graph.Resource
		for _, p := range plugins {
			deps, err := p.DependentResources(ctx, parent)
			if err != nil {
				return nil, fmt.Errorf("protectable: %s dependencies of %s: %w", p.ResourceType(), parent, err)
			}
			out = append(out, deps...)
		}
		return out, nil
	}
}

// BuildGraph expands resources into their dependency forest.
func (r *Registry) BuildGraph(ctx context.Context, resources []graph.Resource) ([]*graph.Node, error) {
	return graph.Build(ctx, resources, r.ChildResolver())
}

// ListResources lists every resource of typ.
func (r *Registry) ListResources(ctx context.Context, typ string) ([]graph.Resource, error) {
	p, err := r.Plugin(typ)
	if err != nil {
		return nil, err
	}
	return p.ListResources(ctx)
}
