// Package graph builds and walks the resource dependency forest that a
// protection plan expands into.
//
// A build interns exactly one Node per resource identity, so a resource that
// is a dependency of several parents appears once and is shared by all of
// them. Only resources that are nobody's dependency are returned as roots.
package graph

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCycleDetected is returned when a resource is reachable from itself.
	ErrCycleDetected = errors.New("graph: cycle detected")
	// ErrInvalidPackedGraph is returned by Unpack for malformed input.
	ErrInvalidPackedGraph = errors.New("graph: invalid packed graph")
)

// Resource identifies a protectable resource. Type and ID form its identity;
// Name is descriptive only.
type Resource struct {
	Type string `json:"type" yaml:"type"`
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Key returns the identity of r.
func (r Resource) Key() Key {
	return Key{Type: r.Type, ID: r.ID}
}

// String renders r as type:id.
func (r Resource) String() string {
	return r.Type + ":" + r.ID
}

// Key is the comparable identity of a Resource.
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string {
	return k.Type + ":" + k.ID
}

// Node is one resource in a built graph.
type Node struct {
	Value    Resource
	Children []*Node
}

// ChildResolver returns the direct dependencies of a resource.
type ChildResolver func(ctx context.Context, parent Resource) ([]Resource, error)

type color uint8

const (
	white color = iota
	gray
	black
)

type builder struct {
	ctx      context.Context
	resolve  ChildResolver
	colors   map[Key]color
	finished map[Key]*Node
	sources  map[Key]struct{}
	gray     int
}

// Build expands starts through children into a forest. Every start that is
// also a dependency of another start is dropped from the returned roots, and
// the remaining roots keep their input order. A cycle fails the whole build
// with ErrCycleDetected; there is never a partial result.
func Build(ctx context.Context, starts []Resource, children ChildResolver) ([]*Node, error) {
	if children == nil {
		return nil, fmt.Errorf("graph: child resolver required")
	}
	b := &builder{
		ctx:      ctx,
		resolve:  children,
		colors:   make(map[Key]color),
		finished: make(map[Key]*Node),
		sources:  make(map[Key]struct{}, len(starts)),
	}
	for _, r := range starts {
		b.sources[r.Key()] = struct{}{}
	}
	for _, r := range starts {
		if _, err := b.visit(r); err != nil {
			return nil, err
		}
		if b.gray != 0 {
			panic(fmt.Sprintf("graph: %d nodes left in progress after visiting %s", b.gray, r))
		}
	}
	roots := make([]*Node, 0, len(b.sources))
	emitted := make(map[Key]struct{}, len(b.sources))
	for _, r := range starts {
		k := r.Key()
		if _, ok := b.sources[k]; !ok {
			continue
		}
		if _, dup := emitted[k]; dup {
			continue
		}
		emitted[k] = struct{}{}
		roots = append(roots, b.finished[k])
	}
	return roots, nil
}

func (b *builder) visit(r Resource) (*Node, error) {
	k := r.Key()
	switch b.colors[k] {
	case black:
		return b.finished[k], nil
	case gray:
		return nil, fmt.Errorf("%w: %s", ErrCycleDetected, r)
	}
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}
	b.colors[k] = gray
	b.gray++
	deps, err := b.resolve(b.ctx, r)
	if err != nil {
		return nil, fmt.Errorf("graph: resolve dependencies of %s: %w", r, err)
	}
	node := &Node{Value: r}
	for _, dep := range deps {
		child, err := b.visit(dep)
		if err != nil {
			return nil, err
		}
		delete(b.sources, dep.Key())
		node.Children = append(node.Children, child)
	}
	b.colors[k] = black
	b.gray--
	b.finished[k] = node
	return node, nil
}

// Flatten returns every unique node reachable from roots in post-order, with
// dependencies before their dependents.
func Flatten(roots []*Node) []*Node {
	seen := make(map[Key]struct{})
	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		k := n.Value.Key()
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		for _, c := range n.Children {
			walk(c)
		}
		out = append(out, n)
	}
	for _, r := range roots {
		walk(r)
	}
	return out
}
