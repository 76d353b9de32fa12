package graph

import "fmt"

// PackedGraph is the serialisable form of a forest: every unique resource
// once, its dependencies as indexes into Nodes, and the root indexes.
type PackedGraph struct {
	Nodes []PackedNode `json:"nodes" yaml:"nodes"`
	Roots []int        `json:"roots" yaml:"roots"`
}

// PackedNode is one resource and the indexes of its children.
type PackedNode struct {
	Resource Resource `json:"resource" yaml:"resource"`
	Children []int    `json:"children,omitempty" yaml:"children,omitempty"`
}

// Pack serialises roots. Shared nodes are stored once.
func Pack(roots []*Node) (*PackedGraph, error) {
	index := make(map[Key]int)
	packed := &PackedGraph{Nodes: []PackedNode{}, Roots: make([]int, 0, len(roots))}
	for _, n := range Flatten(roots) {
		entry := PackedNode{Resource: n.Value}
		for _, c := range n.Children {
			// post-order guarantees children were indexed first
			idx, ok := index[c.Value.Key()]
			if !ok {
				return nil, fmt.Errorf("%w: child %s of %s not packed", ErrCycleDetected, c.Value, n.Value)
			}
			entry.Children = append(entry.Children, idx)
		}
		index[n.Value.Key()] = len(packed.Nodes)
		packed.Nodes = append(packed.Nodes, entry)
	}
	for _, r := range roots {
		packed.Roots = append(packed.Roots, index[r.Value.Key()])
	}
	return packed, nil
}

// Unpack rebuilds the forest described by p, preserving sharing.
func Unpack(p *PackedGraph) ([]*Node, error) {
	if p == nil {
		return nil, nil
	}
	nodes := make([]*Node, len(p.Nodes))
	seen := make(map[Key]struct{}, len(p.Nodes))
	for i, pn := range p.Nodes {
		k := pn.Resource.Key()
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: duplicate resource %s", ErrInvalidPackedGraph, k)
		}
		seen[k] = struct{}{}
		nodes[i] = &Node{Value: pn.Resource}
	}
	for i, pn := range p.Nodes {
		for _, c := range pn.Children {
			// children must precede their parent, which also rules out cycles
			if c < 0 || c >= i {
				return nil, fmt.Errorf("%w: node %d references child %d", ErrInvalidPackedGraph, i, c)
			}
			nodes[i].Children = append(nodes[i].Children, nodes[c])
		}
	}
	roots := make([]*Node, 0, len(p.Roots))
	for _, r := range p.Roots {
		if r < 0 || r >= len(nodes) {
			return nil, fmt.Errorf("%w: root index %d out of range", ErrInvalidPackedGraph, r)
		}
		roots = append(roots, nodes[r])
	}
	return roots, nil
}
