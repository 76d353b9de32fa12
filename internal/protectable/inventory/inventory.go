// Package inventory provides protectable plugins backed by a static YAML
// description of resources and their dependencies.
//
//	types:
//	  - type: OS::Nova::Server
//	  - type: OS::Cinder::Volume
//	    parents: [OS::Nova::Server]
//	resources:
//	  - {type: OS::Nova::Server, id: vm-1, name: web}
//	  - {type: OS::Cinder::Volume, id: vol-1}
//	dependencies:
//	  OS::Nova::Server:vm-1: [OS::Cinder::Volume:vol-1]
package inventory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pkt.systems/bankd/internal/graph"
	"pkt.systems/bankd/internal/protectable"
)

// TypeSpec declares a resource type.
type TypeSpec struct {
	Type    string   `yaml:"type"`
	Parents []string `yaml:"parents,omitempty"`
}

// File is the on-disk inventory document.
type File struct {
	Types        []TypeSpec          `yaml:"types"`
	Resources    []graph.Resource    `yaml:"resources"`
	Dependencies map[string][]string `yaml:"dependencies,omitempty"`
}

// Inventory is a parsed and cross-checked inventory.
type Inventory struct {
	types     []TypeSpec
	resources map[graph.Key]graph.Resource
	order     []graph.Key
	deps      map[graph.Key][]graph.Key
}

// Load reads an inventory from path.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("inventory: read %s: %w", path, err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory: %s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes and validates an inventory document.
func Parse(data []byte) (*Inventory, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("inventory: decode: %w", err)
	}
	return FromFile(f)
}

// FromFile validates f.
func FromFile(f File) (*Inventory, error) {
	inv := &Inventory{
		types:     f.Types,
		resources: make(map[graph.Key]graph.Resource),
		deps:      make(map[graph.Key][]graph.Key),
	}
	declared := make(map[string]struct{}, len(f.Types))
	for _, t := range f.Types {
		if t.Type == "" {
			return nil, fmt.Errorf("inventory: type with empty name")
		}
		declared[t.Type] = struct{}{}
	}
	for _, t := range f.Types {
		for _, parent := range t.Parents {
			if _, ok := declared[parent]; !ok {
				return nil, fmt.Errorf("inventory: type %s has undeclared parent %s", t.Type, parent)
			}
		}
	}
	for _, r := range f.Resources {
		if _, ok := declared[r.Type]; !ok {
			return nil, fmt.Errorf("inventory: resource %s has undeclared type", r)
		}
		if r.ID == "" {
			return nil, fmt.Errorf("inventory: resource of type %s has empty id", r.Type)
		}
		k := r.Key()
		if _, dup := inv.resources[k]; dup {
			return nil, fmt.Errorf("inventory: duplicate resource %s", k)
		}
		inv.resources[k] = r
		inv.order = append(inv.order, k)
	}
	for parentRef, childRefs := range f.Dependencies {
		parent, err := ParseRef(parentRef)
		if err != nil {
			return nil, err
		}
		if _, ok := inv.resources[parent]; !ok {
			return nil, fmt.Errorf("inventory: dependency parent %s is not a resource", parentRef)
		}
		for _, ref := range childRefs {
			child, err := ParseRef(ref)
			if err != nil {
				return nil, err
			}
			if _, ok := inv.resources[child]; !ok {
				return nil, fmt.Errorf("inventory: dependency %s of %s is not a resource", ref, parentRef)
			}
			inv.deps[parent] = append(inv.deps[parent], child)
		}
	}
	return inv, nil
}

// ParseRef parses a type:id reference. The id is everything after the last
// colon, so types may contain "::".
func ParseRef(ref string) (graph.Key, error) {
	i := strings.LastIndex(ref, ":")
	if i <= 0 || i == len(ref)-1 {
		return graph.Key{}, fmt.Errorf("inventory: bad resource reference %q (want type:id)", ref)
	}
	return graph.Key{Type: ref[:i], ID: ref[i+1:]}, nil
}

// Resource looks up a resource by identity.
func (inv *Inventory) Resource(k graph.Key) (graph.Resource, bool) {
	r, ok := inv.resources[k]
	return r, ok
}

// Resources returns every resource in file order.
func (inv *Inventory) Resources() []graph.Resource {
	out := make([]graph.Resource, 0, len(inv.order))
	for _, k := range inv.order {
		out = append(out, inv.resources[k])
	}
	return out
}

// Register adds one plugin per declared type to reg.
func (inv *Inventory) Register(reg *protectable.Registry) error {
	for _, t := range inv.types {
		if err := reg.Register(&plugin{inv: inv, spec: t}); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns a fresh registry populated from inv.
func (inv *Inventory) Registry() (*protectable.Registry, error) {
	reg := protectable.NewRegistry()
	if err := inv.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

type plugin struct {
	inv  *Inventory
	spec TypeSpec
}

func (p *plugin) ResourceType() string  { return p.spec.Type }
func (p *plugin) ParentTypes() []string { return p.spec.Parents }

func (p *plugin) ListResources(ctx context.Context) ([]graph.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []graph.Resource
	for _, k := range p.inv.order {
		if k.Type == p.spec.Type {
			out = append(out, p.inv.resources[k])
		}
	}
	return out, nil
}

func (p *plugin) DependentResources(ctx context.Context, parent graph.Resource) ([]graph.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []graph.Resource
	for _, k := range p.inv.deps[parent.Key()] {
		if k.Type == p.spec.Type {
			out = append(out, p.inv.resources[k])
		}
	}
	return out, nil
}
