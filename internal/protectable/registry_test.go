package protectable

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"pkt.systems/bankd/internal/graph"
)

type stubPlugin struct {
	typ     string
	parents []string
	list    []graph.Resource
	deps    map[string][]graph.Resource
	err     error
}

func (s *stubPlugin) ResourceType() string  { return s.typ }
func (s *stubPlugin) ParentTypes() []string { return s.parents }

func (s *stubPlugin) ListResources(context.Context) ([]graph.Resource, error) {
	return s.list, s.err
}

func (s *stubPlugin) DependentResources(_ context.Context, parent graph.Resource) ([]graph.Resource, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.deps[parent.ID], nil
}

const (
	serverType = "OS::Nova::Server"
	volumeType = "OS::Cinder::Volume"
	imageType  = "OS::Glance::Image"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	plugins := []Plugin{
		&stubPlugin{typ: serverType, list: []graph.Resource{{Type: serverType, ID: "vm-1"}}},
		&stubPlugin{typ: volumeType, parents: []string{serverType}, deps: map[string][]graph.Resource{
			"vm-1": {{Type: volumeType, ID: "vol-1"}},
		}},
		&stubPlugin{typ: imageType, parents: []string{serverType, volumeType}, deps: map[string][]graph.Resource{
			"vm-1":  {{Type: imageType, ID: "img-1"}},
			"vol-1": {{Type: imageType, ID: "img-1"}},
		}},
	}
	for _, p := range plugins {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.ResourceType(), err)
		}
	}
	return reg
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.Register(&stubPlugin{typ: serverType})
	if !errors.Is(err, ErrDuplicateType) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := reg.Register(&stubPlugin{}); err == nil {
		t.Fatal("expected empty type to be rejected")
	}
	if _, err := reg.Plugin("nope"); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
}

func TestTypeQueries(t *testing.T) {
	reg := newTestRegistry(t)
	if got, want := reg.Types(), []string{volumeType, imageType, serverType}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Types = %v, want %v", got, want)
	}
	if got, want := reg.ChildTypes(serverType), []string{volumeType, imageType}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ChildTypes = %v, want %v", got, want)
	}
	if !reg.IsRootType(serverType) || reg.IsRootType(volumeType) || reg.IsRootType("nope") {
		t.Fatal("unexpected root type answers")
	}
	if got := reg.RootTypes(); !reflect.DeepEqual(got, []string{serverType}) {
		t.Fatalf("RootTypes = %v", got)
	}
}

func TestBuildGraphSharesDependencies(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	starts, err := reg.ListResources(ctx, serverType)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	roots, err := reg.BuildGraph(ctx, starts)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(roots) != 1 || len(roots[0].Children) != 2 {
		t.Fatalf("unexpected forest %+v", roots)
	}
	// Children come in child-type order: volumes before images.
	vol, img := roots[0].Children[0], roots[0].Children[1]
	if vol.Value.ID != "vol-1" || img.Value.ID != "img-1" {
		t.Fatalf("unexpected children %v %v", vol.Value, img.Value)
	}
	if len(vol.Children) != 1 || vol.Children[0] != img {
		t.Fatal("expected image node to be shared between server and volume")
	}
}

func TestChildResolverPropagatesErrors(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	_ = reg.Register(&stubPlugin{typ: serverType})
	_ = reg.Register(&stubPlugin{typ: volumeType, parents: []string{serverType}, err: boom})
	_, err := reg.BuildGraph(context.Background(), []graph.Resource{{Type: serverType, ID: "vm-1"}})
	if !errors.Is(err, boom) {
		t.Fatalf("expected plugin error, got %v", err)
	}
}
