package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func res(id string) Resource {
	return Resource{Type: "OS::Test::Resource", ID: id, Name: "res-" + id}
}

func resolverFrom(edges map[string][]string) ChildResolver {
	return func(_ context.Context, parent Resource) ([]Resource, error) {
		var out []Resource
		for _, id := range edges[parent.ID] {
			out = append(out, res(id))
		}
		return out, nil
	}
}

func ids(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Value.ID)
	}
	return out
}

func TestBuildReturnsTrueRootsOnce(t *testing.T) {
	edges := map[string][]string{"A": {"B"}, "B": {"C"}, "X": {"C"}}
	roots, err := Build(context.Background(), []Resource{res("C"), res("A"), res("B"), res("X"), res("A")}, resolverFrom(edges))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := ids(roots); !reflect.DeepEqual(got, []string{"A", "X"}) {
		t.Fatalf("unexpected roots %v", got)
	}
}

func TestBuildRejectsCycles(t *testing.T) {
	cases := map[string]map[string][]string{
		"self":     {"A": {"A"}},
		"two":      {"A": {"B"}, "B": {"A"}},
		"indirect": {"A": {"B"}, "B": {"C"}, "C": {"A"}},
	}
	for name, edges := range cases {
		t.Run(name, func(t *testing.T) {
			roots, err := Build(context.Background(), []Resource{res("A")}, resolverFrom(edges))
			if !errors.Is(err, ErrCycleDetected) {
				t.Fatalf("expected cycle error, got %v", err)
			}
			if roots != nil {
				t.Fatalf("expected no partial result, got %v", ids(roots))
			}
		})
	}
}

func TestBuildSharesNodes(t *testing.T) {
	edges := map[string][]string{"A": {"C"}, "B": {"C"}}
	roots, err := Build(context.Background(), []Resource{res("A"), res("B")}, resolverFrom(edges))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if roots[0].Children[0] != roots[1].Children[0] {
		t.Fatalf("expected C to be the same node under A and B")
	}
}

func TestBuildFiltersSources(t *testing.T) {
	edges := map[string][]string{"A": {"C"}, "B": {"C"}}
	roots, err := Build(context.Background(), []Resource{res("A"), res("B"), res("C")}, resolverFrom(edges))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := ids(roots); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("unexpected roots %v", got)
	}
}

func TestBuildWrapsResolverErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Build(context.Background(), []Resource{res("A")}, func(context.Context, Resource) ([]Resource, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected resolver error, got %v", err)
	}
}

func TestBuildHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Build(ctx, []Resource{res("A")}, resolverFrom(nil)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled, got %v", err)
	}
}

type event struct {
	enter   bool
	id      string
	visited bool
}

type recorder struct{ events []event }

func (r *recorder) OnNodeEnter(n *Node, alreadyVisited bool) {
	r.events = append(r.events, event{enter: true, id: n.Value.ID, visited: alreadyVisited})
}

func (r *recorder) OnNodeExit(n *Node) {
	r.events = append(r.events, event{id: n.Value.ID})
}

func e2eGraph(t *testing.T) []*Node {
	t.Helper()
	edges := map[string][]string{"A": {"C"}, "B": {"C"}, "C": {"D", "E"}}
	roots, err := Build(context.Background(), []Resource{res("A"), res("B"), res("C"), res("D")}, resolverFrom(edges))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return roots
}

func TestSharedDependencyScenario(t *testing.T) {
	roots := e2eGraph(t)
	if got := ids(roots); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("unexpected roots %v", got)
	}
	c := roots[0].Children[0]
	if c != roots[1].Children[0] || c.Value.ID != "C" {
		t.Fatalf("expected shared C node")
	}
	if got := ids(c.Children); !reflect.DeepEqual(got, []string{"D", "E"}) {
		t.Fatalf("unexpected children of C: %v", got)
	}

	rec := &recorder{}
	NewWalker(rec).Walk(roots)
	var enters []string
	for _, ev := range rec.events {
		if ev.enter {
			enters = append(enters, fmt.Sprintf("%s:%v", ev.id, ev.visited))
		}
	}
	want := []string{"A:false", "C:false", "D:false", "E:false", "B:false", "C:true", "D:true", "E:true"}
	if !reflect.DeepEqual(enters, want) {
		t.Fatalf("unexpected walk %v", enters)
	}
	if len(rec.events) != 2*len(want) {
		t.Fatalf("expected matching exits, got %d events", len(rec.events))
	}
	last := rec.events[len(rec.events)-1]
	if last.enter || last.id != "B" {
		t.Fatalf("expected walk to end exiting B, got %+v", last)
	}
}

func TestListenerFuncs(t *testing.T) {
	var entered, exited int
	NewWalker(ListenerFuncs{
		Enter: func(*Node, bool) { entered++ },
		Exit:  func(*Node) { exited++ },
	}, ListenerFuncs{}).Walk(e2eGraph(t))
	if entered != 8 || exited != 8 {
		t.Fatalf("entered=%d exited=%d", entered, exited)
	}
}

func TestFlattenPostOrder(t *testing.T) {
	if got := ids(Flatten(e2eGraph(t))); !reflect.DeepEqual(got, []string{"D", "E", "C", "A", "B"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func assertSameShape(t *testing.T, a, b []*Node) {
	t.Helper()
	if len(a) != len(b) {
		t.Fatalf("length mismatch %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Value != b[i].Value {
			t.Fatalf("value mismatch %+v vs %+v", a[i].Value, b[i].Value)
		}
		assertSameShape(t, a[i].Children, b[i].Children)
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	roots := e2eGraph(t)
	packed, err := Pack(roots)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	raw, err := json.Marshal(packed)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded PackedGraph
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored, err := Unpack(&decoded)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	assertSameShape(t, roots, restored)
	if restored[0].Children[0] != restored[1].Children[0] {
		t.Fatalf("unpack lost sharing")
	}
}

func TestPackEmpty(t *testing.T) {
	packed, err := Pack(nil)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	roots, err := Unpack(packed)
	if err != nil || len(roots) != 0 {
		t.Fatalf("unexpected unpack %v %v", roots, err)
	}
}

func TestUnpackRejectsMalformed(t *testing.T) {
	cases := map[string]*PackedGraph{
		"forward reference": {Nodes: []PackedNode{{Resource: res("A"), Children: []int{1}}, {Resource: res("B")}}, Roots: []int{0}},
		"self reference":    {Nodes: []PackedNode{{Resource: res("A"), Children: []int{0}}}, Roots: []int{0}},
		"root out of range": {Nodes: []PackedNode{{Resource: res("A")}}, Roots: []int{3}},
		"duplicate":         {Nodes: []PackedNode{{Resource: res("A")}, {Resource: res("A")}}, Roots: []int{0}},
	}
	for name, packed := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Unpack(packed); !errors.Is(err, ErrInvalidPackedGraph) {
				t.Fatalf("expected invalid packed graph, got %v", err)
			}
		})
	}
}
