package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"pkt.systems/bankd/internal/bank"
	"pkt.systems/bankd/internal/graph"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/bankd/internal/storage/memory"
)

type fakeLease struct{ valid atomic.Bool }

func (f *fakeLease) Valid() bool { return f.valid.Load() }

type writeCounter struct {
	storage.Backend
	puts atomic.Int64
}

func (w *writeCounter) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	w.puts.Add(1)
	return w.Backend.PutObject(ctx, key, body, opts)
}

func newCollection(t *testing.T) (*Collection, *fakeLease, *writeCounter) {
	t.Helper()
	lease := &fakeLease{}
	lease.valid.Store(true)
	backend := &writeCounter{Backend: memory.New()}
	b, err := bank.New(backend, bank.WithOwnerID("owner-1"), bank.WithLease(lease))
	if err != nil {
		t.Fatalf("bank: %v", err)
	}
	return NewCollection(b), lease, backend
}

func testPlan() Plan {
	return Plan{
		ID:       "p1",
		Name:     "nightly",
		Provider: "default",
		Resources: []graph.Resource{
			{Type: "OS::Nova::Server", ID: "vm-1"},
		},
	}
}

func testGraph(t *testing.T) []*graph.Node {
	t.Helper()
	edges := map[string][]string{"vm-1": {"vol-1", "vol-2"}, "vm-2": {"vol-2"}}
	roots, err := graph.Build(context.Background(), []graph.Resource{
		{Type: "OS::Nova::Server", ID: "vm-1"},
		{Type: "OS::Nova::Server", ID: "vm-2"},
	}, func(_ context.Context, r graph.Resource) ([]graph.Resource, error) {
		var out []graph.Resource
		for _, id := range edges[r.ID] {
			out = append(out, graph.Resource{Type: "OS::Cinder::Volume", ID: id})
		}
		return out, nil
	})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return roots
}

func TestCreateThenGet(t *testing.T) {
	ctx := context.Background()
	coll, _, _ := newCollection(t)
	cp, err := CreateInSection(ctx, coll.Section(), nil, "owner-9", "cp-1", testPlan())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cp.Status() != StatusProtecting {
		t.Fatalf("unexpected status %q", cp.Status())
	}
	got, err := GetBySection(ctx, coll.Section(), nil, "cp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status() != StatusProtecting || got.OwnerID() != "owner-9" || !reflect.DeepEqual(got.Plan(), testPlan()) {
		t.Fatalf("unexpected checkpoint %+v", got.View())
	}
	if got.CreatedAt().IsZero() {
		t.Fatal("expected created_at")
	}
	if _, err := CreateInSection(ctx, coll.Section(), nil, "owner-9", "bad/id", testPlan()); err == nil {
		t.Fatal("expected id with slash to be rejected")
	}
}

func TestIndexDocumentShape(t *testing.T) {
	ctx := context.Background()
	coll, _, _ := newCollection(t)
	cp, err := coll.Create(ctx, testPlan())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, err := coll.Section().GetObject(ctx, cp.ID()+"/index.json")
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, field := range []string{"version", "id", "status", "owner_id", "protection_plan"} {
		if _, ok := doc[field]; !ok {
			t.Fatalf("index missing %q: %s", field, raw)
		}
	}
	if doc["version"] != Version || doc["owner_id"] != "owner-1" || doc["status"] != "protecting" {
		t.Fatalf("unexpected index %s", raw)
	}
}

func TestUnsupportedVersionPoisons(t *testing.T) {
	ctx := context.Background()
	coll, _, _ := newCollection(t)
	cp, err := coll.Create(ctx, testPlan())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, _ := coll.Section().GetObject(ctx, cp.ID()+"/index.json")
	raw = []byte(strings.Replace(string(raw), `"version":"1.0"`, `"version":"9.9"`, 1))
	if err := coll.Section().UpdateObject(ctx, cp.ID()+"/index.json", raw); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := cp.Reload(ctx); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unsupported version, got %v", err)
	}
	if !cp.Poisoned() || cp.Status() != "" {
		t.Fatal("expected poisoned handle with cleared cache")
	}
	if sec, err := cp.ResourceSection("r"); sec != nil || !errors.Is(err, ErrPoisoned) {
		t.Fatalf("expected poisoned resource section, got %v %v", sec, err)
	}
	for name, err := range map[string]error{
		"reload": cp.Reload(ctx),
		"commit": cp.Commit(ctx),
		"purge":  cp.Purge(ctx),
	} {
		if !errors.Is(err, ErrPoisoned) {
			t.Fatalf("%s: expected ErrPoisoned, got %v", name, err)
		}
	}
	if _, err := coll.Get(ctx, cp.ID()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected get to fail on version, got %v", err)
	}
}

func TestCommitRequiresValidLease(t *testing.T) {
	ctx := context.Background()
	coll, lease, backend := newCollection(t)
	cp, err := coll.Create(ctx, testPlan())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cp.SetStatus(StatusAvailable)
	if err := cp.Commit(ctx); err != nil {
		t.Fatalf("commit with valid lease: %v", err)
	}

	lease.valid.Store(false)
	cp.SetStatus(StatusError)
	cp.SetExtraInfo(map[string]any{"reason": "late"})
	before := backend.puts.Load()
	if err := cp.Commit(ctx); !errors.Is(err, ErrLeaseInvalidAtCommit) {
		t.Fatalf("expected lease invalid, got %v", err)
	}
	if backend.puts.Load() != before {
		t.Fatal("commit wrote despite invalid lease")
	}
	stored, err := coll.Get(ctx, cp.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status() != StatusAvailable || stored.ExtraInfo() != nil {
		t.Fatalf("index changed by rejected commit: %+v", stored.View())
	}
}

func TestPurgeOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	coll, _, _ := newCollection(t)
	cp, err := coll.Create(ctx, testPlan())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := coll.Create(ctx, testPlan())
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	payload, err := cp.ResourceSection("vm-1")
	if err != nil {
		t.Fatalf("section: %v", err)
	}
	if err := payload.UpdateObject(ctx, "disk.img", []byte("bytes")); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := cp.Purge(ctx); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("expected not empty, got %v", err)
	}
	if _, err := coll.Get(ctx, cp.ID()); err != nil {
		t.Fatalf("index must survive a refused purge: %v", err)
	}
	if err := payload.DeleteObject(ctx, "disk.img"); err != nil {
		t.Fatalf("delete payload: %v", err)
	}
	if err := cp.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := coll.Get(ctx, cp.ID()); !errors.Is(err, bank.ErrObjectNotFound) {
		t.Fatalf("expected index gone, got %v", err)
	}
	if _, err := coll.Get(ctx, other.ID()); err != nil {
		t.Fatalf("purge touched a sibling checkpoint: %v", err)
	}
}

func TestResourceSectionLayout(t *testing.T) {
	ctx := context.Background()
	coll, _, _ := newCollection(t)
	cp, err := CreateInSection(ctx, coll.Section(), nil, "o", "cp-7", testPlan())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sec, err := cp.ResourceSection("vol-1")
	if err != nil {
		t.Fatalf("section: %v", err)
	}
	if got := sec.Prefix(); got != "checkpoints/cp-7/resources/vol-1" {
		t.Fatalf("unexpected prefix %q", got)
	}
	r := graph.Resource{Type: "OS::Cinder::Volume", ID: "vol-1"}
	if sec, err = cp.ResourceSectionFor(r); err != nil {
		t.Fatalf("section: %v", err)
	}
	if got := sec.Prefix(); got != "checkpoints/cp-7/resources/OS::Cinder::Volume/vol-1" {
		t.Fatalf("unexpected prefix %q", got)
	}
}

func TestCollectionRoundTripsResourceGraph(t *testing.T) {
	ctx := context.Background()
	coll, _, _ := newCollection(t)
	cp, err := coll.Create(ctx, testPlan())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	roots := testGraph(t)
	if err := cp.SetResourceGraph(roots); err != nil {
		t.Fatalf("set graph: %v", err)
	}
	if err := cp.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ids, err := coll.ListIDs(ctx, 0, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{cp.ID()}) {
		t.Fatalf("unexpected ids %v", ids)
	}
	loaded, err := coll.Get(ctx, cp.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, err := loaded.ResourceGraph()
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if len(got) != 2 || got[0].Value != roots[0].Value || got[1].Value != roots[1].Value {
		t.Fatalf("unexpected roots %+v", got)
	}
	if len(got[0].Children) != 2 || got[0].Children[1] != got[1].Children[0] {
		t.Fatal("shared volume node lost after round trip")
	}
	m := loaded.ToMap()
	if m["id"] != cp.ID() || m["status"] != "protecting" || m["resource_graph"] == nil {
		t.Fatalf("unexpected map %+v", m)
	}
}

func TestListIDsLimitAndMarker(t *testing.T) {
	ctx := context.Background()
	coll, _, _ := newCollection(t)
	var created []string
	for i := 0; i < 4; i++ {
		cp, err := coll.Create(ctx, testPlan())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		sec, err := cp.ResourceSection("r")
		if err != nil {
			t.Fatalf("section: %v", err)
		}
		if err := sec.UpdateObject(ctx, "status", []byte("available")); err != nil {
			t.Fatalf("payload: %v", err)
		}
		created = append(created, cp.ID())
	}
	first, err := coll.ListIDs(ctx, 2, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(first, created[:2]) {
		t.Fatalf("unexpected first page %v (created %v)", first, created)
	}
	rest, err := coll.ListIDs(ctx, 10, first[len(first)-1])
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(rest, created[2:]) {
		t.Fatalf("unexpected second page %v", rest)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	ctx := context.Background()
	coll, _, _ := newCollection(t)
	cp, err := coll.Create(ctx, testPlan())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sec, err := cp.ResourceSection("vm-1")
	if err != nil {
		t.Fatalf("section: %v", err)
	}
	for _, key := range []string{"a", "b/c"} {
		if err := sec.UpdateObject(ctx, key, []byte(key)); err != nil {
			t.Fatalf("payload: %v", err)
		}
	}
	view, err := cp.Delete(ctx)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if view.Status != StatusDeleted {
		t.Fatalf("unexpected status %q", view.Status)
	}
	keys, err := coll.Section().Keys(ctx, bank.ListOptions{})
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected empty section, got %v %v", keys, err)
	}
}

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusProtecting, StatusAvailable, true},
		{StatusProtecting, StatusError, true},
		{StatusProtecting, StatusDeleting, true},
		{StatusAvailable, StatusDeleting, true},
		{StatusError, StatusDeleting, true},
		{StatusDeleting, StatusDeleted, true},
		{StatusAvailable, StatusProtecting, false},
		{StatusDeleted, StatusAvailable, false},
		{StatusProtecting, StatusDeleted, false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
	if Status("bogus").Valid() || !StatusDeleting.Valid() {
		t.Fatal("unexpected Valid result")
	}
}
