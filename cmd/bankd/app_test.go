package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/bankd/internal/checkpoint"
	"pkt.systems/bankd/internal/graph"
	"pkt.systems/bankd/internal/lease"
)

const testInventory = `
types:
  - type: server
  - type: volume
    parents: [server]
  - type: network
    parents: [server]
resources:
  - {type: server, id: web-1, name: web}
  - {type: server, id: web-2}
  - {type: volume, id: vol-1}
  - {type: network, id: net-1}
dependencies:
  server:web-1: [volume:vol-1, network:net-1]
  server:web-2: [network:net-1]
`

type cliEnv struct {
	store     string
	inventory string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	inv := filepath.Join(dir, "inventory.yaml")
	if err := os.WriteFile(inv, []byte(testInventory), 0o600); err != nil {
		t.Fatalf("write inventory: %v", err)
	}
	return cliEnv{store: "disk://" + filepath.Join(dir, "bank"), inventory: inv}
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--store", e.store, "--inventory", e.inventory}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	if err != nil {
		t.Fatalf("bankd %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func decodeJSON[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func TestProtectRestoreDeleteCycle(t *testing.T) {
	env := newCLIEnv(t)

	view := decodeJSON[checkpoint.View](t, env.mustRun(t, "-o", "json", "protect", "--plan-id", "nightly", "--resource", "server:web-1"))
	if view.Status != checkpoint.StatusAvailable {
		t.Fatalf("expected available checkpoint, got %s", view.Status)
	}
	if view.ProtectionPlan.ID != "nightly" {
		t.Fatalf("unexpected plan %+v", view.ProtectionPlan)
	}

	list := decodeJSON[[]checkpoint.View](t, env.mustRun(t, "-o", "json", "checkpoints", "list"))
	if len(list) != 1 || list[0].ID != view.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	detail := decodeJSON[checkpointDetail](t, env.mustRun(t, "-o", "json", "checkpoints", "show", view.ID))
	var payloads int
	for _, p := range detail.Payloads {
		if strings.HasSuffix(p.Key, "/metadata.json") {
			payloads++
		}
	}
	if payloads != 3 {
		t.Fatalf("expected 3 metadata payloads, got %+v", detail.Payloads)
	}
	roots, err := graph.Unpack(detail.ResourceGraph)
	if err != nil {
		t.Fatalf("unpack graph: %v", err)
	}
	if len(roots) != 1 || len(roots[0].Children) != 2 {
		t.Fatalf("unexpected stored graph %+v", detail.ResourceGraph)
	}

	restored := decodeJSON[restoreResult](t, env.mustRun(t, "-o", "json", "restore", view.ID))
	if len(restored.Restored) != 3 {
		t.Fatalf("expected 3 restored records, got %d", len(restored.Restored))
	}
	if last := restored.Restored[2].Resource; last.Type != "server" || last.ID != "web-1" {
		t.Fatalf("expected the server restored last, got %s", last)
	}

	deleted := decodeJSON[checkpoint.View](t, env.mustRun(t, "-o", "json", "checkpoints", "delete", view.ID))
	if deleted.Status != checkpoint.StatusDeleted {
		t.Fatalf("expected deleted status, got %s", deleted.Status)
	}
	list = decodeJSON[[]checkpoint.View](t, env.mustRun(t, "-o", "json", "checkpoints", "list"))
	if len(list) != 0 {
		t.Fatalf("expected empty list after delete, got %+v", list)
	}
}

func TestCheckpointsListPaging(t *testing.T) {
	env := newCLIEnv(t)
	var ids []string
	for range 3 {
		view := decodeJSON[checkpoint.View](t, env.mustRun(t, "-o", "json", "protect", "--all"))
		ids = append(ids, view.ID)
		time.Sleep(2 * time.Millisecond)
	}
	page := decodeJSON[[]checkpoint.View](t, env.mustRun(t, "-o", "json", "checkpoints", "list", "--limit", "2"))
	if len(page) != 2 || page[0].ID != ids[0] || page[1].ID != ids[1] {
		t.Fatalf("unexpected first page %+v", page)
	}
	page = decodeJSON[[]checkpoint.View](t, env.mustRun(t, "-o", "json", "checkpoints", "list", "--marker", ids[1]))
	if len(page) != 1 || page[0].ID != ids[2] {
		t.Fatalf("unexpected page after marker %+v", page)
	}
	text := env.mustRun(t, "checkpoints", "list")
	if !strings.HasPrefix(text, "ID") || strings.Count(text, "\n") != 4 {
		t.Fatalf("unexpected text listing:\n%s", text)
	}
}

func TestProtectRejectsUnknownResource(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "protect", "--resource", "server:missing"); err == nil || !strings.Contains(err.Error(), "not in the inventory") {
		t.Fatalf("expected unknown resource error, got %v", err)
	}
	if _, err := env.run(t, "protect"); err == nil {
		t.Fatalf("expected error without resources")
	}
	if _, err := env.run(t, "protect", "--all", "--resource", "server:web-1"); err == nil {
		t.Fatalf("expected --all and --resource to conflict")
	}
	list := decodeJSON[[]checkpoint.View](t, env.mustRun(t, "-o", "json", "checkpoints", "list"))
	if len(list) != 0 {
		t.Fatalf("rejected plans must not create checkpoints, got %+v", list)
	}
}

func TestRestoreMissingCheckpoint(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "restore", "0190c3a0-0000-7000-8000-000000000000"); err == nil {
		t.Fatalf("expected restore of a missing checkpoint to fail")
	}
}

func TestGraphCommand(t *testing.T) {
	env := newCLIEnv(t)
	text := env.mustRun(t, "graph")
	for _, want := range []string{"- server:web-1 web", "    - volume:vol-1", "- server:web-2"} {
		if !strings.Contains(text, want) {
			t.Fatalf("graph output missing %q:\n%s", want, text)
		}
	}
	packed := decodeJSON[graph.PackedGraph](t, env.mustRun(t, "-o", "json", "graph", "--resource", "server:web-2"))
	if len(packed.Roots) != 1 || len(packed.Nodes) != 2 {
		t.Fatalf("unexpected packed graph %+v", packed)
	}
}

func TestLeaseStatusAfterClose(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun(t, "protect", "--all")
	holders := decodeJSON[[]lease.HolderInfo](t, env.mustRun(t, "-o", "json", "lease", "status"))
	if len(holders) != 0 {
		t.Fatalf("expected the lease released after protect, got %+v", holders)
	}
	if out := env.mustRun(t, "lease", "status"); !strings.Contains(out, "no live lease holders") {
		t.Fatalf("unexpected text output %q", out)
	}
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	env := newCLIEnv(t)
	cfgPath := filepath.Join(t.TempDir(), "bankd.yaml")
	data, err := defaultConfigYAML(func(c *configDefaults) {
		c.Store = env.store
		c.Inventory = env.inventory
		c.Output = "json"
	})
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cmd := newRootCommand(pslog.NoopLogger())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", cfgPath, "protect", "--all"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("protect with config file: %v", err)
	}
	view := decodeJSON[checkpoint.View](t, out.String())
	if view.Status != checkpoint.StatusAvailable {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestStoreFromEnv(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv("BANKD_STORE", env.store)
	t.Setenv("BANKD_OUTPUT", "json")
	cmd := newRootCommand(pslog.NoopLogger())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"checkpoints", "list"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "[]" {
		t.Fatalf("expected empty JSON list, got %q", got)
	}
}

func TestConfigGen(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "config", "gen", "--stdout")
	var cfg configDefaults
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("decode generated config: %v", err)
	}
	if cfg.Store != "mem://" || cfg.LeaseExpireWindow == "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	target := filepath.Join(t.TempDir(), "cfg", "config.yaml")
	env.mustRun(t, "config", "gen", "--out", target)
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if _, err := env.run(t, "config", "gen", "--out", target); err == nil {
		t.Fatalf("expected refusal to overwrite without --force")
	}
	env.mustRun(t, "config", "gen", "--out", target, "--force")
	if _, err := env.run(t, "config", "gen", "--out", target, "--stdout"); err == nil {
		t.Fatalf("expected --out and --stdout to conflict")
	}
}

func TestVersionCommand(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "version")
	fields := strings.Fields(out)
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "v") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "-o", "xml", "version"); err == nil {
		t.Fatalf("expected unknown output format error")
	}
}

func TestWatchFileSignalsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.yaml")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan error, 1)
	changed := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- watchFile(ctx, path, ready, func() { changed <- struct{}{} })
	}()
	if err := <-ready; err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b"), 0o600); err != nil {
		t.Fatalf("write other: %v", err)
	}
	if err := os.WriteFile(path, []byte("c"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected a change notification")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not stop")
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := expandPath("~/inv.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "inv.yaml") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got, _ := expandPath(""); got != "" {
		t.Fatalf("expected empty path to stay empty, got %q", got)
	}
}

func TestVerifyDiskStore(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun(t, "verify")
	if strings.Contains(out, "FAIL") || !strings.Contains(out, "ok   GetAfterDelete") {
		t.Fatalf("unexpected verify output:\n%s", out)
	}
	keyFile := filepath.Join(t.TempDir(), "bank.pem")
	if _, err := env.run(t, "--storage-encryption-key", keyFile, "verify"); err != nil {
		t.Fatalf("verify encrypted store: %v", err)
	}
}
