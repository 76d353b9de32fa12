package lease

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"pkt.systems/bankd/internal/clock"
	"pkt.systems/bankd/internal/storage"
	"pkt.systems/bankd/internal/storage/memory"
)

var testConfig = Config{
	ExpireWindow:   60 * time.Second,
	RenewWindow:    20 * time.Second,
	ValidityWindow: 10 * time.Second,
}

type flakyBackend struct {
	storage.Backend
	fail atomic.Bool
	puts atomic.Int64
}

func (f *flakyBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	f.puts.Add(1)
	if f.fail.Load() {
		return nil, errors.New("store unreachable")
	}
	return f.Backend.PutObject(ctx, key, body, opts)
}

func newTestLease(t *testing.T, clk *clock.Manual) (*Plugin, *flakyBackend) {
	t.Helper()
	backend := &flakyBackend{Backend: memory.NewWithConfig(memory.Config{Clock: clk})}
	p, err := New(backend, testConfig, WithOwnerID("owner-a"), WithClock(clk))
	if err != nil {
		t.Fatalf("new lease: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, backend
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	bad := Config{ExpireWindow: time.Minute, ValidityWindow: 2 * time.Minute}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected validity >= expire to fail")
	}
	bad = Config{ExpireWindow: time.Minute, RenewWindow: time.Minute}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected renew >= expire to fail")
	}
	if _, err := New(memory.New(), testConfig); err == nil {
		t.Fatal("expected missing owner id to fail")
	}
}

func TestNeverAcquiredIsInvalid(t *testing.T) {
	p, _ := newTestLease(t, clock.NewManual(time.Unix(1_700_000_000, 0)))
	if p.Valid() {
		t.Fatal("unacquired lease must be invalid")
	}
}

func TestAcquireWritesMarkerWithTTL(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	p, backend := newTestLease(t, clk)
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res, err := backend.GetObject(ctx, "account_leases/owner-a")
	if err != nil {
		t.Fatalf("marker missing: %v", err)
	}
	res.Reader.Close()
	if want := clk.Now().Add(testConfig.ExpireWindow); !res.Info.ExpiresAt.Equal(want) {
		t.Fatalf("marker expires at %v, want %v", res.Info.ExpiresAt, want)
	}
	expiry, err := Holder(ctx, backend, testConfig, "owner-a")
	if err != nil || !expiry.Equal(clk.Now().Add(testConfig.ExpireWindow)) {
		t.Fatalf("unexpected holder expiry %v %v", expiry, err)
	}
	snap := p.Snapshot()
	if !snap.Acquired || !snap.Valid || snap.Remaining != testConfig.ExpireWindow || snap.MarkerKey != "account_leases/owner-a" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestValidityWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	p, _ := newTestLease(t, clk)
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(testConfig.ExpireWindow - testConfig.ValidityWindow)
	if !p.Valid() {
		t.Fatal("lease should be valid with exactly the validity window left")
	}
	clk.Advance(time.Second)
	if p.Valid() {
		t.Fatal("lease should be invalid inside the validity window")
	}
	if err := p.Renew(ctx); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !p.Valid() {
		t.Fatal("renewal should restore validity")
	}
}

func TestAcquireFailureIsFatal(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	backend := &flakyBackend{Backend: memory.New()}
	backend.fail.Store(true)
	p, err := Open(context.Background(), backend, testConfig, WithOwnerID("owner-a"), WithClock(clk))
	if !errors.Is(err, ErrAcquireLeaseFailed) {
		t.Fatalf("expected ErrAcquireLeaseFailed, got %v", err)
	}
	if p != nil {
		t.Fatal("expected no plugin on acquire failure")
	}
	if clk.Pending() != 0 {
		t.Fatal("renewal loop must not start after a failed acquire")
	}
}

func TestRenewLoopFixedInterval(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	backend := &flakyBackend{Backend: memory.NewWithConfig(memory.Config{Clock: clk})}
	p, err := Open(ctx, backend, testConfig, WithOwnerID("owner-a"), WithClock(clk))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Stop()
	if backend.puts.Load() != 1 {
		t.Fatalf("expected only the acquire write, got %d", backend.puts.Load())
	}
	start := clk.Now()
	for i := 1; i <= 3; i++ {
		if !clk.WaitForPending(1, time.Second) {
			t.Fatalf("renewal %d never scheduled", i)
		}
		clk.Advance(testConfig.RenewWindow)
		if !clk.WaitForPending(1, time.Second) {
			t.Fatalf("renewal %d did not re-arm", i)
		}
		if got := backend.puts.Load(); got != int64(1+i) {
			t.Fatalf("after tick %d expected %d writes, got %d", i, 1+i, got)
		}
	}
	want := start.Add(3*testConfig.RenewWindow + testConfig.ExpireWindow)
	if got := p.Snapshot().ExpireTime; !got.Equal(want) {
		t.Fatalf("expire time %v, want %v", got, want)
	}
}

func TestRenewFailuresDoNotStopLoop(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	p, backend := newTestLease(t, clk)
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Start(ctx)
	backend.fail.Store(true)
	for i := 0; i < 3; i++ {
		if !clk.WaitForPending(1, time.Second) {
			t.Fatalf("tick %d not scheduled", i)
		}
		clk.Advance(testConfig.RenewWindow)
	}
	if !clk.WaitForPending(1, time.Second) {
		t.Fatal("loop stopped after failures")
	}
	if p.Valid() {
		t.Fatal("stalled renewals must eventually invalidate the lease")
	}
	backend.fail.Store(false)
	clk.Advance(testConfig.RenewWindow)
	if !clk.WaitForPending(1, time.Second) {
		t.Fatal("loop stopped after recovery")
	}
	if !p.Valid() {
		t.Fatal("lease should be valid again after a successful renewal")
	}
}

func TestReleaseDeletesMarker(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	p, backend := newTestLease(t, clk)
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Start(ctx)
	if err := p.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if p.Valid() || p.Snapshot().Running {
		t.Fatal("released lease must be invalid and stopped")
	}
	if _, err := backend.GetObject(ctx, "account_leases/owner-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected marker removed, got %v", err)
	}
	if err := p.Release(ctx); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	p, err := New(memory.New(), testConfig, WithOwnerID("owner-a"), WithClock(clk), WithMeter(provider.Meter(MeterName)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.Renew(ctx); err != nil {
		t.Fatalf("renew: %v", err)
	}
	p.Valid()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			seen[m.Name] = true
		}
	}
	for _, name := range []string{"bankd.lease.acquire", "bankd.lease.renew", "bankd.lease.remaining_validity", "bankd.lease.valid"} {
		if !seen[name] {
			t.Fatalf("metric %s not recorded (have %v)", name, seen)
		}
	}
}

func TestHoldersListsLiveMarkers(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	backend := memory.NewWithConfig(memory.Config{Clock: clk})
	for _, owner := range []string{"owner-b", "owner-a"} {
		p, err := New(backend, testConfig, WithOwnerID(owner), WithClock(clk))
		if err != nil {
			t.Fatalf("new %s: %v", owner, err)
		}
		if err := p.Acquire(ctx); err != nil {
			t.Fatalf("acquire %s: %v", owner, err)
		}
		clk.Advance(10 * time.Second)
	}
	holders, err := Holders(ctx, backend, testConfig)
	if err != nil {
		t.Fatalf("holders: %v", err)
	}
	if len(holders) != 2 || holders[0].OwnerID != "owner-a" || holders[1].OwnerID != "owner-b" {
		t.Fatalf("unexpected holders %+v", holders)
	}
	// owner-b was written first and expires first.
	clk.Advance(45 * time.Second)
	holders, err = Holders(ctx, backend, testConfig)
	if err != nil || len(holders) != 1 || holders[0].OwnerID != "owner-a" {
		t.Fatalf("expected only owner-a to remain, got %+v %v", holders, err)
	}
}
