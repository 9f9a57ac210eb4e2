// internal/discovery/coordinator_test.go
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/registry"
)

type fakeTransport struct {
	mu      sync.Mutex
	modules map[uint8]ModuleResponse
	failErr map[uint8]error
	scanErr error
	polls   int
}

func newFakeTransport(addrs ...uint8) *fakeTransport {
	f := &fakeTransport{
		modules: make(map[uint8]ModuleResponse),
		failErr: make(map[uint8]error),
	}
	for _, a := range addrs {
		f.modules[a] = ModuleResponse{Address: a, Type: typeFor(a), Version: "1.0"}
	}
	return f
}

func typeFor(a uint8) registry.ModuleType {
	switch a {
	case registry.AddrPower:
		return registry.TypePower
	case registry.AddrSafety:
		return registry.TypeSafety
	case registry.AddrTravelMotor:
		return registry.TypeTravelMotor
	case registry.AddrDock:
		return registry.TypeDock
	}
	return registry.TypeUnknown
}

func (f *fakeTransport) fail(addr uint8, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failErr, addr)
		return
	}
	f.failErr[addr] = err
}

func (f *fakeTransport) Scan(ctx context.Context, first, last uint8, timeout time.Duration) ([]uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var out []uint8
	for a := int(first); a <= int(last); a++ {
		if _, ok := f.modules[uint8(a)]; ok && f.failErr[uint8(a)] == nil {
			out = append(out, uint8(a))
		}
	}
	return out, nil
}

func (f *fakeTransport) Poll(ctx context.Context, addr uint8, timeout time.Duration) (ModuleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if err := f.failErr[addr]; err != nil {
		return ModuleResponse{}, err
	}
	m, ok := f.modules[addr]
	if !ok {
		return ModuleResponse{}, ctlerr.New(ctlerr.TransportTimeout, "fake.poll", "no response")
	}
	return m, nil
}

func testConfig() Config {
	return Config{
		ScanFirst:        1,
		ScanLast:         8,
		Timeout:          10 * time.Millisecond,
		Interval:         time.Millisecond,
		OfflineThreshold: 3,
	}
}

func kinds(ch <-chan registry.Event) map[registry.EventKind]int {
	out := make(map[registry.EventKind]int)
	for {
		select {
		case ev := <-ch:
			out[ev.Kind]++
		default:
			return out
		}
	}
}

var timeoutErr = ctlerr.New(ctlerr.TransportTimeout, "fake.poll", "timeout")
var crcErr = ctlerr.New(ctlerr.TransportError, "fake.poll", "crc")

// --------------------

func TestNew_Validates(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport()

	bad := []Config{
		{},
		func() Config { c := testConfig(); c.ScanFirst = 9; return c }(),
		func() Config { c := testConfig(); c.Timeout = 0; return c }(),
		func() Config { c := testConfig(); c.OfflineThreshold = 0; return c }(),
		func() Config { c := testConfig(); c.Jitter = -1; return c }(),
	}
	for i, cfg := range bad {
		if _, err := New(cfg, tr, reg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if _, err := New(testConfig(), nil, reg); err == nil {
		t.Fatalf("nil transport accepted")
	}
}

func TestStart_DiscoversModules(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport(2, 3, 4, 5)
	c, err := New(testConfig(), tr, reg)
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-c.Ready():
	default:
		t.Fatalf("ready not signalled")
	}
	if !reg.MandatoryQuorumMet() {
		t.Fatalf("missing=%v", reg.MissingMandatory())
	}
	rec, _ := reg.Get(4)
	if rec.Type != registry.TypeTravelMotor || rec.Version != "1.0" {
		t.Fatalf("record=%+v", rec)
	}
	if reg.Scanning() {
		t.Fatalf("scanning flag left set")
	}
	if s := c.Stats(); s.Scans != 1 || s.Polls != 4 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestStart_ScanFailureStillReady(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport()
	tr.scanErr = ctlerr.New(ctlerr.TransportError, "fake.scan", "port gone")
	c, _ := New(testConfig(), tr, reg)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-c.Ready():
	default:
		t.Fatalf("ready not signalled")
	}
	if c.Stats().ScanFailures != 1 {
		t.Fatalf("stats=%+v", c.Stats())
	}
}

func TestStart_RestoresSnapshotAndDemotesSilentModules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	prev := registry.New()
	_ = prev.MarkOnline(2, registry.TypePower, "0.9")
	_ = prev.MarkOnline(6, registry.TypeUnknown, "")
	if err := registry.SaveSnapshot(path, prev.List()); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.SnapshotPath = path
	reg := registry.New()
	c, _ := New(cfg, newFakeTransport(2, 3), reg)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec, _ := reg.Get(6); rec.Status != registry.StatusOffline {
		t.Fatalf("stale module not demoted: %+v", rec)
	}
	if rec, _ := reg.Get(2); rec.Status != registry.StatusOnline || rec.Version != "1.0" {
		t.Fatalf("live module=%+v", rec)
	}
	if _, ok := reg.Get(3); !ok {
		t.Fatalf("new module not discovered")
	}
}

func TestStart_CorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	if err := os.WriteFile(path, []byte("{{{{ nonsense\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.SnapshotPath = path
	reg := registry.New()
	c, _ := New(cfg, newFakeTransport(5), reg)

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := reg.Addresses(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("addresses=%v", got)
	}
	// the scan rewrote the file in a readable form
	recs, skipped, err := registry.LoadSnapshot(path)
	if err != nil || len(skipped) != 0 || len(recs) != 1 {
		t.Fatalf("reload: recs=%v skipped=%v err=%v", recs, skipped, err)
	}
}

func TestPollOnce_OfflineHysteresis(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport(2)
	c, _ := New(testConfig(), tr, reg)
	_ = c.Start(context.Background())
	sub := reg.Events().Subscribe(32)

	tr.fail(2, timeoutErr)
	_ = c.PollOnce(context.Background())
	tr.fail(2, crcErr)
	_ = c.PollOnce(context.Background())

	if rec, _ := reg.Get(2); rec.Status != registry.StatusOnline {
		t.Fatalf("offline below threshold: %+v", rec)
	}
	if c.Misses(2) != 2 {
		t.Fatalf("misses=%d", c.Misses(2))
	}

	_ = c.PollOnce(context.Background())
	_ = c.PollOnce(context.Background())
	_ = c.PollOnce(context.Background())

	if rec, _ := reg.Get(2); rec.Status != registry.StatusOffline {
		t.Fatalf("expected offline at threshold: %+v", rec)
	}
	if got := kinds(sub.C()); got[registry.EventOffline] != 1 {
		t.Fatalf("offline events=%d want 1", got[registry.EventOffline])
	}

	s := c.Stats()
	if s.Timeouts != 1 || s.ProtocolErrors != 4 || s.Misses != 5 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestPollOnce_TransientMissDoesNotFlap(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport(3)
	c, _ := New(testConfig(), tr, reg)
	_ = c.Start(context.Background())
	sub := reg.Events().Subscribe(32)

	for i := 0; i < 10; i++ {
		tr.fail(3, timeoutErr)
		_ = c.PollOnce(context.Background())
		_ = c.PollOnce(context.Background())
		tr.fail(3, nil)
		_ = c.PollOnce(context.Background())
	}
	got := kinds(sub.C())
	if got[registry.EventOffline] != 0 || got[registry.EventOnline] != 0 {
		t.Fatalf("flapping: %v", got)
	}
	if c.Misses(3) != 0 {
		t.Fatalf("misses not reset")
	}
}

func TestPollOnce_OfflineModuleRejoins(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport(4)
	cfg := testConfig()
	cfg.OfflineThreshold = 1
	c, _ := New(cfg, tr, reg)
	_ = c.Start(context.Background())

	tr.fail(4, timeoutErr)
	_ = c.PollOnce(context.Background())
	if rec, _ := reg.Get(4); rec.Status != registry.StatusOffline {
		t.Fatalf("record=%+v", rec)
	}

	sub := reg.Events().Subscribe(8)
	tr.fail(4, nil)
	_ = c.PollOnce(context.Background())
	if rec, _ := reg.Get(4); rec.Status != registry.StatusOnline {
		t.Fatalf("record=%+v", rec)
	}
	if got := kinds(sub.C()); got[registry.EventOnline] != 1 {
		t.Fatalf("events=%v", got)
	}
}

func TestPause_StopsPolling(t *testing.T) {
	reg := registry.New()
	tr := newFakeTransport(2)
	c, _ := New(testConfig(), tr, reg)
	_ = c.Start(context.Background())
	before := c.Stats().Polls

	c.Pause()
	_ = c.PollOnce(context.Background())
	if c.Stats().Polls != before {
		t.Fatalf("polled while paused")
	}
	c.Resume()
	_ = c.PollOnce(context.Background())
	if c.Stats().Polls != before+1 {
		t.Fatalf("not polling after resume")
	}
}

func TestRequestScan_Coalesces(t *testing.T) {
	c, _ := New(testConfig(), newFakeTransport(), registry.New())
	c.RequestScan()
	c.RequestScan()
	c.RequestScan()
	if len(c.scanReq) != 1 {
		t.Fatalf("pending scan requests=%d", len(c.scanReq))
	}
}

func TestRun_StopsOnCancelAndSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.yaml")
	cfg := testConfig()
	cfg.SnapshotPath = path
	cfg.Jitter = time.Millisecond
	cfg.RescanInterval = 5 * time.Millisecond

	reg := registry.New()
	tr := newFakeTransport(2, 5)
	c, _ := New(cfg, tr, reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("not ready")
	}
	c.RequestScan()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}

	recs, _, err := registry.LoadSnapshot(path)
	if err != nil || len(recs) != 2 {
		t.Fatalf("snapshot recs=%v err=%v", recs, err)
	}
	if c.Stats().Scans < 2 {
		t.Fatalf("expected rescans, stats=%+v", c.Stats())
	}
}
