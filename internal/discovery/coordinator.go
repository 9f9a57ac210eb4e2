// internal/discovery/coordinator.go
package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/registry"
)

// Coordinator drives scans and steady-state polling and writes the results
// into the registry. It never touches the state machine.
type Coordinator struct {
	cfg Config
	tr  Transport
	reg *registry.Registry
	log zerolog.Logger
	now func() time.Time

	mu     sync.Mutex
	misses map[uint8]int
	stats  Stats
	paused bool

	scanReq   chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator with immutable config.
func New(cfg Config, tr Transport, reg *registry.Registry, opts ...Option) (*Coordinator, error) {
	if tr == nil {
		return nil, errors.New("discovery: transport required")
	}
	if reg == nil {
		return nil, errors.New("discovery: registry required")
	}
	if !registry.ValidAddress(cfg.ScanFirst) || !registry.ValidAddress(cfg.ScanLast) || cfg.ScanFirst > cfg.ScanLast {
		return nil, errors.New("discovery: invalid scan range")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("discovery: timeout must be > 0")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("discovery: interval must be > 0")
	}
	if cfg.Jitter < 0 || cfg.RescanInterval < 0 || cfg.ScanTimeout < 0 {
		return nil, errors.New("discovery: jitter, scan timeout and rescan interval must be >= 0")
	}
	if cfg.OfflineThreshold < 1 {
		return nil, errors.New("discovery: offline threshold must be >= 1")
	}

	c := &Coordinator{
		cfg:     cfg,
		tr:      tr,
		reg:     reg,
		log:     zerolog.Nop(),
		now:     time.Now,
		misses:  make(map[uint8]int),
		scanReq: make(chan struct{}, 1),
		ready:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Ready is closed once the startup scan has finished, successful or not.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

func (c *Coordinator) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// Start loads the last snapshot (best effort) and runs the initial full scan.
// Restored modules that do not answer the initial scan are marked Offline
// right away: their status came from disk, not from the bus.
func (c *Coordinator) Start(ctx context.Context) error {
	defer c.markReady()

	c.restoreSnapshot()

	restored := c.reg.Addresses()
	found, err := c.FullScan(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("initial scan failed, continuing with polling")
		return nil
	}

	seen := make(map[uint8]bool, len(found))
	for _, a := range found {
		seen[a] = true
	}
	for _, a := range restored {
		if !seen[a] {
			_ = c.reg.MarkOffline(a)
		}
	}
	return nil
}

func (c *Coordinator) restoreSnapshot() {
	if c.cfg.SnapshotPath == "" {
		return
	}
	recs, skipped, err := registry.LoadSnapshot(c.cfg.SnapshotPath)
	if err != nil {
		c.log.Warn().Err(err).Str("path", c.cfg.SnapshotPath).Msg("snapshot not loaded, starting empty")
		return
	}
	for _, e := range skipped {
		c.log.Warn().Err(e).Msg("snapshot line skipped")
	}
	if n := c.reg.Restore(recs); n > 0 {
		c.log.Warn().Int("skipped", n).Msg("snapshot records rejected by registry")
	}
	c.log.Info().Int("modules", len(recs)).Msg("snapshot restored")
}

// SaveSnapshot writes the current registry. Failures are logged only.
func (c *Coordinator) SaveSnapshot() {
	if c.cfg.SnapshotPath == "" {
		return
	}
	if err := registry.SaveSnapshot(c.cfg.SnapshotPath, c.reg.List()); err != nil {
		c.log.Warn().Err(err).Str("path", c.cfg.SnapshotPath).Msg("snapshot save failed")
	}
}

// FullScan probes the configured address range, polls every responder for
// its identity and saves the snapshot. Known modules missing from the scan
// take one miss each.
func (c *Coordinator) FullScan(ctx context.Context) ([]uint8, error) {
	c.reg.SetScanning(true)
	defer c.reg.SetScanning(false)

	probe := c.cfg.ScanTimeout
	if probe <= 0 {
		probe = c.cfg.Timeout
	}
	found, err := c.tr.Scan(ctx, c.cfg.ScanFirst, c.cfg.ScanLast, probe)

	c.mu.Lock()
	c.stats.Scans++
	c.stats.LastScan = c.now()
	if err != nil {
		c.stats.ScanFailures++
	}
	c.mu.Unlock()

	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Of(err), "discovery.scan", err)
	}
	c.log.Info().Int("responders", len(found)).
		Uint8("first", c.cfg.ScanFirst).Uint8("last", c.cfg.ScanLast).
		Msg("bus scan complete")

	seen := make(map[uint8]bool, len(found))
	for _, a := range found {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		seen[a] = true
		c.pollAddress(ctx, a)
	}
	for _, a := range c.reg.Addresses() {
		if !seen[a] && a >= c.cfg.ScanFirst && a <= c.cfg.ScanLast {
			c.recordMiss(a, ctlerr.New(ctlerr.TransportTimeout, "discovery.scan", "no scan response"))
		}
	}

	c.SaveSnapshot()
	return found, nil
}

// PollOnce polls every known address once. It does nothing while paused.
func (c *Coordinator) PollOnce(ctx context.Context) error {
	if c.Paused() {
		return nil
	}
	for _, a := range c.reg.Addresses() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.pollAddress(ctx, a)
	}
	return nil
}

func (c *Coordinator) pollAddress(ctx context.Context, addr uint8) {
	resp, err := c.tr.Poll(ctx, addr, c.cfg.Timeout)

	c.mu.Lock()
	c.stats.Polls++
	c.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.recordMiss(addr, err)
		return
	}
	c.recordHit(addr, resp)
}

func (c *Coordinator) recordHit(addr uint8, resp ModuleResponse) {
	c.mu.Lock()
	delete(c.misses, addr)
	c.mu.Unlock()

	if err := c.reg.MarkOnline(addr, resp.Type, resp.Version); err != nil {
		c.log.Warn().Err(err).Uint8("addr", addr).Msg("registry rejected module")
		return
	}
	name := resp.Name
	if name == "" {
		if rec, ok := c.reg.Get(addr); ok {
			name = rec.Name
		}
	}
	_ = c.reg.SetIdentity(addr, name, resp.Capabilities)
}

// recordMiss applies offline hysteresis: the module is marked Offline when
// its consecutive-miss count reaches the threshold, exactly once.
func (c *Coordinator) recordMiss(addr uint8, err error) {
	c.mu.Lock()
	c.stats.Misses++
	if ctlerr.Of(err) == ctlerr.TransportTimeout {
		c.stats.Timeouts++
	} else {
		c.stats.ProtocolErrors++
	}
	c.misses[addr]++
	n := c.misses[addr]
	c.mu.Unlock()

	c.log.Debug().Err(err).Uint8("addr", addr).Int("misses", n).Msg("poll missed")

	if n != c.cfg.OfflineThreshold {
		return
	}
	if _, ok := c.reg.Get(addr); !ok {
		return
	}
	c.log.Warn().Uint8("addr", addr).Int("misses", n).Msg("module offline")
	_ = c.reg.MarkOffline(addr)
}

// Misses returns the current consecutive-miss count of addr.
func (c *Coordinator) Misses(addr uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses[addr]
}

// RequestScan asks the run loop for a full scan. Requests coalesce.
func (c *Coordinator) RequestScan() {
	select {
	case c.scanReq <- struct{}{}:
	default:
	}
}

// Pause stops polling and scanning in the run loop until Resume.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.log.Info().Msg("discovery paused")
}

func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.log.Info().Msg("discovery resumed")
}

func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
