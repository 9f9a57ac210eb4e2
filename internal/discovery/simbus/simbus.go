// internal/discovery/simbus/simbus.go
package simbus

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/discovery"
)

// Bus is an in-memory RS485 bus for dry runs and tests.
type Bus struct {
	mu       sync.Mutex
	modules  map[uint8]*module
	dropRate float64
	rng      *rand.Rand
}

type module struct {
	resp    discovery.ModuleResponse
	online  bool
	corrupt bool
}

var _ discovery.Transport = (*Bus)(nil)

// New creates an empty bus. dropRate in [0,1] is the chance that any single
// poll is lost.
func New(dropRate float64, seed int64) *Bus {
	return &Bus{
		modules:  make(map[uint8]*module),
		dropRate: dropRate,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Attach connects a responding module.
func (b *Bus) Attach(resp discovery.ModuleResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modules[resp.Address] = &module{resp: resp, online: true}
}

// SetOnline unplugs (false) or replugs (true) a module.
func (b *Bus) SetOnline(addr uint8, online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.modules[addr]; ok {
		m.online = online
	}
}

// SetCorrupt makes a module answer with CRC errors.
func (b *Bus) SetCorrupt(addr uint8, corrupt bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.modules[addr]; ok {
		m.corrupt = corrupt
	}
}

func (b *Bus) Scan(ctx context.Context, first, last uint8, timeout time.Duration) ([]uint8, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []uint8
	for addr, m := range b.modules {
		if addr >= first && addr <= last && m.online && !m.corrupt {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (b *Bus) Poll(ctx context.Context, addr uint8, timeout time.Duration) (discovery.ModuleResponse, error) {
	if err := ctx.Err(); err != nil {
		return discovery.ModuleResponse{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.modules[addr]
	if !ok || !m.online {
		return discovery.ModuleResponse{}, ctlerr.New(ctlerr.TransportTimeout, "simbus.poll", "no response")
	}
	if m.corrupt {
		return discovery.ModuleResponse{}, ctlerr.New(ctlerr.TransportError, "simbus.poll", "crc mismatch")
	}
	if b.dropRate > 0 && b.rng.Float64() < b.dropRate {
		return discovery.ModuleResponse{}, ctlerr.New(ctlerr.TransportTimeout, "simbus.poll", "dropped")
	}
	return m.resp, nil
}
