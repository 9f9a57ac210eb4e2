// internal/registry/registry.go
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/events"
)

// Registry is the table of known bus modules.
// It only reports facts; it never initiates state transitions.
//
// All access goes through one mutex with short copy-in/copy-out sections.
// Events are published after the lock is released.
type Registry struct {
	mu        sync.Mutex
	records   []ModuleRecord
	mandatory []uint8
	scanning  bool

	now    func() time.Time
	events *events.Broadcaster[Event]
}

type Option func(*Registry)

// WithMandatory overrides the mandatory quorum addresses.
func WithMandatory(addrs []uint8) Option {
	return func(r *Registry) {
		r.mandatory = append([]uint8(nil), addrs...)
	}
}

// WithClock injects the time source used for LastSeen.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		records:   make([]ModuleRecord, 0, MaxModules),
		mandatory: append([]uint8(nil), DefaultMandatory...),
		now:       time.Now,
		events:    events.NewBroadcaster[Event](),
	}
	for _, o := range opts {
		o(r)
	}
	sort.Slice(r.mandatory, func(i, j int) bool { return r.mandatory[i] < r.mandatory[j] })
	return r
}

// Events returns the broadcaster carrying Discovered/Updated/Online/Offline.
func (r *Registry) Events() *events.Broadcaster[Event] { return r.events }

// Mandatory returns a copy of the quorum addresses.
func (r *Registry) Mandatory() []uint8 {
	return append([]uint8(nil), r.mandatory...)
}

// indexLocked returns the slot of addr or -1.
func (r *Registry) indexLocked(addr uint8) int {
	for i := range r.records {
		if r.records[i].Address == addr {
			return i
		}
	}
	return -1
}

// AddOrUpdate inserts rec when its address is unseen, otherwise overwrites
// the stored fields in place.
func (r *Registry) AddOrUpdate(rec ModuleRecord) error {
	if !ValidAddress(rec.Address) {
		return ctlerr.New(ctlerr.InvalidParameter, "registry.add_or_update",
			fmt.Sprintf("address %d out of range", rec.Address))
	}
	if !rec.Type.Valid() || !rec.Status.Valid() {
		return ctlerr.New(ctlerr.InvalidParameter, "registry.add_or_update", "invalid type or status")
	}
	rec.Name = sanitize(rec.Name, MaxNameLen)
	rec.Version = sanitize(rec.Version, MaxVersionLen)
	if rec.LastSeen.IsZero() {
		rec.LastSeen = r.now()
	}

	r.mu.Lock()
	kind := EventUpdated
	if i := r.indexLocked(rec.Address); i >= 0 {
		r.records[i] = rec
	} else {
		if len(r.records) >= MaxModules {
			r.mu.Unlock()
			return ctlerr.New(ctlerr.InvalidParameter, "registry.add_or_update", "registry full")
		}
		r.records = append(r.records, rec)
		kind = EventDiscovered
	}
	r.mu.Unlock()

	r.events.Publish(Event{Kind: kind, Record: rec, At: rec.LastSeen})
	return nil
}

// MarkOnline flips addr to Online and refreshes LastSeen.
// An address with no record gets a minimal one first.
func (r *Registry) MarkOnline(addr uint8, t ModuleType, version string) error {
	if !ValidAddress(addr) {
		return ctlerr.New(ctlerr.InvalidParameter, "registry.mark_online",
			fmt.Sprintf("address %d out of range", addr))
	}
	if !t.Valid() {
		return ctlerr.New(ctlerr.InvalidParameter, "registry.mark_online", "invalid module type")
	}
	now := r.now()
	version = sanitize(version, MaxVersionLen)

	var emit []Event

	r.mu.Lock()
	i := r.indexLocked(addr)
	if i < 0 {
		if len(r.records) >= MaxModules {
			r.mu.Unlock()
			return ctlerr.New(ctlerr.InvalidParameter, "registry.mark_online", "registry full")
		}
		r.records = append(r.records, ModuleRecord{Address: addr, Status: StatusUnknown})
		i = len(r.records) - 1
		emit = append(emit, Event{Kind: EventDiscovered, Record: r.records[i], At: now})
	}

	rec := &r.records[i]
	wasOnline := rec.Status == StatusOnline
	if t != TypeUnknown {
		rec.Type = t
	}
	if version != "" {
		rec.Version = version
	}
	rec.Status = StatusOnline
	rec.LastSeen = now
	if !wasOnline {
		emit = append(emit, Event{Kind: EventOnline, Record: *rec, At: now})
	}
	r.mu.Unlock()

	for _, ev := range emit {
		r.events.Publish(ev)
	}
	return nil
}

// MarkOffline flips addr to Offline. Already-offline records emit nothing.
func (r *Registry) MarkOffline(addr uint8) error {
	now := r.now()

	r.mu.Lock()
	i := r.indexLocked(addr)
	if i < 0 {
		r.mu.Unlock()
		return ctlerr.New(ctlerr.InvalidParameter, "registry.mark_offline",
			fmt.Sprintf("no module at address %d", addr))
	}
	rec := &r.records[i]
	changed := rec.Status != StatusOffline
	rec.Status = StatusOffline
	out := *rec
	r.mu.Unlock()

	if changed {
		r.events.Publish(Event{Kind: EventOffline, Record: out, At: now})
	}
	return nil
}

// Get returns a copy of the record at addr.
func (r *Registry) Get(addr uint8) (ModuleRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(addr); i >= 0 {
		return r.records[i], true
	}
	return ModuleRecord{}, false
}

// List returns copies of all records ordered by address.
func (r *Registry) List() []ModuleRecord {
	r.mu.Lock()
	out := make([]ModuleRecord, len(r.records))
	copy(out, r.records)
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Addresses returns the known addresses in ascending order.
func (r *Registry) Addresses() []uint8 {
	r.mu.Lock()
	out := make([]uint8, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Address)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) CountOnline() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.Status == StatusOnline {
			n++
		}
	}
	return n
}

// MissingMandatory lists mandatory addresses that are not Online, ascending.
func (r *Registry) MissingMandatory() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missingLocked()
}

func (r *Registry) missingLocked() []uint8 {
	var missing []uint8
	for _, addr := range r.mandatory {
		i := r.indexLocked(addr)
		if i < 0 || r.records[i].Status != StatusOnline {
			missing = append(missing, addr)
		}
	}
	return missing
}

// MandatoryQuorumMet is derived from the same projection as MissingMandatory.
func (r *Registry) MandatoryQuorumMet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.missingLocked()) == 0
}

// Reset drops every record. It is the only way a record is deleted.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.records = r.records[:0]
	r.mu.Unlock()
}

// Restore bulk-loads records (snapshot load). Invalid or duplicate entries are
// skipped and counted. No events are emitted.
func (r *Registry) Restore(recs []ModuleRecord) (skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if !ValidAddress(rec.Address) || !rec.Type.Valid() || !rec.Status.Valid() ||
			r.indexLocked(rec.Address) >= 0 || len(r.records) >= MaxModules {
			skipped++
			continue
		}
		rec.Name = sanitize(rec.Name, MaxNameLen)
		rec.Version = sanitize(rec.Version, MaxVersionLen)
		r.records = append(r.records, rec)
	}
	return skipped
}

func (r *Registry) SetScanning(v bool) {
	r.mu.Lock()
	r.scanning = v
	r.mu.Unlock()
}

func (r *Registry) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// SetIdentity refreshes name and capabilities of a known module.
// Updated is emitted only when a stored value actually changes.
func (r *Registry) SetIdentity(addr uint8, name string, caps uint32) error {
	name = sanitize(name, MaxNameLen)

	r.mu.Lock()
	i := r.indexLocked(addr)
	if i < 0 {
		r.mu.Unlock()
		return ctlerr.New(ctlerr.InvalidParameter, "registry.set_identity",
			fmt.Sprintf("no module at address %d", addr))
	}
	rec := &r.records[i]
	changed := rec.Name != name || rec.Capabilities != caps
	rec.Name = name
	rec.Capabilities = caps
	out := *rec
	r.mu.Unlock()

	if changed {
		r.events.Publish(Event{Kind: EventUpdated, Record: out, At: r.now()})
	}
	return nil
}
