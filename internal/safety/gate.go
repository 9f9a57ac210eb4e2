// internal/safety/gate.go
package safety

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/events"
)

// Hardware samples the emergency-stop and interlock inputs.
// true means asserted (machine must stop).
type Hardware interface {
	ReadEStop() (bool, error)
	ReadInterlock() (bool, error)
}

// State is the gate's view of safety. Callers only ever get copies.
type State struct {
	Level              Level
	Fault              Fault
	SoftwareFault      Fault
	EStopTriggered     bool
	InterlockTriggered bool
	FaultCount         uint64
	EStopCount         uint64
	ReadErrors         uint64
	LastChange         time.Time
}

// Event is raised on a level increase or a fault-kind change.
type Event struct {
	PrevLevel Level
	PrevFault Fault
	Level     Level
	Fault     Fault
	At        time.Time
}

// Gate owns the process-wide SafetyState.
type Gate struct {
	mu    sync.Mutex
	hw    Hardware
	state State
	hwRaw Fault // fault implied by the last hardware sample

	now    func() time.Time
	log    zerolog.Logger
	events *events.Broadcaster[Event]
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

func NewGate(hw Hardware, opts ...Option) *Gate {
	g := &Gate{
		hw:     hw,
		now:    time.Now,
		log:    zerolog.Nop(),
		events: events.NewBroadcaster[Event](),
	}
	for _, o := range opts {
		o(g)
	}
	g.state.LastChange = g.now()
	return g
}

func (g *Gate) Events() *events.Broadcaster[Event] { return g.events }

// sample reads both inputs. Read errors count as asserted.
func (g *Gate) sample() (estop, interlock bool, readErrs int) {
	e, err := g.hw.ReadEStop()
	if err != nil {
		g.log.Error().Err(err).Msg("estop read failed, treating as asserted")
		e = true
		readErrs++
	}
	i, err := g.hw.ReadInterlock()
	if err != nil {
		g.log.Error().Err(err).Msg("interlock read failed, treating as asserted")
		i = true
		readErrs++
	}
	return e, i, readErrs
}

// Update samples hardware and recomputes level and fault.
// Hardware I/O happens outside the lock.
func (g *Gate) Update() {
	estop, interlock, readErrs := g.sample()

	g.mu.Lock()
	g.state.ReadErrors += uint64(readErrs)
	g.applySampleLocked(estop, interlock)
	ev, ok := g.recomputeLocked()
	g.mu.Unlock()

	if ok {
		g.publish(ev)
	}
}

func (g *Gate) applySampleLocked(estop, interlock bool) {
	if estop && !g.state.EStopTriggered {
		g.state.EStopCount++
	}
	g.state.EStopTriggered = estop
	g.state.InterlockTriggered = interlock

	raw := FaultNone
	switch {
	case estop:
		raw = FaultEStopHardware
	case interlock:
		raw = FaultSafetyCircuit
	}
	if raw != FaultNone && raw != g.hwRaw {
		g.state.FaultCount++
	}
	g.hwRaw = raw
}

// recomputeLocked derives the effective fault: the more severe of hardware
// and software faults, hardware winning ties.
func (g *Gate) recomputeLocked() (Event, bool) {
	eff := g.hwRaw
	if g.state.SoftwareFault.Level() > eff.Level() {
		eff = g.state.SoftwareFault
	}

	prevLevel, prevFault := g.state.Level, g.state.Fault
	g.state.Fault = eff
	g.state.Level = eff.Level()

	if g.state.Level == prevLevel && g.state.Fault == prevFault {
		return Event{}, false
	}
	now := g.now()
	g.state.LastChange = now

	// level is a function of fault, so any change here is a fault-kind change
	return Event{
		PrevLevel: prevLevel,
		PrevFault: prevFault,
		Level:     g.state.Level,
		Fault:     g.state.Fault,
		At:        now,
	}, true
}

func (g *Gate) publish(ev Event) {
	g.log.Info().
		Str("fault", ev.Fault.String()).
		Str("level", ev.Level.String()).
		Str("prev_fault", ev.PrevFault.String()).
		Msg("safety state changed")
	g.events.Publish(ev)
}

// TriggerFault asserts a software-detected fault. A less severe fault does
// not replace a more severe one that is still pending.
func (g *Gate) TriggerFault(kind Fault) error {
	if kind == FaultNone || !kind.Valid() {
		return ctlerr.New(ctlerr.InvalidParameter, "safety.trigger_fault", "fault kind required")
	}

	g.mu.Lock()
	g.state.FaultCount++
	if kind.Level() >= g.state.SoftwareFault.Level() {
		g.state.SoftwareFault = kind
	}
	ev, ok := g.recomputeLocked()
	g.mu.Unlock()

	if ok {
		g.publish(ev)
	}
	return nil
}

// ClearFault drops the software fault. It is refused, without any state
// change, while the E-Stop or interlock is asserted or cannot be read.
func (g *Gate) ClearFault() error {
	estop, err := g.hw.ReadEStop()
	if err != nil {
		return ctlerr.Wrap(ctlerr.SafetyFault, "safety.clear_fault", err)
	}
	if estop {
		return ctlerr.New(ctlerr.SafetyFault, "safety.clear_fault", FaultEStopHardware.String()+" asserted")
	}
	interlock, err := g.hw.ReadInterlock()
	if err != nil {
		return ctlerr.Wrap(ctlerr.SafetyFault, "safety.clear_fault", err)
	}
	if interlock {
		return ctlerr.New(ctlerr.SafetyFault, "safety.clear_fault", FaultSafetyCircuit.String()+" asserted")
	}

	g.mu.Lock()
	g.state.SoftwareFault = FaultNone
	g.applySampleLocked(false, false)
	ev, ok := g.recomputeLocked()
	g.mu.Unlock()

	if ok {
		g.publish(ev)
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsSafe is true only at LevelNormal.
func (g *Gate) IsSafe() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Level == LevelNormal
}
