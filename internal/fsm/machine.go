// internal/fsm/machine.go
package fsm

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/events"
	"github.com/tamzrod/oht-master/internal/safety"
)

// SafetySource is the read side of the safety gate.
type SafetySource interface {
	Snapshot() safety.State
}

// QuorumSource reports whether every mandatory module is online.
type QuorumSource interface {
	MandatoryQuorumMet() bool
}

// Status is the authoritative machine status. Callers get copies.
type Status struct {
	CurrentState    State
	PreviousState   State
	LastEvent       Event
	CurrentFault    safety.Fault
	StateEntryTime  time.Time
	LastUpdate      time.Time
	TransitionCount uint64

	// derived on every update, never set by callers
	SystemReady     bool
	SafetyOK        bool
	CommunicationOK bool
	SensorsOK       bool
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithTimeouts replaces the per-state dwell limits. States absent from the
// map get no timeout.
func WithTimeouts(t map[State]time.Duration) Option {
	return func(m *Machine) {
		m.timeouts = [stateCount]time.Duration{}
		for s, d := range t {
			if s.Valid() && d > 0 {
				m.timeouts[s] = d
			}
		}
	}
}

// Machine is the safety-gated operating-mode controller.
// ProcessEvent is the only way to change state.
type Machine struct {
	mu       sync.Mutex
	status   Status
	timeouts [stateCount]time.Duration
	stats    [stateCount]StateStats

	safety SafetySource
	quorum QuorumSource

	now         func() time.Time
	log         zerolog.Logger
	transitions *events.Broadcaster[Transition]
}

// New starts the machine in Boot. A nil source reads as not OK.
func New(safetySrc SafetySource, quorumSrc QuorumSource, opts ...Option) *Machine {
	m := &Machine{
		safety:      safetySrc,
		quorum:      quorumSrc,
		now:         time.Now,
		log:         zerolog.Nop(),
		transitions: events.NewBroadcaster[Transition](),
	}
	WithTimeouts(DefaultTimeouts())(m)
	for _, o := range opts {
		o(m)
	}

	now := m.now()
	m.status = Status{
		CurrentState:   StateBoot,
		PreviousState:  StateBoot,
		CurrentFault:   safety.FaultNone,
		StateEntryTime: now,
		LastUpdate:     now,
	}
	m.stats[StateBoot].Entries = 1
	return m
}

// Transitions is the notification stream. It never feeds safety logic.
func (m *Machine) Transitions() *events.Broadcaster[Transition] { return m.transitions }

// ---- inputs ----

type inputs struct {
	safety   safety.State
	safetyOK bool
	quorum   bool
}

// readInputs queries the sources without holding m.mu.
func (m *Machine) readInputs() inputs {
	in := inputs{safety: safety.State{Level: safety.LevelEmergency, Fault: safety.FaultEStopSoftware}}
	if m.safety != nil {
		in.safety = m.safety.Snapshot()
		in.safetyOK = in.safety.Level == safety.LevelNormal
	}
	if m.quorum != nil {
		in.quorum = m.quorum.MandatoryQuorumMet()
	}
	return in
}

func (m *Machine) applyInputsLocked(in inputs, now time.Time) {
	st := &m.status
	st.SafetyOK = in.safetyOK
	st.CommunicationOK = in.quorum
	st.SensorsOK = in.safety.Fault != safety.FaultSensorFailure
	st.SystemReady = st.SafetyOK && st.CommunicationOK && st.SensorsOK
	st.LastUpdate = now
	m.mirrorFaultLocked(in)
}

func (m *Machine) mirrorFaultLocked(in inputs) {
	switch m.status.CurrentState {
	case StateFault, StateEStop:
		m.status.CurrentFault = in.safety.Fault
	default:
		m.status.CurrentFault = safety.FaultNone
	}
}

func (m *Machine) guardLocked(g guard) bool {
	switch g {
	case guardSafe:
		return m.status.SafetyOK
	case guardReady:
		return m.status.SystemReady
	}
	return true
}

// --------------------
// Mutators
// --------------------

// ProcessEvent applies ev. An unknown (state, event) pair returns
// invalid_transition and a failed guard returns not_ready; in both cases
// nothing changes.
func (m *Machine) ProcessEvent(ev Event) error {
	if !ev.Valid() {
		return ctlerr.New(ctlerr.InvalidParameter, "fsm.process_event", ev.String())
	}
	in := m.readInputs()

	m.mu.Lock()
	now := m.now()
	m.applyInputsLocked(in, now)
	tr, err := m.fireLocked(ev, in, now)
	m.mu.Unlock()

	if err != nil {
		m.log.Debug().Str("event", ev.String()).Err(err).Msg("event rejected")
		return err
	}
	m.announce(tr)
	return nil
}

// Update refreshes the derived flags and enforces the dwell timeout of the
// current state.
func (m *Machine) Update() {
	in := m.readInputs()

	m.mu.Lock()
	now := m.now()
	m.applyInputsLocked(in, now)

	var (
		tr    Transition
		fired bool
	)
	cur := m.status.CurrentState
	if limit := m.timeouts[cur]; limit > 0 && now.Sub(m.status.StateEntryTime) >= limit {
		var err error
		tr, err = m.fireLocked(EventTimeout, in, now)
		fired = err == nil
	}
	m.mu.Unlock()

	if fired {
		m.log.Warn().Str("state", cur.String()).Msg("state timeout")
		m.announce(tr)
	}
}

func (m *Machine) fireLocked(ev Event, in inputs, now time.Time) (Transition, error) {
	from := m.status.CurrentState
	r, forced, ok := lookup(from, ev)
	if !ok {
		return Transition{}, ctlerr.New(ctlerr.InvalidTransition, "fsm.process_event",
			ev.String()+" in "+from.String())
	}
	if !m.guardLocked(r.guard) {
		return Transition{}, ctlerr.New(ctlerr.NotReady, "fsm.process_event",
			ev.String()+" in "+from.String())
	}

	m.stats[from].Total += now.Sub(m.status.StateEntryTime)
	m.stats[r.to].Entries++

	m.status.PreviousState = from
	m.status.CurrentState = r.to
	m.status.LastEvent = ev
	m.status.StateEntryTime = now
	m.status.TransitionCount++
	m.mirrorFaultLocked(in)

	return Transition{From: from, To: r.to, Event: ev, Forced: forced, At: now}, nil
}

func (m *Machine) announce(tr Transition) {
	m.log.Info().
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Str("event", tr.Event.String()).
		Bool("forced", tr.Forced).
		Msg("state transition")
	m.transitions.Publish(tr)
}

// --------------------
// Reads
// --------------------

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.CurrentState
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Statistics returns per-state entry counts and cumulative dwell time,
// including time spent so far in the current state.
func (m *Machine) Statistics() map[State]StateStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[State]StateStats, stateCount)
	for s := StateBoot; s < stateCount; s++ {
		out[s] = m.stats[s]
	}
	cur := m.status.CurrentState
	st := out[cur]
	st.Total += m.now().Sub(m.status.StateEntryTime)
	out[cur] = st
	return out
}
