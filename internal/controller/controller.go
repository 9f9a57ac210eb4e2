// internal/controller/controller.go
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/discovery"
	"github.com/tamzrod/oht-master/internal/events"
	"github.com/tamzrod/oht-master/internal/fsm"
	"github.com/tamzrod/oht-master/internal/observability"
	"github.com/tamzrod/oht-master/internal/registry"
	"github.com/tamzrod/oht-master/internal/safety"
	"github.com/tamzrod/oht-master/internal/status"
)

const (
	DefaultSafetyPeriod  = 20 * time.Millisecond
	DefaultMachinePeriod = 50 * time.Millisecond
)

// Options tune the control loop. Zero values take defaults.
type Options struct {
	SafetyPeriod  time.Duration
	MachinePeriod time.Duration
	Metrics       *observability.Metrics // optional
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Controller owns the registry, the safety gate, the state machine and the
// discovery coordinator, and drives them from one control goroutine.
type Controller struct {
	reg     *registry.Registry
	gate    *safety.Gate
	machine *fsm.Machine
	coord   *discovery.Coordinator

	metrics       *observability.Metrics
	log           zerolog.Logger
	now           func() time.Time
	safetyPeriod  time.Duration
	machinePeriod time.Duration
}

func New(reg *registry.Registry, gate *safety.Gate, machine *fsm.Machine, coord *discovery.Coordinator, opts Options) (*Controller, error) {
	if reg == nil || gate == nil || machine == nil || coord == nil {
		return nil, errors.New("controller: registry, gate, machine and coordinator required")
	}
	c := &Controller{
		reg:           reg,
		gate:          gate,
		machine:       machine,
		coord:         coord,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		now:           opts.Now,
		safetyPeriod:  opts.SafetyPeriod,
		machinePeriod: opts.MachinePeriod,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.safetyPeriod <= 0 {
		c.safetyPeriod = DefaultSafetyPeriod
	}
	if c.machinePeriod <= 0 {
		c.machinePeriod = DefaultMachinePeriod
	}
	return c, nil
}

// --------------------
// Control loop
// --------------------

// Run starts the bus goroutine and runs the control loop until ctx is done.
// It returns after the bus goroutine has finished its in-flight I/O and
// saved the snapshot.
func (c *Controller) Run(ctx context.Context) error {
	safetySub := c.gate.Events().Subscribe(32)
	defer safetySub.Unsubscribe()

	if c.metrics != nil {
		c.startMetrics(ctx)
	}

	busDone := make(chan error, 1)
	go func() { busDone <- c.coord.Run(ctx) }()

	safetyT := time.NewTicker(c.safetyPeriod)
	defer safetyT.Stop()
	machineT := time.NewTicker(c.machinePeriod)
	defer machineT.Stop()

	c.log.Info().
		Dur("safety_period", c.safetyPeriod).
		Dur("machine_period", c.machinePeriod).
		Msg("control loop started")

	for {
		select {
		case <-ctx.Done():
			err := <-busDone
			c.log.Info().Str("state", c.machine.State().String()).Msg("control loop stopped")
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil

		case <-safetyT.C:
			start := c.now()
			c.gate.Update()
			c.drainSafety(safetySub)
			c.observe("safety", start)

		case <-machineT.C:
			start := c.now()
			c.MachineTick(safetySub)
			c.observe("machine", start)
		}
	}
}

func (c *Controller) startMetrics(ctx context.Context) {
	trSub := c.machine.Transitions().Subscribe(64)
	safSub := c.gate.Events().Subscribe(32)
	modSub := c.reg.Events().Subscribe(64)

	for name, d := range map[string]observability.Dropper{
		"transitions": trSub, "safety": safSub, "modules": modSub,
	} {
		if err := c.metrics.RegisterDrops(name, d); err != nil {
			c.log.Warn().Err(err).Str("stream", name).Msg("drop counter not registered")
		}
	}
	go func() {
		defer trSub.Unsubscribe()
		defer safSub.Unsubscribe()
		defer modSub.Unsubscribe()
		c.metrics.Consume(ctx, trSub, safSub, modSub)
	}()
}

func (c *Controller) observe(loop string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveTick(loop, c.now().Sub(start))
	}
}

// MachineTick is one state machine iteration: safety first, then the
// machine, then boot progression and quorum supervision.
func (c *Controller) MachineTick(safetySub *events.Subscription[safety.Event]) {
	c.gate.Update()
	if safetySub != nil {
		c.drainSafety(safetySub)
	}
	c.machine.Update()

	switch c.machine.State() {
	case fsm.StateBoot:
		select {
		case <-c.coord.Ready():
			c.fire(fsm.EventBootComplete, "initial scan complete")
		default:
		}
	case fsm.StateInit:
		c.fire(fsm.EventInitComplete, "init complete")
	case fsm.StateMove, fsm.StateDock:
		c.superviseQuorum()
	}
	c.reconcileSafety()

	if c.metrics != nil {
		c.metrics.SetModules(c.reg.CountOnline(), c.reg.MandatoryQuorumMet())
	}
}

// superviseQuorum turns quorum loss while moving or docking into a fault.
func (c *Controller) superviseQuorum() {
	if c.reg.MandatoryQuorumMet() {
		return
	}
	missing := c.reg.MissingMandatory()
	c.log.Error().Interface("missing", missing).Msg("mandatory module lost while in motion")
	if err := c.gate.TriggerFault(safety.FaultCommunication); err != nil {
		c.log.Error().Err(err).Msg("trigger communication fault")
	}
	c.fire(fsm.EventFaultDetected, "mandatory quorum lost")
}

// reconcileSafety applies the current gate level as if it were a fresh edge.
// A command racing an edge can settle the machine in an operating state
// while the gate is still faulted; no later edge would correct that.
func (c *Controller) reconcileSafety() {
	st := c.gate.Snapshot()
	if st.Level == safety.LevelNormal {
		return
	}
	c.onSafetyEvent(safety.Event{Level: st.Level, Fault: st.Fault})
}

func (c *Controller) drainSafety(sub *events.Subscription[safety.Event]) {
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			c.onSafetyEvent(ev)
		default:
			return
		}
	}
}

// onSafetyEvent forces EStop on Emergency and Fault on any other fault.
// A lower fault never pulls the machine out of EStop.
func (c *Controller) onSafetyEvent(ev safety.Event) {
	state := c.machine.State()
	switch {
	case ev.Level == safety.LevelEmergency:
		if state == fsm.StateEStop || state == fsm.StateShutdown {
			return
		}
		c.fire(fsm.EventEStopTriggered, ev.Fault.String())
	case ev.Fault != safety.FaultNone:
		switch state {
		case fsm.StateEStop, fsm.StateFault, fsm.StateShutdown:
			return
		}
		c.fire(fsm.EventFaultDetected, ev.Fault.String())
	}
}

func (c *Controller) fire(ev fsm.Event, reason string) {
	if err := c.machine.ProcessEvent(ev); err != nil {
		c.log.Warn().Err(err).Str("event", ev.String()).Str("reason", reason).Msg("event not applied")
	}
}

// --------------------
// Commands
// --------------------

func (c *Controller) RequestMove() error   { return c.machine.ProcessEvent(fsm.EventMoveCommand) }
func (c *Controller) RequestStop() error   { return c.machine.ProcessEvent(fsm.EventStopCommand) }
func (c *Controller) RequestDock() error   { return c.machine.ProcessEvent(fsm.EventDockCommand) }
func (c *Controller) RequestPause() error  { return c.machine.ProcessEvent(fsm.EventPauseCommand) }
func (c *Controller) RequestResume() error { return c.machine.ProcessEvent(fsm.EventResumeCommand) }
func (c *Controller) RequestConfig() error { return c.machine.ProcessEvent(fsm.EventConfigCommand) }

// RequestConfigDone ends a Config session.
func (c *Controller) RequestConfigDone(ok bool) error {
	if ok {
		return c.machine.ProcessEvent(fsm.EventConfigComplete)
	}
	return c.machine.ProcessEvent(fsm.EventConfigFailed)
}

func (c *Controller) RequestShutdown() error { return c.machine.ProcessEvent(fsm.EventShutdown) }

// RequestEmergency latches a software E-Stop in the gate and forces EStop.
func (c *Controller) RequestEmergency() error {
	if err := c.gate.TriggerFault(safety.FaultEStopSoftware); err != nil {
		return err
	}
	return c.machine.ProcessEvent(fsm.EventEStopTriggered)
}

// RequestReset clears the software fault, then leaves EStop or Fault
// toward Idle. Refused with safety_fault while hardware is still asserted.
func (c *Controller) RequestReset() error {
	var ev fsm.Event
	switch st := c.machine.State(); st {
	case fsm.StateEStop:
		ev = fsm.EventEStopReset
	case fsm.StateFault:
		ev = fsm.EventFaultCleared
	case fsm.StateSafe:
		ev = fsm.EventSafeReset
	default:
		return ctlerr.New(ctlerr.InvalidTransition, "controller.reset", "nothing to reset in "+st.String())
	}
	if err := c.gate.ClearFault(); err != nil {
		return err
	}
	return c.machine.ProcessEvent(ev)
}

// RequestSafeReset moves EStop to Safe after full verification, or Safe
// to Idle.
func (c *Controller) RequestSafeReset() error {
	if c.machine.State() == fsm.StateEStop {
		if err := c.gate.ClearFault(); err != nil {
			return err
		}
	}
	return c.machine.ProcessEvent(fsm.EventSafeReset)
}

func (c *Controller) RequestScan()     { c.coord.RequestScan() }
func (c *Controller) PauseDiscovery()  { c.coord.Pause() }
func (c *Controller) ResumeDiscovery() { c.coord.Resume() }

// --------------------
// Reads
// --------------------

func (c *Controller) State() fsm.State                     { return c.machine.State() }
func (c *Controller) Status() fsm.Status                   { return c.machine.Status() }
func (c *Controller) SafetyStatus() safety.State           { return c.gate.Snapshot() }
func (c *Controller) ListModules() []registry.ModuleRecord { return c.reg.List() }
func (c *Controller) MandatoryQuorumMet() bool             { return c.reg.MandatoryQuorumMet() }
func (c *Controller) BusStats() discovery.Stats            { return c.coord.Stats() }

func (c *Controller) Statistics() map[fsm.State]fsm.StateStats {
	return c.machine.Statistics()
}

// Snapshot is the aggregate view for telemetry consumers.
func (c *Controller) Snapshot() status.Snapshot {
	return status.Derive(
		c.now(),
		c.machine.Status(),
		c.gate.Snapshot(),
		c.reg.List(),
		c.reg.Mandatory(),
		c.reg.Scanning(),
	)
}

// StatusBlock is the encoded master status block for the indicator and
// telemetry consumers.
func (c *Controller) StatusBlock() []uint16 {
	return status.Encode(c.Snapshot())
}
