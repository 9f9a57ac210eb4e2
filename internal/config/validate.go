// internal/config/validate.go
package config

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/fsm"
	"github.com/tamzrod/oht-master/internal/registry"
	"github.com/tamzrod/oht-master/internal/status"
)

func invalid(format string, args ...any) error {
	return ctlerr.New(ctlerr.ConfigError, "config.validate", fmt.Sprintf(format, args...))
}

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
// Zero values mean "use the default" and are accepted.
func Validate(cfg *Config) error {
	if cfg == nil {
		return invalid("config is nil")
	}

	// ------------------------------------------------------------
	// BUS
	// ------------------------------------------------------------

	b := cfg.Bus
	switch b.Kind {
	case "", "rtu":
		if b.Device == "" {
			return invalid("bus.device required for rtu bus")
		}
		if cfg.Safety.EStopLine == nil {
			return invalid("safety.estop_line required for rtu bus")
		}
	case "sim":
	default:
		return invalid("bus.kind %q: must be rtu or sim", b.Kind)
	}
	switch b.Parity {
	case "", "N", "E", "O":
	default:
		return invalid("bus.parity %q: must be N, E or O", b.Parity)
	}
	if b.BaudRate < 0 || b.TimeoutMs < 0 || b.ScanTimeoutMs < 0 || b.ScanBackoffMs < 0 || b.ScanGapMs < 0 {
		return invalid("bus: baud rate, timeouts, backoff and gap must be >= 0")
	}
	if b.DataBits != 0 && (b.DataBits < 5 || b.DataBits > 8) {
		return invalid("bus.data_bits %d: must be 5..8", b.DataBits)
	}
	if b.StopBits != 0 && b.StopBits != 1 && b.StopBits != 2 {
		return invalid("bus.stop_bits %d: must be 1 or 2", b.StopBits)
	}
	if b.Retries != nil && (*b.Retries < 0 || *b.Retries > 10) {
		return invalid("bus.retries %d: must be 0..10", *b.Retries)
	}
	if b.ScanRetries != nil && (*b.ScanRetries < 0 || *b.ScanRetries > 10) {
		return invalid("bus.scan_retries %d: must be 0..10", *b.ScanRetries)
	}

	// ------------------------------------------------------------
	// DISCOVERY
	// ------------------------------------------------------------

	d := cfg.Discovery
	if d.ScanFirst != 0 && !registry.ValidAddress(d.ScanFirst) {
		return invalid("discovery.scan_first %d out of range", d.ScanFirst)
	}
	if d.ScanLast != 0 && !registry.ValidAddress(d.ScanLast) {
		return invalid("discovery.scan_last %d out of range", d.ScanLast)
	}
	if d.ScanFirst != 0 && d.ScanLast != 0 && d.ScanFirst > d.ScanLast {
		return invalid("discovery: scan_first %d > scan_last %d", d.ScanFirst, d.ScanLast)
	}
	if d.PollIntervalMs < 0 || d.JitterMs < 0 || d.RescanIntervalMs < 0 || d.OfflineThreshold < 0 {
		return invalid("discovery: intervals and offline_threshold must be >= 0")
	}
	if len(d.Mandatory) > registry.MaxModules {
		return invalid("discovery.mandatory: at most %d addresses", registry.MaxModules)
	}
	seen := make(map[uint8]bool)
	for _, a := range d.Mandatory {
		if !registry.ValidAddress(a) {
			return invalid("discovery.mandatory: address %d out of range", a)
		}
		if a >= status.MissingMaskBits {
			return invalid("discovery.mandatory: address %d not representable in the status block (max %d)", a, status.MissingMaskBits-1)
		}
		if seen[a] {
			return invalid("discovery.mandatory: duplicate address %d", a)
		}
		seen[a] = true
	}

	// ------------------------------------------------------------
	// CONTROL LOOPS
	// ------------------------------------------------------------

	if l := cfg.Safety.EStopLine; l != nil && *l < 0 {
		return invalid("safety.estop_line %d: must be >= 0", *l)
	}
	if l := cfg.Safety.InterlockLine; l != nil && *l < 0 {
		return invalid("safety.interlock_line %d: must be >= 0", *l)
	}
	if e, i := cfg.Safety.EStopLine, cfg.Safety.InterlockLine; e != nil && i != nil && *e == *i {
		return invalid("safety: estop_line and interlock_line share offset %d", *e)
	}

	if cfg.Safety.PeriodMs < 0 || cfg.StateMachine.PeriodMs < 0 {
		return invalid("period_ms must be >= 0")
	}
	for name, ms := range cfg.StateMachine.TimeoutsMs {
		if _, err := fsm.ParseState(name); err != nil {
			return invalid("state_machine.timeouts_ms: unknown state %q", name)
		}
		if ms < 0 {
			return invalid("state_machine.timeouts_ms[%s]: must be >= 0", name)
		}
	}

	sm := cfg.StatusMemory
	if sm.Endpoint != "" {
		if sm.TimeoutMs < 0 || sm.IntervalMs < 0 {
			return invalid("status_memory: timeout_ms and interval_ms must be >= 0")
		}
		if int(sm.BaseAddress)+status.SlotsPerBlock > 0x10000 {
			return invalid("status_memory.base_address %d: block overflows register space", sm.BaseAddress)
		}
	}

	if cfg.Log.Level != "" {
		if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil {
			return invalid("log.level %q: %v", cfg.Log.Level, err)
		}
	}

	// ------------------------------------------------------------
	// SIMULATION
	// ------------------------------------------------------------

	if cfg.Sim.DropRate < 0 || cfg.Sim.DropRate > 1 {
		return invalid("sim.drop_rate %v: must be within [0,1]", cfg.Sim.DropRate)
	}
	simSeen := make(map[uint8]bool)
	for _, m := range cfg.Sim.Modules {
		if !registry.ValidAddress(m.Address) {
			return invalid("sim.modules: address %d out of range", m.Address)
		}
		if simSeen[m.Address] {
			return invalid("sim.modules: duplicate address %d", m.Address)
		}
		simSeen[m.Address] = true
		if _, err := registry.ParseModuleType(m.Type); err != nil {
			return invalid("sim.modules[%d]: %v", m.Address, err)
		}
		for i := 0; i < len(m.Name); i++ {
			if m.Name[i] > 0x7F {
				return invalid("sim.modules[%d]: name must contain ASCII characters only", m.Address)
			}
		}
	}

	return nil
}
