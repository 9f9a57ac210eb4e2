// internal/config/normalize.go
package config

import (
	"time"

	"github.com/tamzrod/oht-master/internal/fsm"
	"github.com/tamzrod/oht-master/internal/registry"
)

// Deployment defaults.
const (
	DefaultBaudRate         = 115200
	DefaultTimeoutMs        = 500
	DefaultRetries          = 2
	DefaultScanRetries      = 3
	DefaultScanTimeoutMs    = 100
	DefaultScanBackoffMs    = 50
	DefaultScanGapMs        = 20
	DefaultScanLast         = 0x08
	DefaultPollIntervalMs   = 1000
	DefaultJitterMs         = 100
	DefaultOfflineThreshold = 3
	DefaultSafetyPeriodMs   = 20
	DefaultGPIOChip         = "gpiochip0"
	DefaultMachinePeriodMs  = 50
	DefaultStatusUnitID     = 1
	DefaultStatusTimeoutMs  = 1000
	DefaultStatusIntervalMs = 1000
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	// ------------------------------------------------------------
	// BUS
	// ------------------------------------------------------------

	b := &cfg.Bus
	if b.Kind == "" {
		b.Kind = "rtu"
	}
	if b.BaudRate == 0 {
		b.BaudRate = DefaultBaudRate
	}
	if b.DataBits == 0 {
		b.DataBits = 8
	}
	if b.StopBits == 0 {
		b.StopBits = 1
	}
	if b.Parity == "" {
		b.Parity = "N"
	}
	if b.TimeoutMs == 0 {
		b.TimeoutMs = DefaultTimeoutMs
	}
	if b.Retries == nil {
		v := DefaultRetries
		b.Retries = &v
	}
	if b.ScanRetries == nil {
		v := DefaultScanRetries
		b.ScanRetries = &v
	}
	if b.ScanTimeoutMs == 0 {
		b.ScanTimeoutMs = DefaultScanTimeoutMs
	}
	if b.ScanBackoffMs == 0 {
		b.ScanBackoffMs = DefaultScanBackoffMs
	}
	if b.ScanGapMs == 0 {
		b.ScanGapMs = DefaultScanGapMs
	}

	// ------------------------------------------------------------
	// DISCOVERY
	// ------------------------------------------------------------

	d := &cfg.Discovery
	if d.ScanFirst == 0 {
		d.ScanFirst = registry.MinAddress
	}
	if d.ScanLast == 0 {
		d.ScanLast = DefaultScanLast
		if d.ScanLast < d.ScanFirst {
			d.ScanLast = d.ScanFirst
		}
	}
	if d.PollIntervalMs == 0 {
		d.PollIntervalMs = DefaultPollIntervalMs
	}
	if d.JitterMs == 0 {
		d.JitterMs = DefaultJitterMs
	}
	if d.OfflineThreshold == 0 {
		d.OfflineThreshold = DefaultOfflineThreshold
	}
	if len(d.Mandatory) == 0 {
		d.Mandatory = append([]uint8(nil), registry.DefaultMandatory...)
	}

	// ------------------------------------------------------------
	// LOOPS + OUTER SURFACES + LOG
	// ------------------------------------------------------------

	if cfg.Safety.PeriodMs == 0 {
		cfg.Safety.PeriodMs = DefaultSafetyPeriodMs
	}
	if cfg.Safety.GPIOChip == "" {
		cfg.Safety.GPIOChip = DefaultGPIOChip
	}
	if cfg.StateMachine.PeriodMs == 0 {
		cfg.StateMachine.PeriodMs = DefaultMachinePeriodMs
	}
	if sm := &cfg.StatusMemory; sm.Endpoint != "" {
		if sm.UnitID == 0 {
			sm.UnitID = DefaultStatusUnitID
		}
		if sm.TimeoutMs == 0 {
			sm.TimeoutMs = DefaultStatusTimeoutMs
		}
		if sm.IntervalMs == 0 {
			sm.IntervalMs = DefaultStatusIntervalMs
		}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	// ------------------------------------------------------------
	// SIMULATION
	// ------------------------------------------------------------

	if cfg.Bus.Kind == "sim" && len(cfg.Sim.Modules) == 0 {
		cfg.Sim.Modules = []SimModule{
			{Address: registry.AddrPower, Type: registry.TypePower.String(), Name: "POWER", Version: "sim"},
			{Address: registry.AddrSafety, Type: registry.TypeSafety.String(), Name: "SAFETY", Version: "sim"},
			{Address: registry.AddrTravelMotor, Type: registry.TypeTravelMotor.String(), Name: "TRAVEL_MOTOR", Version: "sim"},
			{Address: registry.AddrDock, Type: registry.TypeDock.String(), Name: "DOCK", Version: "sim"},
		}
	}
	for i := range cfg.Sim.Modules {
		m := &cfg.Sim.Modules[i]
		if len(m.Name) > registry.MaxNameLen {
			m.Name = m.Name[:registry.MaxNameLen]
		}
	}
}

// Timeouts returns the per-state dwell limits: built-in defaults overridden
// by state_machine.timeouts_ms. Call after Validate.
func (c *Config) Timeouts() map[fsm.State]time.Duration {
	out := fsm.DefaultTimeouts()
	for name, ms := range c.StateMachine.TimeoutsMs {
		s, err := fsm.ParseState(name)
		if err != nil {
			continue
		}
		out[s] = time.Duration(ms) * time.Millisecond
	}
	return out
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ---- derived durations ----

func (b BusConfig) Timeout() time.Duration     { return ms(b.TimeoutMs) }
func (b BusConfig) ScanTimeout() time.Duration { return ms(b.ScanTimeoutMs) }
func (b BusConfig) ScanBackoff() time.Duration { return ms(b.ScanBackoffMs) }
func (b BusConfig) ScanGap() time.Duration     { return ms(b.ScanGapMs) }

func (d DiscoveryConfig) PollInterval() time.Duration   { return ms(d.PollIntervalMs) }
func (d DiscoveryConfig) Jitter() time.Duration         { return ms(d.JitterMs) }
func (d DiscoveryConfig) RescanInterval() time.Duration { return ms(d.RescanIntervalMs) }

func (m StatusMemoryConfig) Timeout() time.Duration  { return ms(m.TimeoutMs) }
func (m StatusMemoryConfig) Interval() time.Duration { return ms(m.IntervalMs) }

func (s SafetyConfig) Period() time.Duration       { return ms(s.PeriodMs) }
func (s StateMachineConfig) Period() time.Duration { return ms(s.PeriodMs) }
