// internal/status/snapshot.go
package status

import (
	"time"

	"github.com/tamzrod/oht-master/internal/fsm"
	"github.com/tamzrod/oht-master/internal/registry"
	"github.com/tamzrod/oht-master/internal/safety"
)

// Snapshot is the aggregate view handed to telemetry consumers.
// It is a copy; holding it never blocks the control loop.
type Snapshot struct {
	At        time.Time
	System    fsm.Status
	Safety    safety.State
	Modules   []registry.ModuleRecord
	Mandatory []uint8
	Missing   []uint8
	QuorumMet bool
	Scanning  bool

	Health        uint16
	CommIndicator uint16
}

// Derive fills in Missing, QuorumMet and the derived codes.
// No IO. No side effects.
func Derive(at time.Time, sys fsm.Status, saf safety.State, modules []registry.ModuleRecord, mandatory []uint8, scanning bool) Snapshot {
	s := Snapshot{
		At:        at,
		System:    sys,
		Safety:    saf,
		Modules:   modules,
		Mandatory: append([]uint8(nil), mandatory...),
		Scanning:  scanning,
	}

	online := make(map[uint8]bool, len(modules))
	for _, m := range modules {
		if m.Status == registry.StatusOnline {
			online[m.Address] = true
		}
	}
	for _, a := range mandatory {
		if !online[a] {
			s.Missing = append(s.Missing, a)
		}
	}
	s.QuorumMet = len(s.Missing) == 0

	s.CommIndicator = CommIndicator(len(mandatory)-len(s.Missing), len(mandatory))
	s.Health = Health(sys.CurrentState, saf.Level, s.CommIndicator)
	return s
}

// CommIndicator applies the COMM LED policy.
func CommIndicator(online, mandatory int) uint16 {
	switch {
	case online >= mandatory:
		return IndicatorSolid
	case online > 0:
		return IndicatorBlinkFast
	}
	return IndicatorOff
}

// Health folds state, safety and bus into one code.
func Health(state fsm.State, level safety.Level, comm uint16) uint16 {
	switch state {
	case fsm.StateFault, fsm.StateEStop:
		return HealthError
	}
	if level >= safety.LevelCritical || comm == IndicatorOff {
		return HealthError
	}
	switch state {
	case fsm.StateBoot, fsm.StateInit:
		return HealthUnknown
	}
	if level != safety.LevelNormal || comm != IndicatorSolid {
		return HealthWarning
	}
	return HealthOK
}
