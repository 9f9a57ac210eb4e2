// internal/status/encode.go
package status

import (
	"math"

	"github.com/tamzrod/oht-master/internal/registry"
)

// Encode converts a Snapshot into the master status block.
// Layout is protocol-locked.
// No IO. No side effects.
func Encode(s Snapshot) []uint16 {
	regs := make([]uint16, SlotsPerBlock)

	regs[SlotHealthCode] = s.Health
	regs[SlotSystemState] = uint16(s.System.CurrentState)
	regs[SlotSafetyLevel] = uint16(s.Safety.Level)
	regs[SlotFaultCode] = uint16(s.Safety.Fault)
	regs[SlotCommIndicator] = s.CommIndicator

	online := 0
	for _, m := range s.Modules {
		if m.Status == registry.StatusOnline {
			online++
		}
	}
	regs[SlotModulesOnline] = uint16(online)

	var mask uint16
	for _, a := range s.Missing {
		if a < MissingMaskBits {
			mask |= 1 << a
		}
	}
	regs[SlotMissingMask] = mask

	secs := s.At.Sub(s.System.StateEntryTime).Seconds()
	switch {
	case secs < 0:
		secs = 0
	case secs > math.MaxUint16:
		secs = math.MaxUint16
	}
	regs[SlotSecondsInState] = uint16(secs)

	regs[SlotTransitionsHi] = uint16(s.System.TransitionCount >> 16)
	regs[SlotTransitionsLo] = uint16(s.System.TransitionCount)

	return regs
}
