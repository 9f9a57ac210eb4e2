// internal/status/constants.go
package status

// Master Status Block layout constants.
// These values define the protocol and MUST NOT be configurable.

// ---- BLOCK GEOMETRY ----

// SlotsPerBlock is the fixed number of 16-bit slots in the block.
const SlotsPerBlock = 20

// ---- SLOT INDICES ----

const (
	SlotHealthCode     = 0
	SlotSystemState    = 1
	SlotSafetyLevel    = 2
	SlotFaultCode      = 3
	SlotCommIndicator  = 4
	SlotModulesOnline  = 5
	SlotMissingMask    = 6 // bit n set: mandatory address n is not online
	SlotSecondsInState = 7
	SlotTransitionsHi  = 8
	SlotTransitionsLo  = 9
)

// MissingMaskBits is the number of mandatory addresses the missing mask can
// carry. Mandatory addresses must be below it.
const MissingMaskBits = 16

// ---- RESERVED RANGE ----

// Slots 10-19 are reserved for future use.
const SlotReservedStart = 10
const SlotReservedEnd = 19

// ---- HEALTH CODES ----

// HealthUnknown represents boot or init.
const HealthUnknown uint16 = 0

// HealthOK represents a ready vehicle.
const HealthOK uint16 = 1

// HealthError represents Fault, EStop or a bus with no mandatory module.
const HealthError uint16 = 2

// HealthWarning represents a degraded but operable vehicle.
const HealthWarning uint16 = 3

// ---- COMM INDICATOR ----

const (
	IndicatorOff       uint16 = 0 // no mandatory module online
	IndicatorBlinkFast uint16 = 1 // some mandatory modules missing
	IndicatorSolid     uint16 = 2 // quorum met
)
