// internal/safety/fault.go
package safety

import "fmt"

// Level is strictly ordered: Normal < Warning < Critical < Emergency.
type Level uint8

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Fault is the closed safety fault taxonomy.
type Fault uint8

const (
	FaultNone Fault = iota
	FaultEStopHardware
	FaultEStopSoftware
	FaultSafetyCircuit
	FaultSensorFailure
	FaultCommunication
	FaultPowerFailure
	FaultOvertemperature
	FaultOvercurrent
	FaultMechanical

	faultCount
)

var faultNames = [faultCount]string{
	FaultNone:            "none",
	FaultEStopHardware:   "estop_hardware",
	FaultEStopSoftware:   "estop_software",
	FaultSafetyCircuit:   "safety_circuit",
	FaultSensorFailure:   "sensor_failure",
	FaultCommunication:   "communication",
	FaultPowerFailure:    "power_failure",
	FaultOvertemperature: "overtemperature",
	FaultOvercurrent:     "overcurrent",
	FaultMechanical:      "mechanical",
}

var faultLevels = [faultCount]Level{
	FaultNone:            LevelNormal,
	FaultEStopHardware:   LevelEmergency,
	FaultEStopSoftware:   LevelEmergency,
	FaultSafetyCircuit:   LevelCritical,
	FaultSensorFailure:   LevelCritical,
	FaultCommunication:   LevelWarning,
	FaultPowerFailure:    LevelCritical,
	FaultOvertemperature: LevelWarning,
	FaultOvercurrent:     LevelCritical,
	FaultMechanical:      LevelCritical,
}

func (f Fault) Valid() bool { return f < faultCount }

func (f Fault) String() string {
	if f.Valid() {
		return faultNames[f]
	}
	return fmt.Sprintf("fault(%d)", uint8(f))
}

// Level returns the minimum level the fault forces.
// Values outside the taxonomy escalate to Emergency.
func (f Fault) Level() Level {
	if !f.Valid() {
		return LevelEmergency
	}
	return faultLevels[f]
}

// IsEStop reports whether f is one of the emergency-stop faults.
func (f Fault) IsEStop() bool {
	return f == FaultEStopHardware || f == FaultEStopSoftware
}

// Faults lists every kind, FaultNone first.
func Faults() []Fault {
	out := make([]Fault, 0, faultCount)
	for f := FaultNone; f < faultCount; f++ {
		out = append(out, f)
	}
	return out
}
