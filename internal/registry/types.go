// internal/registry/types.go
package registry

import (
	"fmt"
	"strings"
	"time"
)

// ---- LIMITS ----

// MaxModules bounds the registry table. Lookups are linear scans.
const MaxModules = 16

// Valid bus address range (Modbus slave addressing).
const (
	MinAddress uint8 = 1
	MaxAddress uint8 = 247
)

// Name and version strings are truncated to these lengths.
const (
	MaxNameLen    = 16
	MaxVersionLen = 16
)

// ---- MANDATORY MODULES ----

const (
	AddrPower       uint8 = 0x02
	AddrSafety      uint8 = 0x03
	AddrTravelMotor uint8 = 0x04
	AddrDock        uint8 = 0x05
)

// DefaultMandatory is the quorum every deployment starts from.
var DefaultMandatory = []uint8{AddrPower, AddrSafety, AddrTravelMotor, AddrDock}

// ValidAddress reports whether a is a usable slave address.
func ValidAddress(a uint8) bool {
	return a >= MinAddress && a <= MaxAddress
}

// ---- MODULE TYPE ----

type ModuleType uint8

const (
	TypeUnknown ModuleType = iota
	TypePower
	TypeSafety
	TypeTravelMotor
	TypeDock
)

var moduleTypeNames = [...]string{
	TypeUnknown:     "unknown",
	TypePower:       "power",
	TypeSafety:      "safety",
	TypeTravelMotor: "travel_motor",
	TypeDock:        "dock",
}

func (t ModuleType) String() string {
	if int(t) < len(moduleTypeNames) {
		return moduleTypeNames[t]
	}
	return fmt.Sprintf("module_type(%d)", uint8(t))
}

func (t ModuleType) Valid() bool { return int(t) < len(moduleTypeNames) }

// ParseModuleType accepts the names produced by String.
func ParseModuleType(s string) (ModuleType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range moduleTypeNames {
		if n == s {
			return ModuleType(i), nil
		}
	}
	return TypeUnknown, fmt.Errorf("registry: unknown module type %q", s)
}

// ModuleTypeFromRegister maps the module-type register value reported by a slave.
// Values outside the known set are an error, not TypeUnknown.
func ModuleTypeFromRegister(v uint16) (ModuleType, error) {
	switch v {
	case 0x0002:
		return TypePower, nil
	case 0x0003:
		return TypeSafety, nil
	case 0x0004:
		return TypeTravelMotor, nil
	case 0x0005:
		return TypeDock, nil
	case 0x0000:
		return TypeUnknown, nil
	default:
		return TypeUnknown, fmt.Errorf("registry: unsupported module type register 0x%04X", v)
	}
}

// ---- MODULE STATUS ----

type ModuleStatus uint8

const (
	StatusUnknown ModuleStatus = iota
	StatusOnline
	StatusOffline
)

var moduleStatusNames = [...]string{
	StatusUnknown: "unknown",
	StatusOnline:  "online",
	StatusOffline: "offline",
}

func (s ModuleStatus) String() string {
	if int(s) < len(moduleStatusNames) {
		return moduleStatusNames[s]
	}
	return fmt.Sprintf("module_status(%d)", uint8(s))
}

func (s ModuleStatus) Valid() bool { return int(s) < len(moduleStatusNames) }

func ParseModuleStatus(s string) (ModuleStatus, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range moduleStatusNames {
		if n == s {
			return ModuleStatus(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("registry: unknown module status %q", s)
}

// ---- RECORD ----

// ModuleRecord is one discovered bus device.
// Address is the key and never changes once the record exists.
type ModuleRecord struct {
	Address      uint8
	Type         ModuleType
	Status       ModuleStatus
	LastSeen     time.Time
	Name         string
	Version      string
	Capabilities uint32
}

// ---- EVENTS ----

type EventKind uint8

const (
	EventDiscovered EventKind = iota + 1
	EventUpdated
	EventOnline
	EventOffline
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventUpdated:
		return "updated"
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event carries a copy of the record as it was after the change.
type Event struct {
	Kind   EventKind
	Record ModuleRecord
	At     time.Time
}

// ---- helpers ----

// sanitize truncates to max characters and replaces non-printable ASCII with '?'.
func sanitize(s string, max int) string {
	b := []byte(s)
	if len(b) > max {
		b = b[:max]
	}
	for i := range b {
		if b[i] < 0x20 || b[i] > 0x7E {
			b[i] = '?'
		}
	}
	return string(b)
}
