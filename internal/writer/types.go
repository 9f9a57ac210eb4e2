// internal/writer/types.go
package writer

import "time"

// endpointClient is the delivery surface the status writer needs.
// Satisfied by *modbus.StatusClient and by test fakes.
type endpointClient interface {
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
}

// Plan places the master status block in a remote register memory.
type Plan struct {
	Endpoint    string
	UnitID      uint8
	BaseAddress uint16
	Timeout     time.Duration
}
