// internal/writer/modbus/client.go
package modbus

import (
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/tamzrod/oht-master/internal/ctlerr"
)

// MaxWriteRegisters is the FC16 quantity limit.
const MaxWriteRegisters = 123

// Config addresses one status memory endpoint over Modbus TCP.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// StatusClient writes status slots into a remote holding-register memory.
// The TCP connection is opened on first write and dropped after a transport
// failure, so the next write dials again. Requests are serialized because
// the unit id is set per write.
type StatusClient struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
	setUnit func(uint8)
	drop    func() error
}

// New prepares a client without dialing. An unreachable endpoint surfaces on
// the first write, not here.
func New(cfg Config) (*StatusClient, error) {
	if cfg.Endpoint == "" {
		return nil, ctlerr.New(ctlerr.InvalidParameter, "status_memory.new", "endpoint required")
	}
	if cfg.Timeout <= 0 {
		return nil, ctlerr.New(ctlerr.InvalidParameter, "status_memory.new", "timeout must be > 0")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout

	c := newStatusClient(modbus.NewClient(h), func(id uint8) { h.SlaveId = id }, h.Close)
	c.handler = h
	return c, nil
}

func newStatusClient(client modbus.Client, setUnit func(uint8), drop func() error) *StatusClient {
	return &StatusClient{
		client:  client,
		setUnit: setUnit,
		drop:    drop,
	}
}

func (c *StatusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}

// WriteRegisters writes regs starting at addr with FC16.
func (c *StatusClient) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	if len(regs) == 0 || len(regs) > MaxWriteRegisters {
		return ctlerr.New(ctlerr.InvalidParameter, "status_memory.write", "register count out of range")
	}
	if int(addr)+len(regs) > 0x10000 {
		return ctlerr.New(ctlerr.InvalidParameter, "status_memory.write", "write runs past the register space")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.setUnit(unitID)
	if _, err := c.client.WriteMultipleRegisters(addr, uint16(len(regs)), packRegisters(regs)); err != nil {
		var mbErr *modbus.ModbusError
		if !errors.As(err, &mbErr) && c.drop != nil {
			_ = c.drop()
		}
		return classify("status_memory.write", err)
	}
	return nil
}

// classify maps driver errors onto the transport codes. An exception
// response means the endpoint answered and refused.
func classify(op string, err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return ctlerr.Wrap(ctlerr.TransportError, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ctlerr.Wrap(ctlerr.TransportTimeout, op, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ctlerr.Wrap(ctlerr.TransportTimeout, op, err)
	}
	return ctlerr.Wrap(ctlerr.TransportError, op, err)
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}
