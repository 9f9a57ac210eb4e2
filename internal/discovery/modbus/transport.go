// internal/discovery/modbus/transport.go
package modbus

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/goburrow/serial"

	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/discovery"
	"github.com/tamzrod/oht-master/internal/registry"
)

// ---- identity register map ----

const (
	RegDeviceID     uint16 = 0x00F0
	RegModuleType   uint16 = 0x00F7
	RegVersion      uint16 = 0x00F8
	VersionRegs     uint16 = 8 // 2 ASCII chars per register
	RegCapabilities uint16 = 0x0100
)

// Config is the RS485 line setup.
type Config struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"
	Timeout  time.Duration

	// Retries is the number of extra attempts per poll.
	Retries int

	// ScanRetries and ScanBackoff bound the probe of each address.
	// Backoff doubles after every failed attempt.
	ScanRetries int
	ScanBackoff time.Duration
	ScanGap     time.Duration

	// RS485 enables driver-enable (RTS) control on the port.
	RS485 bool
}

// Transport implements discovery.Transport over Modbus RTU.
// It serializes requests because it mutates SlaveId per request.
type Transport struct {
	mu       sync.Mutex
	handler  *modbus.RTUClientHandler
	client   modbus.Client
	setSlave func(uint8)
	cfg      Config
}

var _ discovery.Transport = (*Transport)(nil)

// New opens the serial line.
func New(cfg Config) (*Transport, error) {
	if cfg.Device == "" {
		return nil, errors.New("modbus transport: device required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("modbus transport: timeout must be > 0")
	}

	h := modbus.NewRTUClientHandler(cfg.Device)
	h.Config = serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.Timeout,
		RS485: serial.RS485Config{
			Enabled:           cfg.RS485,
			RtsHighDuringSend: cfg.RS485,
		},
	}

	if err := h.Connect(); err != nil {
		return nil, ctlerr.Wrap(ctlerr.TransportError, "modbus.open", err)
	}

	t := newTransport(cfg, modbus.NewClient(h), func(id uint8) { h.SlaveId = id })
	t.handler = h
	return t, nil
}

func newTransport(cfg Config, client modbus.Client, setSlave func(uint8)) *Transport {
	return &Transport{
		client:   client,
		setSlave: setSlave,
		cfg:      cfg,
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler == nil {
		return nil
	}
	return t.handler.Close()
}

// ---- discovery.Transport ----

// Scan probes first..last by reading the device-id register. Each address
// gets bounded retries; a gap separates addresses. Cancelling ctx stops the
// scan and returns what was found so far.
func (t *Transport) Scan(ctx context.Context, first, last uint8, timeout time.Duration) ([]uint8, error) {
	var found []uint8
	for a := int(first); a <= int(last); a++ {
		addr := uint8(a)
		if a > int(first) {
			if err := sleepCtx(ctx, t.cfg.ScanGap); err != nil {
				return found, err
			}
		}
		ok, err := t.probe(ctx, addr, timeout)
		if err != nil {
			return found, err
		}
		if ok {
			found = append(found, addr)
		}
	}
	return found, nil
}

func (t *Transport) probe(ctx context.Context, addr uint8, timeout time.Duration) (bool, error) {
	backoff := t.cfg.ScanBackoff
	for attempt := 0; attempt <= t.cfg.ScanRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff); err != nil {
				return false, err
			}
			backoff *= 2
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if _, err := t.readRegs(addr, RegDeviceID, 1, timeout); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// Poll reads the identity block of addr. Only the device id is required;
// type, version and capabilities are best effort.
func (t *Transport) Poll(ctx context.Context, addr uint8, timeout time.Duration) (discovery.ModuleResponse, error) {
	resp := discovery.ModuleResponse{Address: addr}

	var (
		raw []byte
		err error
	)
	for attempt := 0; attempt <= t.cfg.Retries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return resp, cerr
		}
		raw, err = t.readRegs(addr, RegDeviceID, 1, timeout)
		if err == nil {
			break
		}
	}
	if err != nil {
		return resp, err
	}
	resp.DeviceID = beUint16(raw)

	if raw, err := t.readRegs(addr, RegModuleType, 1, timeout); err == nil {
		mt, terr := registry.ModuleTypeFromRegister(beUint16(raw))
		if terr != nil {
			return resp, ctlerr.Wrap(ctlerr.TransportError, "modbus.poll", terr)
		}
		resp.Type = mt
		if mt != registry.TypeUnknown {
			resp.Name = strings.ToUpper(mt.String())
		}
	}
	if raw, err := t.readRegs(addr, RegVersion, VersionRegs, timeout); err == nil {
		resp.Version = decodeASCII(raw)
	}
	if raw, err := t.readRegs(addr, RegCapabilities, 2, timeout); err == nil && len(raw) >= 4 {
		resp.Capabilities = uint32(beUint16(raw[0:2]))<<16 | uint32(beUint16(raw[2:4]))
	}
	return resp, nil
}

// ---- internal request helpers ----

func (t *Transport) readRegs(addr uint8, reg, qty uint16, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// the port timeout is applied when the port opens; reopen on change
	if t.handler != nil && timeout > 0 && timeout != t.handler.Timeout {
		t.handler.Timeout = timeout
		_ = t.handler.Close()
	}

	t.setSlave(addr)
	raw, err := t.client.ReadHoldingRegisters(reg, qty)
	if err != nil {
		return nil, classify("modbus.read", err)
	}
	if len(raw) != int(qty)*2 {
		return nil, ctlerr.New(ctlerr.TransportError, "modbus.read", "short register payload")
	}
	return raw, nil
}

// classify maps driver errors onto the transport codes.
func classify(op string, err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return ctlerr.Wrap(ctlerr.TransportError, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ctlerr.Wrap(ctlerr.TransportTimeout, op, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ctlerr.Wrap(ctlerr.TransportTimeout, op, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return ctlerr.Wrap(ctlerr.TransportTimeout, op, err)
	}
	return ctlerr.Wrap(ctlerr.TransportError, op, err)
}

// ---- helpers ----

func beUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// decodeASCII drops NUL padding and surrounding spaces.
func decodeASCII(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
