// internal/safety/gpio.go
package safety

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// Line is one requested GPIO input. *gpiocdev.Line satisfies it.
type Line interface {
	Value() (int, error)
	Close() error
}

// CdevConfig selects the E-Stop and interlock lines on a GPIO chip.
type CdevConfig struct {
	Chip          string // e.g. "gpiochip0"
	EStopLine     int
	InterlockLine int // < 0 when no interlock is wired
	ActiveLow     bool
	Consumer      string
}

// CdevGPIO reads E-Stop and interlock inputs through the GPIO character
// device. Active-low inversion is done by the kernel, so a logical 1 always
// means asserted.
type CdevGPIO struct {
	estop     Line
	interlock Line // nil when not wired
}

// OpenCdevGPIO requests the configured lines as inputs.
func OpenCdevGPIO(cfg CdevConfig) (*CdevGPIO, error) {
	if cfg.Chip == "" {
		return nil, fmt.Errorf("safety: gpio chip not configured")
	}
	if cfg.EStopLine < 0 {
		return nil, fmt.Errorf("safety: estop line not configured")
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "ohtmaster"
	}
	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithConsumer(consumer)}
	if cfg.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	estop, err := gpiocdev.RequestLine(cfg.Chip, cfg.EStopLine, opts...)
	if err != nil {
		return nil, fmt.Errorf("safety: request estop %s:%d: %w", cfg.Chip, cfg.EStopLine, err)
	}
	if cfg.InterlockLine < 0 {
		return NewLineGPIO(estop, nil), nil
	}
	interlock, err := gpiocdev.RequestLine(cfg.Chip, cfg.InterlockLine, opts...)
	if err != nil {
		_ = estop.Close()
		return nil, fmt.Errorf("safety: request interlock %s:%d: %w", cfg.Chip, cfg.InterlockLine, err)
	}
	return NewLineGPIO(estop, interlock), nil
}

// NewLineGPIO wraps already requested lines. interlock may be nil.
func NewLineGPIO(estop, interlock Line) *CdevGPIO {
	return &CdevGPIO{estop: estop, interlock: interlock}
}

func (g *CdevGPIO) ReadEStop() (bool, error) {
	if g.estop == nil {
		return false, fmt.Errorf("safety: estop line not requested")
	}
	return readLine(g.estop)
}

func (g *CdevGPIO) ReadInterlock() (bool, error) {
	if g.interlock == nil {
		return false, nil
	}
	return readLine(g.interlock)
}

// Close releases the requested lines.
func (g *CdevGPIO) Close() error {
	var errs []error
	if g.estop != nil {
		errs = append(errs, g.estop.Close())
	}
	if g.interlock != nil {
		errs = append(errs, g.interlock.Close())
	}
	return errors.Join(errs...)
}

func readLine(l Line) (bool, error) {
	v, err := l.Value()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("safety: unexpected gpio value %d", v)
}

// Static is settable hardware for dry runs and tests.
type Static struct {
	mu           sync.Mutex
	estop        bool
	interlock    bool
	estopErr     error
	interlockErr error
}

func (s *Static) SetEStop(v bool) {
	s.mu.Lock()
	s.estop = v
	s.mu.Unlock()
}

func (s *Static) SetInterlock(v bool) {
	s.mu.Lock()
	s.interlock = v
	s.mu.Unlock()
}

// SetErrors makes subsequent reads fail. nil restores normal reads.
func (s *Static) SetErrors(estopErr, interlockErr error) {
	s.mu.Lock()
	s.estopErr, s.interlockErr = estopErr, interlockErr
	s.mu.Unlock()
}

func (s *Static) ReadEStop() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estop, s.estopErr
}

func (s *Static) ReadInterlock() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interlock, s.interlockErr
}
