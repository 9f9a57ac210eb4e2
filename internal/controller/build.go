// internal/controller/build.go
package controller

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tamzrod/oht-master/internal/config"
	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/discovery"
	dmodbus "github.com/tamzrod/oht-master/internal/discovery/modbus"
	"github.com/tamzrod/oht-master/internal/discovery/simbus"
	"github.com/tamzrod/oht-master/internal/fsm"
	"github.com/tamzrod/oht-master/internal/observability"
	"github.com/tamzrod/oht-master/internal/registry"
	"github.com/tamzrod/oht-master/internal/safety"
)

// Build constructs the controller from a validated, normalized config and
// wires the bus lifecycle. The returned closer releases the serial port and
// the GPIO lines.
// promReg may be nil to disable metrics.
func Build(cfg *config.Config, log zerolog.Logger, promReg prometheus.Registerer) (*Controller, func() error, error) {
	closer := func() error { return nil }

	reg := registry.New(registry.WithMandatory(cfg.Discovery.Mandatory))

	// ---- safety inputs + transport ----

	var (
		hw safety.Hardware
		tr discovery.Transport
	)
	switch cfg.Bus.Kind {
	case "sim":
		hw = &safety.Static{}
		bus, err := buildSimBus(cfg.Sim)
		if err != nil {
			return nil, nil, err
		}
		tr = bus
		log.Warn().Int("modules", len(cfg.Sim.Modules)).Msg("dry run: simulated bus and safety inputs")

	default:
		interlock := -1
		if cfg.Safety.InterlockLine != nil {
			interlock = *cfg.Safety.InterlockLine
		}
		gpio, err := safety.OpenCdevGPIO(safety.CdevConfig{
			Chip:          cfg.Safety.GPIOChip,
			EStopLine:     *cfg.Safety.EStopLine,
			InterlockLine: interlock,
			ActiveLow:     cfg.Safety.ActiveLow,
		})
		if err != nil {
			return nil, nil, ctlerr.Wrap(ctlerr.ConfigError, "safety.gpio", err)
		}
		hw = gpio

		t, err := dmodbus.New(dmodbus.Config{
			Device:      cfg.Bus.Device,
			BaudRate:    cfg.Bus.BaudRate,
			DataBits:    cfg.Bus.DataBits,
			StopBits:    cfg.Bus.StopBits,
			Parity:      cfg.Bus.Parity,
			Timeout:     cfg.Bus.Timeout(),
			Retries:     *cfg.Bus.Retries,
			ScanRetries: *cfg.Bus.ScanRetries,
			ScanBackoff: cfg.Bus.ScanBackoff(),
			ScanGap:     cfg.Bus.ScanGap(),
			RS485:       cfg.Bus.RS485,
		})
		if err != nil {
			_ = gpio.Close()
			return nil, nil, fmt.Errorf("bus open %s: %w", cfg.Bus.Device, err)
		}
		tr = t
		closer = func() error { return errors.Join(t.Close(), gpio.Close()) }
	}

	gate := safety.NewGate(hw, safety.WithLogger(log.With().Str("component", "safety").Logger()))

	// ---- discovery ----

	coord, err := discovery.New(
		discovery.Config{
			ScanFirst:        cfg.Discovery.ScanFirst,
			ScanLast:         cfg.Discovery.ScanLast,
			Timeout:          cfg.Bus.Timeout(),
			ScanTimeout:      cfg.Bus.ScanTimeout(),
			Interval:         cfg.Discovery.PollInterval(),
			Jitter:           cfg.Discovery.Jitter(),
			OfflineThreshold: cfg.Discovery.OfflineThreshold,
			RescanInterval:   cfg.Discovery.RescanInterval(),
			SnapshotPath:     cfg.Discovery.SnapshotPath,
		},
		tr,
		reg,
		discovery.WithLogger(log.With().Str("component", "discovery").Logger()),
	)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}

	// ---- state machine ----

	machine := fsm.New(gate, reg,
		fsm.WithTimeouts(cfg.Timeouts()),
		fsm.WithLogger(log.With().Str("component", "fsm").Logger()),
	)

	// ---- metrics (optional) ----

	var metrics *observability.Metrics
	if promReg != nil {
		metrics, err = observability.NewMetrics(promReg)
		if err != nil {
			_ = closer()
			return nil, nil, err
		}
		if err := metrics.RegisterBusStats(coord.Stats); err != nil {
			_ = closer()
			return nil, nil, err
		}
	}

	c, err := New(reg, gate, machine, coord, Options{
		SafetyPeriod:  cfg.Safety.Period(),
		MachinePeriod: cfg.StateMachine.Period(),
		Metrics:       metrics,
		Logger:        log.With().Str("component", "controller").Logger(),
	})
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	return c, closer, nil
}

func buildSimBus(sc config.SimConfig) (*simbus.Bus, error) {
	bus := simbus.New(sc.DropRate, sc.Seed)
	for _, m := range sc.Modules {
		t, err := registry.ParseModuleType(m.Type)
		if err != nil {
			return nil, fmt.Errorf("sim module %d: %w", m.Address, err)
		}
		bus.Attach(discovery.ModuleResponse{
			Address:  m.Address,
			DeviceID: uint16(m.Address),
			Type:     t,
			Name:     m.Name,
			Version:  m.Version,
		})
	}
	return bus, nil
}
