// cmd/ohtmaster/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tamzrod/oht-master/internal/config"
	"github.com/tamzrod/oht-master/internal/controller"
	"github.com/tamzrod/oht-master/internal/ctlerr"
	"github.com/tamzrod/oht-master/internal/observability"
	"github.com/tamzrod/oht-master/internal/status"
	"github.com/tamzrod/oht-master/internal/writer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ohtmaster: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func run() error {
	var (
		cfgPath  string
		logLevel string
		console  bool
		dryRun   bool
	)

	flagSet := pflag.NewFlagSet("ohtmaster", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "oht.yaml", "path to YAML config")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error)")
	flagSet.BoolVar(&console, "console", false, "human-readable log output")
	flagSet.BoolVar(&dryRun, "dry-run", false, "run against a simulated bus and safety inputs")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return ctlerr.Wrap(ctlerr.ConfigError, "config.load", err)
	}
	if dryRun {
		cfg.Bus.Kind = "sim"
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	config.Normalize(cfg)

	logger := observability.InitLogger("ohtmaster", cfg.Log.Level, console || cfg.Log.Console)
	logger.Info().
		Str("config", cfgPath).
		Str("bus", cfg.Bus.Kind).
		Str("device", cfg.Bus.Device).
		Interface("mandatory", cfg.Discovery.Mandatory).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --------------------
	// Metrics endpoint (optional)
	// --------------------

	var promReg *prometheus.Registry
	if cfg.Metrics.Addr != "" {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(promReg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics listening")
	}

	// --------------------
	// Build controller
	// --------------------

	var registerer prometheus.Registerer
	if promReg != nil {
		registerer = promReg
	}
	ctl, closeBus, err := controller.Build(cfg, logger, registerer)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBus(); err != nil {
			logger.Warn().Err(err).Msg("bus close failed")
		}
	}()

	// --------------------
	// Status memory (optional)
	// --------------------

	sw, closeWriter, interval := openStatusMemory(cfg.StatusMemory, logger)
	defer closeWriter()

	go reportStatus(ctx, ctl, sw, interval, logger)

	err = ctl.Run(ctx)
	logger.Info().Str("state", ctl.State().String()).Msg("stopped")
	return err
}

// openStatusMemory prepares the optional status memory output. It never
// fails startup: a bad endpoint is logged and the controller runs without it.
func openStatusMemory(sm config.StatusMemoryConfig, log zerolog.Logger) (*writer.StatusWriter, func() error, time.Duration) {
	noop := func() error { return nil }
	if sm.Endpoint == "" {
		return nil, noop, time.Second
	}
	sw, closeWriter, err := writer.Build(writer.Plan{
		Endpoint:    sm.Endpoint,
		UnitID:      sm.UnitID,
		BaseAddress: sm.BaseAddress,
		Timeout:     sm.Timeout(),
	})
	if err != nil {
		log.Warn().Err(err).Str("endpoint", sm.Endpoint).Msg("status memory disabled")
		return nil, noop, time.Second
	}
	log.Info().Str("endpoint", sm.Endpoint).Uint16("base", sm.BaseAddress).Msg("status memory enabled")
	return sw, closeWriter, sm.Interval()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// reportStatus encodes the master status block every interval, delivers it
// to status memory when enabled and logs health changes.
func reportStatus(ctx context.Context, ctl *controller.Controller, sw *writer.StatusWriter, interval time.Duration, log zerolog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()

	last := status.HealthUnknown
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap := ctl.Snapshot()
			blk := status.Encode(snap)
			if snap.Health != last {
				log.Info().
					Uint16("health", snap.Health).
					Str("state", snap.System.CurrentState.String()).
					Str("safety", snap.Safety.Level.String()).
					Interface("missing", snap.Missing).
					Msg("health changed")
				last = snap.Health
			}
			log.Debug().Interface("block", blk).Msg("status block")

			if sw != nil {
				if err := sw.WriteBlock(blk); err != nil {
					log.Warn().Err(err).Msg("status write failed")
				}
			}
		}
	}
}

// exitCode maps canonical error codes to process exit statuses.
func exitCode(err error) int {
	switch ctlerr.Of(err) {
	case ctlerr.ConfigError:
		return 2
	case ctlerr.TransportError, ctlerr.TransportTimeout:
		return 3
	}
	return 1
}
