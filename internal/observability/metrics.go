// internal/observability/metrics.go
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tamzrod/oht-master/internal/discovery"
	"github.com/tamzrod/oht-master/internal/events"
	"github.com/tamzrod/oht-master/internal/fsm"
	"github.com/tamzrod/oht-master/internal/registry"
	"github.com/tamzrod/oht-master/internal/safety"
)

const namespace = "oht"

// Metrics holds the controller collectors. They are registered on the
// Registerer given to NewMetrics, never on the global default.
type Metrics struct {
	reg prometheus.Registerer

	transitions   *prometheus.CounterVec
	state         prometheus.Gauge
	safetyLevel   prometheus.Gauge
	faults        *prometheus.CounterVec
	moduleEvents  *prometheus.CounterVec
	modulesOnline prometheus.Gauge
	quorum        prometheus.Gauge
	tickDuration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reg: reg,
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fsm",
				Name:      "transitions_total",
				Help:      "Accepted state machine transitions.",
			},
			[]string{"from", "to", "event"},
		),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fsm",
			Name:      "state",
			Help:      "Current state code.",
		}),
		safetyLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "level",
			Help:      "Current safety level (0 normal .. 3 emergency).",
		}),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "safety",
				Name:      "faults_total",
				Help:      "Safety edge events by resulting fault.",
			},
			[]string{"fault"},
		),
		moduleEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "events_total",
				Help:      "Registry events by kind.",
			},
			[]string{"kind"},
		),
		modulesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "modules_online",
			Help:      "Modules currently online.",
		}),
		quorum: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "mandatory_quorum",
			Help:      "1 when every mandatory module is online.",
		}),
		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "tick_duration_seconds",
				Help:      "Control loop iteration duration.",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
			},
			[]string{"loop"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.transitions, m.state, m.safetyLevel, m.faults,
		m.moduleEvents, m.modulesOnline, m.quorum, m.tickDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RegisterBusStats exposes coordinator counters, read at scrape time.
func (m *Metrics) RegisterBusStats(stats func() discovery.Stats) error {
	counter := func(name, help string, get func(discovery.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(stats())) })
	}
	for _, c := range []prometheus.Collector{
		counter("polls_total", "Module polls issued.", func(s discovery.Stats) uint64 { return s.Polls }),
		counter("misses_total", "Polls without a valid response.", func(s discovery.Stats) uint64 { return s.Misses }),
		counter("timeouts_total", "Polls that timed out.", func(s discovery.Stats) uint64 { return s.Timeouts }),
		counter("protocol_errors_total", "CRC, framing or exception responses.", func(s discovery.Stats) uint64 { return s.ProtocolErrors }),
		counter("scans_total", "Full bus scans.", func(s discovery.Stats) uint64 { return s.Scans }),
	} {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Dropper is satisfied by every events.Subscription.
type Dropper interface {
	Dropped() uint64
}

// RegisterDrops exposes the drop counter of one event stream.
func (m *Metrics) RegisterDrops(stream string, d Dropper) error {
	return m.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "events",
		Name:        "dropped_total",
		Help:        "Events dropped because a subscriber queue was full.",
		ConstLabels: prometheus.Labels{"stream": stream},
	}, func() float64 { return float64(d.Dropped()) }))
}

// ---- recorders ----

func (m *Metrics) RecordTransition(tr fsm.Transition) {
	m.transitions.WithLabelValues(tr.From.String(), tr.To.String(), tr.Event.String()).Inc()
	m.state.Set(float64(tr.To))
}

func (m *Metrics) RecordSafety(ev safety.Event) {
	m.safetyLevel.Set(float64(ev.Level))
	if ev.Fault != safety.FaultNone {
		m.faults.WithLabelValues(ev.Fault.String()).Inc()
	}
}

func (m *Metrics) RecordModuleEvent(ev registry.Event) {
	m.moduleEvents.WithLabelValues(ev.Kind.String()).Inc()
}

func (m *Metrics) SetModules(online int, quorumMet bool) {
	m.modulesOnline.Set(float64(online))
	if quorumMet {
		m.quorum.Set(1)
	} else {
		m.quorum.Set(0)
	}
}

func (m *Metrics) ObserveTick(loop string, d time.Duration) {
	m.tickDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// Consume drains the three event streams into the collectors until ctx is
// done or every stream is closed. Nil subscriptions are ignored.
func (m *Metrics) Consume(
	ctx context.Context,
	transitions *events.Subscription[fsm.Transition],
	safetyEvents *events.Subscription[safety.Event],
	moduleEvents *events.Subscription[registry.Event],
) {
	var (
		trC  <-chan fsm.Transition
		safC <-chan safety.Event
		modC <-chan registry.Event
	)
	if transitions != nil {
		trC = transitions.C()
	}
	if safetyEvents != nil {
		safC = safetyEvents.C()
	}
	if moduleEvents != nil {
		modC = moduleEvents.C()
	}

	for trC != nil || safC != nil || modC != nil {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-trC:
			if !ok {
				trC = nil
				continue
			}
			m.RecordTransition(tr)
		case ev, ok := <-safC:
			if !ok {
				safC = nil
				continue
			}
			m.RecordSafety(ev)
		case ev, ok := <-modC:
			if !ok {
				modC = nil
				continue
			}
			m.RecordModuleEvent(ev)
		}
	}
}
