package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "controls_host"

// Metrics holds the daemon's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectAttempts prometheus.Counter
	sessions        *prometheus.CounterVec
	commands        *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	dispatchErrors  *prometheus.CounterVec
	sessionState    prometheus.Gauge
	volumeDB        prometheus.Gauge
	lastCommand     prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connect_attempts_total",
			Help:      "Total number of connection attempts to the command server",
		}),

		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome",
		}, []string{"outcome"}),

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Dispatched commands by kind and source",
		}, []string{"kind", "source"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Malformed frames by error kind",
		}, []string{"kind"}),

		dispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_errors_total",
			Help:      "Failed command dispatches by error kind",
		}, []string{"kind"}),

		sessionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "session_state",
			Help:      "Current session state (0=connecting 1=handshaking 2=active 3=draining 4=closed)",
		}),

		volumeDB: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "volume_db",
			Help:      "Last volume level written to the endpoint in dB",
		}),

		lastCommand: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_command_timestamp_seconds",
			Help:      "Unix time of the last dispatched command",
		}),
	}
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

// SessionEnded records how a session finished.
func (m *Metrics) SessionEnded(err error) {
	if m == nil {
		return
	}
	outcome := "clean"
	if err != nil {
		outcome = errorKind(err)
	}
	m.sessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CommandDispatched(cmd Command, source string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(commandKind(cmd), source).Inc()
	m.lastCommand.Set(float64(time.Now().Unix()))
}

func (m *Metrics) DecodeError(err error) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(errorKind(err)).Inc()
}

func (m *Metrics) DispatchError(err error) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(errorKind(err)).Inc()
}

func (m *Metrics) SetSessionState(s SessionState) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(s))
}

func (m *Metrics) SetVolume(db float64) {
	if m == nil {
		return
	}
	m.volumeDB.Set(db)
}
