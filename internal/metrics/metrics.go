package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bmh_comms"

// Metrics holds the comms manager collectors. Every method is safe on a nil
// receiver so components can run without instrumentation in tests.
type Metrics struct {
	Registry *prometheus.Registry

	launches            *prometheus.CounterVec
	launchFailures      *prometheus.CounterVec
	unexpectedExits     *prometheus.CounterVec
	connectedGroups     prometheus.Gauge
	communicators       prometheus.Gauge
	rejectedConnections *prometheus.CounterVec
	busPublished        prometheus.Counter
	busDropped          prometheus.Counter
	busPending          prometheus.Gauge
	silenceAlarms       *prometheus.CounterVec
	silentGroups        prometheus.Gauge
	tapSubscribers      prometheus.Gauge
	configReloads       *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		launches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dac_transmit_launches_total",
			Help:      "DAC transmit processes started, by transmitter group.",
		}, []string{"group"}),
		launchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dac_transmit_launch_failures_total",
			Help:      "DAC transmit processes that could not be started.",
		}, []string{"group"}),
		unexpectedExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dac_transmit_unexpected_exits_total",
			Help:      "DAC transmit processes that exited before registering.",
		}, []string{"group"}),
		connectedGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_groups",
			Help:      "Transmitter groups whose DAC transmit process reports a DAC connection.",
		}),
		communicators: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "communicators",
			Help:      "Registered DAC transmit connections, duplicates included.",
		}),
		rejectedConnections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Inbound connections closed before reaching a handler.",
		}, []string{"reason"}),
		busPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Notifications delivered to the message bus.",
		}),
		busDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Notifications dropped because the relay buffer was full.",
		}),
		busPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_pending",
			Help:      "Notifications waiting for the message bus.",
		}),
		silenceAlarms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_alarms_total",
			Help:      "Dead air alarms raised, repeats included.",
		}, []string{"group"}),
		silentGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "silent_groups",
			Help:      "Transmitter groups currently in a dead air alarm.",
		}),
		tapSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "line_tap_subscribers",
			Help:      "Open line tap connections.",
		}),
		configReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result.",
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status API requests by status code and method.",
		}, []string{"code", "method"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// InstrumentHTTP counts and times requests served by next.
func (m *Metrics) InstrumentHTTP(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return promhttp.InstrumentHandlerDuration(m.httpDuration,
		promhttp.InstrumentHandlerCounter(m.httpRequests, next))
}

func (m *Metrics) LaunchStarted(group string) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(group).Inc()
}

func (m *Metrics) LaunchFailed(group string) {
	if m == nil {
		return
	}
	m.launchFailures.WithLabelValues(group).Inc()
}

func (m *Metrics) UnexpectedExit(group string) {
	if m == nil {
		return
	}
	m.unexpectedExits.WithLabelValues(group).Inc()
}

func (m *Metrics) SetConnectedGroups(n int) {
	if m == nil {
		return
	}
	m.connectedGroups.Set(float64(n))
}

func (m *Metrics) SetCommunicators(n int) {
	if m == nil {
		return
	}
	m.communicators.Set(float64(n))
}

// ConnectionRejected counts a connection closed by the listener or a handler
// queue. reason is a short fixed label such as "timeout" or "unknown_kind".
func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedConnections.WithLabelValues(reason).Inc()
}

func (m *Metrics) BusPublished() {
	if m == nil {
		return
	}
	m.busPublished.Inc()
}

func (m *Metrics) BusDropped() {
	if m == nil {
		return
	}
	m.busDropped.Inc()
}

func (m *Metrics) SetBusPending(n int) {
	if m == nil {
		return
	}
	m.busPending.Set(float64(n))
}

func (m *Metrics) SilenceAlarm(group string) {
	if m == nil {
		return
	}
	m.silenceAlarms.WithLabelValues(group).Inc()
}

func (m *Metrics) SetSilentGroups(n int) {
	if m == nil {
		return
	}
	m.silentGroups.Set(float64(n))
}

func (m *Metrics) TapOpened() {
	if m == nil {
		return
	}
	m.tapSubscribers.Inc()
}

func (m *Metrics) TapClosed() {
	if m == nil {
		return
	}
	m.tapSubscribers.Dec()
}

func (m *Metrics) ConfigReload(result string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(result).Inc()
}
