package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "toolbar_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "host"},
		},
		[]string{"date", "sha", "version"},
	)

	statusFlags = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolbar_proxy_status",
			Help: "Connection status flags reported by the remote frame (1 = set)",
		},
		[]string{"flag"},
	)

	windowMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbar_window_messages_total",
			Help: "Window messages seen by the bridge, by outcome",
		},
		[]string{"outcome"},
	)

	portReplacements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "toolbar_port_replacements_total",
			Help: "Ports closed because the frame connected a new one",
		},
	)

	portLosses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "toolbar_port_losses_total",
			Help: "Active ports closed by the frame",
		},
	)

	callsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolbar_calls_pending",
			Help: "Remote calls awaiting a response",
		},
	)

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbar_calls_total",
			Help: "Remote calls by function and outcome",
		},
		[]string{"function", "outcome"},
	)

	portExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbar_port_exchanges_total",
			Help: "Port exchange events by outcome",
		},
		[]string{"outcome"},
	)

	parkedPorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolbar_ports_parked",
			Help: "Ports accepted from the frame and not yet claimed",
		},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolbar_call_duration_seconds",
			Help:    "Remote call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, statusFlags, windowMessages, portReplacements, portLosses, callsPending, calls, callDuration, portExchanges, parkedPorts)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetStatusFlag records the value of one status flag.
func SetStatusFlag(name string, v bool) {
	f := 0.0
	if v {
		f = 1
	}
	statusFlags.WithLabelValues(name).Set(f)
}

// RecordWindowMessage counts a window message by outcome
// (accepted, untrusted, unknown, malformed).
func RecordWindowMessage(outcome string) {
	windowMessages.WithLabelValues(outcome).Inc()
}

// RecordPortReplaced counts a port closed in favour of a newer one.
func RecordPortReplaced() { portReplacements.Inc() }

// RecordPortLost counts an active port that closed underneath the bridge.
func RecordPortLost() { portLosses.Inc() }

// RecordDroppedCall counts a call refused because no port was active.
func RecordDroppedCall(function string) {
	calls.WithLabelValues(function, "no_port").Inc()
}

// CallStarted increments the pending call gauge.
func CallStarted() { callsPending.Inc() }

// CallFinished decrements the pending gauge and records the outcome.
func CallFinished(function, outcome string, d time.Duration) {
	callsPending.Dec()
	calls.WithLabelValues(function, outcome).Inc()
	callDuration.WithLabelValues(function).Observe(d.Seconds())
}

// RecordPortExchange counts a port exchange event
// (parked, claimed, expired, rejected).
func RecordPortExchange(outcome string) {
	portExchanges.WithLabelValues(outcome).Inc()
}

// SetParkedPorts sets the number of unclaimed ports.
func SetParkedPorts(n int) { parkedPorts.Set(float64(n)) }
