// Package metrics defines the process-wide Prometheus instrumentation:
// per-session and system-wide counters and gauges, registered against an
// explicit registry constructed in main() rather than the global default.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the server exposes.
type Metrics struct {
	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge

	TunersActive prometheus.Gauge
	TunersTotal  prometheus.Counter

	TSBytesReceived prometheus.Counter
	TSBytesSent     prometheus.Counter

	TunerSwitches prometheus.Counter
	SessionErrors prometheus.Counter

	SubscriberDrops *prometheus.CounterVec

	TSPacketsTotal     prometheus.Counter
	TSPacketsDropped   prometheus.Counter
	TSPacketsScrambled prometheus.Counter
	TSPacketsError     prometheus.Counter

	QualityScore *prometheus.GaugeVec

	ConnectionsRejected prometheus.Counter

	CPUUsagePercent prometheus.Gauge
}

// New constructs every metric and registers it against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_sessions_total",
			Help: "Total number of client sessions accepted.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bonproxy_sessions_active",
			Help: "Current number of live client sessions.",
		}),
		TunersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bonproxy_tuners_active",
			Help: "Current number of shared tuners held by the pool.",
		}),
		TunersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_tuners_opened_total",
			Help: "Total number of tuner device opens performed.",
		}),
		TSBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_ts_bytes_received_total",
			Help: "Total TS bytes read from device bindings.",
		}),
		TSBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_ts_bytes_sent_total",
			Help: "Total TS bytes delivered to clients via GetTsStream.",
		}),
		TunerSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_tuner_switches_total",
			Help: "Total number of successful SetChannel operations.",
		}),
		SessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_session_errors_total",
			Help: "Total number of sessions that ended with an error.",
		}),
		SubscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bonproxy_subscriber_drops_total",
			Help: "Total bytes dropped per tuner device path due to a full subscriber ring buffer.",
		}, []string{"tuner_path"}),
		TSPacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_ts_packets_total",
			Help: "Total TS packets analyzed.",
		}),
		TSPacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_ts_packets_dropped_total",
			Help: "Total TS packets with a continuity-counter gap.",
		}),
		TSPacketsScrambled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_ts_packets_scrambled_total",
			Help: "Total TS packets with a non-zero scrambling control.",
		}),
		TSPacketsError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_ts_packets_error_total",
			Help: "Total TS packets with the transport error indicator set.",
		}),
		QualityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bonproxy_quality_score",
			Help: "Current quality score (0-1) per tuner device path.",
		}, []string{"tuner_path"}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bonproxy_connections_rejected_total",
			Help: "Total connections rejected by the admission guard.",
		}),
		CPUUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bonproxy_cpu_usage_percent",
			Help: "Last-sampled host CPU usage percentage.",
		}),
	}

	reg.MustRegister(
		m.SessionsTotal, m.SessionsActive,
		m.TunersActive, m.TunersTotal,
		m.TSBytesReceived, m.TSBytesSent,
		m.TunerSwitches, m.SessionErrors,
		m.SubscriberDrops,
		m.TSPacketsTotal, m.TSPacketsDropped, m.TSPacketsScrambled, m.TSPacketsError,
		m.QualityScore,
		m.ConnectionsRejected,
		m.CPUUsagePercent,
	)
	return m
}
