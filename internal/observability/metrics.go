package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relayctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"component", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "route", "status"},
	)

	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Client session state transitions by target state.",
		},
		[]string{"state"},
	)
	sessionFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_sent_total",
			Help:      "Frames written by client sessions, split into new and replayed.",
		},
		[]string{"kind"},
	)
	sessionReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts by outcome.",
		},
		[]string{"outcome"},
	)
	sessionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "requests_resolved_total",
			Help:      "Resolved pending requests by outcome.",
		},
		[]string{"outcome"},
	)

	brokerSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "sessions",
			Help:      "Sessions currently known to the broker, attached or awaiting reconnect.",
		},
	)
	brokerRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "routed_total",
			Help:      "Messages routed by the broker by message type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	brokerFilterMatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "filter_matches",
			Help:      "Sessions matched per filter dispatch.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionTransitions, sessionFrames, sessionReconnects, sessionRequests,
			brokerSessions, brokerRouted, brokerFilterMatches,
		)
	})
}

func RecordHTTPRequest(component, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, route, statusLabel).Observe(duration.Seconds())
}

func RecordSessionState(state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(state).Inc()
}

func RecordFrameSent(replayed bool) {
	RegisterMetrics()
	kind := "new"
	if replayed {
		kind = "replayed"
	}
	sessionFrames.WithLabelValues(kind).Inc()
}

func RecordReconnectAttempt(success bool) {
	RegisterMetrics()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	sessionReconnects.WithLabelValues(outcome).Inc()
}

func RecordRequestResolved(outcome string) {
	RegisterMetrics()
	sessionRequests.WithLabelValues(outcome).Inc()
}

func SetBrokerSessions(n int) {
	RegisterMetrics()
	brokerSessions.Set(float64(n))
}

func RecordBrokerRouted(messageType, outcome string) {
	RegisterMetrics()
	brokerRouted.WithLabelValues(messageType, outcome).Inc()
}

func RecordFilterMatches(n int) {
	RegisterMetrics()
	brokerFilterMatches.Observe(float64(n))
}
