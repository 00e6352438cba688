package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamrelay"

type moduleMetrics struct {
	queueSize  *prometheus.GaugeVec
	queuePush  *prometheus.CounterVec
	queuePop   *prometheus.CounterVec
	activation *prometheus.CounterVec

	activeSessions   prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	tokenRequests    *prometheus.CounterVec
	tokenDuration    *prometheus.HistogramVec
	streamEnds       *prometheus.CounterVec
	streamMessages   prometheus.Counter
	streamReconnects prometheus.Counter

	notifications *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			queuePush: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_push_total",
					Help:      "Total push operations by lane.",
				},
				[]string{"lane"},
			),
			queuePop: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_pop_total",
					Help:      "Total pop operations by lane.",
				},
				[]string{"lane"},
			),
			activation: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "activations_total",
					Help:      "Processed activation requests by outcome.",
				},
				[]string{"outcome"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current number of running stream sessions.",
				},
			),
			stateTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_state_transitions_total",
					Help:      "Session state transitions by target state.",
				},
				[]string{"state"},
			),
			tokenRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "token_requests_total",
					Help:      "Listen token requests by kind and status.",
				},
				[]string{"kind", "status"},
			),
			tokenDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "token_request_duration_seconds",
					Help:      "Listen token request duration in seconds by kind.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			streamEnds: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_connections_ended_total",
					Help:      "Ended stream connections by outcome.",
				},
				[]string{"outcome"},
			),
			streamMessages: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_messages_total",
					Help:      "Inbound stream frames forwarded to the sink.",
				},
			),
			streamReconnects: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_reconnects_total",
					Help:      "Stream connections reopened by the reconnect loop.",
				},
			),
			notifications: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "notifications_total",
					Help:      "Notifications delivered to users by status.",
				},
				[]string{"status"},
			),
			storeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "profile_store_duration_seconds",
					Help:      "Profile store operation duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			storeErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "profile_store_errors_total",
					Help:      "Profile store operation errors.",
				},
				[]string{"op"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.queuePush,
			m.queuePop,
			m.activation,
			m.activeSessions,
			m.stateTransitions,
			m.tokenRequests,
			m.tokenDuration,
			m.streamEnds,
			m.streamMessages,
			m.streamReconnects,
			m.notifications,
			m.storeDuration,
			m.storeErrors,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueuePush(lane string, queueSize int) {
	m := getMetrics()
	m.queuePush.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueuePop(lane string, queueSize int) {
	m := getMetrics()
	m.queuePop.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordActivation counts one processed activation; outcome is one of
// started, stopped, invalid_credential, store_error, malformed.
func RecordActivation(outcome string) {
	getMetrics().activation.WithLabelValues(outcome).Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordStateTransition(state string) {
	getMetrics().stateTransitions.WithLabelValues(state).Inc()
}

func RecordTokenRequest(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.tokenRequests.WithLabelValues(kind, status).Inc()
	m.tokenDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordStreamEnd(outcome string) {
	getMetrics().streamEnds.WithLabelValues(outcome).Inc()
}

func RecordStreamMessage() {
	getMetrics().streamMessages.Inc()
}

func RecordStreamReconnect() {
	getMetrics().streamReconnects.Inc()
}

func RecordNotification(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().notifications.WithLabelValues(status).Inc()
}

func RecordStoreOp(op string, duration time.Duration, success bool) {
	m := getMetrics()
	m.storeDuration.WithLabelValues(op).Observe(duration.Seconds())
	if !success {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}
